package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchHost(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		host     string
		want     bool
	}{
		{"wildcard matches subdomain", []string{"*.example.com"}, "api.example.com", true},
		{"wildcard matches nested subdomain", []string{"*.example.com"}, "a.b.example.com", true},
		{"wildcard excludes apex", []string{"*.example.com"}, "example.com", false},
		{"wildcard excludes lookalike", []string{"*.example.com"}, "badexample.com", false},
		{"exact", []string{"github.com"}, "github.com", true},
		{"exact is case-insensitive", []string{"GitHub.com"}, "github.COM.", true},
		{"exact does not match subdomain", []string{"github.com"}, "api.github.com", false},
		{"star matches anything", []string{"*"}, "anything.test", true},
		{"empty host never matches", []string{"*"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchHost(tt.patterns, tt.host))
		})
	}
}

func TestMatchCommand(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		cmd      string
		want     bool
	}{
		{"prefix", []string{"git*"}, "git status", true},
		{"prefix with space", []string{"git push*"}, "git  push   origin", true},
		{"prefix mismatch", []string{"git*"}, "rm -rf /", false},
		{"exact", []string{"ls -la"}, "ls -la", true},
		{"exact mismatch", []string{"ls -la"}, "ls -la /", false},
		{"star", []string{"*"}, "anything", true},
		{"empty command", []string{"*"}, "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCommand(tt.patterns, tt.cmd))
		})
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"double star", []string{"/workspace/**"}, "/workspace/a/b/c.txt", true},
		{"single star stays in dir", []string{"/workspace/*"}, "/workspace/a/b.txt", false},
		{"dotfile glob", []string{"/**/.env"}, "/srv/app/.env", true},
		{"traversal resolved", []string{"/workspace/**"}, "/workspace/../../etc/shadow", false},
		{"backslashes normalized", []string{"/workspace/**"}, "\\workspace\\x.txt", true},
		{"star matches anything", []string{"*"}, "/etc/passwd", true},
		{"empty path", []string{"**"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPath(tt.patterns, tt.path))
		})
	}
}

func TestMatchSecret(t *testing.T) {
	assert.True(t, matchSecret([]string{"OPENAI_API_KEY"}, "OPENAI_API_KEY"))
	assert.False(t, matchSecret([]string{"OPENAI_API_KEY"}, "openai_api_key"))
	assert.True(t, matchSecret([]string{"*"}, "ANY"))
	assert.False(t, matchSecret([]string{"*"}, ""))
}

func TestCategoryForTool(t *testing.T) {
	tests := []struct {
		tool string
		want Category
	}{
		{"read_file", CategoryFile},
		{"Write_File", CategoryFile},
		{"http_request", CategoryNetwork},
		{"bash", CategoryShell},
		{"get_secret", CategorySecret},
		{"never_heard_of_it", CategoryShell},
		{"", CategoryShell},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryForTool(tt.tool))
		})
	}
}

func TestIsKnownTool(t *testing.T) {
	assert.True(t, IsKnownTool("bash"))
	assert.True(t, IsKnownTool(" Read_File "))
	assert.False(t, IsKnownTool("never_heard_of_it"))
	assert.False(t, IsKnownTool(""))
}

func TestOperationForTool(t *testing.T) {
	assert.Equal(t, OpRead, OperationForTool("read_file"))
	assert.Equal(t, OpWrite, OperationForTool("edit_file"))
	assert.Equal(t, OpDelete, OperationForTool("delete_file"))
	assert.Equal(t, OpList, OperationForTool("list_directory"))
	assert.Equal(t, OpWrite, OperationForTool("mystery_file_tool"))
}
