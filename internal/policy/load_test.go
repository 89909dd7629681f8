package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlPolicy = `
name: dev
description: local development
defaultDecision: block
fileRules:
  - id: workspace-read
    type: file
    decision: allow
    priority: 50
    paths: ["/workspace/**"]
    operations: [read, list]
shellRules:
  - pattern: "git*"
    decision: allow
    priority: 100
    enabled: true
  - id: rm
    commands: ["rm*"]
    decision: block
    priority: 100
  - id: off
    commands: ["*"]
    decision: allow
    enabled: false
networkRules:
  - id: example
    hosts: ["*.example.com"]
    decision: approve
secretRules:
  - id: keys
    names: [OPENAI_API_KEY]
    decision: block
`

const jsonPolicy = `{
  // comments are allowed
  "name": "json-policy",
  "defaultDecision": "allow",
  "shellRules": [
    {"id": "no-sudo", "pattern": "sudo*", "decision": "block", "priority": 10,},
  ],
}`

func TestParse_YAML(t *testing.T) {
	set, err := Parse([]byte(yamlPolicy), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "dev", set.Name)
	assert.Equal(t, DecisionBlock, set.DefaultDecision)
	require.Len(t, set.Rules, 6)

	byID := map[string]Rule{}
	for _, r := range set.Rules {
		byID[r.ID] = r
	}
	assert.Equal(t, []FileOperation{OpRead, OpList}, byID["workspace-read"].Operations)
	assert.Equal(t, []string{"git*"}, byID["shell-1"].Commands)
	assert.True(t, byID["rm"].Enabled)
	assert.False(t, byID["off"].Enabled)
	assert.Equal(t, CategoryNetwork, byID["example"].Category)
	assert.Equal(t, []string{"OPENAI_API_KEY"}, byID["keys"].Names)
}

func TestParse_JSONWithComments(t *testing.T) {
	set, err := Parse([]byte(jsonPolicy), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, set.DefaultDecision)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "no-sudo", set.Rules[0].ID)
	assert.Equal(t, []string{"sudo*"}, set.Rules[0].Commands)
}

func TestParse_DefaultDecisionIsBlock(t *testing.T) {
	set, err := Parse([]byte("name: x\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, set.DefaultDecision)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"malformed yaml", "shellRules: [", "parsing policy YAML"},
		{"type mismatch", "shellRules:\n  - type: file\n    pattern: ls\n    decision: allow\n", "does not match"},
		{"bad decision", "shellRules:\n  - pattern: ls\n    decision: maybe\n", "decision must be"},
		{"no pattern", "secretRules:\n  - decision: block\n", "at least one pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatYAML)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile_EndToEndGitScenario(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
defaultDecision: block
shellRules:
  - pattern: "git*"
    decision: allow
    priority: 100
    enabled: true
`), 0o600))

	set, err := LoadFile(p)
	require.NoError(t, err)
	engine := NewEngine(set, nil)

	allowed := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "git status"})
	assert.Equal(t, DecisionAllow, allowed.Decision)

	blocked := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "rm -rf /"})
	assert.Equal(t, DecisionBlock, blocked.Decision)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshal_ReparsesToSameRules(t *testing.T) {
	orig, err := Parse([]byte(yamlPolicy), FormatYAML)
	require.NoError(t, err)

	for _, format := range []Format{FormatYAML, FormatJSON} {
		data, err := Marshal(orig, format)
		require.NoError(t, err)

		again, err := Parse(data, format)
		require.NoError(t, err, string(data))
		assert.ElementsMatch(t, orig.Rules, again.Rules)
		assert.Equal(t, orig.DefaultDecision, again.DefaultDecision)
	}
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatForPath("/etc/p.json"))
	assert.Equal(t, FormatJSON, FormatForPath("p.JSONC"))
	assert.Equal(t, FormatYAML, FormatForPath("p.yml"))
	assert.Equal(t, FormatYAML, FormatForPath("policy"))
}
