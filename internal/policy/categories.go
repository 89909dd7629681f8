package policy

import "strings"

// toolCategories maps known tool identifiers to their policy category.
// Lookups are case-insensitive; anything missing falls back to shell.
var toolCategories = map[string]Category{
	// file
	"read":               CategoryFile,
	"read_file":          CategoryFile,
	"file_read":          CategoryFile,
	"write":              CategoryFile,
	"write_file":         CategoryFile,
	"file_write":         CategoryFile,
	"create_file":        CategoryFile,
	"append_file":        CategoryFile,
	"edit":               CategoryFile,
	"edit_file":          CategoryFile,
	"str_replace_editor": CategoryFile,
	"move_file":          CategoryFile,
	"copy_file":          CategoryFile,
	"delete":             CategoryFile,
	"delete_file":        CategoryFile,
	"remove_file":        CategoryFile,
	"list":               CategoryFile,
	"list_dir":           CategoryFile,
	"list_directory":     CategoryFile,
	"list_files":         CategoryFile,
	"glob":               CategoryFile,

	// network
	"fetch":        CategoryNetwork,
	"web_fetch":    CategoryNetwork,
	"http":         CategoryNetwork,
	"http_request": CategoryNetwork,
	"http_get":     CategoryNetwork,
	"http_post":    CategoryNetwork,
	"download":     CategoryNetwork,
	"browser":      CategoryNetwork,
	"browse":       CategoryNetwork,
	"navigate":     CategoryNetwork,
	"websocket":    CategoryNetwork,

	// shell
	"bash":        CategoryShell,
	"sh":          CategoryShell,
	"shell":       CategoryShell,
	"exec":        CategoryShell,
	"execute":     CategoryShell,
	"run":         CategoryShell,
	"run_command": CategoryShell,
	"terminal":    CategoryShell,
	"system.run":  CategoryShell,

	// secret
	"secret":      CategorySecret,
	"get_secret":  CategorySecret,
	"read_secret": CategorySecret,
	"secrets.get": CategorySecret,
	"get_env":     CategorySecret,
	"getenv":      CategorySecret,
	"vault_read":  CategorySecret,
}

// fileOperations maps file tools to the operation they perform.
var fileOperations = map[string]FileOperation{
	"read":               OpRead,
	"read_file":          OpRead,
	"file_read":          OpRead,
	"write":              OpWrite,
	"write_file":         OpWrite,
	"file_write":         OpWrite,
	"create_file":        OpWrite,
	"append_file":        OpWrite,
	"edit":               OpWrite,
	"edit_file":          OpWrite,
	"str_replace_editor": OpWrite,
	"move_file":          OpWrite,
	"copy_file":          OpWrite,
	"delete":             OpDelete,
	"delete_file":        OpDelete,
	"remove_file":        OpDelete,
	"list":               OpList,
	"list_dir":           OpList,
	"list_directory":     OpList,
	"list_files":         OpList,
	"glob":               OpList,
}

// CategoryForTool classifies a tool identifier. Unknown tools are treated
// as shell, the most restrictive category.
func CategoryForTool(tool string) Category {
	if c, ok := toolCategories[normalizeTool(tool)]; ok {
		return c
	}
	return CategoryShell
}

// IsKnownTool reports whether tool appears in the category table.
func IsKnownTool(tool string) bool {
	_, ok := toolCategories[normalizeTool(tool)]
	return ok
}

// OperationForTool returns the file operation a tool performs. Unknown
// file tools are assumed to write.
func OperationForTool(tool string) FileOperation {
	if op, ok := fileOperations[normalizeTool(tool)]; ok {
		return op
	}
	return OpWrite
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
