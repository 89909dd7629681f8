package interceptor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/shlex"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
)

// Argument keys consulted per category, highest priority first.
var (
	fileKeys    = []string{"path", "file", "filepath", "file_path", "filename", "target", "source", "dest"}
	networkKeys = []string{"url", "uri", "endpoint", "host", "hostname", "domain", "address"}
	shellKeys   = []string{"command", "cmd", "script", "command_line", "commandLine"}
	secretKeys  = []string{"name", "secret", "secret_name", "secretName", "key"}
	positional  = []string{"args", "argv"}
)

// errNoEntity is wrapped by every extraction failure.
var errNoEntity = errors.New("cannot determine entity")

// Target is what the policy engine evaluates for one call.
type Target struct {
	Category  policy.Category
	Operation policy.FileOperation
	// Entity is the normalized path, host, command line or secret name.
	Entity string
	// Segments holds the simple commands of a compound shell line. Each
	// one is evaluated on its own.
	Segments []string
}

// Extract classifies tool and pulls the entity out of args.
func Extract(tool string, args map[string]any) (Target, error) {
	t := Target{Category: policy.CategoryForTool(tool)}
	var err error
	switch t.Category {
	case policy.CategoryFile:
		t.Operation = policy.OperationForTool(tool)
		if op, ok := args["operation"].(string); ok {
			if o := policy.FileOperation(strings.ToLower(strings.TrimSpace(op))); o.Valid() {
				t.Operation = o
			}
		}
		t.Entity, err = filePath(args, t.Operation)
	case policy.CategoryNetwork:
		t.Entity, err = networkHost(args)
	case policy.CategorySecret:
		t.Entity, err = firstString(args, secretKeys)
		if err != nil {
			err = fmt.Errorf("%w: no secret name in %s", errNoEntity, strings.Join(secretKeys, ", "))
		}
	default:
		t.Entity, t.Segments, err = shellCommand(args)
	}
	return t, err
}

func filePath(args map[string]any, op policy.FileOperation) (string, error) {
	p, err := firstString(args, fileKeys)
	if err != nil && (op == policy.OpRead || op == policy.OpWrite) {
		p, err = positionalArg(args)
	}
	if err != nil {
		return "", fmt.Errorf("%w: no file path in %s", errNoEntity, strings.Join(fileKeys, ", "))
	}
	cleaned := policy.CleanPath(p)
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: empty file path", errNoEntity)
	}
	return cleaned, nil
}

func positionalArg(args map[string]any) (string, error) {
	for _, k := range positional {
		if list, ok := args[k].([]any); ok && len(list) > 0 {
			if s, ok := list[0].(string); ok && strings.TrimSpace(s) != "" {
				return s, nil
			}
		}
	}
	if s, ok := args["0"].(string); ok && strings.TrimSpace(s) != "" {
		return s, nil
	}
	return "", errNoEntity
}

func networkHost(args map[string]any) (string, error) {
	raw, err := firstString(args, networkKeys)
	if err != nil {
		return "", fmt.Errorf("%w: no host in %s", errNoEntity, strings.Join(networkKeys, ", "))
	}
	host := hostOf(raw)
	if host == "" {
		return "", fmt.Errorf("%w: cannot parse host from %q", errNoEntity, truncate(raw))
	}
	return host, nil
}

// hostOf accepts a full URL, a scheme-less "host[:port][/path]" or a bare
// host and returns the lowercased hostname without port or trailing dot.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return policy.NormalizeHost(u.Hostname())
}

func shellCommand(args map[string]any) (string, []string, error) {
	line, _ := firstString(args, shellKeys)
	if line == "" {
		for _, k := range shellKeys {
			if parts := stringList(args[k]); len(parts) > 0 {
				line = strings.Join(parts, " ")
				break
			}
		}
	}
	for _, k := range positional {
		if parts := stringList(args[k]); len(parts) > 0 {
			line = strings.TrimSpace(line + " " + strings.Join(parts, " "))
			break
		}
	}
	if strings.TrimSpace(line) == "" {
		return "", nil, fmt.Errorf("%w: no command in %s", errNoEntity, strings.Join(append(shellKeys, positional...), ", "))
	}

	var segments []string
	for _, raw := range splitCompound(line) {
		words, err := shlex.Split(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: unparseable command %q: %v", errNoEntity, truncate(raw), err)
		}
		if len(words) > 0 {
			segments = append(segments, strings.Join(words, " "))
		}
	}
	if len(segments) == 0 {
		return "", nil, fmt.Errorf("%w: empty command", errNoEntity)
	}
	return strings.Join(segments, " ; "), segments, nil
}

// splitCompound cuts a command line at ; & | and newlines, and around
// $( ... ) and backtick substitutions, ignoring separators inside quotes.
// Substitutions are split inside double quotes too, because the shell
// still runs them there.
func splitCompound(line string) []string {
	var (
		out     []string
		cur     strings.Builder
		single  bool
		double  bool
		escaped bool
	)
	cut := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !single:
			escaped = true
			cur.WriteByte(c)
		case c == '\'' && !double:
			single = !single
			cur.WriteByte(c)
		case c == '"' && !single:
			double = !double
			cur.WriteByte(c)
		case single:
			cur.WriteByte(c)
		case c == '`', c == '$' && i+1 < len(line) && line[i+1] == '(':
			if c == '$' {
				i++
			}
			cut()
		case double:
			cur.WriteByte(c)
		case c == ';', c == '&', c == '|', c == '\n', c == '(', c == ')':
			cut()
		default:
			cur.WriteByte(c)
		}
	}
	cut()
	return out
}

// firstString returns the first non-blank string value among keys.
func firstString(args map[string]any, keys []string) (string, error) {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", errNoEntity
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case float64, bool:
			out = append(out, fmt.Sprint(x))
		}
	}
	return out
}

func truncate(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
