package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies a policy file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// document is the on-disk policy file shape.
type document struct {
	Name            string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	DefaultDecision string         `yaml:"defaultDecision,omitempty" json:"defaultDecision,omitempty"`
	FileRules       []ruleDocument `yaml:"fileRules,omitempty" json:"fileRules,omitempty"`
	ShellRules      []ruleDocument `yaml:"shellRules,omitempty" json:"shellRules,omitempty"`
	NetworkRules    []ruleDocument `yaml:"networkRules,omitempty" json:"networkRules,omitempty"`
	SecretRules     []ruleDocument `yaml:"secretRules,omitempty" json:"secretRules,omitempty"`
}

type ruleDocument struct {
	ID          string   `yaml:"id,omitempty" json:"id,omitempty"`
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Decision    string   `yaml:"decision,omitempty" json:"decision,omitempty"`
	Priority    int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"` // nil = enabled
	Pattern     string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Patterns    []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Operations  []string `yaml:"operations,omitempty" json:"operations,omitempty"`
	Hosts       []string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Commands    []string `yaml:"commands,omitempty" json:"commands,omitempty"`
	Names       []string `yaml:"names,omitempty" json:"names,omitempty"`
}

// FormatForPath picks the encoding from a file extension. Unknown
// extensions are read as YAML.
func FormatForPath(p string) Format {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json", ".jsonc":
		return FormatJSON
	}
	return FormatYAML
}

// LoadFile reads, parses and validates a policy file.
func LoadFile(p string) (PolicySet, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return PolicySet{}, fmt.Errorf("reading policy file: %w", err)
	}
	set, err := Parse(data, FormatForPath(p))
	if err != nil {
		return PolicySet{}, fmt.Errorf("%s: %w", p, err)
	}
	return set, nil
}

// Parse decodes a policy document and validates the resulting set.
// JSON input may carry comments and trailing commas.
func Parse(data []byte, format Format) (PolicySet, error) {
	var doc document
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return PolicySet{}, fmt.Errorf("parsing policy JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return PolicySet{}, fmt.Errorf("parsing policy YAML: %w", err)
		}
	}

	set, err := doc.toPolicySet()
	if err != nil {
		return PolicySet{}, err
	}
	if err := set.Validate(); err != nil {
		return PolicySet{}, err
	}
	return set, nil
}

func (d *document) toPolicySet() (PolicySet, error) {
	set := PolicySet{
		Name:            d.Name,
		Description:     d.Description,
		DefaultDecision: Decision(strings.ToLower(strings.TrimSpace(d.DefaultDecision))),
	}
	if set.DefaultDecision == "" {
		set.DefaultDecision = DecisionBlock
	}

	groups := []struct {
		key      string
		category Category
		rules    []ruleDocument
	}{
		{"fileRules", CategoryFile, d.FileRules},
		{"shellRules", CategoryShell, d.ShellRules},
		{"networkRules", CategoryNetwork, d.NetworkRules},
		{"secretRules", CategorySecret, d.SecretRules},
	}
	for _, g := range groups {
		for i, rd := range g.rules {
			r, err := rd.toRule(g.category)
			if err != nil {
				return PolicySet{}, fmt.Errorf("%s[%d]: %w", g.key, i, err)
			}
			if r.ID == "" {
				r.ID = fmt.Sprintf("%s-%d", g.category, i+1)
			}
			set.Rules = append(set.Rules, r)
		}
	}
	return set, nil
}

func (rd *ruleDocument) toRule(category Category) (Rule, error) {
	if rd.Type != "" && Category(strings.ToLower(rd.Type)) != category {
		return Rule{}, fmt.Errorf("type %q does not match a %s rule", rd.Type, category)
	}

	r := Rule{
		ID:          rd.ID,
		Description: rd.Description,
		Category:    category,
		Decision:    Decision(strings.ToLower(strings.TrimSpace(rd.Decision))),
		Priority:    rd.Priority,
		Enabled:     rd.Enabled == nil || *rd.Enabled,
	}

	patterns := make([]string, 0, len(rd.Patterns)+1)
	if rd.Pattern != "" {
		patterns = append(patterns, rd.Pattern)
	}
	patterns = append(patterns, rd.Patterns...)

	switch category {
	case CategoryFile:
		r.Paths = append(patterns, rd.Paths...)
		for _, op := range rd.Operations {
			r.Operations = append(r.Operations, FileOperation(strings.ToLower(op)))
		}
	case CategoryNetwork:
		r.Hosts = append(patterns, rd.Hosts...)
	case CategoryShell:
		r.Commands = append(patterns, rd.Commands...)
	case CategorySecret:
		r.Names = append(patterns, rd.Names...)
	}
	return r, nil
}

// Marshal encodes set in the on-disk layout.
func Marshal(set PolicySet, format Format) ([]byte, error) {
	doc := document{
		Name:            set.Name,
		Description:     set.Description,
		DefaultDecision: string(set.DefaultDecision),
	}
	for _, r := range set.Rules {
		enabled := r.Enabled
		rd := ruleDocument{
			ID:          r.ID,
			Type:        string(r.Category),
			Description: r.Description,
			Decision:    string(r.Decision),
			Priority:    r.Priority,
			Enabled:     &enabled,
		}
		switch r.Category {
		case CategoryFile:
			rd.Paths = r.Paths
			for _, op := range r.Operations {
				rd.Operations = append(rd.Operations, string(op))
			}
			doc.FileRules = append(doc.FileRules, rd)
		case CategoryNetwork:
			rd.Hosts = r.Hosts
			doc.NetworkRules = append(doc.NetworkRules, rd)
		case CategoryShell:
			rd.Commands = r.Commands
			doc.ShellRules = append(doc.ShellRules, rd)
		case CategorySecret:
			rd.Names = r.Names
			doc.SecretRules = append(doc.SecretRules, rd)
		}
	}

	if format == FormatJSON {
		return json.MarshalIndent(doc, "", "  ")
	}
	return yaml.Marshal(doc)
}
