// Package prompt holds the catalog of text-action prompts. Built-in actions
// cover explain, rewrite, and chat; deployments can override or extend them
// from a JSON or YAML file.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ErrUnknownAction is returned when rendering an action the catalog lacks.
var ErrUnknownAction = errors.New("unknown action")

// ActionSpec describes one action: the system prompt that frames it and the
// user template that carries the request. Templates see {{.Text}} (the user's
// query or instruction) and {{.Selected}} (the selected text, may be empty).
type ActionSpec struct {
	Action       string `json:"action" yaml:"action"`
	System       string `json:"system" yaml:"system"`
	UserTemplate string `json:"user_template" yaml:"user_template"`
}

// ValidationResult represents the outcome of a catalog linting pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Catalog maps action names to their specs.
type Catalog struct {
	actions   map[string]ActionSpec
	templates map[string]*template.Template
}

func builtins() []ActionSpec {
	return []ActionSpec{
		{
			Action: "explain",
			System: "You are Aria, a realtime desktop assistant. Explain the given text " +
				"clearly and concisely. Prefer plain language and short paragraphs.",
			UserTemplate: "Explain the following text:\n\n{{.Selected}}" +
				"{{if .Text}}\n\nThe user adds: {{.Text}}{{end}}",
		},
		{
			Action: "rewrite",
			System: "You are Aria, a realtime desktop assistant. Rewrite the given text " +
				"as instructed. Return only the rewritten text, no preamble.",
			UserTemplate: "Rewrite the following text:\n\n{{.Selected}}\n\nInstruction: {{.Text}}",
		},
		{
			Action: "chat",
			System: "You are Aria, a realtime desktop assistant. Answer the user directly. " +
				"Treat any provided selection as context, not as the question.",
			UserTemplate: "{{if .Selected}}Context:\n{{.Selected}}\n\n{{end}}{{.Text}}",
		},
	}
}

// NewCatalog returns a catalog with the built-in actions.
func NewCatalog() *Catalog {
	c := &Catalog{
		actions:   make(map[string]ActionSpec),
		templates: make(map[string]*template.Template),
	}
	for _, spec := range builtins() {
		// Built-in templates are constants and always parse.
		c.put(spec)
	}
	return c
}

func (c *Catalog) put(spec ActionSpec) error {
	tmpl, err := template.New(spec.Action).Parse(spec.UserTemplate)
	if err != nil {
		return fmt.Errorf("action %q: bad user template: %w", spec.Action, err)
	}
	c.actions[spec.Action] = spec
	c.templates[spec.Action] = tmpl
	return nil
}

type overrideFile struct {
	Actions []ActionSpec `json:"actions" yaml:"actions"`
}

// LoadOverrides reads action specs from a file (JSON or YAML) and merges them
// over the built-ins. Actions with the same name replace; new names extend.
func (c *Catalog) LoadOverrides(path string) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file overrideFile
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to unmarshal JSON catalog: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to unmarshal YAML catalog: %w", err)
		}
	default:
		return fmt.Errorf("unsupported catalog format: %s (use .json or .yaml)", ext)
	}

	for _, spec := range file.Actions {
		if spec.Action == "" {
			return errors.New("catalog entry without an action name")
		}
		if err := c.put(spec); err != nil {
			return err
		}
	}
	return nil
}

// Actions returns the known action names.
func (c *Catalog) Actions() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	return names
}

// Lookup returns the ActionSpec registered under the given action name.
func (c *Catalog) Lookup(action string) (ActionSpec, bool) {
	spec, ok := c.actions[action]
	return spec, ok
}

// Validate checks every action in the catalog for completeness and quality.
func (c *Catalog) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}

	for name, spec := range c.actions {
		if spec.System == "" {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("action %q: system prompt is required", name))
		} else if len(spec.System) < 20 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("action %q: system prompt is very short", name))
		}

		if spec.UserTemplate == "" {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("action %q: user template is required", name))
			continue
		}
		if !strings.Contains(spec.UserTemplate, ".Text") && !strings.Contains(spec.UserTemplate, ".Selected") {
			res.Warnings = append(res.Warnings, fmt.Sprintf("action %q: user template references neither the query nor the selection", name))
		}
	}

	return res
}

// Render produces the system and user prompts for an action. Memories are
// appended to the system prompt as context about the subject.
func (c *Catalog) Render(action, text, selected string, memories []string) (string, string, error) {
	spec, ok := c.actions[action]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	var user strings.Builder
	err := c.templates[action].Execute(&user, struct {
		Text     string
		Selected string
	}{Text: text, Selected: selected})
	if err != nil {
		return "", "", fmt.Errorf("action %q: render failed: %w", action, err)
	}

	system := spec.System
	if len(memories) > 0 {
		var block strings.Builder
		block.WriteString(system)
		block.WriteString("\n\nYou remember the following about this user:\n")
		for _, m := range memories {
			block.WriteString("- ")
			block.WriteString(m)
			block.WriteString("\n")
		}
		system = strings.TrimRight(block.String(), "\n")
	}

	return system, user.String(), nil
}
