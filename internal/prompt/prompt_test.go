package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCatalog_Builtins(t *testing.T) {
	c := NewCatalog()

	for _, action := range []string{"explain", "rewrite", "chat"} {
		if _, ok := c.Lookup(action); !ok {
			t.Errorf("built-in action %q missing", action)
		}
	}

	res := c.Validate()
	if !res.Valid {
		t.Errorf("built-in catalog should validate, got errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("built-in catalog should have no warnings, got: %v", res.Warnings)
	}
}

func TestCatalog_Render(t *testing.T) {
	c := NewCatalog()

	t.Run("Explain", func(t *testing.T) {
		system, user, err := c.Render("explain", "what does this mean", "E = mc^2", nil)
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if !strings.Contains(user, "E = mc^2") {
			t.Errorf("user prompt should carry the selection, got %q", user)
		}
		if !strings.Contains(user, "what does this mean") {
			t.Errorf("user prompt should carry the query, got %q", user)
		}
		if system == "" {
			t.Error("expected a system prompt")
		}
	})

	t.Run("ChatWithoutSelection", func(t *testing.T) {
		_, user, err := c.Render("chat", "hello there", "", nil)
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if strings.Contains(user, "Context:") {
			t.Errorf("empty selection must not produce a context block, got %q", user)
		}
		if user != "hello there" {
			t.Errorf("expected bare query, got %q", user)
		}
	})

	t.Run("Memories", func(t *testing.T) {
		system, _, err := c.Render("chat", "hi", "", []string{"prefers dark roast", "lives in Berlin"})
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if !strings.Contains(system, "prefers dark roast") || !strings.Contains(system, "lives in Berlin") {
			t.Errorf("system prompt should list memories, got %q", system)
		}
	})

	t.Run("NoMemories", func(t *testing.T) {
		system, _, err := c.Render("chat", "hi", "", nil)
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if strings.Contains(system, "remember") {
			t.Errorf("no memory block expected without memories, got %q", system)
		}
	})

	t.Run("UnknownAction", func(t *testing.T) {
		_, _, err := c.Render("summarize", "x", "", nil)
		if !errors.Is(err, ErrUnknownAction) {
			t.Errorf("expected ErrUnknownAction, got %v", err)
		}
	})
}

func TestCatalog_LoadOverrides(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "prompt-test-*")
	defer os.RemoveAll(tmpDir)

	yamlPath := filepath.Join(tmpDir, "actions.yaml")
	os.WriteFile(yamlPath, []byte(`actions:
  - action: explain
    system: Custom explainer system prompt for tests.
    user_template: "EXPLAIN {{.Selected}}"
  - action: summarize
    system: Summarize the given text in one paragraph.
    user_template: "SUMMARIZE {{.Selected}}"
`), 0600)

	jsonPath := filepath.Join(tmpDir, "actions.json")
	os.WriteFile(jsonPath, []byte(`{"actions": [{"action": "translate", "system": "Translate the given text faithfully.", "user_template": "TRANSLATE {{.Text}}"}]}`), 0600)

	t.Run("YAML", func(t *testing.T) {
		c := NewCatalog()
		if err := c.LoadOverrides(yamlPath); err != nil {
			t.Fatalf("failed to load YAML: %v", err)
		}

		_, user, err := c.Render("explain", "", "some text", nil)
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if user != "EXPLAIN some text" {
			t.Errorf("override not applied, got %q", user)
		}

		if _, ok := c.Lookup("summarize"); !ok {
			t.Error("new action from overrides missing")
		}
		if _, ok := c.Lookup("chat"); !ok {
			t.Error("untouched built-in should survive overrides")
		}
	})

	t.Run("JSON", func(t *testing.T) {
		c := NewCatalog()
		if err := c.LoadOverrides(jsonPath); err != nil {
			t.Fatalf("failed to load JSON: %v", err)
		}
		if _, ok := c.Lookup("translate"); !ok {
			t.Error("new action from JSON overrides missing")
		}
	})

	t.Run("InvalidExtension", func(t *testing.T) {
		c := NewCatalog()
		if err := c.LoadOverrides(filepath.Join(tmpDir, "actions.txt")); err == nil {
			t.Error("expected error for .txt extension")
		}
	})

	t.Run("BadTemplate", func(t *testing.T) {
		badPath := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(badPath, []byte("actions:\n  - action: broken\n    system: s\n    user_template: \"{{.Text\"\n"), 0600)

		c := NewCatalog()
		if err := c.LoadOverrides(badPath); err == nil {
			t.Error("expected error for unparsable template")
		}
	})

	t.Run("MissingName", func(t *testing.T) {
		anonPath := filepath.Join(tmpDir, "anon.yaml")
		os.WriteFile(anonPath, []byte("actions:\n  - system: s\n    user_template: t\n"), 0600)

		c := NewCatalog()
		if err := c.LoadOverrides(anonPath); err == nil {
			t.Error("expected error for entry without action name")
		}
	})
}

func TestCatalog_Validate(t *testing.T) {
	t.Run("MissingSystem", func(t *testing.T) {
		c := NewCatalog()
		c.put(ActionSpec{Action: "bare", UserTemplate: "{{.Text}}"})

		res := c.Validate()
		if res.Valid {
			t.Error("expected invalid for missing system prompt")
		}
		if len(res.Errors) == 0 {
			t.Error("expected errors")
		}
	})

	t.Run("StaticTemplate", func(t *testing.T) {
		c := NewCatalog()
		c.put(ActionSpec{Action: "static", System: "A long enough system prompt here.", UserTemplate: "always the same"})

		res := c.Validate()
		if !res.Valid {
			t.Errorf("warnings must not invalidate, got errors: %v", res.Errors)
		}
		if len(res.Warnings) == 0 {
			t.Error("expected warning for template without placeholders")
		}
	})
}
