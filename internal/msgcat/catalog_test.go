package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedRender(t *testing.T) {
	c := MustDefault()
	got, err := c.Render("errors.illegal_move", map[string]any{"move": "e2e5", "reason": "not a legal move"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Illegal move e2e5: not a legal move." {
		t.Fatalf("got %q", got)
	}
	if _, err := c.Render("errors.illegal_move", map[string]any{"move": "e2e5"}); err == nil {
		t.Fatalf("missing key should fail")
	}
	if got := c.Text("errors.nope", nil); got != "errors.nope" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  not_your_turn: \"Wait for your opponent.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("errors.not_your_turn", nil); got != "Wait for your opponent." {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("errors:\n  not_your_turn: \"again\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestNonStringLeafRejected(t *testing.T) {
	if _, err := parseYAMLToFlat([]byte("errors:\n  x: 3\n")); err == nil {
		t.Fatalf("expected error for int leaf")
	}
}
