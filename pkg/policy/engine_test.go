package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func objectInput(typ, id string, fields map[string]any) *Input {
	return &Input{
		Object:    ObjectInput{ID: id, Cloud: "src", Type: typ, Fields: fields},
		Migration: MigrationInput{Name: "all", Source: "src", Destination: "dst"},
	}
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "image-status,large-volume,server-state" {
		t.Errorf("Unexpected built-in policies: %s", got)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		input       *Input
		wantAllowed bool
		wantCount   int
	}{
		{"active server", objectInput("server", "s1", map[string]any{"status": "ACTIVE"}), true, 0},
		{"broken server", objectInput("server", "s1", map[string]any{"status": "ERROR"}), false, 1},
		{"active image", objectInput("image", "i1", map[string]any{"status": "active"}), true, 0},
		{"queued image", objectInput("image", "i1", map[string]any{"status": "queued"}), false, 1},
		{"small volume", objectInput("volume", "v1", map[string]any{"size": 10}), true, 0},
		{"large volume", objectInput("volume", "v1", map[string]any{"size": 2048}), true, 1},
		{"tenant", objectInput("tenant", "t1", map[string]any{"name": "ops"}), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if len(result.Violations) != tt.wantCount {
				t.Errorf("Expected %d violations, got %+v", tt.wantCount, result.Violations)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_DisabledPolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy("server-state"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), objectInput("server", "s1", map[string]any{"status": "ERROR"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be ignored, got %+v", result.Violations)
	}

	if err := eng.EnablePolicy("unknown"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package custom.flavors

# GPU servers are moved by hand

deny[msg] {
	input.object.type == "server"
	input.object.fields.flavor == "gpu.xlarge"
	msg := sprintf("server %s uses a gpu flavor", [input.object.id])
}`
	if err := os.WriteFile(filepath.Join(dir, "gpu-flavors.rego"), []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# policies"), 0644); err != nil {
		t.Fatalf("Failed to write readme: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("gpu-flavors")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "GPU servers are moved by hand" {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", p.Severity)
	}

	result, err := eng.Evaluate(context.Background(), objectInput("server", "s9", map[string]any{"flavor": "gpu.xlarge"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected custom policy to deny the server")
	}
	if result.Violations[0].Message != "server s9 uses a gpu flavor" || result.Violations[0].Object != "server:src:s9" {
		t.Errorf("Unexpected violation %+v", result.Violations[0])
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\ndeny[msg] {"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("Expected compile error")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.json")
	data := `{"name": "json-policy", "rego": "package j\ndeny[msg] { false }", "enabled": true}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	p, err := NewLoader(zerolog.Nop()).loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if p.Name != "json-policy" || p.Severity != SeverityError || p.Source != path {
		t.Errorf("Unexpected policy %+v", p)
	}
}

func TestDeniedError(t *testing.T) {
	err := error(&DeniedError{Violations: []Violation{
		{Policy: "server-state", Object: "server:src:s1", Message: "server s1 is in ERROR state", Severity: SeverityError},
	}})

	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatal("Expected DeniedError")
	}
	want := "migration denied by policy: server:src:s1: server s1 is in ERROR state (server-state)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
