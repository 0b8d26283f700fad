package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudferry/cloudferry/pkg/model"
)

var serverSchema = model.MustSchema("server",
	model.PrimaryKey(),
	model.Scalar("name", model.String),
	model.Scalar("status", model.String),
	model.Scalar("vcpus", model.Int),
	model.Scalar("metadata", model.Map),
	model.Reference("tenant", "tenant"),
)

func TestFilter_Match(t *testing.T) {
	obj := model.MustLoad(serverSchema, map[string]any{
		"object_id": model.NewObjectID("server", "src", "s1"),
		"name":      "web-1",
		"status":    "ACTIVE",
		"vcpus":     4,
		"metadata":  map[string]any{"role": "frontend"},
		"tenant":    model.NewObjectID("tenant", "src", "t1"),
	})

	tests := []struct {
		expr string
		want bool
	}{
		{`status == "ACTIVE"`, true},
		{`status == "ACTIVE" and vcpus > 8`, false},
		{`name.startswith("web-")`, true},
		{`metadata["role"] == "frontend"`, true},
		{`metadata.get("zone") == None`, true},
		{`tenant == "tenant:src:t1"`, true},
		{`id == "s1" and cloud == "src" and type == "server"`, true},
		{`vcpus`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NewFilter(tt.expr).Match(context.Background(), obj)
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_Errors(t *testing.T) {
	obj := model.MustLoad(serverSchema, map[string]any{
		"object_id": model.NewObjectID("server", "src", "s1"),
		"name":      "web-1",
	})

	for _, expr := range []string{"name ==", "unknown_field == 1", `name + 1`} {
		if _, err := NewFilter(expr).Match(context.Background(), obj); err == nil {
			t.Errorf("Expected error for %q", expr)
		}
	}
}

func TestFilter_Cancelled(t *testing.T) {
	obj := model.MustLoad(serverSchema, map[string]any{
		"object_id": model.NewObjectID("server", "src", "s1"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewFilter(`id == "s1"`).Match(ctx, obj); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
