package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, args json.RawMessage) (any, error) {
	return map[string]string{"ok": "true"}, nil
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(Tool{
		Definition: Definition{Name: "lookup_client"},
		Handler:    noopHandler,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = reg.Register(Tool{
		Definition: Definition{Name: "lookup_client"},
		Handler:    noopHandler,
	})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate Register() error = %v, want %v", err, ErrDuplicateTool)
	}

	if err := reg.Register(Tool{Handler: noopHandler}); err == nil {
		t.Error("expected error for empty tool name")
	}

	if _, ok := reg.Lookup("lookup_client"); !ok {
		t.Error("expected registered tool to be found")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Error("expected missing tool to not be found")
	}
}

func TestRegistry_DefinitionsStableOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"send_conversation_summary", "get_client_products_by_client_id", "create_support_case"} {
		if err := reg.Register(Tool{Definition: Definition{Name: name}, Handler: noopHandler}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	defs := reg.Definitions()
	want := []string{"create_support_case", "get_client_products_by_client_id", "send_conversation_summary"}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("definition %d = %s, want %s", i, def.Name, want[i])
		}
	}
}

func TestResult_Output(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name:   "payload is passed through",
			result: Result{Payload: json.RawMessage(`{"client_name":"Acme"}`)},
			want:   `{"client_name":"Acme"}`,
		},
		{
			name:   "empty payload becomes empty object",
			result: Result{},
			want:   `{}`,
		},
		{
			name:   "error becomes error object",
			result: Result{Err: errors.New("client not found")},
			want:   `{"error":"client not found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Output(); got != tt.want {
				t.Errorf("Output() = %s, want %s", got, tt.want)
			}
		})
	}
}
