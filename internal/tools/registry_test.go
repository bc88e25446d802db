package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echo a message back." }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"message": {"type": "string"}},
		"required": ["message"]
	}`)
}
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Error(err.Error()), nil
	}
	return &Result{Content: input.Message}, nil
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError || result.Content != "hi" {
		t.Errorf("result = %+v, want content hi", result)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	result, err := r.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "unknown tool") {
		t.Errorf("result = %+v, want unknown tool error", result)
	}
}

func TestRegistryValidatesSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Missing required field.
	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid arguments") {
		t.Errorf("result = %+v, want validation error", result)
	}

	// Wrong type.
	result, err = r.Execute(context.Background(), "echo", json.RawMessage(`{"message":42}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Errorf("result = %+v, want validation error for wrong type", result)
	}
}

func TestRegistryValidateArgs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.ValidateArgs("echo", json.RawMessage(`{"message":"ok"}`)); err != nil {
		t.Errorf("ValidateArgs() error = %v", err)
	}
	if err := r.ValidateArgs("echo", json.RawMessage(`{}`)); err == nil {
		t.Error("ValidateArgs() expected error for missing field")
	}
	if err := r.ValidateArgs("missing", nil); err == nil {
		t.Error("ValidateArgs() expected error for unknown tool")
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "echo" {
		t.Errorf("Names() = %v, want [echo]", names)
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	bad := &badSchemaTool{}
	if err := r.Register(bad); err == nil {
		t.Error("Register() expected error for invalid schema")
	}
}

type badSchemaTool struct{}

func (t *badSchemaTool) Name() string { return "bad" }

func (t *badSchemaTool) Description() string { return "" }

func (t *badSchemaTool) Schema() json.RawMessage { return json.RawMessage(`{"type": 42}`) }
func (t *badSchemaTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return &Result{}, nil
}
