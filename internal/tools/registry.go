package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter limits applied before dispatch.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the static tool set for a scheduler. Tools are registered
// up front; the set does not change while runs are in flight.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, compiling its parameter schema for argument
// validation. A tool with the same name is replaced.
func (r *Registry) Register(tool Tool) error {
	compiled, err := jsonschema.CompileString(tool.Name()+"_params", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registeredTool{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered tools, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		result = append(result, rt.tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools and invalid arguments come back as IsError results so the model
// can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return Error(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)), nil
	}
	if len(args) > MaxToolParamsSize {
		return Error(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)), nil
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Error(fmt.Sprintf("unknown tool: %s", name)), nil
	}

	if err := r.validate(rt, args); err != nil {
		return Error(fmt.Sprintf("invalid arguments for %s: %v", name, err)), nil
	}

	return rt.tool.Execute(ctx, args)
}

// ValidateArgs checks args against a registered tool's schema without
// executing. Callers that drive StreamingTool directly use this first.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	return r.validate(rt, args)
}

func (r *Registry) validate(rt registeredTool, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return err
	}
	return rt.schema.Validate(decoded)
}
