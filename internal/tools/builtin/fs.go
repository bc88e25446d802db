package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/diff"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/tools"
)

// maxReadBytes caps file reads to keep tool results inside context limits.
const maxReadBytes = 200_000

// PwdTool reports the session's current working directory.
type PwdTool struct {
	ws *tools.Workspace
}

func NewPwdTool(ws *tools.Workspace) *PwdTool { return &PwdTool{ws: ws} }

func (t *PwdTool) Name() string { return "pwd" }

func (t *PwdTool) Description() string {
	return "Print the current working directory for this session."
}

func (t *PwdTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{"type": "object", "properties": map[string]any{}})
}

func (t *PwdTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: t.ws.Cwd(observability.SessionID(ctx))}, nil
}

// CdTool changes the session's working directory.
type CdTool struct {
	ws *tools.Workspace
}

func NewCdTool(ws *tools.Workspace) *CdTool { return &CdTool{ws: ws} }

func (t *CdTool) Name() string { return "cd" }

func (t *CdTool) Description() string {
	return "Change the working directory for this session. Relative paths resolve against the current directory."
}

func (t *CdTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to change to.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *CdTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	resolved, err := t.ws.Chdir(observability.SessionID(ctx), input.Path)
	if err != nil {
		return tools.Error(err.Error()), nil
	}
	return &tools.Result{Content: resolved}, nil
}

// LsTool lists a directory.
type LsTool struct {
	ws *tools.Workspace
}

func NewLsTool(ws *tools.Workspace) *LsTool { return &LsTool{ws: ws} }

func (t *LsTool) Name() string { return "ls" }

func (t *LsTool) Description() string {
	return "List the entries of a directory. Defaults to the current working directory."
}

func (t *LsTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: current directory).",
			},
		},
	})
}

func (t *LsTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}

	resolved := t.ws.Resolve(observability.SessionID(ctx), input.Path)
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.Error(fmt.Sprintf("ls: %v", err)), nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &tools.Result{Content: strings.Join(names, "\n")}, nil
}

// ReadTool reads a file with a byte limit.
type ReadTool struct {
	ws *tools.Workspace
}

func NewReadTool(ws *tools.Workspace) *ReadTool { return &ReadTool{ws: ws} }

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file. Output is truncated past the read limit."
}

func (t *ReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return tools.Error("path is required"), nil
	}

	resolved := t.ws.Resolve(observability.SessionID(ctx), input.Path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Error(fmt.Sprintf("read: %v", err)), nil
	}
	if len(data) > maxReadBytes {
		return &tools.Result{
			Content: string(data[:maxReadBytes]) + fmt.Sprintf("\n... truncated at %d bytes ...", maxReadBytes),
		}, nil
	}
	return &tools.Result{Content: string(data)}, nil
}

// WriteTool creates or overwrites a file and attaches a diff artifact.
type WriteTool struct {
	ws *tools.Workspace
}

func NewWriteTool(ws *tools.Workspace) *WriteTool { return &WriteTool{ws: ws} }

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write content to a file, creating it and any parent directories if needed."
}

func (t *WriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write.",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return tools.Error("path is required"), nil
	}

	resolved := t.ws.Resolve(observability.SessionID(ctx), input.Path)
	oldContent := ""
	if data, err := os.ReadFile(resolved); err == nil {
		oldContent = string(data)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.Error(fmt.Sprintf("write: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return tools.Error(fmt.Sprintf("write: %v", err)), nil
	}

	return &tools.Result{
		Content:  fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.Path),
		Artifact: diff.Artifact(input.Path, oldContent, input.Content),
	}, nil
}

// EditTool replaces an exact string in a file and attaches a diff artifact.
type EditTool struct {
	ws *tools.Workspace
}

func NewEditTool(ws *tools.Workspace) *EditTool { return &EditTool{ws: ws} }

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set."
}

func (t *EditTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match.",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	})
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.OldString == input.NewString {
		return tools.Error("old_string and new_string are identical"), nil
	}

	resolved := t.ws.Resolve(observability.SessionID(ctx), input.Path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Error(fmt.Sprintf("edit: %v", err)), nil
	}
	oldContent := string(data)

	count := strings.Count(oldContent, input.OldString)
	switch {
	case count == 0:
		return tools.Error(fmt.Sprintf("old_string not found in %s", input.Path)), nil
	case count > 1 && !input.ReplaceAll:
		return tools.Error(fmt.Sprintf("old_string appears %d times in %s; pass replace_all or disambiguate", count, input.Path)), nil
	}

	var newContent string
	if input.ReplaceAll {
		newContent = strings.ReplaceAll(oldContent, input.OldString, input.NewString)
	} else {
		newContent = strings.Replace(oldContent, input.OldString, input.NewString, 1)
	}

	if err := os.WriteFile(resolved, []byte(newContent), 0o644); err != nil {
		return tools.Error(fmt.Sprintf("edit: %v", err)), nil
	}

	return &tools.Result{
		Content:  fmt.Sprintf("Edited %s (%d replacement(s))", input.Path, count),
		Artifact: diff.Artifact(input.Path, oldContent, newContent),
	}, nil
}
