package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/tools"
)

// maxBashOutput caps the combined output captured for the tool result.
const maxBashOutput = 100_000

// BashTool runs shell commands in the session's working directory. It
// streams stdout and stderr as they are produced; the final result carries
// the combined output and exit status.
type BashTool struct {
	ws *tools.Workspace
}

func NewBashTool(ws *tools.Workspace) *BashTool { return &BashTool{ws: ws} }

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the session's working directory and return its output."
}

func (t *BashTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
		},
		"required": []string{"cmd"},
	})
}

// Execute runs the command without a streaming consumer by draining the
// stream internally.
func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	chunks, err := t.ExecuteStream(ctx, args)
	if err != nil {
		return nil, err
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Result != nil {
			return chunk.Result, nil
		}
	}
	return tools.Error("command produced no result"), nil
}

// ExecuteStream starts the command and emits output deltas as they arrive.
func (t *BashTool) ExecuteStream(ctx context.Context, args json.RawMessage) (<-chan tools.StreamChunk, error) {
	var input struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(input.Cmd) == "" {
		return nil, fmt.Errorf("cmd is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Cmd)
	cmd.Dir = t.ws.Cwd(observability.SessionID(ctx))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	chunks := make(chan tools.StreamChunk)
	go func() {
		defer close(chunks)

		var mu sync.Mutex
		var combined strings.Builder
		truncated := false

		emit := func(channel, delta string) {
			mu.Lock()
			if combined.Len() < maxBashOutput {
				remain := maxBashOutput - combined.Len()
				if len(delta) > remain {
					combined.WriteString(delta[:remain])
					truncated = true
				} else {
					combined.WriteString(delta)
				}
			} else {
				truncated = true
			}
			mu.Unlock()
			chunks <- tools.StreamChunk{Channel: channel, Delta: delta}
		}

		var g errgroup.Group
		g.Go(func() error { return drain(stdout, "stdout", emit) })
		g.Go(func() error { return drain(stderr, "stderr", emit) })
		readErr := g.Wait()
		waitErr := cmd.Wait()

		output := combined.String()
		if truncated {
			output += fmt.Sprintf("\n... output truncated at %d bytes ...", maxBashOutput)
		}

		result := &tools.Result{Content: output}
		switch {
		case ctx.Err() != nil:
			chunks <- tools.StreamChunk{Err: ctx.Err()}
			return
		case waitErr != nil:
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				result.IsError = true
				result.Content = fmt.Sprintf("%s\nexit status %d", output, exitErr.ExitCode())
			} else {
				chunks <- tools.StreamChunk{Err: waitErr}
				return
			}
		case readErr != nil:
			chunks <- tools.StreamChunk{Err: readErr}
			return
		}
		chunks <- tools.StreamChunk{Result: result}
	}()

	return chunks, nil
}

func drain(r io.Reader, channel string, emit func(channel, delta string)) error {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			emit(channel, string(buf[:n]))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
