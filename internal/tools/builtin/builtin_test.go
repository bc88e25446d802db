package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

func sessionCtx(id string) context.Context {
	return observability.WithSessionID(context.Background(), id)
}

func TestFinishTool(t *testing.T) {
	tool := NewFinishTool()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"text":"all done"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "all done" {
		t.Errorf("Content = %q, want all done", result.Content)
	}

	result, err = tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "Done" {
		t.Errorf("Content = %q, want Done", result.Content)
	}
}

func TestProgressTool(t *testing.T) {
	tool := NewProgressTool()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"message":"halfway there"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "halfway there" {
		t.Errorf("Content = %q", result.Content)
	}
}

func TestPlanTool(t *testing.T) {
	tool := NewPlanTool()
	args := json.RawMessage(`{"items":[{"step":"read code","status":"completed"},{"step":"write fix"}]}`)
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Plan == nil {
		t.Fatal("Plan = nil, want plan update")
	}
	if len(result.Plan.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(result.Plan.Items))
	}
	// Missing status defaults to pending.
	if result.Plan.Items[1].Status != "pending" {
		t.Errorf("Items[1].Status = %q, want pending", result.Plan.Items[1].Status)
	}

	result, err = tool.Execute(context.Background(), json.RawMessage(`{"items":[]}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("empty plan should be an error result")
	}
}

func TestPwdAndCdTools(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	ws := tools.NewWorkspace(root)
	ctx := sessionCtx("s1")

	pwd := NewPwdTool(ws)
	result, err := pwd.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("pwd error = %v", err)
	}
	if result.Content != root {
		t.Errorf("pwd = %q, want %q", result.Content, root)
	}

	cd := NewCdTool(ws)
	result, err = cd.Execute(ctx, json.RawMessage(`{"path":"sub"}`))
	if err != nil {
		t.Fatalf("cd error = %v", err)
	}
	if result.IsError {
		t.Fatalf("cd result = %+v", result)
	}

	result, err = pwd.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("pwd error = %v", err)
	}
	if result.Content != sub {
		t.Errorf("pwd after cd = %q, want %q", result.Content, sub)
	}

	result, err = cd.Execute(ctx, json.RawMessage(`{"path":"missing"}`))
	if err != nil {
		t.Fatalf("cd error = %v", err)
	}
	if !result.IsError {
		t.Error("cd to missing directory should be an error result")
	}
}

func TestReadWriteEditTools(t *testing.T) {
	root := t.TempDir()
	ws := tools.NewWorkspace(root)
	ctx := sessionCtx("s1")

	write := NewWriteTool(ws)
	result, err := write.Execute(ctx, json.RawMessage(`{"path":"a.txt","content":"a\nb\nc\n"}`))
	if err != nil {
		t.Fatalf("write error = %v", err)
	}
	if result.IsError {
		t.Fatalf("write result = %+v", result)
	}
	if result.Artifact == nil || result.Artifact.Kind != models.ArtifactFileDiff {
		t.Fatalf("write artifact = %+v, want file_diff", result.Artifact)
	}
	// New file: all lines are additions.
	if result.Artifact.Summary.Additions != 3 || result.Artifact.Summary.Deletions != 0 {
		t.Errorf("write summary = %+v, want +3/-0", result.Artifact.Summary)
	}

	read := NewReadTool(ws)
	result, err = read.Execute(ctx, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if result.Content != "a\nb\nc\n" {
		t.Errorf("read = %q", result.Content)
	}

	edit := NewEditTool(ws)
	result, err = edit.Execute(ctx, json.RawMessage(`{"path":"a.txt","old_string":"b","new_string":"B"}`))
	if err != nil {
		t.Fatalf("edit error = %v", err)
	}
	if result.IsError {
		t.Fatalf("edit result = %+v", result)
	}
	if result.Artifact == nil {
		t.Fatal("edit artifact = nil")
	}
	if result.Artifact.Summary.Additions != 1 || result.Artifact.Summary.Deletions != 1 {
		t.Errorf("edit summary = %+v, want +1/-1", result.Artifact.Summary)
	}

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a\nB\nc\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestEditToolAmbiguousMatch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x x x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws := tools.NewWorkspace(root)
	ctx := sessionCtx("s1")

	edit := NewEditTool(ws)
	result, err := edit.Execute(ctx, json.RawMessage(`{"path":"a.txt","old_string":"x","new_string":"y"}`))
	if err != nil {
		t.Fatalf("edit error = %v", err)
	}
	if !result.IsError {
		t.Error("ambiguous edit should be an error result")
	}

	result, err = edit.Execute(ctx, json.RawMessage(`{"path":"a.txt","old_string":"x","new_string":"y","replace_all":true}`))
	if err != nil {
		t.Fatalf("edit error = %v", err)
	}
	if result.IsError {
		t.Fatalf("replace_all edit = %+v", result)
	}
	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	if string(data) != "y y y" {
		t.Errorf("file content = %q, want y y y", data)
	}
}

func TestLsTool(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws := tools.NewWorkspace(root)

	ls := NewLsTool(ws)
	result, err := ls.Execute(sessionCtx("s1"), nil)
	if err != nil {
		t.Fatalf("ls error = %v", err)
	}
	if result.Content != "dir/\nfile.txt" {
		t.Errorf("ls = %q", result.Content)
	}
}

func TestBashTool(t *testing.T) {
	root := t.TempDir()
	ws := tools.NewWorkspace(root)
	ctx := sessionCtx("s1")

	bash := NewBashTool(ws)
	result, err := bash.Execute(ctx, json.RawMessage(`{"cmd":"echo hello"}`))
	if err != nil {
		t.Fatalf("bash error = %v", err)
	}
	if result.IsError {
		t.Fatalf("bash result = %+v", result)
	}
	if strings.TrimSpace(result.Content) != "hello" {
		t.Errorf("bash output = %q, want hello", result.Content)
	}
}

func TestBashToolRunsInSessionCwd(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	ws := tools.NewWorkspace(root)
	ctx := sessionCtx("s1")
	if _, err := ws.Chdir("s1", "sub"); err != nil {
		t.Fatal(err)
	}

	bash := NewBashTool(ws)
	result, err := bash.Execute(ctx, json.RawMessage(`{"cmd":"pwd"}`))
	if err != nil {
		t.Fatalf("bash error = %v", err)
	}
	if !strings.Contains(result.Content, "sub") {
		t.Errorf("bash pwd = %q, want inside sub", result.Content)
	}
}

func TestBashToolNonZeroExit(t *testing.T) {
	ws := tools.NewWorkspace(t.TempDir())
	bash := NewBashTool(ws)

	result, err := bash.Execute(sessionCtx("s1"), json.RawMessage(`{"cmd":"echo oops >&2; exit 3"}`))
	if err != nil {
		t.Fatalf("bash error = %v", err)
	}
	if !result.IsError {
		t.Fatal("non-zero exit should be an error result")
	}
	if !strings.Contains(result.Content, "oops") || !strings.Contains(result.Content, "exit status 3") {
		t.Errorf("bash output = %q", result.Content)
	}
}

func TestBashToolStreams(t *testing.T) {
	ws := tools.NewWorkspace(t.TempDir())
	bash := NewBashTool(ws)

	chunks, err := bash.ExecuteStream(sessionCtx("s1"), json.RawMessage(`{"cmd":"echo one; echo two >&2"}`))
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}

	sawStdout, sawStderr := false, false
	var result *tools.Result
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error = %v", chunk.Err)
		}
		switch chunk.Channel {
		case "stdout":
			sawStdout = true
		case "stderr":
			sawStderr = true
		}
		if chunk.Result != nil {
			result = chunk.Result
		}
	}
	if !sawStdout || !sawStderr {
		t.Errorf("sawStdout=%v sawStderr=%v, want both", sawStdout, sawStderr)
	}
	if result == nil {
		t.Fatal("no final result chunk")
	}
	if !strings.Contains(result.Content, "one") || !strings.Contains(result.Content, "two") {
		t.Errorf("combined output = %q", result.Content)
	}
}
