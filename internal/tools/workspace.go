package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace tracks the working directory for each session. File and shell
// tools resolve relative paths against the session's cwd; sessions start at
// the project root and move with the cd tool.
type Workspace struct {
	root string

	mu   sync.RWMutex
	cwds map[string]string
}

// NewWorkspace creates a workspace rooted at root. An empty root falls back
// to the process working directory.
func NewWorkspace(root string) *Workspace {
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "."
		}
	}
	return &Workspace{
		root: filepath.Clean(root),
		cwds: make(map[string]string),
	}
}

// Root returns the project root.
func (w *Workspace) Root() string {
	return w.root
}

// Cwd returns the session's current working directory.
func (w *Workspace) Cwd(sessionID string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if cwd, ok := w.cwds[sessionID]; ok {
		return cwd
	}
	return w.root
}

// Chdir changes the session's working directory. The target must exist and
// be a directory; relative paths resolve against the current cwd.
func (w *Workspace) Chdir(sessionID, dir string) (string, error) {
	resolved := w.Resolve(sessionID, dir)
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("cd: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("cd: not a directory: %s", resolved)
	}

	w.mu.Lock()
	w.cwds[sessionID] = resolved
	w.mu.Unlock()
	return resolved, nil
}

// Reset drops the session's cwd back to the project root.
func (w *Workspace) Reset(sessionID string) {
	w.mu.Lock()
	delete(w.cwds, sessionID)
	w.mu.Unlock()
}

// Resolve turns a tool-supplied path into an absolute one. Absolute paths
// and ~ expansion pass through; everything else is relative to the
// session's cwd.
func (w *Workspace) Resolve(sessionID, path string) string {
	path = strings.TrimSpace(path)
	switch {
	case path == "" || path == ".":
		return w.Cwd(sessionID)
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	case path == "~" || strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Clean(filepath.Join(home, strings.TrimPrefix(path, "~")))
		}
	}
	return filepath.Clean(filepath.Join(w.Cwd(sessionID), path))
}
