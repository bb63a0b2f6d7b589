// Package sandbox confines an agent's file and process tools to its workspace root.
//
// Every path argument goes through Resolve before any I/O. Capabilities never return
// Go errors for expected failures; they return a Result with Success=false so the
// model can read the message and adapt.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentd/pkg/exec"
	"agentd/pkg/logx"
)

// Defaults.
const (
	DefaultBashTimeout    = 120 * time.Second
	DefaultViewLimit      = 200
	DefaultMaxGlobResults = 1000
	maxLineLength         = 2000
	maxOutputBytes        = 30000
)

// Validation errors. Results wrap them in Err so callers can use errors.Is.
var (
	ErrPathEscape    = errors.New("path escapes workspace")
	ErrEditNotFound  = errors.New("old string not found")
	ErrEditAmbiguous = errors.New("old string is ambiguous")
	ErrInvalidArgs   = errors.New("invalid arguments")
)

// Result is the outcome of one capability call.
type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	TotalLines int    `json:"total_lines,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Err        error  `json:"-"`
}

func ok(output string) Result {
	return Result{Success: true, Output: output}
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

// Config holds sandbox limits. Zero values take the defaults.
type Config struct {
	BashTimeout    time.Duration
	ViewLimit      int
	MaxGlobResults int
}

// Sandbox is one agent's confined tool surface.
type Sandbox struct {
	root     string
	cfg      Config
	executor exec.Executor
	logger   *logx.Logger
}

// New creates a sandbox rooted at root, which must exist. The root is canonicalised
// so symlinked temp dirs compare correctly.
func New(root string, cfg Config, executor exec.Executor) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", abs, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", canon, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", canon)
	}

	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = DefaultBashTimeout
	}
	if cfg.ViewLimit <= 0 {
		cfg.ViewLimit = DefaultViewLimit
	}
	if cfg.MaxGlobResults <= 0 {
		cfg.MaxGlobResults = DefaultMaxGlobResults
	}
	if executor == nil {
		executor = exec.NewLocalExec()
	}

	return &Sandbox{
		root:     canon,
		cfg:      cfg,
		executor: executor,
		logger:   logx.NewLogger("sandbox"),
	}, nil
}

// Root returns the canonical workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps p (relative to the root, or absolute) to a canonical absolute path
// and rejects anything that is not the root or below it. Symlinks in the existing
// part of the path are followed before the check.
func (s *Sandbox) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, p)
	}

	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(s.root, p)
	}
	if !within(s.root, abs) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}

	canon, err := evalExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	if !within(s.root, canon) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, p, canon)
	}
	return canon, nil
}

// Rel returns abs relative to the root, for display.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExistingPrefix follows symlinks for the longest existing ancestor of p and
// re-appends the missing tail.
func evalExistingPrefix(p string) (string, error) {
	dir, tail := p, ""
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if tail == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, tail), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p, nil
		}
		tail = filepath.Join(filepath.Base(dir), tail)
		dir = parent
	}
}

func truncateOutput(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return strings.ToValidUTF8(s[:maxOutputBytes], "") + "\n... [output truncated]", true
}
