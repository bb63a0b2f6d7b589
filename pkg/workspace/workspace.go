// Package workspace allocates the isolated directory each agent works in. Two
// providers exist: plain directories under a root, and git worktrees of one repo.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"agentd/pkg/config"
	"agentd/pkg/exec"
)

// ErrInvalidName is returned for empty project or agent names.
var ErrInvalidName = errors.New("invalid workspace name")

// Workspace is the handle an agent keeps for its allocation.
type Workspace struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	// Branch is set in worktree mode.
	Branch string `json:"branch,omitempty"`
}

// Provider allocates and releases workspaces.
type Provider interface {
	CreateWorkspace(ctx context.Context, project, name string) (Workspace, error)
	RemoveWorkspace(ctx context.Context, project, name string) error
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitize makes s safe as one path element.
func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "." || s == ".." {
		s = "_"
	}
	return s
}

func validate(project, name string) error {
	if project == "" || name == "" {
		return fmt.Errorf("%w: project=%q name=%q", ErrInvalidName, project, name)
	}
	return nil
}

// New builds the provider selected by cfg.
func New(cfg *config.WorkspaceConfig, executor exec.Executor) (Provider, error) {
	switch cfg.Mode {
	case "", config.WorkspaceModeDir:
		return NewDirProvider(cfg.Root), nil
	case config.WorkspaceModeWorktree:
		if cfg.Repo == "" {
			return nil, fmt.Errorf("workspace mode %q requires workspace.repo", cfg.Mode)
		}
		return NewWorktreeProvider(cfg.Repo, cfg.Root, executor), nil
	default:
		return nil, fmt.Errorf("unknown workspace mode %q", cfg.Mode)
	}
}
