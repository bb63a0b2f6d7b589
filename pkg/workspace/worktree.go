package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentd/pkg/exec"
	"agentd/pkg/logx"
)

const gitTimeout = 2 * time.Minute

// WorktreeProvider gives each agent a git worktree of repo on its own branch,
// agentd/<project>/<name>, created from the repo's HEAD.
type WorktreeProvider struct {
	repo     string
	root     string
	executor exec.Executor
	logger   *logx.Logger
}

// NewWorktreeProvider creates a provider. Worktrees live under root, or under
// <repo>/.agentd-worktrees when root is empty.
func NewWorktreeProvider(repo, root string, executor exec.Executor) *WorktreeProvider {
	if root == "" {
		root = filepath.Join(repo, ".agentd-worktrees")
	}
	if executor == nil {
		executor = exec.NewLocalExec()
	}
	return &WorktreeProvider{repo: repo, root: root, executor: executor, logger: logx.NewLogger("workspace")}
}

// BranchName is the branch a workspace is checked out on.
func BranchName(project, name string) string {
	return fmt.Sprintf("agentd/%s/%s", sanitize(project), sanitize(name))
}

func (p *WorktreeProvider) path(project, name string) (string, error) {
	dir, err := filepath.Abs(filepath.Join(p.root, sanitize(project), sanitize(name)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree path: %w", err)
	}
	return dir, nil
}

// CreateWorkspace adds the worktree. If it already exists it is reused.
func (p *WorktreeProvider) CreateWorkspace(ctx context.Context, project, name string) (Workspace, error) {
	if err := validate(project, name); err != nil {
		return Workspace{}, err
	}
	dir, err := p.path(project, name)
	if err != nil {
		return Workspace{}, err
	}
	branch := BranchName(project, name)
	ws := Workspace{Project: project, Name: name, Path: dir, Branch: branch}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		p.logger.Info("🌳 Reusing worktree %s (%s)", dir, branch)
		return ws, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	head, err := p.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Workspace{}, fmt.Errorf("rev-parse HEAD: %w", err)
	}
	if _, err := p.git(ctx, "branch", "-f", branch, strings.TrimSpace(head)); err != nil {
		return Workspace{}, fmt.Errorf("creating branch %s: %w", branch, err)
	}
	if _, err := p.git(ctx, "worktree", "add", dir, branch); err != nil {
		_, _ = p.git(ctx, "branch", "-D", branch)
		return Workspace{}, fmt.Errorf("worktree add: %w", err)
	}

	p.logger.Info("🌳 Worktree ready: %s on %s", dir, branch)
	return ws, nil
}

// RemoveWorkspace removes the worktree and deletes its branch. Manual removal is the
// fallback when git refuses.
func (p *WorktreeProvider) RemoveWorkspace(ctx context.Context, project, name string) error {
	if err := validate(project, name); err != nil {
		return err
	}
	dir, err := p.path(project, name)
	if err != nil {
		return err
	}

	if _, err := p.git(ctx, "worktree", "remove", "--force", dir); err != nil {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %w", err, removeErr)
		}
		p.logger.Warn("worktree remove failed, removed %s manually: %v", dir, err)
	}
	_, _ = p.git(ctx, "worktree", "prune")
	if _, err := p.git(ctx, "branch", "-D", BranchName(project, name)); err != nil {
		p.logger.Warn("failed to delete branch %s: %v", BranchName(project, name), err)
	}
	p.logger.Info("🗑️  Worktree removed: %s", dir)
	return nil
}

// git runs a git command in the repo and returns stdout.
func (p *WorktreeProvider) git(ctx context.Context, args ...string) (string, error) {
	logx.Debug(ctx, "workspace", "git %s (dir %s)", strings.Join(args, " "), p.repo)
	res, err := p.executor.Run(ctx, append([]string{"git"}, args...), &exec.Opts{
		WorkDir: p.repo,
		Timeout: gitTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("git %s: exit code %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
