package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"agentd/pkg/logx"
)

// DirProvider gives each agent <root>/<project>/<name>.
type DirProvider struct {
	root   string
	logger *logx.Logger
}

// NewDirProvider creates a provider rooted at root.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{root: root, logger: logx.NewLogger("workspace")}
}

func (p *DirProvider) path(project, name string) string {
	return filepath.Join(p.root, sanitize(project), sanitize(name))
}

// CreateWorkspace creates the directory. An existing directory is reused.
func (p *DirProvider) CreateWorkspace(_ context.Context, project, name string) (Workspace, error) {
	if err := validate(project, name); err != nil {
		return Workspace{}, err
	}
	dir, err := filepath.Abs(p.path(project, name))
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	p.logger.Info("📁 Workspace ready: %s", dir)
	return Workspace{Project: project, Name: name, Path: dir}, nil
}

// RemoveWorkspace deletes the directory and everything in it.
func (p *DirProvider) RemoveWorkspace(_ context.Context, project, name string) error {
	if err := validate(project, name); err != nil {
		return err
	}
	dir := p.path(project, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	p.logger.Info("🗑️  Workspace removed: %s", dir)
	return nil
}
