package workspace

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/config"
)

func TestDirProviderLifecycle(t *testing.T) {
	root := t.TempDir()
	p := NewDirProvider(root)
	ctx := context.Background()

	ws, err := p.CreateWorkspace(ctx, "proj", "alice")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "proj", "alice"), ws.Path)
	info, err := os.Stat(ws.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "f.txt"), []byte("x"), 0o600))
	again, err := p.CreateWorkspace(ctx, "proj", "alice")
	require.NoError(t, err)
	assert.Equal(t, ws.Path, again.Path)
	_, err = os.Stat(filepath.Join(ws.Path, "f.txt"))
	assert.NoError(t, err, "existing workspace is reused")

	require.NoError(t, p.RemoveWorkspace(ctx, "proj", "alice"))
	_, err = os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestDirProviderSanitizesNames(t *testing.T) {
	root := t.TempDir()
	p := NewDirProvider(root)

	ws, err := p.CreateWorkspace(context.Background(), "../evil", "..")
	require.NoError(t, err)
	rel, err := filepath.Rel(root, ws.Path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(".._evil", "_"), rel)
}

func TestDirProviderRejectsEmptyNames(t *testing.T) {
	_, err := NewDirProvider(t.TempDir()).CreateWorkspace(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(&config.WorkspaceConfig{Mode: config.WorkspaceModeDir, Root: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &DirProvider{}, p)

	_, err = New(&config.WorkspaceConfig{Mode: config.WorkspaceModeWorktree}, nil)
	assert.Error(t, err, "worktree mode needs a repo")

	_, err = New(&config.WorkspaceConfig{Mode: "container"}, nil)
	assert.Error(t, err)
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.name=test", "-c", "user.email=test@local", "commit", "-q", "--allow-empty", "-m", "init"},
	} {
		cmd := osexec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return repo
}

func TestWorktreeProviderLifecycle(t *testing.T) {
	repo := initRepo(t)
	p := NewWorktreeProvider(repo, filepath.Join(t.TempDir(), "wt"), nil)
	ctx := context.Background()

	ws, err := p.CreateWorkspace(ctx, "proj", "bob")
	require.NoError(t, err)
	assert.Equal(t, "agentd/proj/bob", ws.Branch)
	_, err = os.Stat(filepath.Join(ws.Path, ".git"))
	require.NoError(t, err)

	reused, err := p.CreateWorkspace(ctx, "proj", "bob")
	require.NoError(t, err)
	assert.Equal(t, ws.Path, reused.Path)

	require.NoError(t, p.RemoveWorkspace(ctx, "proj", "bob"))
	_, err = os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(err))

	out, err := p.git(ctx, "branch", "--list", ws.Branch)
	require.NoError(t, err)
	assert.Empty(t, out)
}
