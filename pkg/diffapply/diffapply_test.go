package diffapply

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/exec"
	"agentd/pkg/sandbox"
)

func TestParseBlocks(t *testing.T) {
	text := "Here is the change:\n\n```diff\n" +
		"diff --git a/a.txt b/a.txt\n" +
		"--- a/a.txt\n" +
		"+++ b/a.txt\n" +
		"@@ -1,2 +1,2 @@\n" +
		"-one\n" +
		"+ONE\n" +
		" two\n" +
		"diff --git a/old.go b/new.go\n" +
		"@@ -3 +3 @@\n" +
		"-x\n" +
		"+y\n" +
		"```\n\nLet me know if you need more."

	blocks := ParseBlocks(text)
	require.Len(t, blocks, 2)

	assert.Equal(t, "a.txt", blocks[0].NewPath)
	require.Len(t, blocks[0].Hunks, 1)
	assert.Equal(t, Hunk{OldStart: 1, OldCount: 2, NewStart: 1, NewCount: 2, Lines: []string{"-one", "+ONE", " two"}}, blocks[0].Hunks[0])

	assert.Equal(t, "old.go", blocks[1].OldPath)
	assert.Equal(t, "new.go", blocks[1].NewPath)
	require.Len(t, blocks[1].Hunks, 1)
	h := blocks[1].Hunks[0]
	assert.Equal(t, 3, h.OldStart)
	assert.Equal(t, 1, h.OldCount, "omitted count defaults to 1")
	assert.Equal(t, []string{"-x", "+y"}, h.Lines, "closing fence and prose are not part of the hunk")
}

func TestParseBlocksNone(t *testing.T) {
	assert.Empty(t, ParseBlocks("no diffs here\n--- a/x\n"))
}

func TestApplyBlockRoundTrip(t *testing.T) {
	original := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n"
	want := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hello, world\")\n\tfmt.Println(\"bye\")\n}\n"

	diff := "diff --git a/main.go b/main.go\n" +
		"--- a/main.go\n" +
		"+++ b/main.go\n" +
		"@@ -5,3 +5,4 @@\n" +
		" func main() {\n" +
		"-\tfmt.Println(\"hi\")\n" +
		"+\tfmt.Println(\"hello, world\")\n" +
		"+\tfmt.Println(\"bye\")\n" +
		" }\n"

	blocks := ParseBlocks(diff)
	require.Len(t, blocks, 1)
	got, err := ApplyBlock(original, blocks[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFenceInsideHunkDoesNotEndBlock(t *testing.T) {
	original := "# Doc\n```go\nfmt.Println(1)\n```\nold tail\nend\n"
	text := "```diff\n" +
		"diff --git a/doc.md b/doc.md\n" +
		"@@ -3,3 +3,3 @@\n" +
		" fmt.Println(1)\n" +
		" ```\n" +
		"-old tail\n" +
		"+new tail\n" +
		"diff --git a/b.md b/b.md\n" +
		"@@ -1 +1 @@\n" +
		"-x\n" +
		"+y\n" +
		"```\nDone."

	blocks := ParseBlocks(text)
	require.Len(t, blocks, 2)
	require.Len(t, blocks[0].Hunks, 1)
	assert.Equal(t, []string{" fmt.Println(1)", " ```", "-old tail", "+new tail"}, blocks[0].Hunks[0].Lines)
	assert.Equal(t, []string{"-x", "+y"}, blocks[1].Hunks[0].Lines)

	got, err := ApplyBlock(original, blocks[0])
	require.NoError(t, err)
	assert.Equal(t, "# Doc\n```go\nfmt.Println(1)\n```\nnew tail\nend\n", got)
}

func TestApplyBlockKeepsSurroundingLines(t *testing.T) {
	original := "1\n2\n3\n4\n5\n6\n7\n8\n"
	diff := "diff --git a/n b/n\n@@ -4,1 +4,1 @@\n-4\n+four\n"

	got, err := ApplyBlock(original, ParseBlocks(diff)[0])
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\nfour\n5\n6\n7\n8\n", got)
}

func TestApplyBlockMultipleHunks(t *testing.T) {
	original := "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"
	diff := "diff --git a/f b/f\n" +
		"@@ -8,1 +8,1 @@\n-h\n+H\n" +
		"@@ -2,1 +2,2 @@\n-b\n+B\n+B2\n"

	got, err := ApplyBlock(original, ParseBlocks(diff)[0])
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nB2\nc\nd\ne\nf\ng\nH\ni\nj\n", got)
}

func TestApplyBlockNoNewlineAtEOF(t *testing.T) {
	original := "x\ny\n"
	diff := "diff --git a/f b/f\n@@ -2,1 +2,1 @@\n-y\n+z\n\\ No newline at end of file\n"

	got, err := ApplyBlock(original, ParseBlocks(diff)[0])
	require.NoError(t, err)
	assert.Equal(t, "x\nz", got)
}

func TestApplyBlockNewFileWithHunk(t *testing.T) {
	diff := "diff --git a/README.md b/README.md\n" +
		"new file mode 100644\n" +
		"index 0000000..e69de29\n" +
		"--- /dev/null\n" +
		"+++ b/README.md\n" +
		"@@ -0,0 +1 @@\n" +
		"+# Title\n"

	got, err := ApplyBlock("", ParseBlocks(diff)[0])
	require.NoError(t, err)
	assert.Equal(t, "# Title\n", got)
}

func TestApplyBlockNewFileReconstruction(t *testing.T) {
	diff := "diff --git a/notes.txt b/notes.txt\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/notes.txt\n" +
		"+first\n" +
		"+second\n"

	b := ParseBlocks(diff)[0]
	assert.True(t, b.NewFile)
	assert.Empty(t, b.Hunks)

	got, err := ApplyBlock("", b)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", got)
}

func TestApplyBlockWithoutHunks(t *testing.T) {
	_, err := ApplyBlock("x\n", ParseBlocks("diff --git a/x b/x\nsome prose\n")[0])
	assert.ErrorIs(t, err, ErrNoHunks)
}

type memStore struct {
	mu       sync.Mutex
	changes  []CodeChange
	onDisk   []string
	root     string
	failPath string
}

func (s *memStore) SaveChange(_ context.Context, c *CodeChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.FilePath == s.failPath {
		return errors.New("disk full")
	}
	data, _ := os.ReadFile(filepath.Join(s.root, c.FilePath))
	s.onDisk = append(s.onDisk, string(data))
	s.changes = append(s.changes, *c)
	return nil
}

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(t.TempDir(), sandbox.Config{}, exec.NewLocalExec())
	require.NoError(t, err)
	return sb
}

func TestApplierWritesAndPersistsFirst(t *testing.T) {
	sb := newSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "a.txt"), []byte("old\n"), 0o600))
	store := &memStore{root: sb.Root()}

	text := "diff --git a/a.txt b/a.txt\n@@ -1 +1 @@\n-old\n+new\n" +
		"diff --git a/docs/README.md b/docs/README.md\nnew file mode 100644\n@@ -0,0 +1 @@\n+# Title\n"

	res, err := NewApplier(sb, store, nil).Apply(context.Background(), text, "agent-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Zero(t, res.Failed)

	require.Len(t, store.changes, 2)
	assert.Equal(t, []string{"old\n", ""}, store.onDisk, "changes are persisted before the file is written")
	for _, c := range store.changes {
		assert.Equal(t, ChangePending, c.Status)
		assert.Equal(t, "agent-1", c.AgentID)
		assert.Equal(t, "task-1", c.TaskID)
		assert.NotEmpty(t, c.ID)
	}
	assert.Equal(t, "old\n", store.changes[0].OriginalContent)
	assert.Equal(t, "new\n", store.changes[0].NewContent)

	data, err := os.ReadFile(filepath.Join(sb.Root(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
	data, err = os.ReadFile(filepath.Join(sb.Root(), "docs", "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Title\n", string(data))
}

func TestApplierIsolatesFailures(t *testing.T) {
	sb := newSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "blocker"), []byte("file\n"), 0o600))
	store := &memStore{root: sb.Root(), failPath: "unsaved.txt"}

	text := "diff --git a/../../etc/passwd b/../../etc/passwd\n@@ -1 +1 @@\n+pwned\n" +
		"diff --git a/blocker/child.txt b/blocker/child.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+x\n" +
		"diff --git a/unsaved.txt b/unsaved.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+x\n" +
		"diff --git a/ok.txt b/ok.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+fine\n"

	res, err := NewApplier(sb, store, nil).Apply(context.Background(), text, "a", "t")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, res.Files, 4)
	assert.Contains(t, res.Files[0].Error, "escapes")
	assert.NotEmpty(t, res.Files[1].Error)
	assert.Contains(t, res.Files[2].Error, "disk full")
	assert.Empty(t, res.Files[3].Error)

	_, statErr := os.Stat(filepath.Join(sb.Root(), "unsaved.txt"))
	assert.True(t, os.IsNotExist(statErr), "an unpersisted change is never written")

	data, err := os.ReadFile(filepath.Join(sb.Root(), "ok.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fine\n", string(data))
}

func TestApplierStopsBetweenBlocksOnCancel(t *testing.T) {
	sb := newSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())

	a := NewApplier(sb, nil, nil)
	a.OnChange = func(CodeChange) { cancel() }

	text := "diff --git a/one.txt b/one.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+1\n" +
		"diff --git a/two.txt b/two.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+2\n"

	res, err := a.Apply(ctx, text, "a", "t")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Applied)

	_, statErr := os.Stat(filepath.Join(sb.Root(), "two.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
