package diffapply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/logx"
)

// ChangeStatus is the review state of a CodeChange.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// CodeChange records one file mutation taken from a diff block.
type CodeChange struct {
	ID              string       `json:"id"`
	AgentID         string       `json:"agent_id"`
	TaskID          string       `json:"task_id"`
	FilePath        string       `json:"file_path"`
	OriginalContent string       `json:"original_content"`
	NewContent      string       `json:"new_content"`
	Diff            string       `json:"diff"`
	Status          ChangeStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ChangeStore persists changes before their file is written.
type ChangeStore interface {
	SaveChange(ctx context.Context, change *CodeChange) error
}

// Resolver confines block paths to a workspace. *sandbox.Sandbox implements it.
type Resolver interface {
	Resolve(p string) (string, error)
}

// FileResult is the outcome for one block.
type FileResult struct {
	Path     string `json:"path"`
	ChangeID string `json:"change_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result summarises an Apply call.
type Result struct {
	Files   []FileResult `json:"files"`
	Applied int          `json:"applied"`
	Failed  int          `json:"failed"`
}

// Applier writes diff blocks into one workspace.
type Applier struct {
	resolver Resolver
	store    ChangeStore
	logger   *logx.Logger
	// OnChange, when set, is called after a change is persisted.
	OnChange func(CodeChange)
}

// NewApplier creates an Applier. store may be nil to skip persistence.
func NewApplier(resolver Resolver, store ChangeStore, logger *logx.Logger) *Applier {
	if logger == nil {
		logger = logx.NewLogger("diffapply")
	}
	return &Applier{resolver: resolver, store: store, logger: logger}
}

// Apply applies every block in text. A failing block is recorded and the rest still
// run. The only error returned is ctx's, checked between blocks; the partial result
// comes with it.
func (a *Applier) Apply(ctx context.Context, text, agentID, taskID string) (*Result, error) {
	res := &Result{}
	for _, block := range ParseBlocks(text) {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("applying changes: %w", err)
		}
		fr := FileResult{Path: block.NewPath}
		change, err := a.applyBlock(ctx, block, agentID, taskID)
		if change != nil {
			fr.ChangeID = change.ID
		}
		if err != nil {
			a.logger.Error("❌ failed to apply change to %s: %v", block.NewPath, err)
			fr.Error = err.Error()
			res.Failed++
		} else {
			a.logger.Info("📝 applied change to %s", block.NewPath)
			res.Applied++
		}
		res.Files = append(res.Files, fr)
	}
	return res, nil
}

func (a *Applier) applyBlock(ctx context.Context, block Block, agentID, taskID string) (*CodeChange, error) {
	abs, err := a.resolver.Resolve(block.NewPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", block.NewPath, err)
	}

	original, err := readOptional(abs)
	if err != nil {
		return nil, err
	}

	updated, err := ApplyBlock(original, block)
	if err != nil {
		return nil, err
	}

	change := &CodeChange{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		TaskID:          taskID,
		FilePath:        block.NewPath,
		OriginalContent: original,
		NewContent:      updated,
		Diff:            block.Raw,
		Status:          ChangePending,
		CreatedAt:       time.Now().UTC(),
	}
	if a.store != nil {
		if err := a.store.SaveChange(ctx, change); err != nil {
			return nil, fmt.Errorf("save change for %s: %w", block.NewPath, err)
		}
	}
	if a.OnChange != nil {
		a.OnChange(*change)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return change, fmt.Errorf("create parent of %s: %w", block.NewPath, err)
	}
	if err := os.WriteFile(abs, []byte(updated), fileMode(abs)); err != nil {
		return change, fmt.Errorf("write %s: %w", block.NewPath, err)
	}
	return change, nil
}

// readOptional returns "" for a missing file.
func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func fileMode(path string) fs.FileMode {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return info.Mode().Perm()
	}
	return 0o644
}
