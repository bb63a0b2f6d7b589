package agent

import (
	"context"
	"errors"

	"agentd/pkg/llm"
	"agentd/pkg/permission"
	"agentd/pkg/skills"
	"agentd/pkg/workspace"
)

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrChangeNotFound     = errors.New("code change not found")
	ErrTaskAlreadyRunning = errors.New("agent already has a running task")
	ErrAgentNotPaused     = errors.New("agent is not paused")
	// ErrAgentPaused is returned when work is submitted to a paused agent; resume it first.
	ErrAgentPaused = errors.New("agent is paused")
	// ErrChangeResolved is returned when approving or rejecting a change that is
	// no longer pending.
	ErrChangeResolved = errors.New("code change already resolved")
)

// WorkspaceProvider allocates isolated per-agent workspaces. Implemented by
// pkg/workspace.
type WorkspaceProvider = workspace.Provider

// SkillProvider looks up skill instructions by id. Implemented by pkg/skills.
type SkillProvider interface {
	GetSkill(ctx context.Context, id string) (skills.Skill, error)
}

// ClientFactory builds the AI backend client for a model. An empty model means the
// configured default. Implemented by internal/factory.
type ClientFactory interface {
	CreateClient(model string) (llm.LLMClient, error)
}

// Store persists registry state. Implemented by pkg/persistence.
type Store interface {
	CreateAgent(ctx context.Context, a *Agent) error
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	GetAllAgents(ctx context.Context) ([]*Agent, error)

	SaveTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, agentID string) ([]*Task, error)

	SaveChange(ctx context.Context, c *CodeChange) error
	UpdateChangeStatus(ctx context.Context, id string, status ChangeStatus) error
	GetChange(ctx context.Context, id string) (*CodeChange, error)
	ListChanges(ctx context.Context, agentID string) ([]*CodeChange, error)

	SavePermissionRequest(ctx context.Context, r *permission.Request) error
}
