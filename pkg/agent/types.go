package agent

import (
	"fmt"
	"time"

	"agentd/pkg/diffapply"
	"agentd/pkg/llm"
	"agentd/pkg/permission"
	"agentd/pkg/workspace"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// TaskStatus is a task's state. Running and paused are live; the rest are terminal.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskPaused    TaskStatus = "paused"
)

// IsTerminal reports whether no further transition can happen.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Progress milestones reported by the task engine.
const (
	ProgressStarted       = 10
	ProgressPromptBuilt   = 20
	ProgressAIResponded   = 60
	ProgressChangesStored = 90
	ProgressDone          = 100
)

// CodeChange and its status live in diffapply, which creates them.
type (
	CodeChange   = diffapply.CodeChange
	ChangeStatus = diffapply.ChangeStatus
)

const (
	ChangePending  = diffapply.ChangePending
	ChangeApproved = diffapply.ChangeApproved
	ChangeRejected = diffapply.ChangeRejected
)

// Message is one entry in an agent's conversation history.
type Message struct {
	Role      llm.CompletionRole `json:"role"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
}

// ParseRole accepts the roles a caller may append to a history.
func ParseRole(s string) (llm.CompletionRole, error) {
	switch r := llm.CompletionRole(s); r {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("invalid message role %q (must be system, user or assistant)", s)
	}
}

// Agent is one coding assistant bound to one workspace.
type Agent struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Project        string              `json:"project"`
	Status         Status              `json:"status"`
	Workspace      workspace.Workspace `json:"workspace"`
	Messages       []Message           `json:"messages"`
	TaskIDs        []string            `json:"task_ids"`
	PermissionMode permission.Mode     `json:"permission_mode"`
	SkillIDs       []string            `json:"skill_ids,omitempty"`
	Model          string              `json:"model,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivity   time.Time           `json:"last_activity"`
}

// clone returns a deep copy safe to hand out of the registry.
func (a *Agent) clone() *Agent {
	c := *a
	c.Messages = append([]Message(nil), a.Messages...)
	c.TaskIDs = append([]string(nil), a.TaskIDs...)
	c.SkillIDs = append([]string(nil), a.SkillIDs...)
	return &c
}

// Task is one unit of requested work.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Config describes an agent to create.
type Config struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	// SystemPrompt seeds the history when set.
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	SkillIDs       []string        `json:"skill_ids,omitempty"`
	PermissionMode permission.Mode `json:"permission_mode,omitempty"`
	// Model overrides llm.model for this agent.
	Model string `json:"model,omitempty"`
}
