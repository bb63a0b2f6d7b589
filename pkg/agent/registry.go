// Package agent owns the agent registry, its lifecycle operations and the task
// execution engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/config"
	"agentd/pkg/events"
	"agentd/pkg/exec"
	"agentd/pkg/llm"
	"agentd/pkg/llm/retry"
	"agentd/pkg/logx"
	"agentd/pkg/metrics"
	"agentd/pkg/permission"
)

// DefaultProject is used when Config.Project is empty.
const DefaultProject = "default"

// Options wires a Registry to its collaborators. Config, Workspaces, Clients and
// Store are required.
type Options struct {
	Config     *config.Config
	Workspaces WorkspaceProvider
	Clients    ClientFactory
	Store      Store
	Skills     SkillProvider      // optional
	Events     events.Publisher   // optional
	Recorder   metrics.Recorder   // optional
	Executor   exec.Executor      // optional, used by the sandbox
	Now        func() time.Time   // optional clock for tests
}

// taskToken is the cancellation handle a live task owns.
type taskToken struct {
	agentID string
	cancel  context.CancelFunc
}

// Registry is the in-memory owner of agents, tasks and task tokens. All state is
// guarded by mu; persistence and event publication happen outside the lock on
// snapshots.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	tasks  map[string]*Task
	tokens map[string]*taskToken // task id -> token
	active map[string]string     // agent id -> live task id

	cfg        *config.Config
	workspaces WorkspaceProvider
	clients    ClientFactory
	store      Store
	skills     SkillProvider
	events     events.Publisher
	recorder   metrics.Recorder
	executor   exec.Executor
	gate       *permission.Gate
	policy     *retry.Policy
	counter    *llm.TokenCounter
	now        func() time.Time
	logger     *logx.Logger

	wg sync.WaitGroup
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// NewRegistry creates a registry and its permission gate.
func NewRegistry(opts Options) (*Registry, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("registry: config is required")
	case opts.Workspaces == nil:
		return nil, errors.New("registry: workspace provider is required")
	case opts.Clients == nil:
		return nil, errors.New("registry: client factory is required")
	case opts.Store == nil:
		return nil, errors.New("registry: store is required")
	}

	r := &Registry{
		agents:     make(map[string]*Agent),
		tasks:      make(map[string]*Task),
		tokens:     make(map[string]*taskToken),
		active:     make(map[string]string),
		cfg:        opts.Config,
		workspaces: opts.Workspaces,
		clients:    opts.Clients,
		store:      opts.Store,
		skills:     opts.Skills,
		events:     opts.Events,
		recorder:   opts.Recorder,
		executor:   opts.Executor,
		counter:    llm.NewTokenCounter(),
		now:        opts.Now,
		logger:     logx.NewLogger("registry"),
	}
	if r.events == nil {
		r.events = nopPublisher{}
	}
	if r.recorder == nil {
		r.recorder = metrics.Nop()
	}
	if r.executor == nil {
		r.executor = exec.NewLocalExec()
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.gate = permission.NewGate(permission.Config{
		AllowBypass:  opts.Config.Permissions.AllowBypass,
		DenyCommands: opts.Config.Permissions.DenyCommands,
		Hooks: permission.Hooks{
			OnRequested: r.onPermissionRequested,
			OnResolved:  r.onPermissionResolved,
		},
	})

	r.policy = retry.NewPolicy(retry.Config{
		MaxAttempts: opts.Config.Retry.MaxAttempts,
		BaseDelay:   opts.Config.Retry.BaseDelay,
	}, nil)
	r.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("🔁 AI call failed (%v), attempt %d/%d in %s", err, attempt, r.policy.Config.MaxAttempts, delay)
		r.recorder.IncRetry(opts.Config.LLM.Model, metrics.ErrorType(err))
	}

	return r, nil
}

// Gate exposes the permission gate for approval surfaces.
func (r *Registry) Gate() *permission.Gate {
	return r.gate
}

// Restore loads persisted agents. Agents that were running when the process died
// come back idle; their unfinished tasks are marked failed.
func (r *Registry) Restore(ctx context.Context) error {
	agents, err := r.store.GetAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	var interrupted []*Task
	r.mu.Lock()
	for _, a := range agents {
		if a.Status == StatusRunning {
			a.Status = StatusIdle
		}
		r.agents[a.ID] = a
	}
	r.mu.Unlock()

	for _, a := range agents {
		tasks, err := r.store.ListTasks(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to load tasks for agent %s: %w", a.ID, err)
		}
		r.mu.Lock()
		for _, t := range tasks {
			if t.Status == TaskRunning {
				now := r.now().UTC()
				t.Status = TaskFailed
				t.Error = "interrupted by restart"
				t.CompletedAt = &now
				interrupted = append(interrupted, t.clone())
			}
			r.tasks[t.ID] = t
		}
		r.mu.Unlock()
	}

	for _, t := range interrupted {
		r.saveTask(ctx, t)
	}
	r.logger.Info("📦 Restored %d agents (%d interrupted tasks)", len(agents), len(interrupted))
	return nil
}

// CreateAgent allocates a workspace and registers the agent at idle. A workspace
// failure is returned; a skill that cannot be loaded is logged and skipped.
func (r *Registry) CreateAgent(ctx context.Context, cfg Config) (*Agent, error) {
	mode, err := permission.ParseMode(string(cfg.PermissionMode))
	if err != nil {
		return nil, err
	}
	if cfg.PermissionMode == "" {
		if mode, err = permission.ParseMode(r.cfg.Permissions.DefaultMode); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	project := strings.TrimSpace(cfg.Project)
	if project == "" {
		project = DefaultProject
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "agent-" + id[:8]
	}

	ws, err := r.workspaces.CreateWorkspace(ctx, project, id)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate workspace for agent %s: %w", name, err)
	}

	now := r.now().UTC()
	a := &Agent{
		ID:             id,
		Name:           name,
		Project:        project,
		Status:         StatusIdle,
		Workspace:      ws,
		PermissionMode: mode,
		SkillIDs:       append([]string(nil), cfg.SkillIDs...),
		Model:          cfg.Model,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if cfg.SystemPrompt != "" {
		a.Messages = append(a.Messages, Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt, Timestamp: now})
	}
	for _, skillID := range cfg.SkillIDs {
		text, ok := r.skillInstructions(ctx, skillID)
		if ok {
			a.Messages = append(a.Messages, Message{Role: llm.RoleSystem, Content: text, Timestamp: now})
		}
	}

	r.mu.Lock()
	r.agents[id] = a
	snapshot := a.clone()
	r.mu.Unlock()

	if err := r.store.CreateAgent(ctx, snapshot); err != nil {
		r.logger.Error("❌ Failed to persist agent %s: %v", id, err)
	}
	r.logger.Info("🤖 Created agent %s (%s) in %s", name, id, ws.Path)
	r.publish(events.AgentCreated, id, "", map[string]any{
		"name":      name,
		"project":   project,
		"workspace": ws.Path,
	})
	return snapshot, nil
}

func (r *Registry) skillInstructions(ctx context.Context, id string) (string, bool) {
	if r.skills == nil {
		r.logger.Warn("⚠️ Skill %s requested but no skill provider is configured", id)
		return "", false
	}
	skill, err := r.skills.GetSkill(ctx, id)
	if err != nil {
		r.logger.Warn("⚠️ Skipping skill %s: %v", id, err)
		return "", false
	}
	return fmt.Sprintf("## Skill: %s\n\n%s", skill.Name, skill.Instructions), true
}

// ListAgents returns copies of every agent, oldest first.
func (r *Registry) ListAgents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetAgent returns a copy of agent id.
func (r *Registry) GetAgent(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.clone(), nil
}

// PauseAgent signals every task token the agent owns, moves its running task to
// paused with progress kept, and sets the agent paused.
func (r *Registry) PauseAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	var paused []*Task
	for taskID, tok := range r.tokens {
		if tok.agentID != id {
			continue
		}
		tok.cancel()
		if t := r.tasks[taskID]; t != nil && t.Status == TaskRunning {
			t.Status = TaskPaused
			paused = append(paused, t.clone())
		}
	}
	a.Status = StatusPaused
	a.LastActivity = r.now().UTC()
	snapshot := a.clone()
	r.mu.Unlock()

	for _, t := range paused {
		r.saveTask(ctx, t)
		r.publish(events.TaskPaused, id, t.ID, map[string]any{"progress": t.Progress})
	}
	r.updateAgent(ctx, snapshot)
	r.logger.Info("⏸️ Paused agent %s (%d tasks)", id, len(paused))
	r.publish(events.AgentPaused, id, "", nil)
	return nil
}

// ResumeAgent returns a paused agent to idle. Paused tasks are not restarted; a
// new ExecuteTask runs the work again.
func (r *Registry) ResumeAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.Status != StatusPaused {
		status := a.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAgentNotPaused, id, status)
	}
	a.Status = StatusIdle
	a.LastActivity = r.now().UTC()
	snapshot := a.clone()
	r.mu.Unlock()

	r.updateAgent(ctx, snapshot)
	r.publish(events.AgentResumed, id, "", nil)
	return nil
}

// StopAgent cancels every task of the agent unconditionally. Running and paused
// tasks become cancelled and the agent returns to idle.
func (r *Registry) StopAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cancelled := r.stopLocked(a)
	snapshot := a.clone()
	r.mu.Unlock()

	for _, t := range cancelled {
		r.saveTask(ctx, t)
		r.recorder.ObserveTask(string(TaskCancelled), t.CompletedAt.Sub(t.StartedAt))
		r.publish(events.TaskCancelled, id, t.ID, map[string]any{"progress": t.Progress, "reason": "stopped"})
	}
	r.updateAgent(ctx, snapshot)
	r.logger.Info("⏹️ Stopped agent %s (%d tasks cancelled)", id, len(cancelled))
	r.publish(events.AgentStopped, id, "", nil)
	return nil
}

// stopLocked cancels the agent's tokens and marks its live tasks cancelled. The
// task goroutines see a non-running status on exit and leave it alone.
func (r *Registry) stopLocked(a *Agent) []*Task {
	for _, tok := range r.tokens {
		if tok.agentID == a.ID {
			tok.cancel()
		}
	}

	now := r.now().UTC()
	var cancelled []*Task
	for _, taskID := range a.TaskIDs {
		t := r.tasks[taskID]
		if t == nil || (t.Status != TaskRunning && t.Status != TaskPaused) {
			continue
		}
		t.Status = TaskCancelled
		t.Error = "cancelled"
		t.CompletedAt = &now
		cancelled = append(cancelled, t.clone())
	}
	a.Status = StatusIdle
	a.LastActivity = now
	return cancelled
}

// DeleteAgent stops the agent, removes its workspace and deletes every piece of
// agent-keyed state: tasks, tokens, permission requests and the persisted record.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	if err := r.StopAgent(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	r.detachLocked(a)
	r.mu.Unlock()

	return r.cleanupDetached(ctx, a)
}

// detachLocked removes every in-memory trace of a. Once detached no task can start
// for the agent.
func (r *Registry) detachLocked(a *Agent) {
	for taskID, tok := range r.tokens {
		if tok.agentID == a.ID {
			tok.cancel()
			delete(r.tokens, taskID)
		}
	}
	for _, taskID := range a.TaskIDs {
		delete(r.tasks, taskID)
	}
	delete(r.active, a.ID)
	delete(r.agents, a.ID)
}

func (r *Registry) cleanupDetached(ctx context.Context, a *Agent) error {
	r.gate.ForgetAgent(a.ID)

	var errs []error
	if err := r.workspaces.RemoveWorkspace(ctx, a.Workspace.Project, a.Workspace.Name); err != nil {
		r.logger.Error("❌ Failed to remove workspace for agent %s: %v", a.ID, err)
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	if err := r.store.DeleteAgent(ctx, a.ID); err != nil {
		r.logger.Error("❌ Failed to delete persisted agent %s: %v", a.ID, err)
		errs = append(errs, fmt.Errorf("delete persisted agent: %w", err))
	}

	r.logger.Info("🗑️ Deleted agent %s", a.ID)
	r.publish(events.AgentDeleted, a.ID, "", nil)
	return errors.Join(errs...)
}

// SendMessage appends a message to the agent's history.
func (r *Registry) SendMessage(ctx context.Context, agentID string, role llm.CompletionRole, content string) (*Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	msg, err := r.appendMessage(ctx, agentID, role, content)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *Registry) appendMessage(ctx context.Context, agentID string, role llm.CompletionRole, content string) (Message, error) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	now := r.now().UTC()
	msg := Message{Role: role, Content: content, Timestamp: now}
	a.Messages = append(a.Messages, msg)
	a.LastActivity = now
	snapshot := a.clone()
	r.mu.Unlock()

	r.updateAgent(ctx, snapshot)
	r.publish(events.MessageAppended, agentID, "", map[string]any{
		"role":    string(role),
		"content": content,
	})
	return msg, nil
}

// SetPermissionMode changes how the agent's mutating tool calls are gated.
func (r *Registry) SetPermissionMode(ctx context.Context, agentID string, mode permission.Mode) error {
	if _, err := permission.ParseMode(string(mode)); err != nil {
		return err
	}

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	previous := a.PermissionMode
	a.PermissionMode = mode
	a.LastActivity = r.now().UTC()
	snapshot := a.clone()
	r.mu.Unlock()

	r.updateAgent(ctx, snapshot)
	r.publish(events.PermissionModeChanged, agentID, "", map[string]any{
		"from": string(previous),
		"to":   string(mode),
	})
	return nil
}

// ApproveRequest resolves a pending permission request. Unknown or already
// resolved ids return false and change nothing.
func (r *Registry) ApproveRequest(id string) bool {
	return r.gate.Approve(id)
}

// RejectRequest is the rejecting counterpart of ApproveRequest.
func (r *Registry) RejectRequest(id string) bool {
	return r.gate.Reject(id)
}

// PendingRequests lists unresolved permission requests for agentID, or all.
func (r *Registry) PendingRequests(agentID string) []permission.Request {
	return r.gate.Pending(agentID)
}

func (r *Registry) onPermissionRequested(req permission.Request) {
	if err := r.store.SavePermissionRequest(context.Background(), &req); err != nil {
		r.logger.Error("❌ Failed to persist permission request %s: %v", req.ID, err)
	}
	r.publish(events.PermissionRequested, req.AgentID, "", map[string]any{
		"request_id":  req.ID,
		"action_type": req.ActionType,
		"action":      req.Action,
		"details":     req.Details,
	})
}

func (r *Registry) onPermissionResolved(req permission.Request) {
	if err := r.store.SavePermissionRequest(context.Background(), &req); err != nil {
		r.logger.Error("❌ Failed to persist permission decision %s: %v", req.ID, err)
	}
	r.publish(events.PermissionResolved, req.AgentID, "", map[string]any{
		"request_id": req.ID,
		"decision":   string(req.Decision),
	})
}

// ApproveChange marks a pending CodeChange approved.
func (r *Registry) ApproveChange(ctx context.Context, id string) error {
	return r.resolveChange(ctx, id, ChangeApproved)
}

// RejectChange marks a pending CodeChange rejected. The file on disk is left as is.
func (r *Registry) RejectChange(ctx context.Context, id string) error {
	return r.resolveChange(ctx, id, ChangeRejected)
}

func (r *Registry) resolveChange(ctx context.Context, id string, status ChangeStatus) error {
	change, err := r.store.GetChange(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load change %s: %w", id, err)
	}
	if change.Status != ChangePending {
		return fmt.Errorf("%w: %s is %s", ErrChangeResolved, id, change.Status)
	}
	if err := r.store.UpdateChangeStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to update change %s: %w", id, err)
	}
	r.touch(change.AgentID)
	r.logger.Info("📝 Change %s to %s %s", id, change.FilePath, status)
	return nil
}

// ListChanges returns the agent's recorded code changes.
func (r *Registry) ListChanges(ctx context.Context, agentID string) ([]*CodeChange, error) {
	if _, err := r.GetAgent(agentID); err != nil {
		return nil, err
	}
	changes, err := r.store.ListChanges(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes for agent %s: %w", agentID, err)
	}
	return changes, nil
}

// Wait blocks until every task goroutine has exited. Intended for shutdown and tests.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Shutdown stops every agent and waits for their task goroutines.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, a := range r.ListAgents() {
		if err := r.StopAgent(ctx, a.ID); err != nil && !errors.Is(err, ErrAgentNotFound) {
			r.logger.Warn("⚠️ Failed to stop agent %s: %v", a.ID, err)
		}
	}
	r.Wait()
}

func (r *Registry) touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastActivity = r.now().UTC()
	}
}

func (r *Registry) updateAgent(ctx context.Context, snapshot *Agent) {
	if err := r.store.UpdateAgent(ctx, snapshot); err != nil {
		r.logger.Error("❌ Failed to persist agent %s: %v", snapshot.ID, err)
	}
}

func (r *Registry) saveTask(ctx context.Context, t *Task) {
	if err := r.store.SaveTask(ctx, t); err != nil {
		r.logger.Error("❌ Failed to persist task %s: %v", t.ID, err)
	}
}

func (r *Registry) publish(t events.EventType, agentID, taskID string, data map[string]any) {
	e := events.New(t, agentID, data)
	e.TaskID = taskID
	r.events.Publish(e)
}
