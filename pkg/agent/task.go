package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/diffapply"
	"agentd/pkg/events"
	"agentd/pkg/llm"
	"agentd/pkg/llm/retry"
	"agentd/pkg/llmerrors"
	"agentd/pkg/logx"
	"agentd/pkg/permission"
	"agentd/pkg/sandbox"
	"agentd/pkg/telemetry"
	"agentd/pkg/toolloop"
	"agentd/pkg/tools"
)

// logPromptChars bounds how much of a task description goes into the log.
const logPromptChars = 200

// taskInstructions is prepended to every task conversation.
const taskInstructions = `You are a coding agent working inside a single project workspace.
Complete the requested task. When you change files, include each change in your final
answer as a unified diff block starting with "diff --git a/<path> b/<path>", with paths
relative to the workspace root. New files use "new file mode 100644" and a
"@@ -0,0 +1,N @@" hunk. Finish with a short summary of what you did.`

// ExecuteTask starts description as a new task for agentID and returns it at
// running. The work is detached: its outcome surfaces through events and later
// reads. An agent runs at most one task at a time, and a paused agent runs none
// until ResumeAgent.
func (r *Registry) ExecuteTask(ctx context.Context, agentID, description string) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.New("task description cannot be empty")
	}

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Status == StatusPaused {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentPaused, agentID)
	}
	if running, busy := r.active[agentID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, running)
	}

	now := r.now().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Description: description,
		Status:      TaskRunning,
		StartedAt:   now,
	}

	// The task outlives the request that started it.
	taskCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Tasks.Timeout)
	taskCtx = logx.ContextWithAgentID(taskCtx, agentID)

	r.tasks[t.ID] = t
	r.tokens[t.ID] = &taskToken{agentID: agentID, cancel: cancel}
	r.active[agentID] = t.ID
	a.TaskIDs = append(a.TaskIDs, t.ID)
	a.Status = StatusRunning
	a.LastActivity = now
	taskSnap := t.clone()
	agentSnap := a.clone()
	r.mu.Unlock()

	r.saveTask(ctx, taskSnap)
	r.updateAgent(ctx, agentSnap)
	r.logger.Info("🚀 Starting task %s for agent %s: %s", t.ID, agentID, llmerrors.SanitizePrompt(description, logPromptChars))
	r.publish(events.TaskStarted, agentID, t.ID, map[string]any{"description": description})

	r.wg.Add(1)
	go r.runTask(taskCtx, agentSnap, taskSnap.ID, description)

	return taskSnap, nil
}

// GetTask returns a copy of task id.
func (r *Registry) GetTask(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// ListTasks returns the agent's tasks in start order.
func (r *Registry) ListTasks(agentID string) ([]*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	out := make([]*Task, 0, len(a.TaskIDs))
	for _, id := range a.TaskIDs {
		if t, ok := r.tasks[id]; ok {
			out = append(out, t.clone())
		}
	}
	return out, nil
}

// runTask owns the task goroutine. finishTask runs on every exit path, panics
// included.
func (r *Registry) runTask(ctx context.Context, a *Agent, taskID, description string) {
	defer r.wg.Done()

	ctx, span := telemetry.StartTaskSpan(ctx, a.ID, taskID)
	start := r.now()

	var (
		result string
		err    error
	)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("💥 Task %s panicked: %v\n%s", taskID, p, debug.Stack())
			err = fmt.Errorf("internal error: %v", p)
		}
		telemetry.EndSpan(span, err)
		r.finishTask(ctx, taskID, result, err, start)
	}()

	result, err = r.doTask(ctx, a, taskID, description)
}

func (r *Registry) doTask(ctx context.Context, a *Agent, taskID, description string) (string, error) {
	r.setProgress(taskID, ProgressStarted)

	sb, err := sandbox.New(a.Workspace.Path, sandbox.Config{
		BashTimeout:    r.cfg.Sandbox.BashTimeout,
		ViewLimit:      r.cfg.Sandbox.ViewLimit,
		MaxGlobResults: r.cfg.Sandbox.MaxGlobResults,
	}, r.executor)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace: %w", err)
	}

	client, err := r.clients.CreateClient(a.Model)
	if err != nil {
		return "", fmt.Errorf("failed to create AI client: %w", err)
	}

	history := r.counter.TrimToBudget(toCompletionMessages(a.Messages), r.cfg.LLM.MaxContextTokens)
	if _, err := r.appendMessage(ctx, a.ID, llm.RoleUser, description); err != nil {
		return "", err
	}
	r.setProgress(taskID, ProgressPromptBuilt)

	var content string
	if r.cfg.Tasks.UseTools {
		content, err = r.runToolLoop(ctx, client, sb, a, taskID, history, description)
	} else {
		messages := make([]llm.CompletionMessage, 0, len(history)+2)
		messages = append(messages, llm.NewSystemMessage(taskInstructions))
		messages = append(messages, history...)
		messages = append(messages, llm.NewUserMessage(description))

		req := llm.NewCompletionRequest(messages)
		req.MaxTokens = r.cfg.LLM.MaxTokens
		req.Temperature = float32(r.cfg.LLM.Temperature)

		var resp llm.CompletionResponse
		resp, err = GetAIResponseWithRetry(ctx, r.policy, client, req)
		content = resp.Content
	}
	if err != nil {
		return "", err
	}
	r.setProgress(taskID, ProgressAIResponded)

	if _, err := r.appendMessage(ctx, a.ID, llm.RoleAssistant, content); err != nil {
		return "", err
	}

	applier := diffapply.NewApplier(sb, r.store, logx.NewLogger("diffapply"))
	applier.OnChange = func(c CodeChange) {
		r.publish(events.ChangeCreated, c.AgentID, c.TaskID, map[string]any{
			"change_id": c.ID,
			"file_path": c.FilePath,
			"status":    string(c.Status),
		})
	}
	applied, err := applier.Apply(ctx, content, a.ID, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to apply changes: %w", err)
	}
	if len(applied.Files) > 0 {
		r.logger.Info("📝 Task %s applied %d/%d file changes", taskID, applied.Applied, len(applied.Files))
	}
	r.setProgress(taskID, ProgressChangesStored)

	return content, nil
}

func (r *Registry) runToolLoop(ctx context.Context, client llm.LLMClient, sb *sandbox.Sandbox, a *Agent, taskID string, history []llm.CompletionMessage, description string) (string, error) {
	registry := tools.NewSandboxRegistry(sb)
	loop := toolloop.New(retry.Middleware(r.policy)(client), logx.NewLogger("toolloop"))

	result, err := loop.Run(ctx, &toolloop.Config{
		SystemPrompt:  taskInstructions + "\n\n" + registry.PromptDocumentation(),
		UserPrompt:    description,
		History:       history,
		Tools:         registry,
		Gate:          r.gate,
		Mode:          r.permissionMode(a.ID),
		Observer:      &taskObserver{registry: r, agentID: a.ID, taskID: taskID},
		AgentID:       a.ID,
		MaxIterations: r.cfg.Tasks.MaxIterations,
		MaxTokens:     r.cfg.LLM.MaxTokens,
		Temperature:   float32(r.cfg.LLM.Temperature),
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("🔧 Task %s finished tool loop after %d iterations, %d tool calls", taskID, result.Iterations, result.ToolCalls)
	return result.Content, nil
}

// permissionMode reads the agent's current mode so a change made while the task
// runs applies to its next tool call.
func (r *Registry) permissionMode(agentID string) permission.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		return a.PermissionMode
	}
	return permission.ModeAsk
}

// GetAIResponseWithRetry sends one request to the AI backend under policy.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func GetAIResponseWithRetry(ctx context.Context, policy *retry.Policy, client llm.LLMClient, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return retry.Do(ctx, policy, func(ctx context.Context) (llm.CompletionResponse, error) {
		return client.Complete(ctx, req)
	})
}

// finishTask moves a still-running task to its terminal state and releases its
// token. Tasks already moved by PauseAgent or StopAgent keep their state. The
// outcome is decided by the task's own context, not the error type.
func (r *Registry) finishTask(ctx context.Context, taskID, result string, err error, start time.Time) {
	r.mu.Lock()
	tok := r.tokens[taskID]
	if tok != nil {
		tok.cancel()
		delete(r.tokens, taskID)
		if r.active[tok.agentID] == taskID {
			delete(r.active, tok.agentID)
		}
	}

	t, ok := r.tasks[taskID]
	if !ok || t.Status != TaskRunning {
		r.mu.Unlock()
		return
	}

	now := r.now().UTC()
	var eventType events.EventType
	switch {
	case err == nil:
		t.Status = TaskCompleted
		t.Progress = ProgressDone
		t.Result = result
		eventType = events.TaskCompleted
	case ctx.Err() != nil:
		t.Status = TaskCancelled
		t.Error = err.Error()
		eventType = events.TaskCancelled
	default:
		t.Status = TaskFailed
		t.Error = err.Error()
		eventType = events.TaskFailed
	}
	t.CompletedAt = &now

	var agentSnap *Agent
	if a, ok := r.agents[t.AgentID]; ok {
		if a.Status == StatusRunning {
			a.Status = StatusIdle
			if t.Status == TaskFailed {
				a.Status = StatusError
			}
		}
		a.LastActivity = now
		agentSnap = a.clone()
	}
	taskSnap := t.clone()
	r.mu.Unlock()

	// ctx may be done; persistence gets its own.
	bg := context.Background()
	r.saveTask(bg, taskSnap)
	if agentSnap != nil {
		r.updateAgent(bg, agentSnap)
	}
	r.recorder.ObserveTask(string(taskSnap.Status), r.now().Sub(start))

	data := map[string]any{"progress": taskSnap.Progress}
	switch taskSnap.Status {
	case TaskCompleted:
		data["result"] = taskSnap.Result
		r.logger.Info("✅ Task %s completed", taskID)
	case TaskCancelled:
		data["reason"] = taskSnap.Error
		r.logger.Warn("⏹️ Task %s cancelled: %s", taskID, taskSnap.Error)
	default:
		data["error"] = taskSnap.Error
		r.logger.Error("❌ Task %s failed: %s", taskID, taskSnap.Error)
	}
	r.publish(eventType, taskSnap.AgentID, taskID, data)
}

// setProgress raises a running task's progress. It never lowers it.
func (r *Registry) setProgress(taskID string, progress int) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status != TaskRunning || progress <= t.Progress {
		r.mu.Unlock()
		return
	}
	t.Progress = progress
	agentID := t.AgentID
	r.mu.Unlock()

	r.publish(events.TaskProgress, agentID, taskID, map[string]any{"progress": progress})
}

// taskObserver streams tool activity of one task as events.
type taskObserver struct {
	registry *Registry
	agentID  string
	taskID   string
}

func (o *taskObserver) OnToolCall(call llm.ToolCall) {
	o.registry.publish(events.ToolCall, o.agentID, o.taskID, map[string]any{
		"call_id":    call.ID,
		"tool":       call.Name,
		"parameters": call.Parameters,
	})
}

func (o *taskObserver) OnToolResult(call llm.ToolCall, result llm.ToolResult) {
	o.registry.recorder.IncToolCall(call.Name, !result.IsError)
	o.registry.publish(events.ToolResult, o.agentID, o.taskID, map[string]any{
		"call_id":  call.ID,
		"tool":     call.Name,
		"is_error": result.IsError,
		"content":  truncate(result.Content, 2000),
	})
}

func toCompletionMessages(history []Message) []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(history))
	for i := range history {
		out = append(out, llm.CompletionMessage{Role: history[i].Role, Content: history[i].Content})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
