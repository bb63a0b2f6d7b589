package agent

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/events"
	"agentd/pkg/llm"
	"agentd/pkg/permission"
	"agentd/pkg/skills"
)

type fakeSkills map[string]skills.Skill

func (f fakeSkills) GetSkill(_ context.Context, id string) (skills.Skill, error) {
	s, ok := f[id]
	if !ok {
		return skills.Skill{}, skills.ErrSkillNotFound
	}
	return s, nil
}

func TestNewRegistryRequiresCollaborators(t *testing.T) {
	_, err := NewRegistry(Options{})
	require.Error(t, err)
}

func TestCreateAgentAllocatesWorkspace(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	sub := h.bus.Subscribe(events.AgentCreated)
	defer sub.Close()

	a, err := h.reg.CreateAgent(context.Background(), Config{SystemPrompt: "Be brief."})
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, DefaultProject, a.Project)
	assert.Equal(t, "agent-"+a.ID[:8], a.Name)
	assert.Equal(t, permission.ModeAsk, a.PermissionMode)
	assert.DirExists(t, a.Workspace.Path)
	require.Len(t, a.Messages, 1)
	assert.Equal(t, llm.RoleSystem, a.Messages[0].Role)

	e := waitFor(t, sub, events.AgentCreated)
	assert.Equal(t, a.ID, e.AgentID)

	stored, err := h.store.GetAllAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, a.ID, stored[0].ID)
}

func TestCreateAgentRejectsUnknownMode(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	_, err := h.reg.CreateAgent(context.Background(), Config{PermissionMode: "yolo"})
	require.Error(t, err)
	assert.Empty(t, h.reg.ListAgents())
}

func TestCreateAgentLoadsSkillsAndSkipsMissing(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	h.reg.skills = fakeSkills{"go": {ID: "go", Name: "Go", Instructions: "Use gofmt."}}

	a, err := h.reg.CreateAgent(context.Background(), Config{SkillIDs: []string{"go", "missing"}})
	require.NoError(t, err)
	require.Len(t, a.Messages, 1)
	assert.Contains(t, a.Messages[0].Content, "Use gofmt.")
	assert.Equal(t, []string{"go", "missing"}, a.SkillIDs)
}

func TestGetAgentReturnsCopy(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)

	got, err := h.reg.GetAgent(a.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := h.reg.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "tester", again.Name)

	_, err = h.reg.GetAgent("missing")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)
	sub := h.bus.Subscribe(events.MessageAppended)
	defer sub.Close()

	msg, err := h.reg.SendMessage(context.Background(), a.ID, llm.RoleUser, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	e := waitFor(t, sub, events.MessageAppended)
	assert.Equal(t, "user", e.Data["role"])

	_, err = h.reg.SendMessage(context.Background(), a.ID, llm.RoleTool, "nope")
	require.Error(t, err)
	_, err = h.reg.SendMessage(context.Background(), "missing", llm.RoleUser, "hello")
	require.ErrorIs(t, err, ErrAgentNotFound)

	got, err := h.reg.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}

func TestSetPermissionMode(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)
	sub := h.bus.Subscribe(events.PermissionModeChanged)
	defer sub.Close()

	require.NoError(t, h.reg.SetPermissionMode(context.Background(), a.ID, permission.ModeAutoSafe))
	e := waitFor(t, sub, events.PermissionModeChanged)
	assert.Equal(t, "ask", e.Data["from"])
	assert.Equal(t, "auto_safe", e.Data["to"])

	require.Error(t, h.reg.SetPermissionMode(context.Background(), a.ID, "sometimes"))
}

func TestPermissionRequestsArePersistedAndResolvedOnce(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)
	sub := h.bus.Subscribe(events.PermissionRequested, events.PermissionResolved)
	defer sub.Close()

	decision := h.reg.Gate().Check(context.Background(), permission.Action{
		AgentID:    a.ID,
		ActionType: "bash",
		Descriptor: "go test ./...",
	}, permission.ModeAsk)
	require.Equal(t, permission.OutcomePending, decision.Outcome)

	requested := waitFor(t, sub, events.PermissionRequested)
	id := requested.Data["request_id"].(string)
	require.Len(t, h.reg.PendingRequests(a.ID), 1)

	assert.True(t, h.reg.ApproveRequest(id))
	assert.False(t, h.reg.RejectRequest(id))
	waitFor(t, sub, events.PermissionResolved)
	assert.Empty(t, h.reg.PendingRequests(a.ID))

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, permission.StatusApproved, h.store.requests[id].Decision)
}

func TestApproveAndRejectChange(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveChange(ctx, &CodeChange{ID: "c1", AgentID: a.ID, FilePath: "x", Status: ChangePending}))
	require.NoError(t, h.store.SaveChange(ctx, &CodeChange{ID: "c2", AgentID: a.ID, FilePath: "y", Status: ChangePending}))

	require.NoError(t, h.reg.ApproveChange(ctx, "c1"))
	require.ErrorIs(t, h.reg.RejectChange(ctx, "c1"), ErrChangeResolved)
	require.NoError(t, h.reg.RejectChange(ctx, "c2"))
	require.ErrorIs(t, h.reg.ApproveChange(ctx, "c3"), ErrChangeNotFound)

	c1, err := h.store.GetChange(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ChangeApproved, c1.Status)
	c2, err := h.store.GetChange(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, ChangeRejected, c2.Status)
}

func TestResumeAgent(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)
	ctx := context.Background()

	require.ErrorIs(t, h.reg.ResumeAgent(ctx, a.ID), ErrAgentNotPaused)
	require.NoError(t, h.reg.PauseAgent(ctx, a.ID))
	require.NoError(t, h.reg.ResumeAgent(ctx, a.ID))

	got, err := h.reg.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestDeleteAgentCascades(t *testing.T) {
	client := newBlockingClient()
	h := newHarness(t, client)
	a := h.createAgent(t)
	ctx := context.Background()

	sub := h.bus.Subscribe().ForAgent(a.ID)
	defer sub.Close()

	task, err := h.reg.ExecuteTask(ctx, a.ID, "work")
	require.NoError(t, err)
	<-client.started

	h.reg.Gate().Check(ctx, permission.Action{AgentID: a.ID, ActionType: "bash", Descriptor: "make"}, permission.ModeAsk)
	require.Len(t, h.reg.PendingRequests(a.ID), 1)

	require.NoError(t, h.reg.DeleteAgent(ctx, a.ID))
	waitFor(t, sub, events.AgentDeleted)
	h.reg.Wait()

	_, err = h.reg.GetAgent(a.ID)
	require.ErrorIs(t, err, ErrAgentNotFound)
	_, err = h.reg.GetTask(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Empty(t, h.reg.PendingRequests(a.ID))
	assert.NoDirExists(t, a.Workspace.Path)

	stored, err := h.store.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	require.ErrorIs(t, h.reg.DeleteAgent(ctx, a.ID), ErrAgentNotFound)
}

func TestReapInactive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client := newBlockingClient()
	h := newHarness(t, client)
	h.reg.now = func() time.Time { return now }
	ctx := context.Background()

	stale := h.createAgent(t)
	busy := h.createAgent(t)
	_, err := h.reg.ExecuteTask(ctx, busy.ID, "long job")
	require.NoError(t, err)
	<-client.started

	later := now.Add(48 * time.Hour)

	assert.Equal(t, 1, h.reg.ReapInactive(ctx, later))

	_, err = h.reg.GetAgent(stale.ID)
	require.ErrorIs(t, err, ErrAgentNotFound)
	_, err = os.Stat(stale.Workspace.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	got, err := h.reg.GetAgent(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestReapInactiveKeepsRecentAgents(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	a := h.createAgent(t)

	assert.Zero(t, h.reg.ReapInactive(context.Background(), time.Now()))
	_, err := h.reg.GetAgent(a.ID)
	require.NoError(t, err)
}

func TestRestoreResetsRunningAgents(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, h.store.CreateAgent(ctx, &Agent{
		ID: "a1", Name: "old", Status: StatusRunning, TaskIDs: []string{"t1"}, CreatedAt: now, LastActivity: now,
	}))
	require.NoError(t, h.store.SaveTask(ctx, &Task{ID: "t1", AgentID: "a1", Status: TaskRunning, Progress: 60, StartedAt: now}))

	require.NoError(t, h.reg.Restore(ctx))

	a, err := h.reg.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, a.Status)

	task, err := h.reg.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, 60, task.Progress)
}
