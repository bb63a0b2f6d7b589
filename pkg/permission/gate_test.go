package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func editAction() Action {
	return Action{AgentID: "a1", ActionType: "edit", Descriptor: "main.go"}
}

func bashAction(cmd string) Action {
	return Action{AgentID: "a1", ActionType: "bash", Descriptor: cmd}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAsk, m)

	m, err = ParseMode("auto_safe")
	require.NoError(t, err)
	assert.Equal(t, ModeAutoSafe, m)

	_, err = ParseMode("yolo")
	require.Error(t, err)
}

func TestCheckByMode(t *testing.T) {
	g := NewGate(Config{})
	ctx := context.Background()

	assert.Equal(t, OutcomeAllow, g.Check(ctx, Action{ActionType: "view"}, ModeAsk).Outcome)
	assert.Equal(t, OutcomePending, g.Check(ctx, editAction(), ModeAsk).Outcome)
	assert.Equal(t, OutcomeAllow, g.Check(ctx, editAction(), ModeAutoSafe).Outcome)
	assert.Equal(t, OutcomePending, g.Check(ctx, bashAction("ls"), ModeAutoSafe).Outcome)
}

func TestBypassRequiresSwitch(t *testing.T) {
	ctx := context.Background()

	off := NewGate(Config{DenyCommands: []string{"rm -rf /"}})
	assert.Equal(t, OutcomePending, off.Check(ctx, editAction(), ModeBypass).Outcome)
	assert.Equal(t, OutcomeDeny, off.Check(ctx, bashAction("rm -rf / --no-preserve-root"), ModeBypass).Outcome)

	on := NewGate(Config{AllowBypass: true, DenyCommands: []string{"rm -rf /"}})
	assert.Equal(t, OutcomeAllow, on.Check(ctx, editAction(), ModeBypass).Outcome)
	assert.Equal(t, OutcomeAllow, on.Check(ctx, bashAction("rm -rf /"), ModeBypass).Outcome)
}

func TestDenyRules(t *testing.T) {
	g := NewGate(Config{DenyCommands: []string{"mkfs"}})
	d := g.Check(context.Background(), bashAction("sudo mkfs.ext4 /dev/sda"), ModeAutoSafe)
	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Empty(t, d.RequestID)
	assert.Contains(t, d.Reason, "mkfs")
}

func TestResolveExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var requested, resolved []Request
	g := NewGate(Config{Hooks: Hooks{
		OnRequested: func(r Request) { mu.Lock(); requested = append(requested, r); mu.Unlock() },
		OnResolved:  func(r Request) { mu.Lock(); resolved = append(resolved, r); mu.Unlock() },
	}})

	d := g.Check(context.Background(), editAction(), ModeAsk)
	require.Equal(t, OutcomePending, d.Outcome)
	require.NotEmpty(t, d.RequestID)

	assert.True(t, g.Approve(d.RequestID))
	assert.False(t, g.Reject(d.RequestID))
	assert.False(t, g.Approve(d.RequestID))
	assert.False(t, g.Approve("unknown-id"))

	req, ok := g.Get(d.RequestID)
	require.True(t, ok)
	assert.Equal(t, StatusApproved, req.Decision)
	assert.NotNil(t, req.ResolvedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, requested, 1)
	require.Len(t, resolved, 1)
	assert.Equal(t, StatusApproved, resolved[0].Decision)
}

func TestWaitUnblocksOnResolution(t *testing.T) {
	g := NewGate(Config{})
	d := g.Check(context.Background(), editAction(), ModeAsk)

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Reject(d.RequestID)
	}()

	approved, err := g.Wait(context.Background(), d.RequestID)
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestWaitHonoursContext(t *testing.T) {
	g := NewGate(Config{})
	d := g.Check(context.Background(), editAction(), ModeAsk)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Wait(ctx, d.RequestID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = g.Wait(context.Background(), "nope")
	require.ErrorIs(t, err, ErrRequestNotFound)
}

func TestAbandonedWaitRejectsRequest(t *testing.T) {
	var mu sync.Mutex
	var resolved []Request
	g := NewGate(Config{Hooks: Hooks{
		OnResolved: func(r Request) { mu.Lock(); resolved = append(resolved, r); mu.Unlock() },
	}})
	d := g.Check(context.Background(), bashAction("make"), ModeAsk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Wait(ctx, d.RequestID)
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, g.Pending("a1"))
	req, ok := g.Get(d.RequestID)
	require.True(t, ok)
	assert.Equal(t, StatusRejected, req.Decision)
	assert.False(t, g.Approve(d.RequestID), "an expired request cannot be approved later")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, StatusRejected, resolved[0].Decision)
}

func TestAuthorize(t *testing.T) {
	g := NewGate(Config{DenyCommands: []string{"shutdown"}})
	ctx := context.Background()

	ok, reason, err := g.Authorize(ctx, bashAction("shutdown now"), ModeAsk)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "denied")

	go func() {
		for {
			if p := g.Pending("a1"); len(p) == 1 {
				g.Approve(p[0].ID)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	ok, _, err = g.Authorize(ctx, editAction(), ModeAsk)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForgetAgentRejectsPending(t *testing.T) {
	g := NewGate(Config{})
	d := g.Check(context.Background(), editAction(), ModeAsk)
	other := g.Check(context.Background(), Action{AgentID: "a2", ActionType: "edit"}, ModeAsk)

	done := make(chan bool, 1)
	go func() {
		approved, _ := g.Wait(context.Background(), d.RequestID)
		done <- approved
	}()
	time.Sleep(10 * time.Millisecond)
	g.ForgetAgent("a1")

	select {
	case approved := <-done:
		assert.False(t, approved)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	_, ok := g.Get(d.RequestID)
	assert.False(t, ok)
	_, ok = g.Get(other.RequestID)
	assert.True(t, ok)
	assert.False(t, g.Approve(d.RequestID))
}
