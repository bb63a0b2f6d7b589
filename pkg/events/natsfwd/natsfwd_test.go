package natsfwd

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/events"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}

func TestSubject(t *testing.T) {
	f := New(&fakeConn{}, "")
	assert.Equal(t, "agentd.a1.task.completed", f.Subject(&events.Event{Type: events.TaskCompleted, AgentID: "a1"}))
	assert.Equal(t, "agentd.system.agent.created", f.Subject(&events.Event{Type: events.AgentCreated}))
	assert.Equal(t, "x.a_b.tool.call", New(&fakeConn{}, "x").Subject(&events.Event{Type: events.ToolCall, AgentID: "a.b"}))
}

func TestRunForwardsInOrder(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	conn := &fakeConn{}
	f := New(conn, "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sub := bus.Subscribe()
	go func() { done <- f.Run(ctx, sub) }()

	bus.Publish(events.New(events.TaskStarted, "a1", nil))
	bus.Publish(events.New(events.TaskProgress, "a1", map[string]any{"progress": 10}))
	bus.Publish(events.New(events.TaskCompleted, "a1", nil))

	require.Eventually(t, func() bool { return conn.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"test.a1.task.started", "test.a1.task.progress", "test.a1.task.completed"}, conn.subjects)
	var e events.Event
	require.NoError(t, json.Unmarshal(conn.payloads[1], &e))
	assert.Equal(t, events.TaskProgress, e.Type)
	assert.InDelta(t, 10, e.Data["progress"], 0)
}

func TestForwardAgainstServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	fwd, closeFn, err := Connect(url, "agentdtest")
	require.NoError(t, err)
	defer closeFn()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	got := make(chan *nats.Msg, 1)
	s, err := nc.ChanSubscribe("agentdtest.>", got)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	require.NoError(t, fwd.Forward(&events.Event{ID: "e1", Type: events.AgentCreated, AgentID: "a1"}))
	select {
	case msg := <-got:
		assert.Equal(t, "agentdtest.a1.agent.created", msg.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
