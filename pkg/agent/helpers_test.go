package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentd/pkg/config"
	"agentd/pkg/events"
	"agentd/pkg/llm"
	"agentd/pkg/permission"
	"agentd/pkg/workspace"
)

// scriptedClient returns its responses in order, then repeats the last one.
type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.CompletionResponse
	errs      []error
	calls     atomic.Int32
	requests  []llm.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if len(s.errs) > 0 {
		return llm.CompletionResponse{}, s.errs[min(n, len(s.errs)-1)]
	}
	return s.responses[min(n, len(s.responses)-1)], nil
}

func (s *scriptedClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, s, req)
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

// blockingClient blocks until the call's context ends.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{})}
}

func (b *blockingClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return llm.CompletionResponse{}, ctx.Err()
}

func (b *blockingClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, b, req)
}

func (b *blockingClient) GetModelName() string { return "blocking" }

type staticFactory struct {
	client llm.LLMClient
}

func (f staticFactory) CreateClient(string) (llm.LLMClient, error) {
	return f.client, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	tasks    map[string]*Task
	changes  map[string]*CodeChange
	requests map[string]permission.Request
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[string]*Agent),
		tasks:    make(map[string]*Task),
		changes:  make(map[string]*CodeChange),
		requests: make(map[string]permission.Request),
	}
}

func (m *memStore) CreateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a.clone()
	return nil
}

func (m *memStore) UpdateAgent(ctx context.Context, a *Agent) error {
	return m.CreateAgent(ctx, a)
}

func (m *memStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	for tid, t := range m.tasks {
		if t.AgentID == id {
			delete(m.tasks, tid)
		}
	}
	for cid, c := range m.changes {
		if c.AgentID == id {
			delete(m.changes, cid)
		}
	}
	return nil
}

func (m *memStore) GetAllAgents(_ context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.clone())
	}
	return out, nil
}

func (m *memStore) SaveTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.clone()
	return nil
}

func (m *memStore) ListTasks(_ context.Context, agentID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.AgentID == agentID {
			out = append(out, t.clone())
		}
	}
	return out, nil
}

func (m *memStore) SaveChange(_ context.Context, c *CodeChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.changes[c.ID] = &cp
	return nil
}

func (m *memStore) UpdateChangeStatus(_ context.Context, id string, status ChangeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok {
		return ErrChangeNotFound
	}
	c.Status = status
	return nil
}

func (m *memStore) GetChange(_ context.Context, id string) (*CodeChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok {
		return nil, ErrChangeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListChanges(_ context.Context, agentID string) ([]*CodeChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CodeChange
	for _, c := range m.changes {
		if c.AgentID == agentID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SavePermissionRequest(_ context.Context, r *permission.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

type harness struct {
	reg   *Registry
	store *memStore
	bus   *events.Bus
	root  string
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Retry.BaseDelay = 0
	cfg.Tasks.UseTools = false
	cfg.Permissions.DefaultMode = config.ModeAsk
	return cfg
}

func newHarness(t *testing.T, client llm.LLMClient, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	root := t.TempDir()
	store := newMemStore()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg, err := NewRegistry(Options{
		Config:     cfg,
		Workspaces: workspace.NewDirProvider(root),
		Clients:    staticFactory{client: client},
		Store:      store,
		Events:     bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	return &harness{reg: reg, store: store, bus: bus, root: root}
}

func (h *harness) createAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := h.reg.CreateAgent(context.Background(), Config{Name: "tester", Project: "proj"})
	require.NoError(t, err)
	return a
}

// waitFor returns the first event of one of types, failing after a few seconds.
func waitFor(t *testing.T, sub *events.Subscription, types ...events.EventType) events.Event {
	t.Helper()
	want := make(map[events.EventType]bool, len(types))
	for _, tp := range types {
		want[tp] = true
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if want[e.Type] {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", types)
			return events.Event{}
		}
	}
}

func terminalTypes() []events.EventType {
	return []events.EventType{events.TaskCompleted, events.TaskFailed, events.TaskCancelled}
}
