package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/events"
	"agentd/pkg/logx"
)

type fakeSkills struct {
	mu          sync.Mutex
	ids         []string
	invalidated []string
}

func (f *fakeSkills) List() ([]string, error) { return f.ids, nil }

func (f *fakeSkills) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func newServerWith(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(newFakeRegistry(), NewHub(), nil, opts...).Routes(""))
	t.Cleanup(srv.Close)
	return srv
}

func writeEventLog(t *testing.T, dir, name string, evs ...events.Event) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, e := range evs {
		require.NoError(t, enc.Encode(e))
	}
}

func TestRecentLogs(t *testing.T) {
	logx.SetOutput(io.Discard)
	t.Cleanup(func() { logx.SetOutput(nil) })
	logx.NewLogger("logs-agent-1").Info("building")
	logx.NewLogger("logs-agent-2").Info("idle")

	srv := newServerWith(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/logs?agent_id=logs-agent-1&since=1h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decodeBody[[]logx.LogEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "building")

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/logs?agent_id=logs-agent-1&since="+time.Now().Add(time.Hour).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]logx.LogEntry](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/logs?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = parseSince("2026-05-01T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = parseSince("soon", now)
	assert.Error(t, err)
}

func TestEventLogEndpoints(t *testing.T) {
	dir := t.TempDir()
	created := events.New(events.AgentCreated, "a1", nil)
	done := events.New(events.TaskCompleted, "a1", map[string]any{"result": "ok"})
	other := events.New(events.AgentCreated, "a2", nil)
	writeEventLog(t, dir, "events-2026-05-01.jsonl", created, done, other)
	writeEventLog(t, dir, "events-2026-05-02.jsonl")

	srv := newServerWith(t, WithEventLogDir(dir))
	base := srv.URL + "/api/v1/event-logs"

	resp := do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{"events-2026-05-01.jsonl", "events-2026-05-02.jsonl"}, decodeBody[[]string](t, resp))

	resp = do(t, http.MethodGet, base+"/events-2026-05-01.jsonl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]events.Event](t, resp), 3)

	resp = do(t, http.MethodGet, base+"/events-2026-05-01.jsonl?agent_id=a1&type=task.completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	filtered := decodeBody[[]events.Event](t, resp)
	require.Len(t, filtered, 1)
	assert.Equal(t, events.TaskCompleted, filtered[0].Type)

	resp = do(t, http.MethodGet, base+"/events-2026-04-30.jsonl", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, base+"/agentd.db", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventLogEndpointsDisabledWithoutDir(t *testing.T) {
	srv := newServerWith(t)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/event-logs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSkillEndpoints(t *testing.T) {
	catalog := &fakeSkills{ids: []string{"go-style", "testing"}}
	srv := newServerWith(t, WithSkills(catalog))

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/skills", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"go-style", "testing"}, decodeBody[[]string](t, resp))

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/skills/go-style/reload", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"go-style"}, catalog.invalidated)
}
