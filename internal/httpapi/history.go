package httpapi

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agentd/pkg/eventlog"
	"agentd/pkg/events"
	"agentd/pkg/logx"
)

// recentLogs serves the in-memory log buffer. since accepts RFC 3339 or a duration
// such as "15m".
func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := parseSince(raw, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since = t
	}
	writeJSON(w, http.StatusOK, logx.GetRecentLogEntries(q.Get("agent_id"), since))
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be RFC 3339 or a duration")
	}
	return t, nil
}

func (s *Server) listEventLogs(w http.ResponseWriter, _ *http.Request) {
	files, err := eventlog.ListLogFiles(s.eventLogDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	writeJSON(w, http.StatusOK, names)
}

// readEventLog replays one log file, optionally filtered by agent_id and type.
func (s *Server) readEventLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != filepath.Base(name) || !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".jsonl") {
		writeError(w, http.StatusBadRequest, "invalid event log name")
		return
	}

	all, err := eventlog.ReadEvents(filepath.Join(s.eventLogDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "event log not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q := r.URL.Query()
	agentID, typ := q.Get("agent_id"), events.EventType(q.Get("type"))
	out := make([]events.Event, 0, len(all))
	for _, e := range all {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSkills(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.skills.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// reloadSkill drops a cached skill so agents created afterwards read it from disk again.
func (s *Server) reloadSkill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.skills.Invalidate(id)
	s.logger.Info("🔄 Skill %s cache dropped", id)
	w.WriteHeader(http.StatusNoContent)
}
