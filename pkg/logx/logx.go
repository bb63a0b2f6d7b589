// Package logx provides component-tagged logging with an in-memory tail for the API
// and environment-controlled, domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type ctxKey struct{}

// LogEntry is one buffered log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
}

func (b *ringBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) snapshot(agentID string, since time.Time) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}

//nolint:gochecknoglobals // process-wide logging state
var (
	writerMu sync.Mutex
	writer   io.Writer = os.Stderr

	debugMu      sync.RWMutex
	debugEnabled bool
	debugDomains map[string]bool

	buffer = &ringBuffer{maxSize: 1000}

	defaultLogger = NewLogger("system")
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	debugFromEnv()
}

func debugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugEnabled = true
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		debugDomains = make(map[string]bool)
		for _, d := range strings.Split(v, ",") {
			debugDomains[strings.TrimSpace(d)] = true
		}
	}
}

// SetOutput redirects all log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	writerMu.Lock()
	defer writerMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

// SetDebug toggles debug output. An empty domain list enables every domain.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
	if len(domains) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debugDomains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabledForDomain reports whether Debug(ctx, domain, ...) would emit.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[domain]
}

// GetRecentLogEntries returns buffered entries, optionally filtered by agent and age.
func GetRecentLogEntries(agentID string, since time.Time) []LogEntry {
	return buffer.snapshot(agentID, since)
}

// Logger writes lines tagged with an agent or component ID.
type Logger struct {
	agentID string
}

// NewLogger creates a logger tagged with agentID.
func NewLogger(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// GetAgentID returns the tag this logger writes with.
func (l *Logger) GetAgentID() string {
	return l.agentID
}

// WithAgentID returns a logger with a different tag.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

func emit(agentID string, level Level, domain, message string) {
	ts := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", ts, agentID, level, message)

	writerMu.Lock()
	_, _ = io.WriteString(writer, line)
	writerMu.Unlock()

	buffer.add(LogEntry{
		Timestamp: ts,
		AgentID:   agentID,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	emit(l.agentID, level, "", fmt.Sprintf(format, args...))
}

// Debug logs only when DEBUG is enabled.
func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	enabled := debugEnabled
	debugMu.RUnlock()
	if !enabled {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// ContextWithAgentID tags ctx so that Debug can attribute lines to an agent.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, agentID)
}

// AgentIDFromContext returns the agent tag set by ContextWithAgentID.
func AgentIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Debug logs a domain-scoped debug line.
//
//	DEBUG=1                          # all domains
//	DEBUG=1 DEBUG_DOMAINS=task,diff  # selected domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	agentID := AgentIDFromContext(ctx)
	if agentID == "" {
		agentID = "unknown"
	}
	emit(agentID, LevelDebug, domain, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	return logx.Errorf("open store: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}
