package logx

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLoggerFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("registry").Info("agent %s created", "a1")

	line := buf.String()
	assert.Contains(t, line, "[registry] INFO: agent a1 created")
	assert.True(t, strings.HasPrefix(line, "["))
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLoggerDebugGatedByEnv(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(false)
	t.Cleanup(func() { SetDebug(false) })

	l := NewLogger("task")
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebug(true)
	l.Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG: shown")
}

func TestDomainDebug(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true, "diff")
	t.Cleanup(func() { SetDebug(false) })

	ctx := ContextWithAgentID(context.Background(), "agent-7")
	Debug(ctx, "diff", "applied %d hunks", 2)
	Debug(ctx, "sandbox", "skipped")

	out := buf.String()
	assert.Contains(t, out, "[agent-7] DEBUG: [diff] applied 2 hunks")
	assert.NotContains(t, out, "skipped")
	assert.True(t, IsDebugEnabledForDomain("diff"))
	assert.False(t, IsDebugEnabledForDomain("sandbox"))
}

func TestDebugWithoutAgentID(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })

	Debug(context.Background(), "x", "hello")
	assert.Contains(t, buf.String(), "[unknown]")
}

func TestRecentEntriesFilter(t *testing.T) {
	captureOutput(t)
	start := time.Now().UTC().Add(-time.Second)

	NewLogger("filter-a").Warn("one")
	NewLogger("filter-b").Error("two")

	entries := GetRecentLogEntries("filter-a", start)
	require.Len(t, entries, 1)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "WARN", entries[0].Level)

	assert.Empty(t, GetRecentLogEntries("filter-a", time.Now().Add(time.Hour)))
}

func TestRingBufferBounded(t *testing.T) {
	b := &ringBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.add(LogEntry{AgentID: "x", Message: string(rune('a' + i))})
	}
	got := b.snapshot("", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
}

func TestErrorfWraps(t *testing.T) {
	buf := captureOutput(t)
	base := assert.AnError
	err := Errorf("open store: %w", base)
	require.ErrorIs(t, err, base)
	assert.Contains(t, buf.String(), "[system] ERROR: open store")
}
