// Package permission decides whether an agent's mutating tool call may run, is
// denied, or must wait for an external approval.
package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/logx"
)

// Mode is an agent's permission policy.
type Mode string

const (
	// ModeAsk queues every mutating action for approval. It is the default.
	ModeAsk Mode = "ask"
	// ModeAutoSafe allows workspace edits and asks for shell commands.
	ModeAutoSafe Mode = "auto_safe"
	// ModeBypass skips the gate, but only while the process-wide switch is on.
	ModeBypass Mode = "bypass"
)

// ParseMode validates s. Empty means ModeAsk.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeAsk, nil
	case ModeAsk, ModeAutoSafe, ModeBypass:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}

// Outcome is the gate's immediate answer.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomePending Outcome = "pending"
)

// Status is the resolution state of a Request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ErrRequestNotFound is returned by Wait for ids the gate does not know.
var ErrRequestNotFound = errors.New("permission request not found")

// Action is what the caller wants to do.
type Action struct {
	AgentID    string
	ActionType string // tool name, e.g. "edit" or "bash"
	Descriptor string // path or command
	Details    map[string]any
}

// Decision is the result of Check.
type Decision struct {
	Outcome   Outcome
	RequestID string
	Reason    string
}

// Request is a queued approval.
type Request struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Decision   Status         `json:"decision"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Hooks observe request lifecycle. Both run outside the gate's lock.
type Hooks struct {
	OnRequested func(Request)
	OnResolved  func(Request)
}

// Config configures a Gate.
type Config struct {
	// AllowBypass is the operator switch that makes ModeBypass effective.
	AllowBypass bool
	// DenyCommands are substrings that deny a bash action outright.
	DenyCommands []string
	Hooks        Hooks
}

type pendingEntry struct {
	req *Request
	ch  chan bool // buffered(1); the first resolution wins
}

// Gate is safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	requests map[string]*pendingEntry
	logger   *logx.Logger
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:      cfg,
		requests: make(map[string]*pendingEntry),
		logger:   logx.NewLogger("permission"),
	}
}

// IsReadOnly reports whether actionType never needs approval.
func IsReadOnly(actionType string) bool {
	switch actionType {
	case "view", "glob", "grep", "ls":
		return true
	default:
		return false
	}
}

// Check decides an action under mode. Pending decisions carry a new request id that
// Wait blocks on.
func (g *Gate) Check(_ context.Context, action Action, mode Mode) Decision {
	if mode == ModeBypass {
		if g.cfg.AllowBypass {
			g.logger.Warn("⚠️  BYPASS agent=%s %s %q", action.AgentID, action.ActionType, action.Descriptor)
			return Decision{Outcome: OutcomeAllow, Reason: "bypass enabled"}
		}
		mode = ModeAsk
	}

	if IsReadOnly(action.ActionType) {
		return Decision{Outcome: OutcomeAllow, Reason: "read-only"}
	}

	if action.ActionType == "bash" {
		for _, deny := range g.cfg.DenyCommands {
			if deny != "" && strings.Contains(action.Descriptor, deny) {
				g.logger.Warn("🚫 denied agent=%s command %q (matches %q)", action.AgentID, action.Descriptor, deny)
				return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("command matches deny rule %q", deny)}
			}
		}
	}

	if mode == ModeAutoSafe && action.ActionType == "edit" {
		return Decision{Outcome: OutcomeAllow, Reason: "auto_safe edit"}
	}

	req := g.enqueue(action)
	return Decision{Outcome: OutcomePending, RequestID: req.ID, Reason: "awaiting approval"}
}

func (g *Gate) enqueue(action Action) Request {
	req := &Request{
		ID:         uuid.NewString(),
		AgentID:    action.AgentID,
		ActionType: action.ActionType,
		Action:     action.Descriptor,
		Details:    action.Details,
		Decision:   StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	g.mu.Lock()
	g.requests[req.ID] = &pendingEntry{req: req, ch: make(chan bool, 1)}
	snapshot := *req
	g.mu.Unlock()

	g.logger.Info("⏳ permission requested id=%s agent=%s %s %q", req.ID, req.AgentID, req.ActionType, req.Action)
	if g.cfg.Hooks.OnRequested != nil {
		g.cfg.Hooks.OnRequested(snapshot)
	}
	return snapshot
}

// Wait blocks until request id is resolved or ctx ends. A request whose waiter gives
// up is rejected through the normal resolution path, so it never outlives the task
// that raised it.
func (g *Gate) Wait(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	entry, ok := g.requests[id]
	g.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	select {
	case approved := <-entry.ch:
		return approved, nil
	case <-ctx.Done():
		if g.resolve(id, false) {
			g.logger.Info("⌛ permission id=%s expired: %v", id, ctx.Err())
		}
		return false, fmt.Errorf("waiting for permission %s: %w", id, ctx.Err())
	}
}

// Authorize runs Check and, when pending, Wait. It returns whether the action may
// proceed and a reason for the model when it may not.
func (g *Gate) Authorize(ctx context.Context, action Action, mode Mode) (bool, string, error) {
	d := g.Check(ctx, action, mode)
	switch d.Outcome {
	case OutcomeAllow:
		return true, "", nil
	case OutcomeDeny:
		return false, "permission denied: " + d.Reason, nil
	}

	approved, err := g.Wait(ctx, d.RequestID)
	if err != nil {
		return false, "", err
	}
	if !approved {
		return false, "permission rejected by user", nil
	}
	return true, "", nil
}

// Approve resolves a pending request as approved. It reports false, changing
// nothing, for unknown or already resolved ids.
func (g *Gate) Approve(id string) bool {
	return g.resolve(id, true)
}

// Reject resolves a pending request as rejected. Same no-op rules as Approve.
func (g *Gate) Reject(id string) bool {
	return g.resolve(id, false)
}

func (g *Gate) resolve(id string, approved bool) bool {
	g.mu.Lock()
	entry, ok := g.requests[id]
	if !ok || entry.req.Decision != StatusPending {
		g.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	entry.req.ResolvedAt = &now
	entry.req.Decision = StatusRejected
	if approved {
		entry.req.Decision = StatusApproved
	}
	entry.ch <- approved
	snapshot := *entry.req
	g.mu.Unlock()

	g.logger.Info("✅ permission %s id=%s agent=%s", snapshot.Decision, id, snapshot.AgentID)
	if g.cfg.Hooks.OnResolved != nil {
		g.cfg.Hooks.OnResolved(snapshot)
	}
	return true
}

// Get returns a copy of request id.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.requests[id]
	if !ok {
		return Request{}, false
	}
	return *entry.req, true
}

// Pending lists unresolved requests for agentID, or for every agent when empty.
func (g *Gate) Pending(agentID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, e := range g.requests {
		if e.req.Decision == StatusPending && (agentID == "" || e.req.AgentID == agentID) {
			out = append(out, *e.req)
		}
	}
	return out
}

// ForgetAgent drops every request belonging to agentID. Pending ones are rejected
// first so any waiter unblocks.
func (g *Gate) ForgetAgent(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.requests {
		if e.req.AgentID != agentID {
			continue
		}
		if e.req.Decision == StatusPending {
			e.req.Decision = StatusRejected
			e.ch <- false
		}
		delete(g.requests, id)
	}
}
