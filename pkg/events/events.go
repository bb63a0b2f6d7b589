// Package events carries lifecycle notifications from the agent registry to any
// number of consumers. Delivery to each subscriber is FIFO, so events for one agent
// arrive in the order they were published.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of lifecycle notifications.
type EventType string

const (
	AgentCreated EventType = "agent.created"
	AgentDeleted EventType = "agent.deleted"
	AgentPaused  EventType = "agent.paused"
	AgentResumed EventType = "agent.resumed"
	AgentStopped EventType = "agent.stopped"

	MessageAppended EventType = "message.appended"

	TaskStarted   EventType = "task.started"
	TaskProgress  EventType = "task.progress"
	TaskCompleted EventType = "task.completed"
	TaskFailed    EventType = "task.failed"
	TaskCancelled EventType = "task.cancelled"
	TaskPaused    EventType = "task.paused"

	ToolCall   EventType = "tool.call"
	ToolResult EventType = "tool.result"

	ChangeCreated EventType = "change.created"

	PermissionModeChanged EventType = "permission.mode_changed"
	PermissionRequested   EventType = "permission.requested"
	PermissionResolved    EventType = "permission.resolved"
)

// AllTypes lists every EventType.
func AllTypes() []EventType {
	return []EventType{
		AgentCreated, AgentDeleted, AgentPaused, AgentResumed, AgentStopped,
		MessageAppended,
		TaskStarted, TaskProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskPaused,
		ToolCall, ToolResult,
		ChangeCreated,
		PermissionModeChanged, PermissionRequested, PermissionResolved,
	}
}

// Valid reports whether t is one of the known types.
func (t EventType) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether t ends a task.
func (t EventType) IsTerminal() bool {
	switch t {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskPaused:
		return true
	default:
		return false
	}
}

// Event is one notification. Data holds type-specific fields and must be JSON-encodable.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event. ID, Seq and Timestamp are filled in by Publish.
func New(t EventType, agentID string, data map[string]any) Event {
	return Event{Type: t, AgentID: agentID, Data: data}
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish stamps e and queues it for every matching subscriber. It never blocks on a
// slow consumer.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for s := range b.subs {
		if s.matches(e) {
			s.push(e)
		}
	}
}

// Subscribe returns a subscription for the given types, or for every type when none
// are given.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	s := &Subscription{
		bus:    b,
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's ordered, unbounded queue.
type Subscription struct {
	bus   *Bus
	types map[EventType]bool
	// AgentID, when set before the first publish, restricts delivery to one agent.
	agentID atomic.Value

	ch     chan Event
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// C delivers events in publish order. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// ForAgent restricts the subscription to one agent and returns it.
func (s *Subscription) ForAgent(agentID string) *Subscription {
	s.agentID.Store(agentID)
	return s
}

// Close stops delivery. Events still queued are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) matches(e Event) bool {
	if s.types != nil && !s.types[e.Type] {
		return false
	}
	if id, ok := s.agentID.Load().(string); ok && id != "" && id != e.AgentID {
		return false
	}
	return true
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		for _, e := range batch {
			select {
			case s.ch <- e:
			case <-s.done:
				return
			}
		}
	}
}
