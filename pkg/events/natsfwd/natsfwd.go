// Package natsfwd republishes bus events on NATS subjects of the form
// <prefix>.<agent>.<type>, so per-agent order is kept on each subject.
package natsfwd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"agentd/pkg/events"
	"agentd/pkg/logx"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "agentd"

// Conn is the part of *nats.Conn the forwarder uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Flush() error
}

// Forwarder copies events from a subscription to NATS.
type Forwarder struct {
	conn   Conn
	prefix string
	logger *logx.Logger
}

// Connect dials url and returns a forwarder plus a close function.
func Connect(url, prefix string) (*Forwarder, func(), error) {
	nc, err := nats.Connect(url, nats.Name("agentd"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	fwd := New(nc, prefix)
	fwd.logger.Info("📡 NATS connected at %s, subject prefix %q", url, fwd.prefix)
	return fwd, nc.Close, nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string) *Forwarder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Forwarder{conn: conn, prefix: prefix, logger: logx.NewLogger("natsfwd")}
}

// Subject returns the subject e is published on.
func (f *Forwarder) Subject(e *events.Event) string {
	agent := e.AgentID
	if agent == "" {
		agent = "system"
	}
	return fmt.Sprintf("%s.%s.%s", f.prefix, token(agent), e.Type)
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Forward publishes one event.
func (f *Forwarder) Forward(e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	subject := f.Subject(e)
	if err := f.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Run forwards events from sub until ctx ends or the subscription closes. Publish
// failures are logged and skipped.
func (f *Forwarder) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			if err := f.conn.Flush(); err != nil {
				f.logger.Warn("nats flush on shutdown: %v", err)
			}
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := f.Forward(&e); err != nil {
				f.logger.Error("❌ %v", err)
			}
		}
	}
}
