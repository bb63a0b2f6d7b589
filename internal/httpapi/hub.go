package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"agentd/pkg/events"
	"agentd/pkg/logx"
)

const writeTimeout = 5 * time.Second

// conn wraps a single WebSocket connection. agentID, when set, limits delivery to
// one agent's events.
type conn struct {
	ws      *websocket.Conn
	agentID string
	cancel  context.CancelFunc
}

// Hub pushes lifecycle events to every connected WebSocket client.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*conn]struct{}
	logger *logx.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[*conn]struct{}),
		logger: logx.NewLogger("ws"),
	}
}

// HandleWS upgrades the request. The optional agent_id query parameter filters the
// stream to one agent.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks belong to the fronting proxy
	})
	if err != nil {
		h.logger.Error("❌ websocket accept failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, agentID: r.URL.Query().Get("agent_id"), cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("🔌 websocket connected from %s (agent filter %q)", r.RemoteAddr, c.agentID)

	// Read loop to detect disconnects and consume pings.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends e to every client whose filter matches.
func (h *Hub) Broadcast(ctx context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("❌ websocket marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if c.agentID != "" && c.agentID != e.AgentID {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("websocket write failed: %v", err)
			go h.remove(c)
		}
	}
}

// Run forwards events from sub until ctx ends or sub closes. Events go out in the
// order the bus delivered them.
func (h *Hub) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case e, ok := <-sub.C():
			if !ok {
				h.closeAll()
				return nil
			}
			h.Broadcast(ctx, e)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.logger.Info("🔌 websocket disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
