// Package ws implements the WebSocket adapter for dashboard clients. The hub
// relays control-plane events from the bus to connected clients, optionally
// filtered to the channels a client asked for.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/spritelab/fleetd/internal/port/bus"
)

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	// channels filters relayed events; empty means everything.
	channels map[string]bool
}

func (c *conn) wants(channel string) bool {
	return len(c.channels) == 0 || c.channels[channel]
}

// Hub manages all active WebSocket connections and relays bus events.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		conns: make(map[*conn]struct{}),
	}
}

// Run subscribes the hub to the named bus channels and relays every event
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context, b bus.Bus, channels ...string) {
	var wg sync.WaitGroup
	for _, channel := range channels {
		events, cancel := b.Subscribe(channel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					h.broadcast(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
}

// HandleWS returns an http.HandlerFunc that upgrades connections to WebSocket.
// Clients may narrow their feed with ?channels=fleet,intents:all.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, channels: parseChannels(r.URL.Query().Get("channels"))}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
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

// broadcast sends an event to every connection subscribed to its channel.
func (h *Hub) broadcast(ctx context.Context, ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(ev.Channel) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			go h.remove(c)
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
		h.log.Info("websocket disconnected")
	}
}

func parseChannels(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, ch := range strings.Split(raw, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			set[ch] = true
		}
	}
	return set
}
