package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"shillmarket/core/events"
	"shillmarket/core/types"
	"shillmarket/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsClientBacklog  = 64
	wsDroppedSubject = "websocket"
)

type wsClient struct {
	ch     chan *types.Event
	filter map[string]struct{}
}

func (c *wsClient) wants(eventType string) bool {
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[eventType]
	return ok
}

// EventHub streams committed events to websocket subscribers. Emit never
// blocks: a subscriber whose backlog is full misses the event.
type EventHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewEventHub builds an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// Emit implements events.Emitter.
func (h *EventHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(payload.Type) {
			continue
		}
		select {
		case client.ch <- payload:
		default:
			observability.Events().RecordDropped(wsDroppedSubject)
		}
	}
}

// Subscribers reports the number of connected streams.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) subscribe(filter map[string]struct{}) *wsClient {
	client := &wsClient{ch: make(chan *types.Event, wsClientBacklog), filter: filter}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *EventHub) unsubscribe(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
// The optional "types" query parameter is a comma separated allowlist.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	client := h.subscribe(parseTypeFilter(r.URL.Query().Get("types")))
	defer h.unsubscribe(client)

	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, client); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *EventHub) stream(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-client.ch:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(EventResult{Type: evt.Type, Attributes: evt.Attributes})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseTypeFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}
