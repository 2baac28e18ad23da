// Package monitor implements the Monitor Stream: a
// websocket fan-out of broker events to observability clients, each
// with its own agent/type filter set. Frames are plain JSON since this
// domain has no generated wire schema to encode against.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kokino/broker/internal/ids"
	"github.com/kokino/broker/internal/metrics"
	"github.com/kokino/broker/internal/util/timefmt"
)

// Conn is the subset of *websocket.Conn the hub needs, narrowed for
// testability.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Filters restrict which events a subscriber receives. Nil/empty
// slices mean "no restriction on this axis".
type Filters struct {
	Agents []string
	Types  []string
}

// outboxSize bounds how many frames a subscriber can lag behind before
// further frames are dropped in its favor rather than blocking the
// broadcaster.
const outboxSize = 64

type subscriber struct {
	id      string
	conn    Conn
	mu      sync.Mutex
	filters Filters
	outbox  chan []byte
	done    chan struct{} // closed on drop; outbox itself is never closed
}

// enqueue attempts a non-blocking send to the subscriber's outbox.
// Returns false if the outbox is full (subscriber lagging) or the
// subscriber has already been dropped.
func (s *subscriber) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Frame is one event broadcast over the stream.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Hub fans broadcast events out to subscribers, each filtered
// independently.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber

	heartbeatInterval time.Duration
	stop              chan struct{}
	stopOnce          sync.Once
}

// New returns a Hub with a 30s heartbeat interval.
func New() *Hub {
	return &Hub{
		subscribers:       make(map[string]*subscriber),
		heartbeatInterval: 30 * time.Second,
		stop:              make(chan struct{}),
	}
}

// Run blocks, pinging live connections every heartbeat interval and
// dropping any that fail, until ctx is cancelled or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	frame, _ := json.Marshal(Frame{Type: "ping", Data: map[string]any{"ts": timefmt.Format(time.Now())}})
	for _, s := range subs {
		h.send(s, frame)
	}
}

// AddSubscriber registers conn, starts its writer goroutine, and
// announces it with a "connected" frame. Returns the assigned
// subscriber id.
func (h *Hub) AddSubscriber(ctx context.Context, conn Conn) string {
	id := "sub-" + ids.Generate()

	sub := &subscriber{id: id, conn: conn, outbox: make(chan []byte, outboxSize), done: make(chan struct{})}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	metrics.WSConnectionsActive.Inc()
	go h.writeLoop(sub)

	frame, _ := json.Marshal(Frame{Type: "connected", Data: map[string]any{"id": id, "ts": timefmt.Format(time.Now())}})
	h.send(sub, frame)
	return id
}

// writeLoop drains sub's outbox and writes each frame to its
// connection, one at a time, until sub.done is closed (on drop) or a
// write fails (which triggers a drop itself).
func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.outbox:
			if err := sub.write(context.Background(), frame); err != nil {
				h.drop(sub.id)
				return
			}
			metrics.WSMessagesTotal.Inc()
		}
	}
}

// send is the single non-blocking enqueue path every broadcaster goes
// through. A full outbox means the subscriber is lagging: the frame is
// dropped in its favor and the SubscriberLagged counter is incremented
// rather than blocking the caller. The lagging subscriber itself stays
// connected.
func (h *Hub) send(sub *subscriber, frame []byte) {
	if !sub.enqueue(frame) {
		metrics.WSSubscriberLaggedTotal.Inc()
		slog.Warn("monitor: subscriber lagging, dropping frame", "id", sub.id)
	}
}

// SetFilters replaces id's filter set and confirms with a
// "filter-updated" frame.
func (h *Hub) SetFilters(ctx context.Context, id string, filters Filters) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.filters = filters
	sub.mu.Unlock()

	frame, _ := json.Marshal(Frame{Type: "filter-updated", Data: map[string]any{"id": id}})
	h.send(sub, frame)
}

// Broadcast enqueues eventType/data to every subscriber whose filters
// match. Never blocks: a lagging subscriber has its frame dropped
// instead of stalling the broadcaster.
func (h *Hub) Broadcast(ctx context.Context, eventType string, data map[string]any) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var frame []byte
	for _, s := range subs {
		s.mu.Lock()
		filters := s.filters
		s.mu.Unlock()
		if !matches(filters, eventType, data) {
			continue
		}
		if frame == nil {
			frame, _ = json.Marshal(Frame{Type: eventType, Data: data})
		}
		h.send(s, frame)
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()
	if ok {
		close(sub.done)
		_ = sub.conn.Close(websocket.StatusNormalClosure, "")
		metrics.WSConnectionsActive.Dec()
	}
}

// Shutdown notifies every subscriber and closes the hub.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		metrics.WSConnectionsActive.Dec()
	}
}

func (s *subscriber) write(ctx context.Context, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		slog.Debug("monitor: write failed, dropping subscriber", "id", s.id, "error", err)
		return err
	}
	return nil
}

// matches implements the subscriber filter semantics: the type filter
// matches the base type (prefix before '.') or the full type; the
// agent filter matches data.agentId, data.fromAgent, data.toAgent, or
// data.targetAgentId.
func matches(f Filters, eventType string, data map[string]any) bool {
	if len(f.Types) > 0 {
		base := eventType
		if i := strings.IndexByte(eventType, '.'); i >= 0 {
			base = eventType[:i]
		}
		ok := false
		for _, t := range f.Types {
			if t == eventType || t == base {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(f.Agents) > 0 {
		ok := false
		for _, key := range []string{"agentId", "fromAgent", "toAgent", "targetAgentId"} {
			v, _ := data[key].(string)
			if v == "" {
				continue
			}
			for _, agent := range f.Agents {
				if agent == v {
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}
