package realtime

import (
	"log/slog"
	"sync"

	v1 "pawfect/contracts/realtime/v1"
)

// Publisher forwards room events to other server instances.
type Publisher interface {
	Publish(room string, env v1.Envelope) error
}

// Hub tracks room membership for this instance and fans events out to members.
//
// Delivery is best-effort: a member whose queue is full misses the event.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Client
	pub   Publisher
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]map[string]*Client),
	}
}

// SetPublisher attaches a cross-instance publisher. Nil detaches it.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.pub = p
	h.mu.Unlock()
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.rooms[room]
	if !ok {
		m = make(map[string]*Client)
		h.rooms[room] = m
	}
	m[c.ID] = c
}

// Leave removes c from room.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c.ID)
}

// LeaveAll removes c from every room; called on disconnect.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.leaveLocked(room, c.ID)
	}
}

func (h *Hub) leaveLocked(room, clientID string) {
	m, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(m, clientID)
	if len(m) == 0 {
		delete(h.rooms, room)
	}
}

// IsMember reports whether c has joined room.
func (h *Hub) IsMember(room string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c.ID]
	return ok
}

// Members returns the number of local members of room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast sends event to every member of room, here and on peer instances.
func (h *Hub) Broadcast(room, event string, payload any) {
	h.Relay(room, event, payload, nil)
}

// Relay sends event to every member of room except origin.
func (h *Hub) Relay(room, event string, payload any, origin *Client) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("realtime.envelope.encode_failed", "room", room, "type", event, "err", err)
		return
	}

	exclude := ""
	if origin != nil {
		exclude = origin.ID
	}
	h.DeliverLocal(room, env, exclude)

	h.mu.RLock()
	pub := h.pub
	h.mu.RUnlock()
	if pub == nil {
		return
	}
	if err := pub.Publish(room, env); err != nil {
		h.log.Warn("realtime.publish.fail", "room", room, "type", event, "err", err)
	}
}

// DeliverLocal enqueues env to local members of room, skipping exclude.
// It never blocks and returns the number of clients reached.
func (h *Hub) DeliverLocal(room string, env v1.Envelope, exclude string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	eventsTotal.WithLabelValues(env.Type).Inc()

	sent := 0
	for _, c := range targets {
		if c.offer(env) {
			sent++
			continue
		}
		droppedTotal.Inc()
		h.log.Warn("realtime.deliver.dropped", "room", room, "client_id", c.ID, "type", env.Type)
	}
	return sent
}
