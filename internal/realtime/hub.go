// Package realtime pushes live ticket availability to WebSocket watchers.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// EventAvailability is the WebSocket event carrying a models.Availability.
	EventAvailability = "availability"
)

// Publisher fans an event's availability out to every server instance.
type Publisher interface {
	PublishAvailability(ctx context.Context, eventID uuid.UUID, payload []byte) error
}

// Subscriber delivers availability published by any instance.
type Subscriber interface {
	SubscribeEvent(eventID uuid.UUID, handler func(payload []byte)) (cancel func(), err error)
}

// Hub maintains event_id -> set of watchers. With Redis configured an update
// is published once and every instance, this one included, broadcasts it from
// its subscription.
type Hub struct {
	events map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	pub    Publisher
	sub    Subscriber
	logger *zap.Logger
}

// NewHub creates a hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events: make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		pub:    pub,
		sub:    sub,
		logger: logger,
	}
}

// Register adds a watcher. The first watcher of an event starts its Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events[c.EventID] == nil {
		h.events[c.EventID] = make(map[string]*Client)
		if h.sub != nil {
			eventID := c.EventID
			cancel, err := h.sub.SubscribeEvent(eventID, func(payload []byte) {
				h.Broadcast(eventID, EventAvailability, payload)
			})
			if err != nil {
				h.logger.Warn("subscribe availability failed", zap.String("event_id", eventID.String()), zap.Error(err))
			} else {
				h.subs[eventID] = cancel
			}
		}
	}
	h.events[c.EventID][c.ID] = c
	h.logger.Debug("watcher joined", zap.String("client_id", c.ID), zap.String("event_id", c.EventID.String()))
}

// Unregister removes a watcher. The last watcher of an event cancels its subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.events[c.EventID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.events, c.EventID)
		if cancel, ok := h.subs[c.EventID]; ok {
			cancel()
			delete(h.subs, c.EventID)
		}
	}
	h.logger.Debug("watcher left", zap.String("client_id", c.ID), zap.String("event_id", c.EventID.String()))
}

// Broadcast sends a message to this instance's watchers of eventID. Watchers
// whose buffer is full miss the message; the next update supersedes it.
func (h *Hub) Broadcast(eventID uuid.UUID, event string, payload json.RawMessage) {
	msg := WSMessage{Event: event, Data: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.events[eventID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// PublishAvailability delivers a to every watcher of its event.
func (h *Hub) PublishAvailability(ctx context.Context, a models.Availability) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if h.pub != nil {
		return h.pub.PublishAvailability(ctx, a.EventID, data)
	}
	h.Broadcast(a.EventID, EventAvailability, data)
	return nil
}

// WatcherCount returns the number of watchers of eventID on this instance.
func (h *Hub) WatcherCount(eventID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events[eventID])
}
