package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"qms/walkin-queue/internal/metrics"
	"qms/walkin-queue/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 16
	defaultRetention  = 30 * time.Minute
)

// Filter narrows the events a client receives. Empty fields match anything.
// A status filter matches an entry moving into or out of that status, so a
// client watching one status also learns when an entry leaves it.
type Filter struct {
	Status    string
	ServiceID string
}

type Client struct {
	ID     string
	Send   chan models.ChangeEvent
	filter Filter
}

type Options struct {
	BufferSize int
	Retention  time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// Hub fans change events out to in-process subscribers without blocking the
// publisher. A client whose buffer is full misses the event and is expected
// to reconcile from a full list.
type Hub struct {
	mu         sync.Mutex
	clients    map[string]*Client
	versions   map[string]seenVersion
	bufferSize int
	retention  time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
}

type seenVersion struct {
	version int
	at      time.Time
}

func New(options Options) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		versions:   make(map[string]seenVersion),
		bufferSize: options.BufferSize,
		retention:  options.Retention,
		logger:     options.Logger,
		metrics:    options.Metrics,
		clock:      options.Clock,
	}
	if h.bufferSize <= 0 {
		h.bufferSize = defaultBufferSize
	}
	if h.retention <= 0 {
		h.retention = defaultRetention
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewUnregistered()
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	return h
}

func (h *Hub) Subscribe(filter Filter) *Client {
	client := &Client{
		ID:     uuid.NewString(),
		Send:   make(chan models.ChangeEvent, h.bufferSize),
		filter: filter,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.metrics.Subscribers.Set(float64(len(h.clients)))
	return client
}

// Unregister removes the client and closes its channel. Events still
// buffered for it are discarded by the reader.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	h.metrics.Subscribers.Set(float64(len(h.clients)))
}

func (h *Hub) UpdateFilter(client *Client, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.filter = filter
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish delivers event to every matching client. Events that are not newer
// than the last one seen for the same entry are dropped, so a client never
// observes an entry's changes out of order.
func (h *Hub) Publish(event models.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if seen, ok := h.versions[event.EntryID]; ok && event.Version <= seen.version {
		h.metrics.EventsDropped.WithLabelValues("stale").Inc()
		h.logger.Debug("drop stale change event",
			zap.String("entry_id", event.EntryID),
			zap.Int("version", event.Version),
			zap.Int("seen_version", seen.version),
		)
		return
	}
	h.versions[event.EntryID] = seenVersion{version: event.Version, at: h.clock()}

	for _, client := range h.clients {
		if !match(client.filter, event) {
			continue
		}
		select {
		case client.Send <- event:
		default:
			h.metrics.EventsDropped.WithLabelValues("subscriber").Inc()
			h.logger.Warn("drop change event for slow subscriber",
				zap.String("client_id", client.ID),
				zap.String("entry_id", event.EntryID),
			)
		}
	}
}

// Prune forgets entry versions not touched within the retention window.
func (h *Hub) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clock().Add(-h.retention)
	removed := 0
	for entryID, seen := range h.versions {
		if seen.at.Before(cutoff) {
			delete(h.versions, entryID)
			removed++
		}
	}
	return removed
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.Prune(); removed > 0 {
				h.logger.Debug("pruned entry versions", zap.Int("count", removed))
			}
		}
	}
}

func match(filter Filter, event models.ChangeEvent) bool {
	if filter.Status != "" && event.Status != filter.Status && event.PreviousStatus != filter.Status {
		return false
	}
	if filter.ServiceID != "" && event.ServiceID != filter.ServiceID {
		return false
	}
	return true
}

type Message struct {
	Action    string `json:"action"`
	Status    string `json:"status"`
	ServiceID string `json:"service_id"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionReconcile   = "reconcile"
)

func ParseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionReconcile:
		return msg, true
	default:
		return Message{}, false
	}
}
