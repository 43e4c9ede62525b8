package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"qms/walkin-queue/internal/hub"
	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/queue"

	"github.com/igm/sockjs-go/v3/sockjs"
	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// subscriberConn is the part of a sockjs session the realtime loop uses.
type subscriberConn interface {
	Request() *http.Request
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

type snapshotMessage struct {
	Type    string              `json:"type"`
	Entries []models.QueueEntry `json:"entries"`
}

func (h *Handler) realtimeHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		h.serveSubscriber(session)
	})
}

// serveSubscriber streams change events to one client. The client first
// receives a snapshot of the current list, then every change committed after
// it subscribed; it may ask for a fresh snapshot at any time.
func (h *Handler) serveSubscriber(conn subscriberConn) {
	if h.sessions != nil {
		_, status, _, message := h.authenticate(context.Background(), sessionIDFromRequest(conn.Request()))
		if status != 0 {
			_ = conn.Close(uint32(4000+status%1000), message)
			return
		}
	}

	var writeMu sync.Mutex
	send := func(payload interface{}) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Send(string(body))
	}

	filter := hub.Filter{}
	client := h.hub.Subscribe(filter)
	defer h.hub.Unregister(client)

	if err := h.sendSnapshot(send, filter); err != nil {
		h.logger.Warn("realtime snapshot failed", zap.String("client_id", client.ID), zap.Error(err))
		_ = conn.Close(4503, "snapshot unavailable")
		return
	}

	go func() {
		for event := range client.Send {
			if err := send(event); err != nil {
				return
			}
		}
	}()

	for {
		raw, err := conn.Recv()
		if err != nil {
			return
		}
		msg, ok := hub.ParseMessage([]byte(raw))
		if !ok {
			continue
		}
		switch msg.Action {
		case hub.ActionSubscribe:
			filter = hub.Filter{Status: msg.Status, ServiceID: msg.ServiceID}
			h.hub.UpdateFilter(client, filter)
		case hub.ActionUnsubscribe:
			filter = hub.Filter{}
			h.hub.UpdateFilter(client, filter)
		case hub.ActionReconcile:
			if err := h.sendSnapshot(send, filter); err != nil {
				h.logger.Warn("realtime reconcile failed", zap.String("client_id", client.ID), zap.Error(err))
			}
		}
	}
}

func (h *Handler) sendSnapshot(send func(interface{}) error, filter hub.Filter) error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	entries, err := h.queue.List(ctx, queue.ListInput{Status: filter.Status, ServiceID: filter.ServiceID})
	if err != nil {
		return err
	}
	return send(snapshotMessage{Type: "snapshot", Entries: entries})
}
