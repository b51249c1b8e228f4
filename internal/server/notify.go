package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// notifyWriteTimeout bounds a single push to a subscriber. Slow or dead
// subscribers are dropped; the periodic sync round covers the loss.
const notifyWriteTimeout = 5 * time.Second

// NotifyHub fans change notifications out to /watch websocket
// subscribers, grouped by directory key. Delivery is best-effort.
type NotifyHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
}

// NewNotifyHub creates an empty hub.
func NewNotifyHub(logger *slog.Logger) *NotifyHub {
	return &NotifyHub{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers a websocket connection for a directory key and
// blocks until the connection closes or ctx is canceled. The read loop
// only serves to detect closure; subscribers never send data.
func (h *NotifyHub) Subscribe(ctx context.Context, dirKey string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	if h.subs[dirKey] == nil {
		h.subs[dirKey] = make(map[*subscriber]struct{})
	}
	h.subs[dirKey][sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("watch subscriber added", "directory", dirKey)

	defer func() {
		h.mu.Lock()
		delete(h.subs[dirKey], sub)
		if len(h.subs[dirKey]) == 0 {
			delete(h.subs, dirKey)
		}
		h.mu.Unlock()

		h.logger.Debug("watch subscriber removed", "directory", dirKey)
	}()

	// Block reading until the peer goes away.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast pushes a ChangeNotification to every subscriber of dirKey.
// Failed subscribers are closed and dropped.
func (h *NotifyHub) Broadcast(dirKey string, changedAt time.Time) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[dirKey]))
	for sub := range h.subs[dirKey] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	note := protocol.ChangeNotification{Directory: dirKey, ChangedAt: changedAt}

	for _, sub := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), notifyWriteTimeout)

		if err := wsjson.Write(ctx, sub.conn, note); err != nil {
			h.logger.Debug("dropping watch subscriber", "directory", dirKey, "error", err)
			sub.conn.Close(websocket.StatusGoingAway, "write failed")
		}

		cancel()
	}
}

// handleWatch upgrades /watch to a websocket subscription on the
// directory key derived from the query parameters.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	directory := r.URL.Query().Get("directory")
	clientID := r.URL.Query().Get("client_id")

	key := protocol.DirectoryKey(clientID, directory)
	if err := protocol.ValidateDirectory(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("watch upgrade failed", "directory", key, "error", err)
		return
	}
	defer conn.CloseNow()

	s.hub.Subscribe(r.Context(), key, conn)
}
