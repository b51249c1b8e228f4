package client

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// Reconnect backoff for the watch subscription. Losing the push
// channel is not fatal — periodic rounds still converge — so the
// subscriber retries forever at a gentle pace.
const (
	watchBackoffBase = 1 * time.Second
	watchBackoffCap  = 60 * time.Second
)

// WatchSubscriber maintains a websocket subscription to the server's
// /watch endpoint and forwards change notifications into a channel the
// event loop selects on.
type WatchSubscriber struct {
	transport *Transport
	directory string
	clientID  string // empty for shared directories
	logger    *slog.Logger

	ch chan protocol.ChangeNotification
}

// NewWatchSubscriber creates a subscriber for one directory. clientID
// must already be the wire form (empty for shared).
func NewWatchSubscriber(transport *Transport, directory, clientID string, logger *slog.Logger) *WatchSubscriber {
	return &WatchSubscriber{
		transport: transport,
		directory: directory,
		clientID:  clientID,
		logger:    logger,
		ch:        make(chan protocol.ChangeNotification, 1),
	}
}

// Notifications returns the channel change pushes arrive on.
func (w *WatchSubscriber) Notifications() <-chan protocol.ChangeNotification {
	return w.ch
}

// wsURL converts the server's HTTP base URL into the websocket /watch
// URL with query parameters.
func (w *WatchSubscriber) wsURL() string {
	base := w.transport.BaseURL()
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)

	q := url.Values{}
	q.Set("directory", w.directory)

	if w.clientID != "" {
		q.Set("client_id", w.clientID)
	}

	return base + "/watch?" + q.Encode()
}

// Run dials, reads notifications, and reconnects with backoff until
// ctx is canceled. The notification channel closes on return.
func (w *WatchSubscriber) Run(ctx context.Context) {
	defer close(w.ch)

	backoff := watchBackoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		err := w.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}

		w.logger.Debug("watch subscription lost, reconnecting",
			"directory", w.directory,
			"backoff", backoff.String(),
			"error", err,
		)

		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return
		}

		backoff = min(backoff*2, watchBackoffCap)
	}
}

// subscribe runs one websocket session, forwarding notifications until
// the connection drops.
func (w *WatchSubscriber) subscribe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.wsURL(), nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	w.logger.Debug("watch subscription established", "directory", w.directory)

	for {
		var note protocol.ChangeNotification
		if err := wsjson.Read(ctx, conn, &note); err != nil {
			return err
		}

		// Coalesce: a stale pending notification is as good as a new
		// one, so never block on a full channel.
		select {
		case w.ch <- note:
		default:
		}
	}
}
