package client

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/syncpair/internal/protocol"
	"github.com/tonimelisma/syncpair/internal/scanner"
)

// debounceWindow lets a burst of writes settle before the changed file
// is hashed and uploaded.
const debounceWindow = 100 * time.Millisecond

// eventQueueSize bounds the channel between the watcher callback and
// the loop. Overflow drops events; the periodic round catches up.
const eventQueueSize = 1024

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher through fsnotifyWrapper; tests inject a mock.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher, which exposes Events and
// Errors as fields rather than methods.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// EventLoop reacts to watcher events, server change notifications, and
// the periodic timer, triggering sync work on its Driver. The loop
// itself is single-threaded; all state mutation goes through the
// driver's lock.
type EventLoop struct {
	driver   *Driver
	interval time.Duration
	logger   *slog.Logger

	// watcherFactory is injectable for tests.
	watcherFactory func() (FsWatcher, error)

	// notify carries server-side change pushes (websocket); nil when
	// watch_server is disabled.
	notify <-chan protocol.ChangeNotification

	// unreachableRounds counts consecutive rounds lost to transport
	// errors, used to throttle the repeated warning.
	unreachableRounds int
}

// unreachableLogEvery throttles the "server unreachable" warning: one
// message per this many consecutive failed rounds.
const unreachableLogEvery = 10

// NewEventLoop creates an event loop for the given driver. notify may
// be nil.
func NewEventLoop(driver *Driver, interval time.Duration, notify <-chan protocol.ChangeNotification, logger *slog.Logger) *EventLoop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &EventLoop{
		driver:   driver,
		interval: interval,
		logger:   logger,
		notify:   notify,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// localEvent is a filtered watcher event carrying the slash-normalized
// path relative to the watch directory.
type localEvent struct {
	relPath string
	remove  bool
}

// Run primes the watcher, performs the initial sync round (with
// backoff while the server is unreachable), and then serves events
// until ctx is canceled. On shutdown the watcher stops, a final state
// save runs, and Run returns nil.
func (l *EventLoop) Run(ctx context.Context) error {
	watcher, err := l.watcherFactory()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Prime the watcher before the first round so no change slips
	// between the initial scan and event delivery.
	if err := l.addRecursive(watcher, l.driver.cfg.LocalPath); err != nil {
		return err
	}

	events := make(chan localEvent, eventQueueSize)

	go l.pumpWatcher(ctx, watcher, events)

	if err := l.driver.cfg.Transport.WaitHealthy(ctx); err != nil {
		l.logger.Warn("server unreachable for initial sync, continuing with periodic rounds", "error", err)
	} else {
		l.runRound(ctx)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// pending accumulates debounced create/modify paths. The timer is
	// reset on every new event; removals bypass the debounce.
	pending := make(map[string]struct{})
	debounce := time.NewTimer(debounceWindow)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil

		case ev := <-events:
			if ev.remove {
				if err := l.driver.DeleteSingle(ctx, ev.relPath); err != nil {
					l.logger.Error("event-driven delete failed", "path", ev.relPath, "error", err)
				}

				continue
			}

			pending[ev.relPath] = struct{}{}

			debounce.Reset(debounceWindow)

		case <-debounce.C:
			for path := range pending {
				if err := l.driver.UploadSingle(ctx, path); err != nil {
					l.logger.Error("event-driven upload failed", "path", path, "error", err)
				}
			}

			clear(pending)

		case <-ticker.C:
			// A tick that arrives while a round is running is simply
			// the next one; missed ticks do not accumulate.
			l.runRound(ctx)

		case note, ok := <-l.notify:
			if !ok {
				l.notify = nil
				continue
			}

			l.logger.Debug("server change notification", "directory", note.Directory)
			l.runRound(ctx)
		}
	}
}

// runRound executes one sync round, logging failures instead of
// propagating them: the next tick tries again.
func (l *EventLoop) runRound(ctx context.Context) {
	report, err := l.driver.RunRound(ctx)
	if err != nil {
		if IsUnreachable(err) {
			l.unreachableRounds++

			// One warning per N consecutive failures keeps an outage
			// from flooding the log.
			if l.unreachableRounds == 1 || l.unreachableRounds%unreachableLogEvery == 0 {
				l.logger.Warn("server unreachable, will keep retrying",
					"consecutive_failures", l.unreachableRounds)
			} else {
				l.logger.Debug("server still unreachable")
			}
		} else {
			l.logger.Error("sync round failed", "error", err)
		}

		return
	}

	l.unreachableRounds = 0

	if !report.Complete {
		l.logger.Warn("sync round incomplete, will retry next tick")
	}
}

// shutdown performs the final state save.
func (l *EventLoop) shutdown() {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.driver.SaveState(saveCtx); err != nil {
		l.logger.Error("final state save failed", "error", err)
	}

	l.logger.Info("event loop stopped")
}

// pumpWatcher converts raw fsnotify events into filtered localEvents,
// dropping (with a warning) when the queue is full and registering
// newly created directories for recursive watching.
func (l *EventLoop) pumpWatcher(ctx context.Context, watcher FsWatcher, out chan<- localEvent) {
	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}

			l.logger.Warn("watcher error", "error", err)

		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}

			l.handleRawEvent(watcher, ev, out)
		}
	}
}

// handleRawEvent filters and forwards one fsnotify event.
func (l *EventLoop) handleRawEvent(watcher FsWatcher, ev fsnotify.Event, out chan<- localEvent) {
	rel, err := filepath.Rel(l.driver.cfg.LocalPath, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	relPath := protocol.NormalizePath(rel)

	// Hidden files and the state database never trigger event work.
	if scanner.ExcludedName(filepath.Base(ev.Name)) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		// New directories join the recursive watch; their contents
		// arrive as separate events.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := l.addRecursive(watcher, ev.Name); err != nil {
				l.logger.Warn("watching new directory", "path", relPath, "error", err)
			}

			return
		}
	}

	var le localEvent

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		le = localEvent{relPath: relPath, remove: true}
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		le = localEvent{relPath: relPath}
	default:
		return // chmod etc.
	}

	select {
	case out <- le:
	default:
		l.logger.Warn("event queue full, dropping event (periodic round will catch up)",
			"path", relPath)
	}
}

// addRecursive registers root and every subdirectory with the watcher.
func (l *EventLoop) addRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn("walking for watch registration", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			l.logger.Warn("adding watch", "path", path, "error", err)
		}

		return nil
	})
}
