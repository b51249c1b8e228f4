package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWatcher feeds scripted fsnotify events into the loop.
type mockWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu    sync.Mutex
	added []string
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 1),
	}
}

func (m *mockWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockWatcher) addedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.added)
}

func (m *mockWatcher) Close() error                  { return nil }
func (m *mockWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockWatcher) Errors() <-chan error          { return m.errs }

// startLoop runs an EventLoop with the mock watcher until the test
// finishes.
func startLoop(t *testing.T, d *Driver, w *mockWatcher) context.CancelFunc {
	t.Helper()

	loop := NewEventLoop(d, time.Hour, nil, testLogger(t))
	loop.watcherFactory = func() (FsWatcher, error) { return w, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		require.NoError(t, loop.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return cancel
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("condition never held: %s", msg)
}

func TestEventLoop_DebouncedUploadOnWrite(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	d := env.newClient("A", "d", true)
	w := newMockWatcher()

	startLoop(t, d, w)

	serverPath := filepath.Join(env.storage, "d", "note.txt")

	writeLocal(t, d, "note.txt", "from the watcher")
	w.events <- fsnotify.Event{
		Name: filepath.Join(d.cfg.LocalPath, "note.txt"),
		Op:   fsnotify.Create,
	}

	waitFor(t, func() bool {
		content, err := os.ReadFile(serverPath)
		return err == nil && string(content) == "from the watcher"
	}, "event-driven upload reaches the server")
}

func TestEventLoop_RemoveTriggersServerDelete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	d := env.newClient("A", "d", true)

	writeLocal(t, d, "doomed.txt", "x")

	report, err := d.RunRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Uploaded)

	w := newMockWatcher()
	startLoop(t, d, w)

	require.NoError(t, os.Remove(filepath.Join(d.cfg.LocalPath, "doomed.txt")))
	w.events <- fsnotify.Event{
		Name: filepath.Join(d.cfg.LocalPath, "doomed.txt"),
		Op:   fsnotify.Remove,
	}

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(env.storage, "d", "doomed.txt"))
		return os.IsNotExist(err)
	}, "event-driven delete reaches the server")
}

func TestEventLoop_HiddenFilesIgnored(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	d := env.newClient("A", "d", true)
	w := newMockWatcher()

	startLoop(t, d, w)

	writeLocal(t, d, ".secret", "never uploaded")
	w.events <- fsnotify.Event{
		Name: filepath.Join(d.cfg.LocalPath, ".secret"),
		Op:   fsnotify.Create,
	}

	// Give the loop time to (incorrectly) act, then check nothing
	// happened.
	time.Sleep(500 * time.Millisecond)
	assert.NoFileExists(t, filepath.Join(env.storage, "d", ".secret"))
}

func TestEventLoop_WatcherPrimedRecursively(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	d := env.newClient("A", "d", true)

	require.NoError(t, os.MkdirAll(filepath.Join(d.cfg.LocalPath, "sub", "deep"), 0o755))

	w := newMockWatcher()
	startLoop(t, d, w)

	waitFor(t, func() bool { return w.addedCount() >= 3 }, "root and subdirectories registered")
}
