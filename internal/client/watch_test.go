package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWatchSubscriber_ReceivesBroadcast wires a subscriber to a live
// server and checks that another client's upload produces a push.
func TestWatchSubscriber_ReceivesBroadcast(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	transport := NewTransport(env.ts.URL, testLogger(t))

	sub := NewWatchSubscriber(transport, "shared_project", "", testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go sub.Run(ctx)

	// Let the subscription establish before mutating.
	time.Sleep(200 * time.Millisecond)

	writer := env.newClient("B", "shared_project", true)
	writeLocal(t, writer, "ping.txt", "ping")
	runRound(t, writer)

	select {
	case note := <-sub.Notifications():
		assert.Equal(t, "shared_project", note.Directory)
		assert.False(t, note.ChangedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification received")
	}
}

// TestWatchSubscriber_URLComposition checks scheme rewriting and query
// parameters.
func TestWatchSubscriber_URLComposition(t *testing.T) {
	t.Parallel()

	tr := NewTransport("http://example.com:8384", testLogger(t))

	shared := NewWatchSubscriber(tr, "docs", "", testLogger(t))
	assert.Equal(t, "ws://example.com:8384/watch?directory=docs", shared.wsURL())

	private := NewWatchSubscriber(tr, "docs", "alice", testLogger(t))
	require.Contains(t, private.wsURL(), "client_id=alice")
	assert.Contains(t, private.wsURL(), "directory=docs")
}
