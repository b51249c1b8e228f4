package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncpair/internal/config"
)

// TestSupervisor_SyncsTwoDirectoriesAndShutsDown runs a supervisor
// with two enabled directories against a live server and verifies both
// sync and that cancellation terminates cleanly.
func TestSupervisor_SyncsTwoDirectoriesAndShutsDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	docsPath := t.TempDir()
	notesPath := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(docsPath, "a.txt"), []byte("docs"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(notesPath, "b.txt"), []byte("notes"), 0o644))

	shared := true
	interval := int64(1)
	noWatch := false

	cfg := &config.Config{
		ClientID: "laptop",
		Server:   env.ts.URL,
		Default: &config.Settings{
			SyncInterval: &interval,
			WatchServer:  &noWatch,
		},
		Directories: []config.Directory{
			{Name: "docs", LocalPath: docsPath, Settings: &config.Settings{Shared: &shared}},
			{Name: "notes", LocalPath: notesPath},
		},
	}

	sup, err := NewSupervisor(cfg, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sup.Run(ctx) }()

	// Both directories reach the server: "docs" under its shared key,
	// "notes" under the private laptop:notes key.
	waitFor(t, func() bool {
		_, err1 := os.Stat(filepath.Join(env.storage, "docs", "a.txt"))
		_, err2 := os.Stat(filepath.Join(env.storage, "laptop:notes", "b.txt"))
		return err1 == nil && err2 == nil
	}, "both directories uploaded")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

// TestSupervisor_OneDirectoryFailingDoesNotStopOthers starts one
// directory that cannot even construct its driver alongside a healthy
// one, and verifies the healthy directory keeps syncing and shutdown
// stays clean.
func TestSupervisor_OneDirectoryFailingDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	goodPath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(goodPath, "ok.txt"), []byte("still here"), 0o644))

	// A regular file where the watch directory should be makes the
	// broken directory's driver construction fail immediately.
	blocker := filepath.Join(t.TempDir(), "not_a_dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	brokenPath := filepath.Join(blocker, "watch")

	shared := true
	interval := int64(1)
	noWatch := false

	cfg := &config.Config{
		ClientID: "laptop",
		Server:   env.ts.URL,
		Default: &config.Settings{
			SyncInterval: &interval,
			WatchServer:  &noWatch,
			Shared:       &shared,
		},
		Directories: []config.Directory{
			{Name: "broken", LocalPath: brokenPath},
			{Name: "good", LocalPath: goodPath},
		},
	}

	sup, err := NewSupervisor(cfg, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sup.Run(ctx) }()

	// The healthy directory must reach the server even though its
	// sibling already failed.
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(env.storage, "good", "ok.txt"))
		return err == nil
	}, "healthy directory synced despite sibling failure")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

// TestSupervisor_AllDirectoriesFailingIsAnError verifies the aggregate
// failure path: when every enabled directory dies, Run reports it.
func TestSupervisor_AllDirectoriesFailingIsAnError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	blocker := filepath.Join(t.TempDir(), "not_a_dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	noWatch := false
	cfg := &config.Config{
		ClientID: "laptop",
		Server:   env.ts.URL,
		Default:  &config.Settings{WatchServer: &noWatch},
		Directories: []config.Directory{
			{Name: "broken", LocalPath: filepath.Join(blocker, "watch")},
		},
	}

	sup, err := NewSupervisor(cfg, testLogger(t))
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directories failed")
}

// TestSupervisor_AllDirectoriesDisabledFails ensures a configuration
// with nothing to do is an error.
func TestSupervisor_AllDirectoriesDisabledFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	disabled := false
	cfg := &config.Config{
		ClientID: "c",
		Server:   env.ts.URL,
		Directories: []config.Directory{
			{Name: "d", LocalPath: t.TempDir(), Settings: &config.Settings{Enabled: &disabled}},
		},
	}

	sup, err := NewSupervisor(cfg, testLogger(t))
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled directories")
}
