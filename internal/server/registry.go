// Package server implements the syncpair server: the directory
// registry, the reconciler, the delta engine, the HTTP handlers, and
// the change-notification hub.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tonimelisma/syncpair/internal/protocol"
	"github.com/tonimelisma/syncpair/internal/scanner"
	"github.com/tonimelisma/syncpair/internal/state"
)

// StateFileName is the per-directory state database stored alongside
// the directory's files under the storage root.
const StateFileName = scanner.StateFilePrefix

// LogicalDirectory is one server-side namespace: the files under
// <storage_root>/<key>/ plus their DirectoryState. All mutation happens
// under the write lock; readers (download, delta init) take the read
// lock so they never observe partial writes.
type LogicalDirectory struct {
	Key  string
	Root string

	mu    sync.RWMutex
	store *state.Store
	state *state.DirectoryState
}

// Lock acquires the directory's exclusive lock.
func (d *LogicalDirectory) Lock() { d.mu.Lock() }

// Unlock releases the exclusive lock.
func (d *LogicalDirectory) Unlock() { d.mu.Unlock() }

// RLock acquires the shared read lock.
func (d *LogicalDirectory) RLock() { d.mu.RLock() }

// RUnlock releases the shared read lock.
func (d *LogicalDirectory) RUnlock() { d.mu.RUnlock() }

// State returns the in-memory DirectoryState. Callers must hold the
// appropriate lock.
func (d *LogicalDirectory) State() *state.DirectoryState { return d.state }

// Persist writes the in-memory state to the directory's database.
// Callers must hold the write lock.
func (d *LogicalDirectory) Persist(ctx context.Context) error {
	return d.store.Save(ctx, d.state)
}

// FilePath resolves a validated relative path inside the directory.
func (d *LogicalDirectory) FilePath(rel string) string {
	return filepath.Join(d.Root, filepath.FromSlash(rel))
}

// Registry owns every known LogicalDirectory, keyed by directory key.
// Distinct directories proceed independently; same-key requests
// serialize on the directory's own lock.
type Registry struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	dirs map[string]*LogicalDirectory
}

// NewRegistry creates a Registry over the given storage root, creating
// the root if needed and loading every subdirectory that already
// carries a state database.
func NewRegistry(root string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("server: creating storage root %s: %w", root, err)
	}

	r := &Registry{
		root:   root,
		logger: logger,
		dirs:   make(map[string]*LogicalDirectory),
	}

	if err := r.discover(); err != nil {
		return nil, err
	}

	return r, nil
}

// discover loads directories left by a previous run: any storage-root
// subdirectory containing a state database.
func (r *Registry) discover() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("server: reading storage root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		key := entry.Name()
		if _, err := os.Stat(filepath.Join(r.root, key, StateFileName)); err != nil {
			continue
		}

		if _, err := r.Get(key); err != nil {
			r.logger.Warn("skipping unloadable directory", "directory", key, "error", err)
			continue
		}

		r.logger.Info("loaded directory", "directory", key)
	}

	return nil
}

// Get returns the LogicalDirectory for key, creating it on first
// reference. The key must already be validated.
func (r *Registry) Get(key string) (*LogicalDirectory, error) {
	if err := protocol.ValidateDirectory(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.dirs[key]; ok {
		return d, nil
	}

	dirRoot := filepath.Join(r.root, key)
	if err := os.MkdirAll(dirRoot, 0o755); err != nil {
		return nil, fmt.Errorf("server: creating directory %s: %w", key, err)
	}

	store, err := state.Open(filepath.Join(dirRoot, StateFileName), r.logger.With("directory", key))
	if err != nil {
		if store == nil {
			return nil, fmt.Errorf("server: opening state for %s: %w", key, err)
		}

		// A corrupt database was reset to empty; the directory starts
		// with no tracked files or tombstones, and clients upload their
		// files again on the next sync.
		r.logger.Warn("directory state recovered empty", "directory", key, "error", err)
	}

	ds, err := store.Load(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: loading state for %s: %w", key, err)
	}

	d := &LogicalDirectory{
		Key:   key,
		Root:  dirRoot,
		store: store,
		state: ds,
	}
	r.dirs[key] = d

	return d, nil
}

// Keys returns the keys of all known directories.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.dirs))
	for k := range r.dirs {
		keys = append(keys, k)
	}

	return keys
}

// Close closes every directory's state store.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, d := range r.dirs {
		if err := d.store.Close(); err != nil {
			r.logger.Warn("closing state store", "directory", key, "error", err)
		}
	}
}
