// Package state persists per-directory sync state (tracked files,
// tombstones, last-sync watermark) in an embedded SQLite database.
// Saves replace all rows in a single transaction, so an abrupt stop
// leaves either the prior committed state or the new one on disk.
package state

import (
	"time"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// DirectoryState is the durable record for one logical directory. The
// maps are never nil. A path appears in at most one of Files and
// Tombstones; the mutators below maintain that invariant and Save
// re-enforces it with tombstones authoritative.
type DirectoryState struct {
	Files      map[string]protocol.FileInfo
	Tombstones map[string]time.Time
	LastSync   time.Time
}

// NewDirectoryState returns an empty state whose watermark is the Unix
// epoch.
func NewDirectoryState() *DirectoryState {
	return &DirectoryState{
		Files:      make(map[string]protocol.FileInfo),
		Tombstones: make(map[string]time.Time),
		LastSync:   time.Unix(0, 0).UTC(),
	}
}

// SetFile records a tracked file and clears any tombstone for the path.
func (s *DirectoryState) SetFile(info protocol.FileInfo) {
	delete(s.Tombstones, info.Path)
	s.Files[info.Path] = info
}

// SetTombstone records a deletion and drops the tracked file entry.
func (s *DirectoryState) SetTombstone(path string, deletedAt time.Time) {
	delete(s.Files, path)
	s.Tombstones[path] = deletedAt.UTC()
}

// DropTombstone removes a tombstone without touching files.
func (s *DirectoryState) DropTombstone(path string) {
	delete(s.Tombstones, path)
}

// PruneTombstones removes tombstones older than the retention window.
// Returns the number pruned.
func (s *DirectoryState) PruneTombstones(retention time.Duration, now time.Time) int {
	pruned := 0

	for path, deletedAt := range s.Tombstones {
		if now.Sub(deletedAt) > retention {
			delete(s.Tombstones, path)
			pruned++
		}
	}

	return pruned
}

// enforceDisjoint drops file entries shadowed by a tombstone. Tombstone
// wins: a recorded deletion is authoritative over a stale file row.
func (s *DirectoryState) enforceDisjoint() {
	for path := range s.Tombstones {
		delete(s.Files, path)
	}
}
