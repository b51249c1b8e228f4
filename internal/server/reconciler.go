package server

import (
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// reconcileResult carries the plan plus whether server state was
// mutated (tombstone writes, disk deletes), which decides persistence
// and change notification.
type reconcileResult struct {
	plan    *protocol.SyncResponse
	changed bool
}

// reconcile classifies every path visible to either side and produces
// the sync plan. It mutates the directory's in-memory state (tombstone
// writes, honored deletions) and deletes server files whose client
// tombstone wins; the caller holds the directory's write lock and
// persists afterwards.
//
// Classification precedence per path: client tombstone, server
// tombstone, both-sides presence, client-only, server-only. Timestamp
// comparisons are strict; ties resolve as noted inline.
func reconcile(dir *LogicalDirectory, req *protocol.SyncRequest, now time.Time, logger *slog.Logger) *reconcileResult {
	st := dir.State()
	res := &reconcileResult{plan: &protocol.SyncResponse{
		FilesToUpload:   []string{},
		FilesToDownload: []protocol.FileInfo{},
		FilesToDelete:   []string{},
		Conflicts:       []protocol.FileConflict{},
	}}

	// Age out server tombstones past the retention window before
	// classification so they no longer veto re-creates.
	if st.PruneTombstones(protocol.ServerTombstoneRetention, now) > 0 {
		res.changed = true
	}

	// A path both tracked and tombstoned by the client is undefined
	// input; the tombstone is authoritative.
	clientFiles := make(map[string]protocol.FileInfo, len(req.Files))

	for path, info := range req.Files {
		if _, dead := req.DeletedFiles[path]; dead {
			logger.Warn("path in both files and tombstones, honoring tombstone", "path", path)
			continue
		}

		clientFiles[path] = info
	}

	for _, path := range collectPaths(clientFiles, st.Files, req.DeletedFiles, st.Tombstones) {
		classifyPath(dir, res, path, clientFiles, req.DeletedFiles, now, logger)
	}

	return res
}

// collectPaths returns the union of all path sets, sorted for
// deterministic plan ordering.
func collectPaths(
	clientFiles map[string]protocol.FileInfo,
	serverFiles map[string]protocol.FileInfo,
	clientTombs map[string]time.Time,
	serverTombs map[string]time.Time,
) []string {
	seen := make(map[string]struct{})

	for p := range clientFiles {
		seen[p] = struct{}{}
	}

	for p := range serverFiles {
		seen[p] = struct{}{}
	}

	for p := range clientTombs {
		seen[p] = struct{}{}
	}

	for p := range serverTombs {
		seen[p] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// classifyPath applies the rule set to a single path.
func classifyPath(
	dir *LogicalDirectory,
	res *reconcileResult,
	path string,
	clientFiles map[string]protocol.FileInfo,
	clientTombs map[string]time.Time,
	now time.Time,
	logger *slog.Logger,
) {
	st := dir.State()
	plan := res.plan

	clientInfo, onClient := clientFiles[path]
	serverInfo, onServer := st.Files[path]
	clientDel, clientDead := clientTombs[path]
	serverDel, serverDead := st.Tombstones[path]

	// Rule 1: client tombstone.
	if clientDead {
		switch {
		case onServer:
			if clientDel.After(serverInfo.Modified) {
				// Deletion wins: remove the server copy and record it.
				if err := os.Remove(dir.FilePath(path)); err != nil && !os.IsNotExist(err) {
					logger.Warn("removing tombstoned file", "path", path, "error", err)
				}

				st.SetTombstone(path, clientDel)
				res.changed = true
			} else {
				// The server file is newer than the deletion.
				plan.FilesToDownload = append(plan.FilesToDownload, serverInfo)
			}
		case serverDead:
			if clientDel.After(serverDel) {
				st.SetTombstone(path, clientDel)
				res.changed = true
			}
		default:
			st.SetTombstone(path, clientDel)
			res.changed = true
		}

		return
	}

	// Rule 2: server tombstone (no client tombstone for this path).
	if serverDead {
		if onClient {
			if serverDel.After(clientInfo.Modified) {
				plan.FilesToDelete = append(plan.FilesToDelete, path)
			} else {
				// Client modification on or after the deletion wins.
				plan.FilesToUpload = append(plan.FilesToUpload, path)
				st.DropTombstone(path)
				res.changed = true
			}
		}

		return
	}

	// Rule 3: present on both sides.
	if onClient && onServer {
		switch {
		case clientInfo.Hash == serverInfo.Hash:
			// identical content
		case clientInfo.Modified.After(serverInfo.Modified):
			plan.FilesToUpload = append(plan.FilesToUpload, path)
		case serverInfo.Modified.After(clientInfo.Modified):
			plan.FilesToDownload = append(plan.FilesToDownload, serverInfo)
		default:
			// Same mtime, different content: deterministic server-side
			// resolution; the client may re-decide locally.
			plan.Conflicts = append(plan.Conflicts, protocol.FileConflict{
				Path:           path,
				ClientModified: clientInfo.Modified,
				ServerModified: serverInfo.Modified,
				Resolution:     protocol.ServerWins,
			})
			plan.FilesToDownload = append(plan.FilesToDownload, serverInfo)
		}

		return
	}

	// Rule 4: only the client has it.
	if onClient {
		plan.FilesToUpload = append(plan.FilesToUpload, path)
		return
	}

	// Rule 5: only the server has it.
	if onServer {
		if _, err := os.Stat(dir.FilePath(path)); err != nil {
			// Stale state: the tracked file is gone from disk.
			logger.Warn("tracked file missing on disk, tombstoning", "path", path, "error", err)
			st.SetTombstone(path, now)
			plan.FilesToDelete = append(plan.FilesToDelete, path)
			res.changed = true

			return
		}

		plan.FilesToDownload = append(plan.FilesToDownload, serverInfo)
	}
}
