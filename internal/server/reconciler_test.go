package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestDir creates a registry over a temp storage root and returns a
// fresh LogicalDirectory.
func newTestDir(t *testing.T, key string) *LogicalDirectory {
	t.Helper()

	reg, err := NewRegistry(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	dir, err := reg.Get(key)
	require.NoError(t, err)

	return dir
}

// serverFile writes content into the directory's storage and tracks it
// in state with the given mtime.
func serverFile(t *testing.T, dir *LogicalDirectory, path, content string, mtime time.Time) protocol.FileInfo {
	t.Helper()

	full := dir.FilePath(path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	info := protocol.FileInfo{
		Path:     path,
		Hash:     hashString(content),
		Size:     int64(len(content)),
		Modified: mtime,
	}
	dir.State().SetFile(info)

	return info
}

func syncReq(files map[string]protocol.FileInfo, tombs map[string]time.Time) *protocol.SyncRequest {
	if files == nil {
		files = map[string]protocol.FileInfo{}
	}

	if tombs == nil {
		tombs = map[string]time.Time{}
	}

	return &protocol.SyncRequest{
		Files:        files,
		DeletedFiles: tombs,
		LastSync:     time.Unix(0, 0).UTC(),
		ClientID:     "A",
		Directory:    "d",
	}
}

func clientInfo(path, content string, mtime time.Time) protocol.FileInfo {
	return protocol.FileInfo{
		Path:     path,
		Hash:     hashString(content),
		Size:     int64(len(content)),
		Modified: mtime,
	}
}

var baseTime = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func TestReconcile_ClientOnlyFileIsUploaded(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")

	req := syncReq(map[string]protocol.FileInfo{
		"new.txt": clientInfo("new.txt", "x", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime, testLogger(t))
	assert.Equal(t, []string{"new.txt"}, res.plan.FilesToUpload)
	assert.Empty(t, res.plan.FilesToDownload)
	assert.Empty(t, res.plan.FilesToDelete)
	assert.False(t, res.changed)
}

func TestReconcile_ServerOnlyFileIsDownloaded(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	info := serverFile(t, dir, "srv.txt", "server content", baseTime)

	res := reconcile(dir, syncReq(nil, nil), baseTime, testLogger(t))
	assert.Equal(t, []protocol.FileInfo{info}, res.plan.FilesToDownload)
	assert.Empty(t, res.plan.FilesToUpload)
}

func TestReconcile_ServerStaleStateTombstones(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	serverFile(t, dir, "ghost.txt", "soon gone", baseTime)
	require.NoError(t, os.Remove(dir.FilePath("ghost.txt")))

	now := baseTime.Add(time.Hour)
	res := reconcile(dir, syncReq(nil, nil), now, testLogger(t))

	assert.Equal(t, []string{"ghost.txt"}, res.plan.FilesToDelete)
	assert.True(t, res.changed)
	assert.NotContains(t, dir.State().Files, "ghost.txt")
	assert.Equal(t, now, dir.State().Tombstones["ghost.txt"])
}

func TestReconcile_IdenticalFilesNoAction(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	serverFile(t, dir, "same.txt", "content", baseTime)

	req := syncReq(map[string]protocol.FileInfo{
		"same.txt": clientInfo("same.txt", "content", baseTime.Add(time.Hour)),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(2*time.Hour), testLogger(t))
	assert.Empty(t, res.plan.FilesToUpload)
	assert.Empty(t, res.plan.FilesToDownload)
	assert.Empty(t, res.plan.Conflicts)
}

func TestReconcile_NewerClientWinsUpload(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	serverFile(t, dir, "f.txt", "old", baseTime)

	req := syncReq(map[string]protocol.FileInfo{
		"f.txt": clientInfo("f.txt", "new", baseTime.Add(time.Minute)),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))
	assert.Equal(t, []string{"f.txt"}, res.plan.FilesToUpload)
}

func TestReconcile_NewerServerWinsDownload(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	info := serverFile(t, dir, "f.txt", "newer server", baseTime.Add(time.Minute))

	req := syncReq(map[string]protocol.FileInfo{
		"f.txt": clientInfo("f.txt", "older client", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))
	assert.Equal(t, []protocol.FileInfo{info}, res.plan.FilesToDownload)
}

func TestReconcile_EqualMtimeDifferentHashIsConflict_ServerWins(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	info := serverFile(t, dir, "c.txt", "server version", baseTime)

	req := syncReq(map[string]protocol.FileInfo{
		"c.txt": clientInfo("c.txt", "client version", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	require.Len(t, res.plan.Conflicts, 1)
	conflict := res.plan.Conflicts[0]
	assert.Equal(t, "c.txt", conflict.Path)
	assert.Equal(t, protocol.ServerWins, conflict.Resolution)
	assert.Equal(t, []protocol.FileInfo{info}, res.plan.FilesToDownload)
}

func TestReconcile_ClientTombstoneNewerThanServerFile(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	serverFile(t, dir, "dead.txt", "to remove", baseTime)

	deletedAt := baseTime.Add(time.Minute)
	req := syncReq(nil, map[string]time.Time{"dead.txt": deletedAt})

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.True(t, res.changed)
	assert.NoFileExists(t, dir.FilePath("dead.txt"))
	assert.NotContains(t, dir.State().Files, "dead.txt")
	assert.Equal(t, deletedAt, dir.State().Tombstones["dead.txt"])
	assert.Empty(t, res.plan.FilesToDelete)
}

func TestReconcile_ClientTombstoneOlderThanServerFile_Redownload(t *testing.T) {
	t.Parallel()

	// The server file was modified after the client deleted it: the
	// deletion loses and the client re-downloads.
	dir := newTestDir(t, "d")
	info := serverFile(t, dir, "kept.txt", "revived", baseTime.Add(time.Minute))

	req := syncReq(nil, map[string]time.Time{"kept.txt": baseTime})

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.Equal(t, []protocol.FileInfo{info}, res.plan.FilesToDownload)
	assert.FileExists(t, dir.FilePath("kept.txt"))
	assert.Contains(t, dir.State().Files, "kept.txt")
}

func TestReconcile_ClientTombstoneMergesWithServerTombstone(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	dir.State().SetTombstone("gone.txt", baseTime)

	newer := baseTime.Add(time.Minute)
	req := syncReq(nil, map[string]time.Time{"gone.txt": newer})

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.True(t, res.changed)
	assert.Equal(t, newer, dir.State().Tombstones["gone.txt"])
	assert.Empty(t, res.plan.FilesToDownload)
}

func TestReconcile_ClientTombstoneUnknownPathRecorded(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")

	deletedAt := baseTime
	req := syncReq(nil, map[string]time.Time{"never_seen.txt": deletedAt})

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.True(t, res.changed)
	assert.Equal(t, deletedAt, dir.State().Tombstones["never_seen.txt"])
}

func TestReconcile_ServerTombstoneNewerThanClientFile_DeleteLocally(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	dir.State().SetTombstone("del.txt", baseTime.Add(time.Minute))

	req := syncReq(map[string]protocol.FileInfo{
		"del.txt": clientInfo("del.txt", "stale", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))
	assert.Equal(t, []string{"del.txt"}, res.plan.FilesToDelete)
	assert.Contains(t, dir.State().Tombstones, "del.txt")
}

func TestReconcile_ClientFileNewerThanServerTombstone_UploadAndErase(t *testing.T) {
	t.Parallel()

	// Scenario 5 of the spec seed cases: tombstone at T, client file at
	// T+1. The tombstone is erased and the file re-uploaded.
	dir := newTestDir(t, "d")
	dir.State().SetTombstone("x", baseTime)

	req := syncReq(map[string]protocol.FileInfo{
		"x": clientInfo("x", "recreated", baseTime.Add(time.Second)),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.Equal(t, []string{"x"}, res.plan.FilesToUpload)
	assert.NotContains(t, dir.State().Tombstones, "x")
	assert.True(t, res.changed)
}

func TestReconcile_TieBetweenClientFileAndServerTombstone_ClientWins(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	dir.State().SetTombstone("tie.txt", baseTime)

	req := syncReq(map[string]protocol.FileInfo{
		"tie.txt": clientInfo("tie.txt", "content", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))
	assert.Equal(t, []string{"tie.txt"}, res.plan.FilesToUpload)
	assert.NotContains(t, dir.State().Tombstones, "tie.txt")
}

func TestReconcile_PathInBothFilesAndTombstones_TombstoneAuthoritative(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")

	req := syncReq(
		map[string]protocol.FileInfo{"dup.txt": clientInfo("dup.txt", "x", baseTime)},
		map[string]time.Time{"dup.txt": baseTime.Add(time.Minute)},
	)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	assert.Empty(t, res.plan.FilesToUpload)
	assert.Contains(t, dir.State().Tombstones, "dup.txt")
}

func TestReconcile_OldServerTombstonesPruned(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")

	now := baseTime
	dir.State().SetTombstone("ancient.txt", now.Add(-8*24*time.Hour))
	dir.State().SetTombstone("recent.txt", now.Add(-time.Hour))

	res := reconcile(dir, syncReq(nil, nil), now, testLogger(t))

	assert.True(t, res.changed)
	assert.NotContains(t, dir.State().Tombstones, "ancient.txt")
	assert.Contains(t, dir.State().Tombstones, "recent.txt")
}

func TestReconcile_PrunedTombstoneNoLongerBlocksUpload(t *testing.T) {
	t.Parallel()

	// A deletion older than the retention window must not veto a
	// client's re-created file.
	dir := newTestDir(t, "d")

	now := baseTime
	dir.State().SetTombstone("back.txt", now.Add(-8*24*time.Hour))

	req := syncReq(map[string]protocol.FileInfo{
		"back.txt": clientInfo("back.txt", "recreated", now.Add(-time.Minute)),
	}, nil)

	res := reconcile(dir, req, now, testLogger(t))
	assert.Equal(t, []string{"back.txt"}, res.plan.FilesToUpload)
}

func TestReconcile_PlanPartition(t *testing.T) {
	t.Parallel()

	// A mixed round: the three plan lists must be pairwise disjoint.
	dir := newTestDir(t, "d")
	serverFile(t, dir, "download_me.txt", "newer on server", baseTime.Add(time.Minute))
	serverFile(t, dir, "same.txt", "same", baseTime)
	dir.State().SetTombstone("delete_me.txt", baseTime.Add(time.Minute))

	req := syncReq(map[string]protocol.FileInfo{
		"upload_me.txt":   clientInfo("upload_me.txt", "client only", baseTime),
		"download_me.txt": clientInfo("download_me.txt", "older", baseTime),
		"same.txt":        clientInfo("same.txt", "same", baseTime),
		"delete_me.txt":   clientInfo("delete_me.txt", "stale", baseTime),
	}, nil)

	res := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))

	uploads := map[string]bool{}
	for _, p := range res.plan.FilesToUpload {
		uploads[p] = true
	}

	for _, info := range res.plan.FilesToDownload {
		assert.False(t, uploads[info.Path], "path %q in both upload and download", info.Path)
	}

	for _, p := range res.plan.FilesToDelete {
		assert.False(t, uploads[p], "path %q in both upload and delete", p)

		for _, info := range res.plan.FilesToDownload {
			assert.NotEqual(t, info.Path, p, "path %q in both download and delete", p)
		}
	}
}

func TestReconcile_IdempotentWhenNothingChanges(t *testing.T) {
	t.Parallel()

	dir := newTestDir(t, "d")
	info := serverFile(t, dir, "stable.txt", "stable", baseTime)

	req := syncReq(map[string]protocol.FileInfo{"stable.txt": info}, nil)

	first := reconcile(dir, req, baseTime.Add(time.Hour), testLogger(t))
	second := reconcile(dir, req, baseTime.Add(2*time.Hour), testLogger(t))

	assert.Empty(t, first.plan.FilesToUpload)
	assert.Empty(t, second.plan.FilesToUpload)
	assert.Empty(t, second.plan.FilesToDownload)
	assert.Empty(t, second.plan.FilesToDelete)
	assert.Empty(t, second.plan.Conflicts)
}

func TestReconcile_StatePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	reg, err := NewRegistry(root, testLogger(t))
	require.NoError(t, err)

	dir, err := reg.Get("d")
	require.NoError(t, err)

	req := syncReq(nil, map[string]time.Time{"gone.txt": baseTime})
	res := reconcile(dir, req, baseTime.Add(time.Minute), testLogger(t))
	require.True(t, res.changed)

	dir.Lock()
	require.NoError(t, dir.Persist(context.Background()))
	dir.Unlock()
	reg.Close()

	reg2, err := NewRegistry(root, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(reg2.Close)

	dir2, err := reg2.Get("d")
	require.NoError(t, err)
	assert.Equal(t, baseTime, dir2.State().Tombstones["gone.txt"])
}
