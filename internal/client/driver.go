package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tonimelisma/syncpair/internal/hasher"
	"github.com/tonimelisma/syncpair/internal/protocol"
	"github.com/tonimelisma/syncpair/internal/scanner"
	"github.com/tonimelisma/syncpair/internal/state"
)

// StateFileName is the client-side state database inside the watch
// directory. The scanner's built-in filter excludes it and its sqlite
// sidecars from snapshots.
const StateFileName = scanner.StateFilePrefix

// DriverConfig holds everything a Driver needs for one directory.
type DriverConfig struct {
	Directory string // logical directory name
	LocalPath string // watch directory
	ClientID  string
	Shared    bool
	Ignore    []string
	Transport *Transport
	Logger    *slog.Logger
}

// RoundReport summarizes one sync round.
type RoundReport struct {
	Complete   bool // no transport errors; last_sync advanced
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
}

// Driver runs sync rounds for a single directory. It exclusively owns
// the directory's client-side state; all mutation happens under its
// lock, so event-driven uploads and periodic rounds never interleave at
// state boundaries.
type Driver struct {
	cfg    DriverConfig
	scan   *scanner.Scanner
	store  *state.Store
	logger *slog.Logger
	now    func() time.Time // injectable for tests

	mu sync.Mutex
	st *state.DirectoryState
}

// NewDriver opens the directory's state database and loads its state.
// A corrupt database is recovered empty and the driver proceeds.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	logger = logger.With("directory", cfg.Directory)

	if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
		return nil, fmt.Errorf("client: creating watch directory %s: %w", cfg.LocalPath, err)
	}

	store, err := state.Open(filepath.Join(cfg.LocalPath, StateFileName), logger)
	if err != nil {
		if store == nil {
			return nil, fmt.Errorf("client: opening state for %s: %w", cfg.Directory, err)
		}

		logger.Warn("state recovered empty", "error", err)
	}

	st, err := store.Load(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: loading state for %s: %w", cfg.Directory, err)
	}

	filter := scanner.NewFilter(cfg.Ignore, logger)

	return &Driver{
		cfg:    cfg,
		scan:   scanner.New(filter, logger),
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		st:     st,
	}, nil
}

// Close persists state one final time and closes the store.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Save(context.Background(), d.st); err != nil {
		d.logger.Warn("final state save failed", "error", err)
	}

	return d.store.Close()
}

// wireClientID returns the client_id to put on the wire: shared
// directories omit it so every client converges on the same server key.
func (d *Driver) wireClientID() string {
	if d.cfg.Shared {
		return ""
	}

	return d.cfg.ClientID
}

// RunRound executes one full sync round: scan, reconcile against the
// server, execute the plan (conflicts, uploads, downloads, deletes),
// and persist state. The watermark advances only when the round saw no
// transport errors.
func (d *Driver) RunRound(ctx context.Context) (*RoundReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cycleID := uuid.NewString()[:8]
	logger := d.logger.With("cycle", cycleID)
	report := &RoundReport{}

	current, err := d.scan.Scan(d.cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("client: scanning %s: %w", d.cfg.LocalPath, err)
	}

	now := d.now()
	d.mergeSnapshot(current, now)

	plan, err := d.cfg.Transport.Sync(ctx, &protocol.SyncRequest{
		Files:        current,
		DeletedFiles: d.st.Tombstones,
		LastSync:     d.st.LastSync,
		ClientID:     d.wireClientID(),
		Directory:    d.cfg.Directory,
	})
	if err != nil {
		// Keep the tombstones recorded above even when the server is
		// down; the watermark stays put.
		if saveErr := d.store.Save(ctx, d.st); saveErr != nil {
			logger.Error("state save after failed sync", "error", saveErr)
		}

		return report, fmt.Errorf("client: sync request: %w", err)
	}

	logger.Info("plan received",
		"uploads", len(plan.FilesToUpload),
		"downloads", len(plan.FilesToDownload),
		"deletes", len(plan.FilesToDelete),
		"conflicts", len(plan.Conflicts),
	)

	uploads, downloads := d.resolveConflicts(plan, current, report, logger)

	complete := true

	if !d.executeUploads(ctx, uploads, current, report, logger) {
		complete = false
	}

	if !d.executeDownloads(ctx, downloads, report, logger) {
		complete = false
	}

	d.executeDeletes(plan.FilesToDelete, report, logger)

	d.st.PruneTombstones(protocol.ClientTombstoneRetention, d.now())

	if complete {
		d.st.LastSync = d.now()
	}

	report.Complete = complete

	if err := d.store.Save(ctx, d.st); err != nil {
		return report, fmt.Errorf("client: saving state: %w", err)
	}

	logger.Info("round finished",
		"complete", complete,
		"uploaded", report.Uploaded,
		"downloaded", report.Downloaded,
		"deleted", report.Deleted,
	)

	return report, nil
}

// mergeSnapshot replaces the tracked file set with the scan result and
// tombstones files that disappeared since the previous round.
func (d *Driver) mergeSnapshot(current map[string]protocol.FileInfo, now time.Time) {
	previous := d.st.Files
	d.st.Files = make(map[string]protocol.FileInfo, len(current))

	for _, info := range current {
		d.st.SetFile(info)
	}

	for path := range previous {
		if _, alive := current[path]; alive {
			continue
		}

		if _, dead := d.st.Tombstones[path]; dead {
			continue
		}

		d.logger.Debug("local file disappeared, tombstoning", "path", path)
		d.st.SetTombstone(path, now)
	}
}

// resolveConflicts applies the client-side policy: newer mtime wins,
// and on a tie the client wins. A conflict re-decided for the client
// moves the path from the download list to the upload list; the server
// converges on the next round.
func (d *Driver) resolveConflicts(
	plan *protocol.SyncResponse,
	current map[string]protocol.FileInfo,
	report *RoundReport,
	logger *slog.Logger,
) (uploads []string, downloads []protocol.FileInfo) {
	report.Conflicts = len(plan.Conflicts)

	clientWins := make(map[string]bool)

	for _, c := range plan.Conflicts {
		if !c.ServerModified.After(c.ClientModified) {
			clientWins[c.Path] = true
		}

		logger.Warn("conflict detected",
			"path", c.Path,
			"client_modified", c.ClientModified,
			"server_modified", c.ServerModified,
			"kept", map[bool]string{true: "client", false: "server"}[clientWins[c.Path]],
		)
	}

	uploads = append(uploads, plan.FilesToUpload...)

	for _, info := range plan.FilesToDownload {
		if clientWins[info.Path] {
			if _, ok := current[info.Path]; ok {
				uploads = append(uploads, info.Path)
			}

			continue
		}

		downloads = append(downloads, info)
	}

	return uploads, downloads
}

// executeUploads sends every planned upload. Per-item failures are
// logged and skipped; a transport failure aborts the phase. Returns
// false when the phase was cut short.
func (d *Driver) executeUploads(
	ctx context.Context,
	paths []string,
	current map[string]protocol.FileInfo,
	report *RoundReport,
	logger *slog.Logger,
) bool {
	for _, path := range paths {
		info, ok := current[path]
		if !ok {
			logger.Debug("planned upload no longer present locally", "path", path)
			continue
		}

		err := d.uploadFile(ctx, info)
		if err == nil {
			d.st.SetFile(info)
			report.Uploaded++

			continue
		}

		if IsUnreachable(err) {
			logger.Warn("transport failure, aborting upload phase", "path", path, "error", err)
			return false
		}

		logger.Error("upload failed", "path", path, "error", err)
	}

	return true
}

// uploadFile transfers one file, via the delta protocol when it is
// large enough and falling back to a whole-file upload otherwise.
func (d *Driver) uploadFile(ctx context.Context, info protocol.FileInfo) error {
	full := filepath.Join(d.cfg.LocalPath, filepath.FromSlash(info.Path))

	// Verify the on-disk content still matches the snapshot before
	// sending; an editor may have raced the round.
	gotHash, err := hasher.HashFile(full)
	if err != nil {
		return fmt.Errorf("client: hashing before upload: %w", err)
	}

	if gotHash != info.Hash {
		return fmt.Errorf("%w: %s changed since scan (expected %s got %s)",
			protocol.ErrHashMismatch, info.Path, info.Hash, gotHash)
	}

	if info.Size > protocol.DeltaThreshold {
		err := d.deltaUpload(ctx, info, full)
		if err == nil {
			return nil
		}

		if IsUnreachable(err) {
			return err
		}

		d.logger.Debug("delta upload fell back to whole file", "path", info.Path, "error", err)
	}

	return d.wholeFileUpload(ctx, info, full)
}

// wholeFileUpload reads the file and sends it in one request.
func (d *Driver) wholeFileUpload(ctx context.Context, info protocol.FileInfo, full string) error {
	content, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("client: reading %s: %w", info.Path, err)
	}

	resp, err := d.cfg.Transport.Upload(ctx, &protocol.UploadRequest{
		Path:      info.Path,
		Hash:      info.Hash,
		Size:      info.Size,
		Modified:  info.Modified,
		Content:   content,
		ClientID:  d.wireClientID(),
		Directory: d.cfg.Directory,
	})
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("client: upload rejected: %s", resp.Message)
	}

	d.logger.Info("uploaded", "path", info.Path, "size", humanize.IBytes(uint64(info.Size)))

	return nil
}

// deltaUpload negotiates and transfers only the changed blocks.
func (d *Driver) deltaUpload(ctx context.Context, info protocol.FileInfo, full string) error {
	blocks, err := hasher.HashBlocks(full, protocol.BlockSize)
	if err != nil {
		return fmt.Errorf("client: block-hashing %s: %w", info.Path, err)
	}

	initResp, err := d.cfg.Transport.DeltaInit(ctx, &protocol.DeltaInitRequest{
		FileInfo:    info,
		BlockHashes: blocks,
		BlockSize:   protocol.BlockSize,
		ClientID:    d.wireClientID(),
		Directory:   d.cfg.Directory,
	})
	if err != nil {
		return err
	}

	if initResp.ShouldFullUpload {
		return fmt.Errorf("client: server requested full upload: %s", initResp.Message)
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("client: opening %s: %w", info.Path, err)
	}
	defer f.Close()

	buf := make([]byte, protocol.BlockSize)

	for _, index := range initResp.MissingBlockIndices {
		offset := int64(index) * protocol.BlockSize

		n, err := f.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("client: reading block %d: %w", index, err)
		}

		if n == 0 {
			return fmt.Errorf("client: block %d out of range", index)
		}

		blockResp, err := d.cfg.Transport.DeltaUpload(ctx, &protocol.BlockUploadRequest{
			Path:      info.Path,
			Index:     index,
			Content:   buf[:n],
			ClientID:  d.wireClientID(),
			Directory: d.cfg.Directory,
		})
		if err != nil {
			return err
		}

		if !blockResp.Success {
			return fmt.Errorf("client: block %d rejected: %s", index, blockResp.Message)
		}
	}

	completeResp, err := d.cfg.Transport.DeltaComplete(ctx, &protocol.DeltaCompleteRequest{
		Path:         info.Path,
		ExpectedHash: info.Hash,
		ClientID:     d.wireClientID(),
		Directory:    d.cfg.Directory,
	})
	if err != nil {
		return err
	}

	if !completeResp.Success {
		return fmt.Errorf("client: delta complete rejected: %s", completeResp.Message)
	}

	d.logger.Info("delta uploaded",
		"path", info.Path,
		"size", humanize.IBytes(uint64(info.Size)),
		"blocks_sent", len(initResp.MissingBlockIndices),
	)

	return nil
}

// executeDownloads fetches every planned download and writes it
// atomically into the watch directory. Returns false when a transport
// failure cut the phase short.
func (d *Driver) executeDownloads(
	ctx context.Context,
	downloads []protocol.FileInfo,
	report *RoundReport,
	logger *slog.Logger,
) bool {
	for _, info := range downloads {
		err := d.downloadFile(ctx, info)
		if err == nil {
			d.st.SetFile(info)
			report.Downloaded++

			continue
		}

		if IsUnreachable(err) {
			logger.Warn("transport failure, aborting download phase", "path", info.Path, "error", err)
			return false
		}

		logger.Error("download failed", "path", info.Path, "error", err)
	}

	return true
}

// downloadFile fetches one file, verifies its hash, and moves it into
// place with a temp-file-then-rename so readers never see a partial
// write.
func (d *Driver) downloadFile(ctx context.Context, info protocol.FileInfo) error {
	resp, err := d.cfg.Transport.Download(ctx, &protocol.DownloadRequest{
		Path:      info.Path,
		ClientID:  d.wireClientID(),
		Directory: d.cfg.Directory,
	})
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("client: download rejected: %s", resp.Message)
	}

	gotHash := hasher.HashBytes(resp.Content)
	declared := info.Hash

	if resp.FileInfo != nil {
		declared = resp.FileInfo.Hash
	}

	if gotHash != declared {
		return fmt.Errorf("%w: %s expected %s got %s",
			protocol.ErrHashMismatch, info.Path, declared, gotHash)
	}

	full := filepath.Join(d.cfg.LocalPath, filepath.FromSlash(info.Path))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("client: creating parents for %s: %w", info.Path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".syncpair-tmp-*")
	if err != nil {
		return fmt.Errorf("client: creating temp for %s: %w", info.Path, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(resp.Content); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("client: writing %s: %w", info.Path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("client: closing temp for %s: %w", info.Path, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("client: moving %s into place: %w", info.Path, err)
	}

	d.logger.Info("downloaded", "path", info.Path, "size", humanize.IBytes(uint64(len(resp.Content))))

	return nil
}

// executeDeletes removes planned paths from the watch directory. A
// missing file is not an error. The tracked entry is dropped without a
// local tombstone: the server already holds the authoritative one.
func (d *Driver) executeDeletes(paths []string, report *RoundReport, logger *slog.Logger) {
	for _, path := range paths {
		full := filepath.Join(d.cfg.LocalPath, filepath.FromSlash(path))

		if err := os.RemoveAll(full); err != nil {
			logger.Error("local delete failed", "path", path, "error", err)
			continue
		}

		delete(d.st.Files, path)
		report.Deleted++
		logger.Info("deleted locally", "path", path)
	}
}

// UploadSingle handles one event-driven create/modify: if the file's
// content differs from the recorded state it is uploaded immediately
// and the state persisted. relPath is slash-normalized relative to the
// watch directory.
func (d *Driver) UploadSingle(ctx context.Context, relPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	full := filepath.Join(d.cfg.LocalPath, filepath.FromSlash(relPath))

	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // deleted again before the debounce fired
		}

		return fmt.Errorf("client: stat %s: %w", relPath, err)
	}

	if fi.IsDir() {
		return nil
	}

	hash, err := hasher.HashFile(full)
	if err != nil {
		return fmt.Errorf("client: hashing %s: %w", relPath, err)
	}

	if recorded, ok := d.st.Files[relPath]; ok && recorded.Hash == hash {
		return nil // content unchanged
	}

	info := protocol.FileInfo{
		Path:     relPath,
		Hash:     hash,
		Size:     fi.Size(),
		Modified: fi.ModTime().UTC(),
	}

	if err := d.uploadFile(ctx, info); err != nil {
		return err
	}

	d.st.SetFile(info)

	if err := d.store.Save(ctx, d.st); err != nil {
		return fmt.Errorf("client: saving state: %w", err)
	}

	return nil
}

// DeleteSingle handles one event-driven removal: tombstone locally,
// inform the server, persist.
func (d *Driver) DeleteSingle(ctx context.Context, relPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, tracked := d.st.Files[relPath]; !tracked {
		return nil
	}

	d.st.SetTombstone(relPath, d.now())

	resp, err := d.cfg.Transport.Delete(ctx, &protocol.DeleteRequest{
		Path:      relPath,
		ClientID:  d.wireClientID(),
		Directory: d.cfg.Directory,
	})

	switch {
	case err != nil:
		// Keep the tombstone; the next sync round propagates it.
		d.logger.Warn("delete notification failed", "path", relPath, "error", err)
	case !resp.Success:
		d.logger.Warn("delete rejected", "path", relPath, "message", resp.Message)
	}

	if err := d.store.Save(ctx, d.st); err != nil {
		return fmt.Errorf("client: saving state: %w", err)
	}

	return nil
}

// SaveState persists the current state, used during shutdown.
func (d *Driver) SaveState(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.store.Save(ctx, d.st)
}
