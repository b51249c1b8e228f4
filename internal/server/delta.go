package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/syncpair/internal/hasher"
	"github.com/tonimelisma/syncpair/internal/protocol"
)

// errNoSession is returned when a block upload or complete arrives for
// a path with no negotiated delta session.
var errNoSession = errors.New("server: no delta session for path")

// deltaSession tracks one in-flight delta upload. Blocks are written
// into a shadow file; /delta/complete verifies the whole-file hash and
// renames the shadow into place, so a crash mid-upload never leaves a
// half-patched file visible.
type deltaSession struct {
	id          string
	key         string
	path        string
	shadowPath  string
	size        int64
	modified    time.Time
	startedAt   time.Time
	blockSize   int64
	wroteBlocks int
}

// DeltaEngine owns all in-flight delta sessions, keyed by directory key
// and path. One session per path: a new init replaces any stale one.
type DeltaEngine struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*deltaSession
}

// NewDeltaEngine creates an empty engine.
func NewDeltaEngine(logger *slog.Logger) *DeltaEngine {
	return &DeltaEngine{
		logger:   logger,
		sessions: make(map[string]*deltaSession),
	}
}

func sessionKey(dirKey, path string) string {
	return dirKey + "\x00" + path
}

// Init negotiates a delta upload. The caller holds the directory's read
// lock. Returns should_full_upload when the server has no usable base:
// the file does not exist, block hashes cannot be computed, the block
// size is not the protocol constant, or the server copy has more blocks
// than the client's (shrinking via delta is ambiguous).
func (e *DeltaEngine) Init(dir *LogicalDirectory, req *protocol.DeltaInitRequest) (*protocol.DeltaInitResponse, error) {
	full := &protocol.DeltaInitResponse{ShouldFullUpload: true, MissingBlockIndices: []uint64{}}

	if req.BlockSize != protocol.BlockSize {
		full.Message = fmt.Sprintf("unsupported block size %d", req.BlockSize)
		return full, nil
	}

	path := dir.FilePath(req.FileInfo.Path)

	serverBlocks, err := hasher.HashBlocks(path, req.BlockSize)
	if err != nil {
		if !errors.Is(err, hasher.ErrNotFound) {
			e.logger.Warn("cannot block-hash server file, forcing full upload",
				"directory", dir.Key, "path", req.FileInfo.Path, "error", err)
		}

		full.Message = "no server-side base file"

		return full, nil
	}

	if len(serverBlocks) > len(req.BlockHashes) {
		full.Message = "server file has more blocks than client file"
		return full, nil
	}

	missing := make([]uint64, 0)

	for i, bh := range req.BlockHashes {
		if i >= len(serverBlocks) || serverBlocks[i].Hash != bh.Hash {
			missing = append(missing, bh.Index)
		}
	}

	if err := e.openSession(dir, req, missing); err != nil {
		e.logger.Warn("cannot open delta session, forcing full upload",
			"directory", dir.Key, "path", req.FileInfo.Path, "error", err)

		full.Message = "cannot prepare delta session"

		return full, nil
	}

	return &protocol.DeltaInitResponse{
		MissingBlockIndices: missing,
		ShouldFullUpload:    false,
	}, nil
}

// openSession prepares the shadow file: a copy of the current server
// file truncated (or extended) to the client-reported size, so blocks
// the client does not resend keep their existing content.
func (e *DeltaEngine) openSession(dir *LogicalDirectory, req *protocol.DeltaInitRequest, missing []uint64) error {
	src, err := os.Open(dir.FilePath(req.FileInfo.Path))
	if err != nil {
		return fmt.Errorf("opening base file: %w", err)
	}
	defer src.Close()

	id := uuid.NewString()
	shadowPath := dir.FilePath(req.FileInfo.Path) + ".partial-" + id

	shadow, err := os.OpenFile(shadowPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating shadow file: %w", err)
	}

	if _, err := io.Copy(shadow, src); err != nil {
		shadow.Close()
		os.Remove(shadowPath)

		return fmt.Errorf("copying base into shadow: %w", err)
	}

	if err := shadow.Truncate(req.FileInfo.Size); err != nil {
		shadow.Close()
		os.Remove(shadowPath)

		return fmt.Errorf("sizing shadow file: %w", err)
	}

	if err := shadow.Close(); err != nil {
		os.Remove(shadowPath)
		return fmt.Errorf("closing shadow file: %w", err)
	}

	sess := &deltaSession{
		id:         id,
		key:        dir.Key,
		path:       req.FileInfo.Path,
		shadowPath: shadowPath,
		size:       req.FileInfo.Size,
		modified:   req.FileInfo.Modified,
		startedAt:  time.Now().UTC(),
		blockSize:  req.BlockSize,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.sessions[sessionKey(dir.Key, req.FileInfo.Path)]; ok {
		os.Remove(old.shadowPath)
		e.logger.Debug("replacing stale delta session", "directory", dir.Key, "path", req.FileInfo.Path)
	}

	e.sessions[sessionKey(dir.Key, req.FileInfo.Path)] = sess

	return nil
}

// WriteBlock writes one block's bytes at index*blockSize in the shadow
// file. Blocks may arrive in any order.
func (e *DeltaEngine) WriteBlock(dir *LogicalDirectory, req *protocol.BlockUploadRequest) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionKey(dir.Key, req.Path)]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errNoSession, req.Path)
	}

	offset := int64(req.Index) * sess.blockSize
	if offset > sess.size || offset+int64(len(req.Content)) > sess.size {
		return fmt.Errorf("server: block %d exceeds declared size %d", req.Index, sess.size)
	}

	f, err := os.OpenFile(sess.shadowPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("server: opening shadow for block %d: %w", req.Index, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(req.Content, offset); err != nil {
		return fmt.Errorf("server: writing block %d: %w", req.Index, err)
	}

	sess.wroteBlocks++

	return nil
}

// Complete verifies the shadow file against the expected whole-file
// hash and renames it into place. The caller holds the directory's
// write lock; on success the caller's state is updated and persisted.
// On hash mismatch the shadow is removed and the existing server file
// is left untouched.
func (e *DeltaEngine) Complete(dir *LogicalDirectory, req *protocol.DeltaCompleteRequest, now time.Time) (protocol.FileInfo, error) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionKey(dir.Key, req.Path)]
	if ok {
		delete(e.sessions, sessionKey(dir.Key, req.Path))
	}
	e.mu.Unlock()

	if !ok {
		return protocol.FileInfo{}, fmt.Errorf("%w: %s", errNoSession, req.Path)
	}

	gotHash, err := hasher.HashFile(sess.shadowPath)
	if err != nil {
		os.Remove(sess.shadowPath)
		return protocol.FileInfo{}, fmt.Errorf("server: hashing patched file: %w", err)
	}

	if gotHash != req.ExpectedHash {
		os.Remove(sess.shadowPath)

		return protocol.FileInfo{}, fmt.Errorf("%w: %s expected %s got %s",
			protocol.ErrHashMismatch, req.Path, req.ExpectedHash, gotHash)
	}

	final := dir.FilePath(req.Path)
	if err := os.Rename(sess.shadowPath, final); err != nil {
		os.Remove(sess.shadowPath)
		return protocol.FileInfo{}, fmt.Errorf("server: committing patched file: %w", err)
	}

	if err := fsyncFile(final); err != nil {
		e.logger.Warn("fsync after delta commit", "path", req.Path, "error", err)
	}

	info := protocol.FileInfo{
		Path:     req.Path,
		Hash:     gotHash,
		Size:     sess.size,
		Modified: now,
	}

	e.logger.Info("delta upload committed",
		"directory", dir.Key, "path", req.Path, "blocks_written", sess.wroteBlocks)

	return info, nil
}

// Abort discards the session for a path, if any. Used when a client
// falls back to whole-file upload.
func (e *DeltaEngine) Abort(dirKey, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.sessions[sessionKey(dirKey, path)]; ok {
		os.Remove(sess.shadowPath)
		delete(e.sessions, sessionKey(dirKey, path))
	}
}

// fsyncFile opens the file and flushes it to stable storage.
func fsyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
