package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/syncpair/internal/hasher"
	"github.com/tonimelisma/syncpair/internal/protocol"
)

// maxRequestBody bounds request bodies: a whole-file upload carries at
// most one content payload plus metadata, and base64 inflates by 4/3.
const maxRequestBody = 512 << 20 // 512 MiB

// router assembles the chi route tree.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/sync", s.handleSync)
	r.Post("/upload", s.handleUpload)
	r.Post("/download", s.handleDownload)
	r.Post("/delete", s.handleDelete)
	r.Post("/delta/init", s.handleDeltaInit)
	r.Post("/delta/upload", s.handleDeltaUpload)
	r.Post("/delta/complete", s.handleDeltaComplete)
	r.Get("/watch", s.handleWatch)

	return r
}

// requestLogger logs each request at debug with its outcome time.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("server: decoding request: %w", err)
	}

	return nil
}

// writeJSON writes v with status 200. Logical failures ride inside the
// response body (success=false), matching client expectations.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing response", "error", err)
	}
}

// writeError writes a JSON error body with the given HTTP status. Used
// only by /sync, whose response shape has no success field.
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: msg}); err != nil {
		logger.Warn("writing error response", "error", err)
	}
}

// resolveDir validates the directory name and returns its
// LogicalDirectory, creating it on first reference.
func (s *Server) resolveDir(clientID, directory string) (*LogicalDirectory, error) {
	if directory == "" {
		return nil, fmt.Errorf("%w: missing directory", protocol.ErrInvalidDirectory)
	}

	if err := protocol.ValidateDirectory(directory); err != nil {
		return nil, err
	}

	return s.registry.Get(protocol.DirectoryKey(clientID, directory))
}

// checkPath normalizes and validates a request path.
func checkPath(raw string) (string, error) {
	p := protocol.NormalizePath(raw)
	if err := protocol.ValidatePath(p); err != nil {
		return "", err
	}

	return p, nil
}

// handleSync runs the reconciler for one client snapshot under the
// directory's write lock, persisting any state mutation before the
// plan is returned.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req protocol.SyncRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()

	dir.Lock()
	res := reconcile(dir, &req, now, s.logger.With("directory", dir.Key))

	if res.changed {
		if err := dir.Persist(r.Context()); err != nil {
			dir.Unlock()
			s.logger.Error("persisting state after sync", "directory", dir.Key, "error", err)
			writeError(w, s.logger, http.StatusInternalServerError, "state persistence failed")

			return
		}
	}
	dir.Unlock()

	if res.changed {
		s.hub.Broadcast(dir.Key, now)
	}

	s.logger.Info("sync plan computed",
		"directory", dir.Key,
		"client_id", req.ClientID,
		"uploads", len(res.plan.FilesToUpload),
		"downloads", len(res.plan.FilesToDownload),
		"deletes", len(res.plan.FilesToDelete),
		"conflicts", len(res.plan.Conflicts),
	)

	writeJSON(w, s.logger, res.plan)
}

// handleUpload stores a whole file, verifies its hash, and commits it
// to the directory state.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req protocol.UploadRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: err.Error()})
		return
	}

	path, err := checkPath(req.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: err.Error()})
		return
	}

	dir.Lock()
	defer dir.Unlock()

	full := dir.FilePath(path)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: "creating parent directories failed"})
		return
	}

	if err := writeFileAtomic(full, req.Content); err != nil {
		s.logger.Error("writing upload", "directory", dir.Key, "path", path, "error", err)
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: "write failed"})

		return
	}

	gotHash, err := hasher.HashFile(full)
	if err != nil {
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: "verification failed"})
		return
	}

	if gotHash != req.Hash {
		os.Remove(full)
		s.logger.Warn("upload hash mismatch, discarded",
			"directory", dir.Key, "path", path, "expected", req.Hash, "actual", gotHash)
		writeJSON(w, s.logger, protocol.UploadResponse{
			Success: false,
			Message: fmt.Sprintf("hash mismatch: expected %s got %s", req.Hash, gotHash),
		})

		return
	}

	st := dir.State()
	st.SetFile(protocol.FileInfo{
		Path:     path,
		Hash:     gotHash,
		Size:     int64(len(req.Content)),
		Modified: req.Modified.UTC(),
	})

	if err := dir.Persist(r.Context()); err != nil {
		s.logger.Error("persisting state after upload", "directory", dir.Key, "error", err)
		writeJSON(w, s.logger, protocol.UploadResponse{Success: false, Message: "state persistence failed"})

		return
	}

	s.logger.Info("file uploaded",
		"directory", dir.Key,
		"path", path,
		"size", humanize.IBytes(uint64(len(req.Content))),
	)

	s.hub.Broadcast(dir.Key, time.Now().UTC())
	writeJSON(w, s.logger, protocol.UploadResponse{Success: true})
}

// handleDownload returns one file's content and FileInfo under the
// directory's read lock.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req protocol.DownloadRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.DownloadResponse{Success: false, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.DownloadResponse{Success: false, Message: err.Error()})
		return
	}

	path, err := checkPath(req.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.DownloadResponse{Success: false, Message: err.Error()})
		return
	}

	dir.RLock()
	defer dir.RUnlock()

	info, tracked := dir.State().Files[path]
	if !tracked {
		writeJSON(w, s.logger, protocol.DownloadResponse{Success: false, Message: "file not found"})
		return
	}

	content, err := os.ReadFile(dir.FilePath(path))
	if err != nil {
		s.logger.Warn("tracked file unreadable", "directory", dir.Key, "path", path, "error", err)
		writeJSON(w, s.logger, protocol.DownloadResponse{Success: false, Message: "file unreadable"})

		return
	}

	writeJSON(w, s.logger, protocol.DownloadResponse{
		Success:  true,
		FileInfo: &info,
		Content:  content,
	})
}

// handleDelete removes a file and records a tombstone under the
// directory's write lock.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeleteRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.DeleteResponse{Success: false, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeleteResponse{Success: false, Message: err.Error()})
		return
	}

	path, err := checkPath(req.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeleteResponse{Success: false, Message: err.Error()})
		return
	}

	now := time.Now().UTC()

	dir.Lock()
	defer dir.Unlock()

	if err := os.Remove(dir.FilePath(path)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing file", "directory", dir.Key, "path", path, "error", err)
		writeJSON(w, s.logger, protocol.DeleteResponse{Success: false, Message: "remove failed"})

		return
	}

	dir.State().SetTombstone(path, now)

	if err := dir.Persist(r.Context()); err != nil {
		s.logger.Error("persisting state after delete", "directory", dir.Key, "error", err)
		writeJSON(w, s.logger, protocol.DeleteResponse{Success: false, Message: "state persistence failed"})

		return
	}

	s.logger.Info("file deleted", "directory", dir.Key, "path", path)

	s.hub.Broadcast(dir.Key, now)
	writeJSON(w, s.logger, protocol.DeleteResponse{Success: true})
}

// handleDeltaInit negotiates a delta upload under the directory's read
// lock: it only reads the current file and prepares a shadow.
func (s *Server) handleDeltaInit(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeltaInitRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.DeltaInitResponse{ShouldFullUpload: true, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeltaInitResponse{ShouldFullUpload: true, Message: err.Error()})
		return
	}

	path, err := checkPath(req.FileInfo.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeltaInitResponse{ShouldFullUpload: true, Message: err.Error()})
		return
	}

	req.FileInfo.Path = path

	dir.RLock()
	resp, err := s.delta.Init(dir, &req)
	dir.RUnlock()

	if err != nil {
		writeJSON(w, s.logger, protocol.DeltaInitResponse{ShouldFullUpload: true, Message: err.Error()})
		return
	}

	s.logger.Debug("delta init",
		"directory", dir.Key,
		"path", path,
		"missing_blocks", len(resp.MissingBlockIndices),
		"full_upload", resp.ShouldFullUpload,
	)

	writeJSON(w, s.logger, resp)
}

// handleDeltaUpload writes one block into the session's shadow file.
// The shadow is private to the session, so only the read lock is held.
func (s *Server) handleDeltaUpload(w http.ResponseWriter, r *http.Request) {
	var req protocol.BlockUploadRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.BlockUploadResponse{Success: false, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.BlockUploadResponse{Success: false, Message: err.Error()})
		return
	}

	path, err := checkPath(req.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.BlockUploadResponse{Success: false, Message: err.Error()})
		return
	}

	req.Path = path

	dir.RLock()
	err = s.delta.WriteBlock(dir, &req)
	dir.RUnlock()

	if err != nil {
		s.logger.Warn("delta block write failed",
			"directory", dir.Key, "path", path, "index", req.Index, "error", err)
		writeJSON(w, s.logger, protocol.BlockUploadResponse{Success: false, Message: err.Error()})

		return
	}

	writeJSON(w, s.logger, protocol.BlockUploadResponse{Success: true})
}

// handleDeltaComplete verifies and commits a delta upload under the
// directory's write lock.
func (s *Server) handleDeltaComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeltaCompleteRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: false, Message: err.Error()})
		return
	}

	dir, err := s.resolveDir(req.ClientID, req.Directory)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: false, Message: err.Error()})
		return
	}

	path, err := checkPath(req.Path)
	if err != nil {
		writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: false, Message: err.Error()})
		return
	}

	req.Path = path
	now := time.Now().UTC()

	dir.Lock()

	info, err := s.delta.Complete(dir, &req, now)
	if err != nil {
		dir.Unlock()

		if errors.Is(err, protocol.ErrHashMismatch) {
			s.logger.Warn("delta complete hash mismatch", "directory", dir.Key, "path", path, "error", err)
		} else {
			s.logger.Error("delta complete failed", "directory", dir.Key, "path", path, "error", err)
		}

		writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: false, Message: err.Error()})

		return
	}

	dir.State().SetFile(info)

	if err := dir.Persist(r.Context()); err != nil {
		dir.Unlock()
		s.logger.Error("persisting state after delta complete", "directory", dir.Key, "error", err)
		writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: false, Message: "state persistence failed"})

		return
	}
	dir.Unlock()

	s.hub.Broadcast(dir.Key, now)
	writeJSON(w, s.logger, protocol.DeltaCompleteResponse{Success: true})
}

// writeFileAtomic writes content via a temp file and rename so readers
// never observe a partial file, then fsyncs the result.
func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".syncpair-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
