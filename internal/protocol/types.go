// Package protocol defines the wire types and shared constants of the
// syncpair HTTP/JSON protocol. Both the server handlers and the client
// driver marshal exactly these structs, so the JSON field names here are
// the protocol. Timestamps travel as RFC 3339 UTC with sub-second
// precision; binary payloads travel as base64 strings (Go's default
// encoding for []byte).
//
// Shared directories are signaled by omitting client_id: the server
// derives its storage key as <name> when client_id is empty and
// <client_id>:<name> otherwise.
package protocol

import (
	"time"
)

// BlockSize is the fixed delta-transfer block size. Block i of a file
// covers bytes [i*BlockSize, min((i+1)*BlockSize, len)).
const BlockSize = 1 << 20 // 1 MiB

// DeltaThreshold is the size above which the client attempts a
// block-level delta upload instead of a whole-file upload. Files of
// exactly this size still go whole-file.
const DeltaThreshold = 1 << 20 // 1 MiB

// Tombstone retention windows. Client tombstones only need to survive
// long enough to propagate a deletion to the server; server tombstones
// must outlive the slowest client's next round.
const (
	ClientTombstoneRetention = 24 * time.Hour
	ServerTombstoneRetention = 7 * 24 * time.Hour
)

// FileInfo is the canonical description of one file version. Path is
// relative to the directory root, forward-slash separated. The (path,
// hash) pair is the content identity; Modified is used only for
// ordering decisions during reconciliation.
type FileInfo struct {
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ConflictResolution names the side whose version of a conflicted file
// is kept.
type ConflictResolution string

const (
	ClientWins ConflictResolution = "ClientWins"
	ServerWins ConflictResolution = "ServerWins"
)

// FileConflict reports one path where both sides changed the file with
// the same modification time but different content.
type FileConflict struct {
	Path           string             `json:"path"`
	ClientModified time.Time          `json:"client_modified"`
	ServerModified time.Time          `json:"server_modified"`
	Resolution     ConflictResolution `json:"resolution"`
}

// SyncRequest is the client's snapshot sent to POST /sync.
type SyncRequest struct {
	Files        map[string]FileInfo  `json:"files"`
	DeletedFiles map[string]time.Time `json:"deleted_files"`
	LastSync     time.Time            `json:"last_sync"`
	ClientID     string               `json:"client_id,omitempty"`
	Directory    string               `json:"directory"`
}

// SyncResponse is the server's plan: what the client should upload,
// download, and delete, plus any conflicts the reconciler resolved.
type SyncResponse struct {
	FilesToUpload   []string       `json:"files_to_upload"`
	FilesToDownload []FileInfo     `json:"files_to_download"`
	FilesToDelete   []string       `json:"files_to_delete"`
	Conflicts       []FileConflict `json:"conflicts"`
}

// UploadRequest carries a whole file to POST /upload.
type UploadRequest struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
	Content   []byte    `json:"content"`
	ClientID  string    `json:"client_id,omitempty"`
	Directory string    `json:"directory"`
}

// UploadResponse reports the outcome of an upload. Success is false on
// logical failures (hash mismatch, bad path) even though the HTTP
// status is 200.
type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DownloadRequest asks for one file from POST /download.
type DownloadRequest struct {
	Path      string `json:"path"`
	ClientID  string `json:"client_id,omitempty"`
	Directory string `json:"directory"`
}

// DownloadResponse returns the file content and its FileInfo.
type DownloadResponse struct {
	Success  bool      `json:"success"`
	FileInfo *FileInfo `json:"file_info,omitempty"`
	Content  []byte    `json:"content,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// DeleteRequest tombstones one path via POST /delete.
type DeleteRequest struct {
	Path      string `json:"path"`
	ClientID  string `json:"client_id,omitempty"`
	Directory string `json:"directory"`
}

// DeleteResponse reports the outcome of a delete.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// BlockHash identifies the content of one fixed-size block. The last
// block of a file is short; its hash covers only the actual bytes.
type BlockHash struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

// DeltaInitRequest opens a delta-upload negotiation on POST /delta/init.
type DeltaInitRequest struct {
	FileInfo    FileInfo    `json:"file_info"`
	BlockHashes []BlockHash `json:"block_hashes"`
	BlockSize   int64       `json:"block_size"`
	ClientID    string      `json:"client_id,omitempty"`
	Directory   string      `json:"directory"`
}

// DeltaInitResponse lists the blocks the server is missing. When
// ShouldFullUpload is set the client must fall back to /upload.
type DeltaInitResponse struct {
	MissingBlockIndices []uint64 `json:"missing_block_indices"`
	ShouldFullUpload    bool     `json:"should_full_upload"`
	Message             string   `json:"message,omitempty"`
}

// BlockUploadRequest carries one block's bytes to POST /delta/upload.
type BlockUploadRequest struct {
	Path      string `json:"path"`
	Index     uint64 `json:"index"`
	Content   []byte `json:"content"`
	ClientID  string `json:"client_id,omitempty"`
	Directory string `json:"directory"`
}

// BlockUploadResponse reports the outcome of one block write.
type BlockUploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DeltaCompleteRequest finalizes a delta upload on POST /delta/complete.
// ExpectedHash is the whole-file hash of the client's version; the
// server verifies it before committing.
type DeltaCompleteRequest struct {
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash"`
	ClientID     string `json:"client_id,omitempty"`
	Directory    string `json:"directory"`
}

// DeltaCompleteResponse reports the outcome of the finalize step.
type DeltaCompleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ChangeNotification is pushed over the /watch websocket after a
// mutating operation commits for a directory. It carries no detail —
// subscribers react by running a sync round.
type ChangeNotification struct {
	Directory string    `json:"directory"`
	ChangedAt time.Time `json:"changed_at"`
}

// ErrorResponse is the JSON body for protocol-level failures that have
// no operation-specific response shape (e.g. a /sync request with no
// directory).
type ErrorResponse struct {
	Error string `json:"error"`
}
