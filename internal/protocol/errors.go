package protocol

import "errors"

// Error taxonomy shared by client and server. Handlers and the sync
// driver classify failures into these kinds; see also ErrInvalidPath
// and ErrInvalidDirectory in path.go.
var (
	// ErrHashMismatch reports a post-transfer integrity failure: the
	// hash of the bytes on disk differs from the declared hash.
	ErrHashMismatch = errors.New("protocol: hash mismatch")

	// ErrStateCorrupt reports an unreadable state database. The owner
	// recovers by starting from an empty state.
	ErrStateCorrupt = errors.New("protocol: state database corrupt")
)
