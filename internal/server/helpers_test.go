package server

import (
	"github.com/tonimelisma/syncpair/internal/hasher"
)

// hashString returns the protocol hash of a string literal, for
// building expected FileInfo values in tests.
func hashString(s string) string {
	return hasher.HashBytes([]byte(s))
}
