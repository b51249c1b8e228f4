package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is wrapped by ValidatePath failures. Callers use
// errors.Is to classify bad paths as protocol-level InvalidRequest.
var ErrInvalidPath = errors.New("protocol: invalid path")

// ErrInvalidDirectory is returned for missing or malformed directory
// names in requests.
var ErrInvalidDirectory = errors.New("protocol: invalid directory")

// NormalizePath converts backslashes to forward slashes so that paths
// produced on Windows and Unix clients refer to the same logical file.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// ValidatePath rejects paths that could escape the directory root:
// absolute paths, empty paths, and any path containing a ".." segment.
// The path must already be forward-slash normalized.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}

	if strings.Contains(p, `\`) {
		return fmt.Errorf("%w: backslash in %q (normalize first)", ErrInvalidPath, p)
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: parent traversal in %q", ErrInvalidPath, p)
		}

		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
	}

	return nil
}

// DirectoryKey derives the server-side storage namespace for a logical
// directory. Shared directories omit the client id so that every
// participating client lands on the same key; private directories are
// namespaced per client.
func DirectoryKey(clientID, directory string) string {
	if clientID == "" {
		return directory
	}

	return clientID + ":" + directory
}

// ValidateDirectory rejects empty directory names and names that would
// escape the storage root when used as a path component. The ':'
// separator of private keys is permitted.
func ValidateDirectory(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing directory", ErrInvalidDirectory)
	}

	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidDirectory, name)
	}

	return nil
}
