package scanner

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/syncpair/internal/hasher"
	"github.com/tonimelisma/syncpair/internal/protocol"
)

// Scanner walks a base directory and emits the current snapshot. It is
// stateless; the base directory is a parameter of Scan so one Scanner
// can serve successive rounds.
type Scanner struct {
	filter *Filter
	logger *slog.Logger
}

// New creates a Scanner with the given ignore filter.
func New(filter *Filter, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Scanner{filter: filter, logger: logger}
}

// Scan returns a FileInfo for every regular file under base that
// survives the hidden-name, state-file, and ignore-pattern filters.
// Paths in the result are slash-normalized, NFC-normalized, and
// relative to base. A missing base directory yields an empty snapshot.
func (s *Scanner) Scan(base string) (map[string]protocol.FileInfo, error) {
	files := make(map[string]protocol.FileInfo)

	if _, err := os.Stat(base); err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("scan base does not exist", "base", base)
			return files, nil
		}

		return nil, fmt.Errorf("scanner: stat %s: %w", base, err)
	}

	if err := s.walk(base, "", "", files); err != nil {
		return nil, err
	}

	s.logger.Debug("scan complete", "base", base, "files", len(files))

	return files, nil
}

// walk recurses one directory level. fsRelDir carries the original
// on-disk names for I/O; relDir carries the NFC-normalized names used
// as snapshot keys (macOS volumes store NFD).
func (s *Scanner) walk(base, fsRelDir, relDir string, files map[string]protocol.FileInfo) error {
	entries, err := os.ReadDir(filepath.Join(base, filepath.FromSlash(fsRelDir)))
	if err != nil {
		// Per-item I/O errors are non-fatal: log and move on so one
		// unreadable subtree does not abort the round.
		s.logger.Warn("cannot read directory, skipping", "dir", relDir, "error", err)
		return nil
	}

	for _, entry := range entries {
		name := norm.NFC.String(entry.Name())
		if ExcludedName(name) {
			continue
		}

		fsRel := joinRel(fsRelDir, entry.Name())
		rel := protocol.NormalizePath(joinRel(relDir, name))

		if entry.IsDir() {
			if s.filter.IgnoredDir(rel) {
				s.logger.Debug("directory excluded by pattern", "dir", rel)
				continue
			}

			if err := s.walk(base, fsRel, rel, files); err != nil {
				return err
			}

			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		if s.filter.Ignored(rel) {
			s.logger.Debug("file excluded by pattern", "path", rel)
			continue
		}

		info, err := s.fileInfo(base, fsRel, rel, entry)
		if err != nil {
			s.logger.Warn("cannot stat or hash file, skipping", "path", rel, "error", err)
			continue
		}

		files[rel] = info
	}

	return nil
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

// fileInfo stats and hashes one regular file.
func (s *Scanner) fileInfo(base, fsRel, rel string, entry os.DirEntry) (protocol.FileInfo, error) {
	fi, err := entry.Info()
	if err != nil {
		return protocol.FileInfo{}, fmt.Errorf("scanner: stat %s: %w", rel, err)
	}

	hash, err := hasher.HashFile(filepath.Join(base, filepath.FromSlash(fsRel)))
	if err != nil {
		return protocol.FileInfo{}, fmt.Errorf("scanner: hash %s: %w", rel, err)
	}

	return protocol.FileInfo{
		Path:     rel,
		Hash:     hash,
		Size:     fi.Size(),
		Modified: fi.ModTime().UTC(),
	}, nil
}
