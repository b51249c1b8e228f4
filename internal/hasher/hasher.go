// Package hasher computes whole-file and block-level SHA-256 content
// hashes. Hashes are lowercase hex. Block hashing and whole-file
// hashing agree: if every block of two files matches by index and hash,
// the whole-file hashes match as well.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// ErrNotFound reports that the file to hash does not exist.
var ErrNotFound = errors.New("hasher: file not found")

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 and returns the lowercase hex
// digest.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hasher: reading: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the lowercase hex SHA-256 of the file's full
// content. Returns ErrNotFound (wrapped) when the path does not exist.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return "", fmt.Errorf("hasher: opening %s: %w", path, err)
	}
	defer f.Close()

	digest, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hasher: hashing %s: %w", path, err)
	}

	return digest, nil
}

// HashBlocks hashes the file in fixed-size blocks. Block i covers bytes
// [i*blockSize, min((i+1)*blockSize, len)); the final block's hash is
// over the actual bytes read, not a padded block. An empty file yields
// zero blocks.
func HashBlocks(path string, blockSize int64) ([]protocol.BlockHash, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("hasher: invalid block size %d", blockSize)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return nil, fmt.Errorf("hasher: opening %s: %w", path, err)
	}
	defer f.Close()

	var blocks []protocol.BlockHash

	buf := make([]byte, blockSize)

	for index := uint64(0); ; index++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			blocks = append(blocks, protocol.BlockHash{
				Index: index,
				Hash:  hex.EncodeToString(sum[:]),
			})
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return blocks, nil
		}

		if err != nil {
			return nil, fmt.Errorf("hasher: reading block %d of %s: %w", index, path, err)
		}
	}
}
