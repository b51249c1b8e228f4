package scanner

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	base := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(base, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	return base
}

func scanPaths(t *testing.T, base string, patterns []string) []string {
	t.Helper()

	s := New(NewFilter(patterns, testLogger(t)), testLogger(t))

	files, err := s.Scan(base)
	require.NoError(t, err)

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}

	return paths
}

func TestScan_BasicSnapshot(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"hello.txt":    "Hello, World!",
		"sub/note.md":  "note",
		"sub/deep/a.b": "x",
	})

	s := New(NewFilter(nil, testLogger(t)), testLogger(t))

	files, err := s.Scan(base)
	require.NoError(t, err)
	require.Len(t, files, 3)

	info := files["hello.txt"]
	assert.Equal(t, "hello.txt", info.Path)
	assert.EqualValues(t, 13, info.Size)
	assert.Len(t, info.Hash, 64)
	assert.Equal(t, info.Modified, info.Modified.UTC())
}

func TestScan_HiddenAndStateFilesExcluded(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"visible.txt":          "v",
		".hidden":              "h",
		".syncpair.db":         "db",
		".syncpair.db-wal":     "wal",
		"sub/.also_hidden":     "h",
		"sub/kept.txt":         "k",
		".hiddendir/inner.txt": "i",
	})

	paths := scanPaths(t, base, nil)
	assert.ElementsMatch(t, []string{"visible.txt", "sub/kept.txt"}, paths)
}

func TestScan_MissingBaseYieldsEmptySnapshot(t *testing.T) {
	t.Parallel()

	s := New(NewFilter(nil, testLogger(t)), testLogger(t))

	files, err := s.Scan(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFilter_BarePatternMatchesRootOnly(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"foo.tmp":     "x",
		"sub/foo.tmp": "x",
		"keep.txt":    "x",
	})

	paths := scanPaths(t, base, []string{"*.tmp"})
	assert.ElementsMatch(t, []string{"sub/foo.tmp", "keep.txt"}, paths)
}

func TestFilter_DoublestarMatchesAllDepths(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"app.log":          "x",
		"logs/app.log":     "x",
		"logs/sub/b.log":   "x",
		"logs/readme.txt":  "x",
		"other/notes.txt":  "x",
		"other/trace.logx": "x",
	})

	paths := scanPaths(t, base, []string{"**/*.log"})
	assert.ElementsMatch(t, []string{"logs/readme.txt", "other/notes.txt", "other/trace.logx"}, paths)
}

func TestFilter_SlashPatternMatchesFullPath(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"build/out.bin": "x",
		"src/out.bin":   "x",
	})

	paths := scanPaths(t, base, []string{"build/*.bin"})
	assert.ElementsMatch(t, []string{"src/out.bin"}, paths)
}

func TestFilter_DirectoryPatternNeverMatchesFiles(t *testing.T) {
	t.Parallel()

	// "cache/" is a directory pattern: it prunes the cache directory
	// but must not match a file literally named "cache".
	base := writeTree(t, map[string]string{
		"cache/data.bin": "x",
		"kept.txt":       "x",
	})

	paths := scanPaths(t, base, []string{"cache/"})
	assert.ElementsMatch(t, []string{"kept.txt"}, paths)

	base2 := writeTree(t, map[string]string{"cache": "a file, not a dir"})
	paths2 := scanPaths(t, base2, []string{"cache/"})
	assert.ElementsMatch(t, []string{"cache"}, paths2)
}

func TestFilter_InvalidPatternIsNonMatching(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{"a.txt": "x"})

	// "[" is an unterminated character class; the scan must survive.
	paths := scanPaths(t, base, []string{"["})
	assert.ElementsMatch(t, []string{"a.txt"}, paths)
}

func TestScan_Deterministic(t *testing.T) {
	t.Parallel()

	base := writeTree(t, map[string]string{
		"a.txt":   "1",
		"b/c.txt": "2",
		"b/d.txt": "3",
	})

	s := New(NewFilter(nil, testLogger(t)), testLogger(t))

	first, err := s.Scan(base)
	require.NoError(t, err)

	second, err := s.Scan(base)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestExcludedName(t *testing.T) {
	t.Parallel()

	assert.True(t, ExcludedName(".hidden"))
	assert.True(t, ExcludedName(".syncpair.db"))
	assert.True(t, ExcludedName(".syncpair.db-shm"))
	assert.False(t, ExcludedName("normal.txt"))
}
