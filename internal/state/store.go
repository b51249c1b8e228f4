package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/tonimelisma/syncpair/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit bounds the WAL file between checkpoints.
const walJournalSizeLimit = 1 << 26 // 64 MiB

// Store is a SQLite-backed state store for one directory. It is not
// safe for concurrent use; callers serialize access through the
// per-directory lock that owns the DirectoryState.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the state database at path and applies
// pending migrations. A database that cannot be opened or migrated is
// treated as corrupt: it is removed along with its sidecars and
// recreated empty, per the StateCorrupt recovery policy.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s, err := open(path, logger)
	if err == nil {
		return s, nil
	}

	logger.Error("state database unreadable, resetting to empty",
		"path", path, "error", err)

	removeDatabaseFiles(path)

	s, err = open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("state: reopening after reset: %w", err)
	}

	return s, fmt.Errorf("%w: %s (recovered empty)", protocol.ErrStateCorrupt, path)
}

func open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", path, err)
	}

	// The store has a single owner; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// setPragmas configures WAL mode and full synchronous writes so a
// committed save survives an abrupt stop.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("state: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies embedded SQL migrations with the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("state: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("state: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("state: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied state migration",
			"source", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}

	return nil
}

// removeDatabaseFiles deletes the database and its WAL/SHM sidecars.
func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(p)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full DirectoryState. A database with no sync_state row
// (fresh or reset) yields an empty state with the Unix-epoch watermark.
func (s *Store) Load(ctx context.Context) (*DirectoryState, error) {
	ds := NewDirectoryState()

	var lastSync string

	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM sync_state WHERE id = 1`).Scan(&lastSync)
	switch {
	case err == sql.ErrNoRows:
		// fresh database
	case err != nil:
		return nil, fmt.Errorf("state: loading sync_state: %w", err)
	default:
		ds.LastSync, err = parseTime(lastSync)
		if err != nil {
			return nil, fmt.Errorf("state: sync_state.last_sync: %w", err)
		}
	}

	if err := s.loadFiles(ctx, ds); err != nil {
		return nil, err
	}

	if err := s.loadTombstones(ctx, ds); err != nil {
		return nil, err
	}

	ds.enforceDisjoint()

	return ds, nil
}

func (s *Store) loadFiles(ctx context.Context, ds *DirectoryState) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, file_hash, file_size, modified_at FROM file_states`)
	if err != nil {
		return fmt.Errorf("state: loading file_states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			info     protocol.FileInfo
			modified string
		)

		if err := rows.Scan(&info.Path, &info.Hash, &info.Size, &modified); err != nil {
			return fmt.Errorf("state: scanning file_states row: %w", err)
		}

		info.Modified, err = parseTime(modified)
		if err != nil {
			return fmt.Errorf("state: file_states.modified_at for %q: %w", info.Path, err)
		}

		ds.Files[info.Path] = info
	}

	return rows.Err()
}

func (s *Store) loadTombstones(ctx context.Context, ds *DirectoryState) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, deleted_at FROM deleted_files`)
	if err != nil {
		return fmt.Errorf("state: loading deleted_files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, deletedAt string

		if err := rows.Scan(&path, &deletedAt); err != nil {
			return fmt.Errorf("state: scanning deleted_files row: %w", err)
		}

		ts, err := parseTime(deletedAt)
		if err != nil {
			return fmt.Errorf("state: deleted_files.deleted_at for %q: %w", path, err)
		}

		ds.Tombstones[path] = ts
	}

	return rows.Err()
}

// Save replaces all rows with the given state in one transaction. With
// synchronous=FULL the commit is durable once Save returns.
func (s *Store) Save(ctx context.Context, ds *DirectoryState) error {
	ds.enforceDisjoint()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin save: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM sync_state`,
		`DELETE FROM file_states`,
		`DELETE FROM deleted_files`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state: clearing rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (id, last_sync) VALUES (1, ?)`,
		formatTime(ds.LastSync)); err != nil {
		return fmt.Errorf("state: inserting sync_state: %w", err)
	}

	fileStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO file_states (file_path, file_hash, file_size, modified_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("state: preparing file insert: %w", err)
	}
	defer fileStmt.Close()

	for _, info := range ds.Files {
		if _, err := fileStmt.ExecContext(ctx,
			info.Path, info.Hash, info.Size, formatTime(info.Modified)); err != nil {
			return fmt.Errorf("state: inserting file %q: %w", info.Path, err)
		}
	}

	tombStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deleted_files (file_path, deleted_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("state: preparing tombstone insert: %w", err)
	}
	defer tombStmt.Close()

	for path, deletedAt := range ds.Tombstones {
		if _, err := tombStmt.ExecContext(ctx, path, formatTime(deletedAt)); err != nil {
			return fmt.Errorf("state: inserting tombstone %q: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing save: %w", err)
	}

	return nil
}

// formatTime serializes to RFC 3339 with nanosecond precision, UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}
