// Package storage is the persistence layer: typed repositories over a
// single embedded SQLite database. All writes are funneled through a
// process-wide FIFO queue (see queue.go); readers go straight to the
// connection pool.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationFilePattern matches NNNN_name.sql migration files.
var migrationFilePattern = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	queue  *writeQueue
	log    zerolog.Logger

	// onWrite is invoked after every successful write with the user it
	// touched; the container cache registers here for invalidation.
	onWrite func(userID int64)
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables
// WAL mode, runs pending migrations, and starts the write queue.
func NewSQLiteStore(dbPath string, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	// _txlock=immediate makes every write transaction take the
	// reserved lock up front, which pairs with the FIFO write queue to
	// keep "database is locked" out of the picture.
	dsn := dbPath + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A handful of connections for readers; writers are serialized by
	// the queue anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		log:    log,
	}

	if err := s.enableWALMode(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	s.queue = newWriteQueue(db, log)
	s.log.Info().Str("path", dbPath).Msg("database initialized")
	return s, nil
}

// OnWrite registers a callback invoked after each successful write,
// with the owning user id. Used for cache invalidation.
func (s *SQLiteStore) OnWrite(fn func(userID int64)) {
	s.onWrite = fn
}

func (s *SQLiteStore) notifyWrite(userID int64) {
	if s.onWrite != nil {
		s.onWrite(userID)
	}
}

// Close drains the write queue and closes the database.
func (s *SQLiteStore) Close() error {
	if s.queue != nil {
		s.queue.close()
	}
	return s.db.Close()
}

func (s *SQLiteStore) enableWALMode() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("verify WAL mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("WAL mode not enabled, got: %s", mode)
	}
	return nil
}

type migrationFile struct {
	version int
	name    string
	path    string
}

// runMigrations applies pending NNNN_name.sql files in version order.
// Applied versions are tracked in schema_migrations; re-running a
// version is a no-op.
func (s *SQLiteStore) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		m := migrationFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			return fmt.Errorf("migration file %q does not match NNNN_name.sql", entry.Name())
		}
		version, _ := strconv.Atoi(m[1])
		files = append(files, migrationFile{
			version: version,
			name:    m[2],
			path:    "migrations/" + entry.Name(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })

	applied := make(map[int]bool)
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	for _, f := range files {
		if applied[f.version] {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f.path, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %04d: %w", f.version, err)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %04d_%s: %w", f.version, f.name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			f.version, f.name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %04d: %w", f.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %04d: %w", f.version, err)
		}

		s.log.Info().Int("version", f.version).Str("name", f.name).Msg("applied migration")
	}

	return nil
}

// nullStr maps empty strings to NULL-friendly sql values on read.
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func joinErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// likeEscape escapes LIKE wildcards in user-supplied fragments.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// execRowsAffected runs a statement and reports the affected row count.
func execRowsAffected(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
