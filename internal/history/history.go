// Package history keeps the most recent successful card reads in SQLite.
//
// Card text is stored only as a SHA-256 digest and a length, never in
// clear.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLimit is the number of reads kept when no limit is given.
const DefaultLimit = 500

// Entry is one stored read.
type Entry struct {
	ID         int64     `json:"id"`
	Reader     string    `json:"reader"`
	Family     string    `json:"family"`
	Subtype    string    `json:"type,omitempty"`
	UID        string    `json:"uid,omitempty"`
	TextSHA256 string    `json:"textSha256"`
	TextLength int       `json:"textLength"`
	Injected   bool      `json:"injected"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Store is the read history database.
type Store struct {
	db    *sql.DB
	limit int
}

// Open opens or creates the database at dbPath and keeps at most limit
// reads. limit <= 0 selects DefaultLimit.
func Open(dbPath string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps the write-then-prune sequence ordered.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db, limit: limit}, nil
}

func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", name, err)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a successful read and drops the oldest reads beyond the
// limit. Failed reads are ignored.
func (s *Store) Record(ctx context.Context, rec core.CardRecord, injected bool) error {
	text, ok := rec.Text()
	if !ok || !rec.Succeeded() {
		return nil
	}
	sum := sha256.Sum256([]byte(text))
	var uid string
	if b, ok := rec.UID(); ok {
		uid = strings.ToUpper(hex.EncodeToString(b))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reads (reader, family, subtype, uid, text_sha256, text_length, injected, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ReaderName(), rec.Family().String(), rec.Subtype(), uid,
		hex.EncodeToString(sum[:]), len([]rune(text)), injected, rec.DetectedAt().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert read: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM reads WHERE id NOT IN (
			SELECT id FROM reads ORDER BY detected_at DESC, id DESC LIMIT ?
		)`, s.limit)
	if err != nil {
		return fmt.Errorf("prune reads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logging.Debug(logging.CatHistory, "Pruned read history", map[string]any{"removed": n})
	}
	return nil
}

// Recent returns up to n reads, newest first. n <= 0 returns all.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = s.limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reader, family, subtype, uid, text_sha256, text_length, injected, detected_at
		FROM reads
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Reader, &e.Family, &e.Subtype, &e.UID,
			&e.TextSHA256, &e.TextLength, &e.Injected, &ms); err != nil {
			return nil, err
		}
		e.DetectedAt = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored reads.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reads").Scan(&n)
	return n, err
}

// Clear removes every stored read.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reads")
	return err
}
