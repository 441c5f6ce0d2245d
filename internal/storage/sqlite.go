package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite ledger of prompts and daemon state. The ping log
// stays the source of truth for pings; the ledger only remembers what was
// asked and how it was closed.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tagtime.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: ":memory:" databases are per connection, and it avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Prompts ---

const promptColumns = `id, ping_time, status, tags, comment, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row scanner) (Prompt, error) {
	var p Prompt
	var status, tags, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.PingTime, &status, &tags, &p.Comment, &createdAt, &updatedAt); err != nil {
		return Prompt{}, err
	}
	p.Status = Status(status)
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return Prompt{}, fmt.Errorf("parsing tags for prompt %s: %w", p.ID, err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Prompt{}, fmt.Errorf("parsing created_at for prompt %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Prompt{}, fmt.Errorf("parsing updated_at for prompt %s: %w", p.ID, err)
	}
	return p, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return string(b), err
}

// SavePrompt inserts p, filling in a missing ID, status and timestamps.
// The stored record is returned.
func (s *Store) SavePrompt(p Prompt) (Prompt, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	now := s.now().UTC().Truncate(time.Second)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tags, err := encodeTags(p.Tags)
	if err != nil {
		return Prompt{}, err
	}
	err = retryOp(defaultRetryConfig, func() error {
		_, err := s.db.Exec(`INSERT INTO prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.PingTime, string(p.Status), tags, p.Comment,
			p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339),
		)
		return err
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("saving prompt: %w", err)
	}
	return p, nil
}

// GetPrompt returns the prompt with the given ID.
func (s *Store) GetPrompt(id string) (Prompt, error) {
	p, err := scanPrompt(s.db.QueryRow(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Prompt{}, ErrNotFound
	}
	return p, err
}

// PendingPrompt returns the oldest pending prompt, or nil when there is none.
func (s *Store) PendingPrompt() (*Prompt, error) {
	p, err := scanPrompt(s.db.QueryRow(`SELECT ` + promptColumns + ` FROM prompts
		WHERE status = 'pending' ORDER BY ping_time ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClosePrompt moves a pending prompt to a final status, recording the tags
// and comment that were logged for it. It returns ErrNotFound for an unknown
// ID and ErrNotPending when the prompt was already closed.
func (s *Store) ClosePrompt(id string, status Status, tags []string, comment string) (Prompt, error) {
	if !status.Closed() {
		return Prompt{}, fmt.Errorf("closing prompt %s with status %q", id, status)
	}
	encoded, err := encodeTags(tags)
	if err != nil {
		return Prompt{}, err
	}

	var n int64
	err = retryOp(defaultRetryConfig, func() error {
		res, err := s.db.Exec(`UPDATE prompts SET status = ?, tags = ?, comment = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			string(status), encoded, comment, s.now().UTC().Format(time.RFC3339), id,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("closing prompt %s: %w", id, err)
	}

	p, err := s.GetPrompt(id)
	if err != nil {
		return Prompt{}, err
	}
	if n == 0 {
		return p, ErrNotPending
	}
	return p, nil
}

// RecentPrompts returns up to limit prompts, newest ping first.
func (s *Store) RecentPrompts(limit int) ([]Prompt, error) {
	rows, err := s.db.Query(`SELECT `+promptColumns+` FROM prompts
		ORDER BY ping_time DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// CountByStatus returns how many prompts are in each status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM prompts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// --- State ---

// SetState stores a daemon state value under key.
func (s *Store) SetState(key, value string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.Exec(`
			INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.now().UTC().Format(time.RFC3339),
		)
		return err
	})
}

// GetState returns the value stored under key, or ErrNotFound.
func (s *Store) GetState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}
