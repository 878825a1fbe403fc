package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/marrow/vm"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested snapshot doesn't exist.
var ErrNotFound = errors.New("snapshot not found")

// Entry describes a stored snapshot.
type Entry struct {
	ID      string
	Name    string
	Size    int
	SavedAt time.Time
}

// Store keeps encoded snapshots in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the store at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		saved_at INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save encodes a suspended process and stores it under its ID, replacing
// any earlier snapshot of the same process.
func (s *Store) Save(machine *vm.VM, p *vm.Process) error {
	data, err := Encode(machine, p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (id, name, saved_at, data) VALUES (?, ?, ?, ?)",
		p.ID.String(), p.Name, time.Now().UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	log.Infof("saved process %s (%s) to %s", p.ID, p.Name, s.path)
	return nil
}

// Load decodes the snapshot stored under id into machine.
func (s *Store) Load(machine *vm.VM, id string, codes vm.CodeLoader) (*vm.Process, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return Decode(machine, data, codes)
}

// Delete removes a snapshot. Deleting a missing snapshot returns
// ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored snapshot, oldest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT id, name, saved_at, length(data) FROM snapshots ORDER BY saved_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var savedAt int64
		if err := rows.Scan(&e.ID, &e.Name, &savedAt, &e.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		e.SavedAt = time.Unix(0, savedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
