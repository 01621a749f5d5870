package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores scalars in a SQLite database. Several runs may share one
// file; rows are keyed by (run, name, step) and a repeated key is
// overwritten, so a resumed run replaces the epochs it re-records.
type SQLiteSink struct {
	mu  sync.Mutex
	db  *sql.DB
	run string
	now func() time.Time
}

// OpenSQLite opens or creates the database at path. ":memory:" works for
// tests.
func OpenSQLite(path, run string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS scalars(
			run TEXT NOT NULL,
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL,
			wall_time REAL NOT NULL,
			PRIMARY KEY(run, name, step)
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create scalars table: %w", err)
	}
	return &SQLiteSink{db: db, run: run, now: time.Now}, nil
}

func (s *SQLiteSink) AddScalar(name string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO scalars(run, name, step, value, wall_time) VALUES(?,?,?,?,?)",
		s.run, name, step, value, float64(s.now().UnixMilli())/1000.0)
	if err != nil {
		return fmt.Errorf("insert scalar %s: %w", name, err)
	}
	return nil
}

// Scalars returns the values of name for this run ordered by step.
func (s *SQLiteSink) Scalars(name string) ([]Scalar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query("SELECT step, value FROM scalars WHERE run = ? AND name = ? ORDER BY step", s.run, name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		sc := Scalar{Name: name}
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
