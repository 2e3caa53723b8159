// Package history provides SQLite-based persistence for served predictions.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a history entry does not exist.
var ErrNotFound = errors.New("history entry not found")

// Entry is one recorded prediction.
type Entry struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Class      string    `json:"class"`
	Confidence float32   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store represents the SQLite history database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the history database at path and
// initializes its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		class TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "failed to initialize schema")
}

// Add records a prediction. Empty ID and zero CreatedAt are filled in; the
// stored entry is returned.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, filename, class, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Filename, e.Class, e.Confidence, e.CreatedAt.UnixNano())
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to insert prediction")
	}
	return e, nil
}

// List returns the most recent entries first. limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, filename, class, confidence, created_at FROM predictions ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query predictions")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Filename, &e.Class, &e.Confidence, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan prediction")
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read predictions")
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM predictions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete prediction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to delete prediction")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// DeleteDay removes every entry created on the calendar day of day, in
// day's location, and returns how many were removed.
func (s *Store) DeleteDay(ctx context.Context, day time.Time) (int64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM predictions WHERE created_at >= ? AND created_at < ?`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete predictions")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "failed to delete predictions")
}
