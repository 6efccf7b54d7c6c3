package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"traveltracker/internal/db"
	"traveltracker/internal/trip"
)

var ErrNotFound = errors.New("journal entry not found")

// Entry is an ended trip whose backend sync has not completed.
type Entry struct {
	LocalID   string     `json:"local_id"`
	BackendID string     `json:"backend_id,omitempty"`
	Trip      trip.Trip  `json:"trip"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

type Store struct {
	db  db.Querier
	now func() time.Time
}

func New(q db.Querier) *Store {
	return &Store{db: q, now: time.Now}
}

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS offline_trips (
	local_id TEXT PRIMARY KEY,
	backend_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	synced_at INTEGER
);
CREATE INDEX IF NOT EXISTS offline_trips_pending ON offline_trips (synced_at, created_at);
`)
	return err
}

// Save journals e. Saving an existing entry again replaces its payload and
// counts another failed attempt.
func (s *Store) Save(ctx context.Context, e Entry) error {
	if e.LocalID == "" {
		e.LocalID = e.Trip.LocalID
	}
	if e.LocalID == "" {
		return errors.New("journal entry without local id")
	}
	payload, err := json.Marshal(e.Trip)
	if err != nil {
		return fmt.Errorf("encode trip: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO offline_trips (local_id, backend_id, payload, attempts, last_error, created_at)
VALUES (?, ?, ?, 1, ?, ?)
ON CONFLICT(local_id) DO UPDATE SET
	backend_id = CASE WHEN excluded.backend_id != '' THEN excluded.backend_id ELSE offline_trips.backend_id END,
	payload = excluded.payload,
	attempts = offline_trips.attempts + 1,
	last_error = excluded.last_error,
	synced_at = NULL
`, e.LocalID, e.BackendID, string(payload), e.LastError, s.now().Unix())
	return err
}

// Pending lists unsynced entries, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT local_id, backend_id, payload, attempts, last_error, created_at
FROM offline_trips
WHERE synced_at IS NULL
ORDER BY created_at, local_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			created int64
		)
		if err := rows.Scan(&e.LocalID, &e.BackendID, &payload, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Trip); err != nil {
			return nil, fmt.Errorf("decode trip %s: %w", e.LocalID, err)
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, localID string) (Entry, error) {
	var (
		e       Entry
		payload string
		created int64
		synced  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT local_id, backend_id, payload, attempts, last_error, created_at, synced_at
FROM offline_trips WHERE local_id = ?
`, localID).Scan(&e.LocalID, &e.BackendID, &payload, &e.Attempts, &e.LastError, &created, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Trip); err != nil {
		return Entry{}, fmt.Errorf("decode trip %s: %w", e.LocalID, err)
	}
	e.CreatedAt = time.Unix(created, 0)
	if synced.Valid {
		at := time.Unix(synced.Int64, 0)
		e.SyncedAt = &at
	}
	return e, nil
}

func (s *Store) MarkSynced(ctx context.Context, localID, backendID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE offline_trips SET backend_id = ?, synced_at = ?, last_error = '' WHERE local_id = ?
`, backendID, s.now().Unix(), localID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
