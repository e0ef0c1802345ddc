package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/deck/internal/nostr"
)

// CapsuleRecord describes one capsule in the catalog.
type CapsuleRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	EventCount      int       `json:"event_count"`
	ByteSize        int64     `json:"byte_size"`
	OldestCreatedAt int64     `json:"oldest_created_at"`
	NewestCreatedAt int64     `json:"newest_created_at"`
	RotatedAt       time.Time `json:"rotated_at"`
}

// KindCount is the number of events of one kind in a capsule.
type KindCount struct {
	Kind  int `json:"kind"`
	Count int `json:"count"`
}

// RecordCapsule stores a capsule and indexes the ids of its events in one
// transaction. Recording the same capsule name twice is a no-op.
//
// rec.ID is generated (UUIDv7) when empty; created_at range and event
// count are derived from events.
func (s *Store) RecordCapsule(ctx context.Context, rec CapsuleRecord, events []nostr.Event) error {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.RotatedAt.IsZero() {
		rec.RotatedAt = time.Now()
	}
	rec.EventCount = len(events)
	for i, ev := range events {
		if i == 0 || ev.CreatedAt < rec.OldestCreatedAt {
			rec.OldestCreatedAt = ev.CreatedAt
		}
		if i == 0 || ev.CreatedAt > rec.NewestCreatedAt {
			rec.NewestCreatedAt = ev.CreatedAt
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record capsule: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO capsules
		(id, name, path, event_count, byte_size, oldest_created_at, newest_created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`,
		rec.ID,
		rec.Name,
		rec.Path,
		rec.EventCount,
		rec.ByteSize,
		rec.OldestCreatedAt,
		rec.NewestCreatedAt,
		rec.RotatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record capsule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO capsule_events (event_id, capsule_id, kind, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id, capsule_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("record capsule events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, rec.ID, ev.Kind, ev.CreatedAt); err != nil {
			return fmt.Errorf("record capsule event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record capsule: %w", err)
	}

	s.mu.Lock()
	s.covered[rec.Name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// HasEvent reports whether any cataloged capsule holds id.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM capsule_events WHERE event_id = ? LIMIT 1`, id,
	).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("has event: %w", err)
}

// Covers reports whether the catalog indexes the named capsule.
func (s *Store) Covers(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.covered[name]
	return ok
}

// Capsules returns every cataloged capsule ordered by rotation time.
// Returns an empty slice (not nil) when the catalog is empty.
func (s *Store) Capsules(ctx context.Context) ([]CapsuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, event_count, byte_size, oldest_created_at, newest_created_at, rotated_at
		FROM capsules
		ORDER BY rotated_at ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	defer rows.Close()

	out := []CapsuleRecord{}
	for rows.Next() {
		var rec CapsuleRecord
		var rotated int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Path, &rec.EventCount, &rec.ByteSize,
			&rec.OldestCreatedAt, &rec.NewestCreatedAt, &rotated); err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		rec.RotatedAt = time.Unix(rotated, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// KindStats returns per-kind event counts for a capsule, most common first.
func (s *Store) KindStats(ctx context.Context, name string) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.kind, COUNT(*)
		FROM capsule_events e
		JOIN capsules c ON c.id = e.capsule_id
		WHERE c.name = ?
		GROUP BY e.kind
		ORDER BY COUNT(*) DESC, e.kind ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("kind stats: %w", err)
	}
	defer rows.Close()

	out := []KindCount{}
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan kind stats: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

func (s *Store) loadCovered(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM capsules`)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		s.covered[name] = struct{}{}
	}
	return rows.Err()
}
