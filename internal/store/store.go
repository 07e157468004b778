// Package store provides PostgreSQL-backed storage for match records.
// Status changes are conditional updates, so a match only ever moves
// forward along its lifecycle no matter how many writers race on it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/livematch/quickmatch/internal/match"
)

// Store manages match records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a match store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

const matchColumns = `id, user_a, user_b, status, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (*match.Match, error) {
	var (
		m      match.Match
		status string
	)
	if err := row.Scan(&m.ID, &m.UserA, &m.UserB, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	st, err := match.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m.Status = st
	return &m, nil
}

// Create inserts a new match between userA and userB with status matched.
func (s *Store) Create(ctx context.Context, userA, userB string) (*match.Match, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("store: create: invalid pair %q/%q", userA, userB)
	}

	const query = `
		INSERT INTO matches (id, user_a, user_b, status)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + matchColumns

	m, err := scanMatch(s.db.QueryRowContext(ctx, query,
		uuid.New().String(), userA, userB, string(match.StatusMatched)))
	if err != nil {
		return nil, fmt.Errorf("store: insert match: %w", err)
	}
	return m, nil
}

// Get returns the match with the given id, or match.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*match.Match, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, match.ErrNotFound
	}
	const query = `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`

	m, err := scanMatch(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get match %s: %w", id, err)
	}
	return m, nil
}

// FindActive returns the user's newest matched or connected match, or nil.
func (s *Store) FindActive(ctx context.Context, userID string) (*match.Match, error) {
	const query = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE (user_a = $1 OR user_b = $1)
		  AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`

	active := pq.Array([]string{string(match.StatusMatched), string(match.StatusConnected)})
	m, err := scanMatch(s.db.QueryRowContext(ctx, query, userID, active))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active match for %s: %w", userID, err)
	}
	return m, nil
}

// Transition moves a match to status to. The update only applies when the
// stored status is a legal predecessor of to; otherwise it returns
// match.ErrInvalidTransition, or match.ErrNotFound for an unknown id.
func (s *Store) Transition(ctx context.Context, id string, to match.Status) (*match.Match, error) {
	return s.TransitionFrom(ctx, id, match.Predecessors(to), to)
}

// TransitionFrom is Transition restricted to the given source statuses. On
// ErrInvalidTransition the current record is returned alongside the error.
func (s *Store) TransitionFrom(ctx context.Context, id string, from []match.Status, to match.Status) (*match.Match, error) {
	prev := make([]string, 0, len(from))
	for _, st := range from {
		if !st.CanTransition(to) {
			return nil, fmt.Errorf("store: %s -> %s: %w", st, to, match.ErrInvalidTransition)
		}
		prev = append(prev, string(st))
	}
	if len(prev) == 0 {
		return nil, fmt.Errorf("store: transition to %s: %w", to, match.ErrInvalidTransition)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, match.ErrNotFound
	}

	const query = `
		UPDATE matches
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + matchColumns

	m, err := scanMatch(s.db.QueryRowContext(ctx, query, id, string(to), pq.Array(prev)))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: transition %s to %s: %w", id, to, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, fmt.Errorf("store: %s is %s, cannot become %s: %w", id, current.Status, to, match.ErrInvalidTransition)
}

// ListStaleMatched returns matches still in status matched that were created
// before the given time, oldest first.
func (s *Store) ListStaleMatched(ctx context.Context, before time.Time, limit int) ([]match.Match, error) {
	const query = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, string(match.StatusMatched), before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list stale matches: %w", err)
	}
	defer rows.Close()

	var out []match.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan stale match: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list stale matches: %w", err)
	}
	return out, nil
}
