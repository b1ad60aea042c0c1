package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/ccssgen/pkg/types"
)

// PGStore shares queue and leases between several processes.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			variant_key TEXT NOT NULL,
			url TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			is_mobile BOOLEAN NOT NULL DEFAULT FALSE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(kind, variant_key)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			kind TEXT PRIMARY KEY,
			last_request BIGINT NOT NULL,
			last_spent_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			kind TEXT NOT NULL,
			variant_key TEXT NOT NULL,
			url TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY(kind, variant_key)
		)`,
		`CREATE TABLE IF NOT EXISTS api_usage (
			service TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL,
			PRIMARY KEY(service, day)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Enqueue(ctx context.Context, e types.QueueEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (kind, variant_key, url, user_agent, is_mobile, user_id, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (kind, variant_key) DO UPDATE SET url = EXCLUDED.url, user_agent = EXCLUDED.user_agent,
		   is_mobile = EXCLUDED.is_mobile, user_id = EXCLUDED.user_id, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at`,
		string(e.Kind), string(e.Key), e.URL, e.UserAgent, e.IsMobile, e.UserID, e.Role, toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
	)
	return err
}

func (s *PGStore) Queue(ctx context.Context, kind types.ArtifactKind) ([]types.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, variant_key, url, user_agent, is_mobile, user_id, role, created_at, updated_at
		 FROM queue WHERE kind = $1 ORDER BY id ASC`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.QueueEntry, 0)
	for rows.Next() {
		var e types.QueueEntry
		var k, key string
		var created, updated int64
		if err := rows.Scan(&k, &key, &e.URL, &e.UserAgent, &e.IsMobile, &e.UserID, &e.Role, &created, &updated); err != nil {
			return nil, err
		}
		e.Kind, e.Key = types.ArtifactKind(k), types.VariantKey(key)
		e.CreatedAt, e.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Dequeue(ctx context.Context, kind types.ArtifactKind, key types.VariantKey) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE kind = $1 AND variant_key = $2`, string(kind), string(key))
	return err
}

func (s *PGStore) ClearQueue(ctx context.Context, kind types.ArtifactKind) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE kind = $1`, string(kind))
	return err
}

func (s *PGStore) AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration, force bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leases (name, owner, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		 WHERE leases.expires_at <= $3 OR $5`,
		name, owner, toMillis(now), toMillis(now.Add(ttl)), force,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

func (s *PGStore) ClearLease(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1`, name)
	return err
}

func (s *PGStore) Lease(ctx context.Context, name string) (*types.Lease, error) {
	var l types.Lease
	var acquired, expires int64
	err := s.pool.QueryRow(ctx, `SELECT name, owner, acquired_at, expires_at FROM leases WHERE name = $1`, name).
		Scan(&l.Name, &l.Owner, &acquired, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.AcquiredAt, l.ExpiresAt = fromMillis(acquired), fromMillis(expires)
	return &l, nil
}

func (s *PGStore) RecordRun(ctx context.Context, kind types.ArtifactKind, started time.Time, spent time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (kind, last_request, last_spent_ms) VALUES ($1, $2, $3)
		 ON CONFLICT (kind) DO UPDATE SET last_request = EXCLUDED.last_request, last_spent_ms = EXCLUDED.last_spent_ms`,
		string(kind), toMillis(started), spent.Milliseconds(),
	)
	return err
}

func (s *PGStore) RecordHistory(ctx context.Context, h types.HistoryEntry) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (kind, variant_key, url, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (kind, variant_key) DO UPDATE SET url = EXCLUDED.url, updated_at = EXCLUDED.updated_at`,
		string(h.Kind), string(h.Key), h.URL, toMillis(h.UpdatedAt),
	)
	return err
}

func (s *PGStore) Summary(ctx context.Context) (*types.Summary, error) {
	sum := emptySummary()
	for _, k := range types.Kinds {
		q, err := s.Queue(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("load %s queue: %w", k, err)
		}
		sum.Queue[k] = q
		lease, err := s.Lease(ctx, string(k))
		if err != nil {
			return nil, fmt.Errorf("load %s lease: %w", k, err)
		}
		if lease != nil {
			stats := sum.Runs[k]
			stats.CurrRequest = lease.AcquiredAt
			sum.Runs[k] = stats
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT kind, last_request, last_spent_ms FROM runs`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var k string
		var last, spent int64
		if err := rows.Scan(&k, &last, &spent); err != nil {
			rows.Close()
			return nil, err
		}
		stats := sum.Runs[types.ArtifactKind(k)]
		stats.LastRequest = fromMillis(last)
		stats.LastSpent = time.Duration(spent) * time.Millisecond
		sum.Runs[types.ArtifactKind(k)] = stats
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.pool.Query(ctx, `SELECT kind, variant_key, url, updated_at FROM history ORDER BY updated_at DESC, variant_key ASC`)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var h types.HistoryEntry
		var k, key string
		var updated int64
		if err := hrows.Scan(&k, &key, &h.URL, &updated); err != nil {
			return nil, err
		}
		h.Kind, h.Key, h.UpdatedAt = types.ArtifactKind(k), types.VariantKey(key), fromMillis(updated)
		sum.History = append(sum.History, h)
	}
	return sum, hrows.Err()
}

func (s *PGStore) Usage(ctx context.Context, service, day string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT used FROM api_usage WHERE service = $1 AND day = $2`, service, day).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PGStore) AddUsage(ctx context.Context, service, day string, n int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_usage (service, day, used) VALUES ($1, $2, $3)
		 ON CONFLICT (service, day) DO UPDATE SET used = api_usage.used + EXCLUDED.used`,
		service, day, n,
	)
	return err
}

func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
