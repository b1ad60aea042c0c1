package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/ccssgen/pkg/types"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps the lease compare-and-swap serialised.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			variant_key TEXT NOT NULL,
			url TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			is_mobile INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(kind, variant_key)
		);`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			kind TEXT PRIMARY KEY,
			last_request INTEGER NOT NULL,
			last_spent_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			kind TEXT NOT NULL,
			variant_key TEXT NOT NULL,
			url TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(kind, variant_key)
		);`,
		`CREATE TABLE IF NOT EXISTS api_usage (
			service TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL,
			PRIMARY KEY(service, day)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, e types.QueueEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	// The conflict branch keeps id and created_at so the entry keeps its place.
	_, err := s.db.ExecContext(ctx, `INSERT INTO queue(kind,variant_key,url,user_agent,is_mobile,user_id,role,created_at,updated_at)
	VALUES(?,?,?,?,?,?,?,?,?)
	ON CONFLICT(kind,variant_key) DO UPDATE SET url=excluded.url,user_agent=excluded.user_agent,is_mobile=excluded.is_mobile,user_id=excluded.user_id,role=excluded.role,updated_at=excluded.updated_at`,
		string(e.Kind), string(e.Key), e.URL, e.UserAgent, e.IsMobile, e.UserID, e.Role, toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	return err
}

func (s *SQLiteStore) Queue(ctx context.Context, kind types.ArtifactKind) ([]types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind,variant_key,url,user_agent,is_mobile,user_id,role,created_at,updated_at FROM queue WHERE kind=? ORDER BY id ASC`, string(kind))
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

func (s *SQLiteStore) Dequeue(ctx context.Context, kind types.ArtifactKind, key types.VariantKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE kind=? AND variant_key=?`, string(kind), string(key))
	return err
}

func (s *SQLiteStore) ClearQueue(ctx context.Context, kind types.ArtifactKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE kind=?`, string(kind))
	return err
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration, force bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO leases(name,owner,acquired_at,expires_at) VALUES(?,?,?,?)
	ON CONFLICT(name) DO UPDATE SET owner=excluded.owner,acquired_at=excluded.acquired_at,expires_at=excluded.expires_at
	WHERE leases.expires_at <= ? OR ?`,
		name, owner, toMillis(now), toMillis(now.Add(ttl)), toMillis(now), force)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name=? AND owner=?`, name, owner)
	return err
}

func (s *SQLiteStore) ClearLease(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name=?`, name)
	return err
}

func (s *SQLiteStore) Lease(ctx context.Context, name string) (*types.Lease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name,owner,acquired_at,expires_at FROM leases WHERE name=?`, name)
	var l types.Lease
	var acquired, expires int64
	if err := row.Scan(&l.Name, &l.Owner, &acquired, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.AcquiredAt, l.ExpiresAt = fromMillis(acquired), fromMillis(expires)
	return &l, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, kind types.ArtifactKind, started time.Time, spent time.Duration) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(kind,last_request,last_spent_ms) VALUES(?,?,?)
	ON CONFLICT(kind) DO UPDATE SET last_request=excluded.last_request,last_spent_ms=excluded.last_spent_ms`,
		string(kind), toMillis(started), spent.Milliseconds())
	return err
}

func (s *SQLiteStore) RecordHistory(ctx context.Context, h types.HistoryEntry) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO history(kind,variant_key,url,updated_at) VALUES(?,?,?,?)
	ON CONFLICT(kind,variant_key) DO UPDATE SET url=excluded.url,updated_at=excluded.updated_at`,
		string(h.Kind), string(h.Key), h.URL, toMillis(h.UpdatedAt))
	return err
}

func (s *SQLiteStore) Summary(ctx context.Context) (*types.Summary, error) {
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

	rows, err := s.db.QueryContext(ctx, `SELECT kind,last_request,last_spent_ms FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var last, spent int64
		if err := rows.Scan(&k, &last, &spent); err != nil {
			return nil, err
		}
		stats := sum.Runs[types.ArtifactKind(k)]
		stats.LastRequest = fromMillis(last)
		stats.LastSpent = time.Duration(spent) * time.Millisecond
		sum.Runs[types.ArtifactKind(k)] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.db.QueryContext(ctx, `SELECT kind,variant_key,url,updated_at FROM history ORDER BY updated_at DESC, variant_key ASC`)
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

func (s *SQLiteStore) Usage(ctx context.Context, service, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT used FROM api_usage WHERE service=? AND day=?`, service, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) AddUsage(ctx context.Context, service, day string, n int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_usage(service,day,used) VALUES(?,?,?)
	ON CONFLICT(service,day) DO UPDATE SET used=api_usage.used+excluded.used`, service, day, n)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}
