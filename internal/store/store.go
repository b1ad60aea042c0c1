package store

import (
	"context"
	"strings"
	"time"

	"github.com/yourorg/ccssgen/pkg/types"
)

// Store persists the queue, leases, run metrics, history and usage counters.
// Every mutation is durable when the call returns.
type Store interface {
	Enqueue(ctx context.Context, e types.QueueEntry) error
	Queue(ctx context.Context, kind types.ArtifactKind) ([]types.QueueEntry, error)
	Dequeue(ctx context.Context, kind types.ArtifactKind, key types.VariantKey) error
	ClearQueue(ctx context.Context, kind types.ArtifactKind) error

	// AcquireLease takes the named lease when it is free or expired, or
	// unconditionally when force is set. It reports whether the caller now
	// holds the lease.
	AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration, force bool) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
	ClearLease(ctx context.Context, name string) error
	Lease(ctx context.Context, name string) (*types.Lease, error)

	RecordRun(ctx context.Context, kind types.ArtifactKind, started time.Time, spent time.Duration) error
	RecordHistory(ctx context.Context, h types.HistoryEntry) error
	Summary(ctx context.Context) (*types.Summary, error)

	Usage(ctx context.Context, service, day string) (int, error)
	AddUsage(ctx context.Context, service, day string, n int) error

	Close() error
}

// Open picks the backend from the DSN: postgres URLs use Postgres, anything
// else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPGStore(ctx, dsn)
	}
	return NewSQLiteStore(dsn)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func emptySummary() *types.Summary {
	sum := &types.Summary{
		Queue:   make(map[types.ArtifactKind][]types.QueueEntry),
		Runs:    make(map[types.ArtifactKind]types.RunStats),
		History: []types.HistoryEntry{},
	}
	for _, k := range types.Kinds {
		sum.Queue[k] = []types.QueueEntry{}
		sum.Runs[k] = types.RunStats{}
	}
	return sum
}
