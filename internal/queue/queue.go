// Package queue keeps the pending generation requests of one artifact kind.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/pkg/types"
)

// Queue is an ordered mapping from variant key to queue entry.
type Queue struct {
	kind     types.ArtifactKind
	store    store.Store
	validate *validator.Validate
	logger   *slog.Logger
	nowFn    func() time.Time
}

func New(kind types.ArtifactKind, st store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		kind:     kind,
		store:    st,
		validate: validator.New(),
		logger:   logger,
		nowFn:    time.Now,
	}
}

func (q *Queue) Kind() types.ArtifactKind { return q.kind }

// Enqueue inserts or replaces the entry for key. A replaced entry keeps its
// position.
func (q *Queue) Enqueue(ctx context.Context, key types.VariantKey, e types.QueueEntry) error {
	e.Kind = q.kind
	e.Key = key
	if err := q.validate.Struct(e); err != nil {
		return fmt.Errorf("invalid %s queue entry: %w", q.kind, err)
	}
	now := q.nowFn().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if err := q.store.Enqueue(ctx, e); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", q.kind, key, err)
	}
	q.logger.Debug("queued", "kind", q.kind, "key", key, "url", e.URL)
	return nil
}

// PeekAll returns the entries in insertion order without removing them.
func (q *Queue) PeekAll(ctx context.Context) ([]types.QueueEntry, error) {
	entries, err := q.store.Queue(ctx, q.kind)
	if err != nil {
		return nil, fmt.Errorf("load %s queue: %w", q.kind, err)
	}
	return entries, nil
}

// Peek returns the oldest entry, or nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context) (*types.QueueEntry, error) {
	entries, err := q.PeekAll(ctx)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (q *Queue) Remove(ctx context.Context, key types.VariantKey) error {
	if err := q.store.Dequeue(ctx, q.kind, key); err != nil {
		return fmt.Errorf("dequeue %s %s: %w", q.kind, key, err)
	}
	return nil
}

func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.ClearQueue(ctx, q.kind); err != nil {
		return fmt.Errorf("clear %s queue: %w", q.kind, err)
	}
	q.logger.Info("queue cleared", "kind", q.kind)
	return nil
}
