package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/pkg/types"
)

func newQueue(t *testing.T, kind types.ArtifactKind) *Queue {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(kind, st, nil)
}

func TestEnqueue_LastWriteWins(t *testing.T) {
	q := newQueue(t, types.KindCCSS)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "k", types.QueueEntry{URL: "https://example.com/1", UserAgent: "ua1"}))
	require.NoError(t, q.Enqueue(ctx, "k", types.QueueEntry{URL: "https://example.com/2", UserAgent: "ua2", IsMobile: true}))

	entries, err := q.PeekAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.VariantKey("k"), entries[0].Key)
	assert.Equal(t, types.KindCCSS, entries[0].Kind)
	assert.Equal(t, "https://example.com/2", entries[0].URL)
	assert.Equal(t, "ua2", entries[0].UserAgent)
	assert.True(t, entries[0].IsMobile)
}

func TestEnqueue_RejectsInvalidEntries(t *testing.T) {
	q := newQueue(t, types.KindCCSS)
	ctx := context.Background()

	assert.Error(t, q.Enqueue(ctx, "", types.QueueEntry{URL: "https://example.com/"}))
	assert.Error(t, q.Enqueue(ctx, "k", types.QueueEntry{}))

	entries, err := q.PeekAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPeekRemoveClear(t *testing.T) {
	q := newQueue(t, types.KindUCSS)
	ctx := context.Background()

	head, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	for _, k := range []types.VariantKey{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, k, types.QueueEntry{URL: "https://example.com/" + string(k)}))
	}
	head, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VariantKey("a"), head.Key)

	require.NoError(t, q.Remove(ctx, "a"))
	head, _ = q.Peek(ctx)
	assert.Equal(t, types.VariantKey("b"), head.Key)

	require.NoError(t, q.Clear(ctx))
	entries, _ := q.PeekAll(ctx)
	assert.Empty(t, entries)
}

func TestClearLeavesCacheUntouched(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	fc := cache.New(t.TempDir(), st, nil)
	require.NoError(t, fc.Write(types.KindCCSS, "home", "body{}"))

	q := New(types.KindCCSS, st, nil)
	require.NoError(t, q.Enqueue(ctx, "home", types.QueueEntry{URL: "https://example.com/"}))
	require.NoError(t, q.Clear(ctx))

	entries, err := q.PeekAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	css, ok, err := fc.Read(types.KindCCSS, "home")
	require.NoError(t, err)
	assert.True(t, ok, "artifact must survive a queue clear")
	assert.Equal(t, "body{}", css)
}

type failingStore struct{ store.Store }

func (failingStore) Queue(context.Context, types.ArtifactKind) ([]types.QueueEntry, error) {
	return nil, errors.New("disk full")
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	q := New(types.KindCCSS, failingStore{}, nil)
	_, err := q.PeekAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "ccss")
}
