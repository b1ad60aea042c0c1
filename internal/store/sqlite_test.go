package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/ccssgen/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ccssgen.db"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestQueueUpsertKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, types.QueueEntry{Kind: types.KindCCSS, Key: types.VariantKey(key), URL: "https://example.com/" + key}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Enqueue(ctx, types.QueueEntry{Kind: types.KindCCSS, Key: "a", URL: "https://example.com/a2", IsMobile: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, types.QueueEntry{Kind: types.KindUCSS, Key: "a", URL: "https://example.com/u"}); err != nil {
		t.Fatal(err)
	}

	q, err := s.Queue(ctx, types.KindCCSS)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 3 || q[0].Key != "a" || q[1].Key != "b" || q[2].Key != "c" {
		t.Fatalf("unexpected order: %+v", q)
	}
	if q[0].URL != "https://example.com/a2" || !q[0].IsMobile {
		t.Fatalf("last write did not win: %+v", q[0])
	}

	if err := s.Dequeue(ctx, types.KindCCSS, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearQueue(ctx, types.KindUCSS); err != nil {
		t.Fatal(err)
	}
	if q, _ := s.Queue(ctx, types.KindCCSS); len(q) != 2 {
		t.Fatalf("expected 2 ccss entries, got %d", len(q))
	}
	if q, _ := s.Queue(ctx, types.KindUCSS); len(q) != 0 {
		t.Fatalf("expected empty ucss queue, got %d", len(q))
	}
}

func TestLeaseCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "ccss", "one", now, 300*time.Second, false)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AcquireLease(ctx, "ccss", "two", now.Add(time.Minute), 300*time.Second, false); ok {
		t.Fatalf("second acquire before expiry must fail")
	}
	if ok, _ := s.AcquireLease(ctx, "ucss", "two", now.Add(time.Minute), 300*time.Second, false); !ok {
		t.Fatalf("leases are independent per name")
	}
	if ok, _ := s.AcquireLease(ctx, "ccss", "three", now.Add(301*time.Second), 300*time.Second, false); !ok {
		t.Fatalf("acquire after expiry must succeed")
	}
	if ok, _ := s.AcquireLease(ctx, "ccss", "four", now.Add(302*time.Second), 300*time.Second, true); !ok {
		t.Fatalf("forced acquire must succeed")
	}

	// Only the holder releases.
	if err := s.ReleaseLease(ctx, "ccss", "three"); err != nil {
		t.Fatal(err)
	}
	l, err := s.Lease(ctx, "ccss")
	if err != nil || l == nil || l.Owner != "four" {
		t.Fatalf("unexpected lease %+v err=%v", l, err)
	}
	if err := s.ReleaseLease(ctx, "ccss", "four"); err != nil {
		t.Fatal(err)
	}
	if l, _ := s.Lease(ctx, "ccss"); l != nil {
		t.Fatalf("expected lease released, got %+v", l)
	}
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_ = s.Enqueue(ctx, types.QueueEntry{Kind: types.KindCCSS, Key: "k1", URL: "https://example.com/"})
	if err := s.RecordRun(ctx, types.KindCCSS, started, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordHistory(ctx, types.HistoryEntry{Kind: types.KindCCSS, Key: "k0", URL: "https://example.com/old"}); err != nil {
		t.Fatal(err)
	}
	_, _ = s.AcquireLease(ctx, "ucss", "owner", started, time.Minute, false)

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Queue[types.KindCCSS]) != 1 || len(sum.Queue[types.KindUCSS]) != 0 {
		t.Fatalf("unexpected queue %+v", sum.Queue)
	}
	run := sum.Runs[types.KindCCSS]
	if !run.LastRequest.Equal(started) || run.LastSpent != 1500*time.Millisecond || !run.CurrRequest.IsZero() {
		t.Fatalf("unexpected ccss run %+v", run)
	}
	if !sum.Runs[types.KindUCSS].CurrRequest.Equal(started) {
		t.Fatalf("expected ucss curr_request from lease, got %+v", sum.Runs[types.KindUCSS])
	}
	if len(sum.History) != 1 || sum.History[0].URL != "https://example.com/old" {
		t.Fatalf("unexpected history %+v", sum.History)
	}
}

func TestUsageCounter(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if n, err := s.Usage(ctx, "CCSS", "2024-05-01"); err != nil || n != 0 {
		t.Fatalf("expected zero usage, got %d err=%v", n, err)
	}
	_ = s.AddUsage(ctx, "CCSS", "2024-05-01", 1)
	_ = s.AddUsage(ctx, "CCSS", "2024-05-01", 2)
	_ = s.AddUsage(ctx, "CCSS", "2024-05-02", 1)
	if n, _ := s.Usage(ctx, "CCSS", "2024-05-01"); n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := types.VariantKey(fmt.Sprintf("key-%d", i%5))
			if err := s.Enqueue(ctx, types.QueueEntry{Kind: types.KindCCSS, Key: key, URL: "https://example.com/"}); err != nil {
				t.Errorf("enqueue: %v", err)
			}
			if _, err := s.Queue(ctx, types.KindCCSS); err != nil {
				t.Errorf("queue: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if q, _ := s.Queue(ctx, types.KindCCSS); len(q) != 5 {
		t.Fatalf("expected 5 distinct entries, got %d", len(q))
	}
}

func TestOpenPicksSQLiteForPaths(t *testing.T) {
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, ok := st.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", st)
	}
}
