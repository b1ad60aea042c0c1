package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(t *testing.T) {
	t.Helper()
	orig := sleepFn
	sleepFn = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleepFn = orig })
}

func TestSubmitCCSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ccss" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("unexpected auth header %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"is_mobile":1`) {
			t.Errorf("is_mobile must be sent as 0/1, body %s", raw)
		}
		var req CCSSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Type != "CCSS" || req.CCSSType != "abc.mobile" || req.IsMobile != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"ccss":"h1{color:red}"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", APIKey: "k"}
	resp, err := c.Submit(context.Background(), "CCSS", CCSSRequest{Type: "CCSS", URL: "https://example.com/", CCSSType: "abc.mobile", IsMobile: Flag(true)}, time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Result("CCSS") != "h1{color:red}" {
		t.Fatalf("unexpected result %+v", resp)
	}
	if resp.Result("UCSS") != "" {
		t.Fatalf("ucss field should be empty")
	}
}

func TestSubmitRetriesOn5xx(t *testing.T) {
	noSleep(t)
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hit, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ucss":"a{}"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, MaxRetries: 2}
	resp, err := c.Submit(context.Background(), "UCSS", UCSSRequest{Type: "UCSS"}, time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Result("UCSS") != "a{}" {
		t.Fatalf("unexpected result %+v", resp)
	}
	if atomic.LoadInt32(&hit) != 2 {
		t.Fatalf("expected 2 requests, got %d", hit)
	}
}

func TestSubmitHonoursRetryAfter(t *testing.T) {
	var waits []time.Duration
	orig := sleepFn
	sleepFn = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	defer func() { sleepFn = orig }()

	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hit, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ccss":""}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, MaxRetries: 1}
	if _, err := c.Submit(context.Background(), "CCSS", CCSSRequest{}, time.Minute); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(waits) != 1 || waits[0] != 7*time.Second {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestSubmitClientErrorIsNotRetried(t *testing.T) {
	noSleep(t)
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, MaxRetries: 3}
	_, err := c.Submit(context.Background(), "CCSS", CCSSRequest{}, time.Second)
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
	if atomic.LoadInt32(&hit) != 1 {
		t.Fatalf("expected 1 request, got %d", hit)
	}
}

func TestSubmitRejectsNonObject(t *testing.T) {
	for _, body := range []string{`"just a string"`, `[1,2]`, `{"ccss":42}`, `not json`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := &Client{BaseURL: srv.URL}
		_, err := c.Submit(context.Background(), "CCSS", CCSSRequest{}, time.Second)
		srv.Close()
		if !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("body %s: expected ErrMalformedResponse, got %v", body, err)
		}
	}
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := &Client{BaseURL: srv.URL}
	_, err := c.Submit(context.Background(), "CCSS", CCSSRequest{}, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmitRetryAfterBoundedByTimeout(t *testing.T) {
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, MaxRetries: 1}
	start := time.Now()
	_, err := c.Submit(context.Background(), "CCSS", CCSSRequest{}, 200*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("submit outlived its timeout: %s", elapsed)
	}
	if atomic.LoadInt32(&hit) != 1 {
		t.Fatalf("expected no second request, got %d", hit)
	}
}

func TestFlag(t *testing.T) {
	if Flag(true) != 1 || Flag(false) != 0 {
		t.Fatalf("unexpected flag encoding")
	}
	raw, err := json.Marshal(UCSSRequest{Type: "UCSS", IsMobile: Flag(true)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"is_mobile":1`) {
		t.Fatalf("unexpected body %s", raw)
	}
}
