package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yourorg/ccssgen/internal/auth"
	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/extract"
	"github.com/yourorg/ccssgen/internal/generator"
	"github.com/yourorg/ccssgen/internal/pageview"
	"github.com/yourorg/ccssgen/internal/quota"
	"github.com/yourorg/ccssgen/internal/remote"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/internal/variant"
	"github.com/yourorg/ccssgen/pkg/types"
)

type stubRenderer struct{}

func (stubRenderer) Render(context.Context, string, string) (string, error) {
	return `<html><head><style>p{margin:0}</style></head><body><p>x</p></body></html>`, nil
}

type stubRemote struct{}

func (stubRemote) Submit(_ context.Context, service string, _ any, _ time.Duration) (*remote.Response, error) {
	if service == "UCSS" {
		return &remote.Response{UCSS: "p{}"}, nil
	}
	return &remote.Response{CCSS: "p{margin:0}"}, nil
}

type testEnv struct {
	srv    *Server
	store  *store.SQLiteStore
	cache  *cache.FileCache
	signer *auth.Signer
	token  string
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(tmpDir, "ccssgen.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	fc := cache.New(filepath.Join(tmpDir, "static"), st, nil)
	gate := quota.NewGate(st, 10)
	gen, err := generator.New(generator.Options{
		Store:     st,
		Cache:     fc,
		Renderer:  stubRenderer{},
		Extractor: extract.New(extract.Options{}),
		Remote:    stubRemote{},
		Gate:      gate,
	})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	pv, err := pageview.New(pageview.Options{
		SiteURL:  "https://example.com",
		Resolver: variant.NewResolver(variant.Policy{}),
		Cache:    fc,
		CCSS:     gen.Queue(types.KindCCSS),
		UCSS:     gen.Queue(types.KindUCSS),
	})
	if err != nil {
		t.Fatalf("new page view service: %v", err)
	}
	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Issue("ops", auth.AudienceAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	srv, err := New(Deps{Generator: gen, PageViews: pv, Cache: fc, Store: st, Signer: signer, Gate: gate})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{srv: srv, store: st, cache: fc, signer: signer, token: token}
}

func (e *testEnv) do(t *testing.T, method, target, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if admin {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) pageView(t *testing.T, body, identity string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/pageview", strings.NewReader(body))
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestServer(t)
	for _, target := range []string{"/api/queue", "/api/summary", "/api/ccss/generate", "/api/purge", "/api/queue/clear"} {
		rec := env.do(t, http.MethodPost, target, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", target, rec.Code)
		}
	}
}

func TestPageViewGenerateAndServe(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/pageview", `{"url":"https://example.com/post"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("pageview status = %d body=%s", rec.Code, rec.Body.String())
	}
	var miss pageview.Result
	decode(t, rec, &miss)
	if miss.Hit || miss.Key == "" || len(miss.Queued) != 2 {
		t.Fatalf("unexpected miss result %+v", miss)
	}

	rec = env.do(t, http.MethodGet, "/api/queue?kind=ccss", "", true)
	var entries []types.QueueEntry
	decode(t, rec, &entries)
	if len(entries) != 1 || entries[0].Key != miss.Key {
		t.Fatalf("unexpected queue %+v", entries)
	}

	rec = env.do(t, http.MethodPost, "/api/ccss/generate", "", true)
	var gen response
	decode(t, rec, &gen)
	if !gen.OK || len(gen.Outcomes) != 1 || gen.Outcomes[0].Status != generator.StatusGenerated {
		t.Fatalf("unexpected generate response %+v", gen)
	}

	rec = env.do(t, http.MethodPost, "/api/pageview", `{"url":"https://example.com/post"}`, false)
	var hit pageview.Result
	decode(t, rec, &hit)
	if !hit.Hit || hit.Style != `<style id="ccss-rules">p{margin:0}</style>` {
		t.Fatalf("unexpected hit result %+v", hit)
	}

	rec = env.do(t, http.MethodGet, "/static/ccss/"+string(miss.Key)+".css", "", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "p{margin:0}" {
		t.Fatalf("static artifact: status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestGenerateAllDrainsUCSS(t *testing.T) {
	env := newTestServer(t)
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		env.do(t, http.MethodPost, "/api/pageview", `{"url":"`+u+`"}`, false)
	}
	rec := env.do(t, http.MethodPost, "/api/ucss/generate?all=1", "", true)
	var gen response
	decode(t, rec, &gen)
	if !gen.OK || len(gen.Outcomes) != 2 {
		t.Fatalf("unexpected drain response %+v", gen)
	}

	rec = env.do(t, http.MethodPost, "/api/ucss/generate", "", true)
	decode(t, rec, &gen)
	if !gen.OK || gen.Outcomes[0].Status != generator.StatusQueueEmpty {
		t.Fatalf("expected queue_empty, got %+v", gen)
	}
}

func TestClearQueue(t *testing.T) {
	env := newTestServer(t)
	env.do(t, http.MethodPost, "/api/pageview", `{"url":"https://example.com/a"}`, false)
	if err := env.cache.Write(types.KindCCSS, "kept", "k{}"); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/queue/clear", `{"kind":"ccss"}`, true)
	var resp response
	decode(t, rec, &resp)
	if !resp.OK || resp.Message != "Queue cleared successfully." {
		t.Fatalf("unexpected clear response %+v", resp)
	}
	q, err := env.store.Queue(context.Background(), types.KindCCSS)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 0 {
		t.Fatalf("expected empty ccss queue, got %d", len(q))
	}
	if css, ok, err := env.cache.Read(types.KindCCSS, "kept"); err != nil || !ok || css != "k{}" {
		t.Fatalf("clearing the queue touched the cache: %q %v %v", css, ok, err)
	}
	rec = env.do(t, http.MethodGet, "/static/ccss/kept.css", "", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "k{}" {
		t.Fatalf("static artifact after clear: status=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/queue/clear", `{"kind":"js"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPurgeRejectsTraversal(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/purge", `{"kind":"ccss","tenant":"../etc"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/purge", `{"kind":"ccss","tenant":"3"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	env := newTestServer(t)
	env.do(t, http.MethodPost, "/api/pageview", `{"url":"https://example.com/a"}`, false)

	rec := env.do(t, http.MethodGet, "/api/summary", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sum struct {
		Queue     map[string][]types.QueueEntry `json:"queue"`
		Remaining map[string]int                `json:"quota_remaining"`
	}
	decode(t, rec, &sum)
	if len(sum.Queue["ccss"]) != 1 {
		t.Fatalf("expected one queued ccss entry, got %+v", sum.Queue)
	}
	if sum.Remaining["CCSS"] != 10 {
		t.Fatalf("expected full allowance, got %+v", sum.Remaining)
	}
}

func TestUnknownKindRoute(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/ccss/other", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPageViewRejectsForeignHost(t *testing.T) {
	env := newTestServer(t)
	for _, u := range []string{"http://169.254.169.254/latest/meta-data", "http://localhost:6379/", "https://example.org/"} {
		rec := env.pageView(t, `{"url":"`+u+`"}`, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", u, rec.Code)
		}
	}
	for _, kind := range []types.ArtifactKind{types.KindCCSS, types.KindUCSS} {
		q, err := env.store.Queue(context.Background(), kind)
		if err != nil {
			t.Fatal(err)
		}
		if len(q) != 0 {
			t.Fatalf("foreign host was queued for %s: %+v", kind, q)
		}
	}
}

func TestPageViewDropsUnsignedIdentity(t *testing.T) {
	env := newTestServer(t)
	admin := env.token
	for _, identity := range []string{"", "garbage", admin} {
		rec := env.pageView(t, `{"url":"https://example.com/a","user_id":"1","role":"administrator"}`, identity)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
	}
	q, err := env.store.Queue(context.Background(), types.KindUCSS)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 1 || q[0].UserID != "" || q[0].Role != "" {
		t.Fatalf("claimed identity reached the queue: %+v", q)
	}
}

func TestPageViewAcceptsSignedIdentity(t *testing.T) {
	env := newTestServer(t)
	identity, err := env.signer.IssueIdentity("7", "editor", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec := env.pageView(t, `{"url":"https://example.com/a","user_id":"1","role":"administrator"}`, identity)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	q, err := env.store.Queue(context.Background(), types.KindUCSS)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 1 || q[0].UserID != "7" || q[0].Role != "editor" {
		t.Fatalf("expected the signed identity on the queue entry, got %+v", q)
	}
}
