package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/ccssgen/internal/auth"
	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/generator"
	"github.com/yourorg/ccssgen/internal/pageview"
	"github.com/yourorg/ccssgen/internal/quota"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/pkg/types"
)

// IdentityHeader carries a page-view identity token issued by the site.
const IdentityHeader = "X-CCSS-Identity"

// Deps are the components the handlers drive.
type Deps struct {
	Generator *generator.Generator
	PageViews *pageview.Service
	Cache     *cache.FileCache
	Store     store.Store
	Signer    *auth.Signer
	Gate      *quota.Gate
	// AllowOrigin is sent on page-view responses; empty means "*".
	AllowOrigin string
	Logger      *slog.Logger
}

// Server wraps the page-view and admin trigger handlers.
type Server struct {
	deps     Deps
	mux      *http.ServeMux
	validate *validator.Validate
	logger   *slog.Logger
}

// response is the body of every trigger.
type response struct {
	OK       bool                `json:"ok"`
	Outcomes []generator.Outcome `json:"outcomes,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// New constructs a new Server with routes registered.
func New(d Deps) (*Server, error) {
	if d.Generator == nil || d.PageViews == nil {
		return nil, errors.New("generator and page view service are required")
	}
	if d.Cache == nil {
		return nil, errors.New("cache is nil")
	}
	if d.Store == nil {
		return nil, errors.New("store is nil")
	}
	if d.Signer == nil {
		return nil, errors.New("signer is nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		deps:     d,
		mux:      http.NewServeMux(),
		validate: validator.New(),
		logger:   logger,
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	// Generated artifacts.
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.deps.Cache.Root()))))

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/pageview", s.handlePageView)

	admin := auth.Middleware(s.deps.Signer)
	s.mux.Handle("/api/queue", admin(http.HandlerFunc(s.handleQueue)))
	s.mux.Handle("/api/queue/clear", admin(http.HandlerFunc(s.handleClearQueue)))
	s.mux.Handle("/api/summary", admin(http.HandlerFunc(s.handleSummary)))
	s.mux.Handle("/api/purge", admin(http.HandlerFunc(s.handlePurge)))
	s.mux.Handle("/api/ccss/", admin(http.HandlerFunc(s.handleKindRoutes)))
	s.mux.Handle("/api/ucss/", admin(http.HandlerFunc(s.handleKindRoutes)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true})
}

func (s *Server) handlePageView(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.deps.AllowOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req types.PageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	req.UserID, req.Role = s.identity(r)
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "url required"})
		return
	}
	res, err := s.deps.PageViews.Lookup(r.Context(), req)
	if errors.Is(err, pageview.ErrForeignHost) {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}
	if err != nil {
		s.internalError(w, "page view", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// identity returns the user and role vouched for by the request's identity
// token. Unsigned or invalid identities are treated as a guest.
func (s *Server) identity(r *http.Request) (userID, role string) {
	tok := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if tok == "" {
		return "", ""
	}
	userID, role, err := s.deps.Signer.VerifyIdentity(tok)
	if err != nil {
		s.logger.Debug("ignoring page view identity", "err", err)
		return "", ""
	}
	return userID, role
}

// handleKindRoutes serves /api/{ccss,ucss}/generate.
func (s *Server) handleKindRoutes(w http.ResponseWriter, r *http.Request) {
	kind, tail, ok := splitPath(r.URL.Path, "/api/")
	if !ok || tail != "generate" || !types.ArtifactKind(kind).Valid() {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	drain := isTrue(r.URL.Query().Get("all"))
	if sub, ok := auth.Subject(r); ok {
		s.logger.Info("generate triggered", "kind", kind, "all", drain, "by", sub)
	}
	outcomes, err := s.deps.Generator.Run(r.Context(), types.ArtifactKind(kind), drain)
	if err != nil {
		s.internalError(w, "generate", err)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: succeeded(outcomes), Outcomes: outcomes})
}

type kindRequest struct {
	Kind   types.ArtifactKind `json:"kind" validate:"required,oneof=ccss ucss"`
	Tenant string             `json:"tenant"`
}

func (s *Server) decodeKind(w http.ResponseWriter, r *http.Request) (*kindRequest, bool) {
	var req kindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return nil, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "kind must be ccss or ucss"})
		return nil, false
	}
	return &req, true
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := s.decodeKind(w, r)
	if !ok {
		return
	}
	if err := s.deps.Generator.Queue(req.Kind).Clear(r.Context()); err != nil {
		s.internalError(w, "clear queue", err)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Queue cleared successfully."})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind := types.ArtifactKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = types.KindCCSS
	}
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, response{Message: "kind must be ccss or ucss"})
		return
	}
	entries, err := s.deps.Generator.Queue(kind).PeekAll(r.Context())
	if err != nil {
		s.internalError(w, "read queue", err)
		return
	}
	if entries == nil {
		entries = []types.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sum, err := s.deps.Store.Summary(r.Context())
	if err != nil {
		s.internalError(w, "summary", err)
		return
	}
	remaining := make(map[string]int, len(types.Kinds))
	for _, k := range types.Kinds {
		n, err := s.deps.Gate.Remaining(r.Context(), k.Service())
		if err != nil {
			s.internalError(w, "quota", err)
			return
		}
		remaining[k.Service()] = n
	}
	writeJSON(w, http.StatusOK, struct {
		*types.Summary
		Remaining map[string]int `json:"quota_remaining"`
	}{sum, remaining})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := s.decodeKind(w, r)
	if !ok {
		return
	}
	if err := s.deps.Cache.Purge(r.Context(), req.Kind, req.Tenant); err != nil {
		if errors.Is(err, cache.ErrInvalidScope) {
			writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
			return
		}
		s.internalError(w, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Cache purged."})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, response{Message: op + " failed"})
}

// succeeded reports whether no outcome is a failure.
func succeeded(outcomes []generator.Outcome) bool {
	for _, o := range outcomes {
		switch o.Status {
		case generator.StatusGenerated, generator.StatusEmpty, generator.StatusQueueEmpty:
		default:
			return false
		}
	}
	return true
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	return id, tail, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+IdentityHeader)
}
