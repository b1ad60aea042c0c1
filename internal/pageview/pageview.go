// Package pageview serves cached critical CSS for a page view and queues
// generation on a miss.
package pageview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/filter"
	"github.com/yourorg/ccssgen/internal/variant"
	"github.com/yourorg/ccssgen/pkg/types"
)

// StyleID is the id of the inlined critical CSS element.
const StyleID = "ccss-rules"

// ErrForeignHost is returned for page URLs outside the configured site.
var ErrForeignHost = errors.New("page url host does not match the site")

// Enqueuer is the part of queue.Queue the page-view path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, key types.VariantKey, e types.QueueEntry) error
}

type Options struct {
	// SiteURL restricts page views to its host. Empty accepts any host.
	SiteURL  string
	Resolver *variant.Resolver
	Cache    *cache.FileCache
	CCSS     Enqueuer
	// UCSS is nil when unused CSS generation is disabled.
	UCSS        Enqueuer
	Rules       filter.Rules
	DefaultCCSS string
	Logger      *slog.Logger
}

// Result is the outcome of one page view.
type Result struct {
	Key      types.VariantKey     `json:"key"`
	Hit      bool                 `json:"hit"`
	Style    string               `json:"style"`
	Excluded bool                 `json:"excluded,omitempty"`
	Queued   []types.ArtifactKind `json:"queued,omitempty"`
}

type Service struct {
	opts     Options
	siteHost string
	validate *validator.Validate
	logger   *slog.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Resolver == nil || opts.Cache == nil || opts.CCSS == nil {
		return nil, errors.New("resolver, cache and ccss queue are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{opts: opts, validate: validator.New(), logger: logger}
	if opts.SiteURL != "" {
		u, err := url.Parse(opts.SiteURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("site url is not absolute: %q", opts.SiteURL)
		}
		s.siteHost = strings.ToLower(u.Host)
	}
	return s, nil
}

// Prepare returns the style element to inline for req, or "" on a miss.
func (s *Service) Prepare(ctx context.Context, req types.PageRequest) (string, error) {
	res, err := s.Lookup(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Style, nil
}

// Lookup resolves req's variant key and reads its critical CSS. Misses are
// queued for every enabled kind that has no artifact yet.
func (s *Service) Lookup(ctx context.Context, req types.PageRequest) (*Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid page request: %w", err)
	}
	if !s.onSite(req.URL) {
		return nil, ErrForeignHost
	}
	if s.opts.Rules.Excluded(req.URL) {
		return &Result{Excluded: true}, nil
	}
	key := s.opts.Resolver.Resolve(req)
	res := &Result{Key: key}

	css, ok, err := s.opts.Cache.Read(types.KindCCSS, key)
	if err != nil {
		return nil, err
	}
	if ok {
		res.Hit = true
		res.Style = `<style id="` + StyleID + `">` + css + s.opts.DefaultCCSS + `</style>`
	} else if err := s.enqueue(ctx, s.opts.CCSS, types.KindCCSS, key, req); err != nil {
		return nil, err
	} else {
		res.Queued = append(res.Queued, types.KindCCSS)
	}

	if s.opts.UCSS != nil {
		_, ok, err := s.opts.Cache.Read(types.KindUCSS, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.enqueue(ctx, s.opts.UCSS, types.KindUCSS, key, req); err != nil {
				return nil, err
			}
			res.Queued = append(res.Queued, types.KindUCSS)
		}
	}
	return res, nil
}

func (s *Service) onSite(raw string) bool {
	if s.siteHost == "" {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && strings.ToLower(u.Host) == s.siteHost
}

func (s *Service) enqueue(ctx context.Context, q Enqueuer, kind types.ArtifactKind, key types.VariantKey, req types.PageRequest) error {
	entry := types.QueueEntry{
		URL:       req.URL,
		UserAgent: req.UserAgent,
		IsMobile:  s.opts.Resolver.IsMobile(req),
		UserID:    req.UserID,
		Role:      req.Role,
	}
	if err := q.Enqueue(ctx, key, entry); err != nil {
		return err
	}
	s.logger.Debug("queued", "kind", kind, "key", key, "url", req.URL)
	return nil
}

// Warm looks up every request, queueing the misses, and returns how many
// requests queued at least one kind.
func (s *Service) Warm(ctx context.Context, reqs []types.PageRequest) (int, error) {
	queued := 0
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		res, err := s.Lookup(ctx, req)
		if err != nil {
			var verr validator.ValidationErrors
			if errors.As(err, &verr) || errors.Is(err, ErrForeignHost) {
				s.logger.Warn("skip page", "url", req.URL, "err", err)
				continue
			}
			return queued, err
		}
		if len(res.Queued) > 0 {
			queued++
		}
	}
	return queued, nil
}
