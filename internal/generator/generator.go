// Package generator runs generation attempts for queued page variants: one
// attempt at a time per artifact kind, guarded by a persisted lease.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/ccssgen/internal/auth"
	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/filter"
	"github.com/yourorg/ccssgen/internal/minify"
	"github.com/yourorg/ccssgen/internal/queue"
	"github.com/yourorg/ccssgen/internal/quota"
	"github.com/yourorg/ccssgen/internal/remote"
	"github.com/yourorg/ccssgen/internal/render"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/pkg/types"
)

// Status is the result class of one attempt.
type Status string

const (
	StatusGenerated     Status = "generated"
	StatusEmpty         Status = "empty"
	StatusThrottled     Status = "throttled"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusRenderFailed  Status = "render_failed"
	StatusNoCSS         Status = "no_css"
	StatusRemoteFailed  Status = "remote_failed"
	StatusQueueEmpty    Status = "queue_empty"
)

// Outcome describes one attempt.
type Outcome struct {
	Kind    types.ArtifactKind `json:"kind"`
	Key     types.VariantKey   `json:"key,omitempty"`
	URL     string             `json:"url,omitempty"`
	Status  Status             `json:"status"`
	Message string             `json:"message,omitempty"`
	Bytes   int                `json:"bytes,omitempty"`
}

// Hook may rewrite a remote result before it is cached.
type Hook func(job types.GenerationJob, css string) string

// Hooks are the post-processing strategies per kind.
type Hooks struct {
	CCSS Hook
	UCSS Hook
}

// ProgressFunc reports generation progress.
type ProgressFunc func(stage string)

// Extractor gathers page CSS; see extract.Engine.
type Extractor interface {
	Extract(ctx context.Context, pageURL, doc string, dryrun bool) types.ExtractedPayload
}

// Submitter calls the optimisation service; see remote.Client.
type Submitter interface {
	Submit(ctx context.Context, service string, payload any, timeout time.Duration) (*remote.Response, error)
}

// RoleGrouper maps a role to its vary group; see variant.Resolver.
type RoleGrouper interface {
	Group(role string) string
}

type Options struct {
	Store     store.Store
	Cache     *cache.FileCache
	Renderer  render.Renderer
	Minifier  minify.Minifier
	Extractor Extractor
	Remote    Submitter
	Gate      *quota.Gate
	// Signer issues the integrity hash of simulated-login cookies.
	Signer *auth.Signer
	Groups RoleGrouper
	Hooks  Hooks

	Cooldown    time.Duration
	Debug       bool
	CCSSTimeout time.Duration
	UCSSTimeout time.Duration
	Whitelist   []string

	VaryCookie   string
	CookiePrefix string

	Logger     *slog.Logger
	OnProgress ProgressFunc
}

type Generator struct {
	opts   Options
	queues map[types.ArtifactKind]*queue.Queue
	logger *slog.Logger
	nowFn  func() time.Time
}

var tracer = otel.Tracer("github.com/yourorg/ccssgen/internal/generator")

func New(opts Options) (*Generator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is nil")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote client is nil")
	}
	if opts.Renderer == nil || opts.Extractor == nil {
		return nil, errors.New("renderer and extractor are required")
	}
	if opts.Minifier == nil {
		opts.Minifier = minify.Passthrough{}
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 300 * time.Second
	}
	if opts.CCSSTimeout <= 0 {
		opts.CCSSTimeout = 30 * time.Second
	}
	if opts.UCSSTimeout <= 0 {
		opts.UCSSTimeout = 180 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		opts:   opts,
		queues: make(map[types.ArtifactKind]*queue.Queue, len(types.Kinds)),
		logger: logger,
		nowFn:  time.Now,
	}
	for _, k := range types.Kinds {
		g.queues[k] = queue.New(k, opts.Store, logger)
	}
	return g, nil
}

// Queue returns the queue of kind.
func (g *Generator) Queue(kind types.ArtifactKind) *queue.Queue {
	return g.queues[kind]
}

// RunCCSS processes the oldest queued critical CSS request, or every queued
// request when drain is set. Draining takes over a live lease.
func (g *Generator) RunCCSS(ctx context.Context, drain bool) ([]Outcome, error) {
	return g.run(ctx, types.KindCCSS, drain)
}

// RunUCSS is RunCCSS for unused CSS.
func (g *Generator) RunUCSS(ctx context.Context, drain bool) ([]Outcome, error) {
	return g.run(ctx, types.KindUCSS, drain)
}

// Run dispatches on kind.
func (g *Generator) Run(ctx context.Context, kind types.ArtifactKind, drain bool) ([]Outcome, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	return g.run(ctx, kind, drain)
}

func (g *Generator) run(ctx context.Context, kind types.ArtifactKind, drain bool) ([]Outcome, error) {
	entries, err := g.queues[kind].PeekAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []Outcome{{Kind: kind, Status: StatusQueueEmpty}}, nil
	}
	if !drain {
		entries = entries[:1]
	}
	outcomes := make([]Outcome, 0, len(entries))
	for _, e := range entries {
		out, err := g.attempt(ctx, e.Job(), drain)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
		if out.Status == StatusThrottled || out.Status == StatusQuotaExceeded {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return outcomes, nil
}

// GenerateCCSS runs one attempt for job outside the queue order.
func (g *Generator) GenerateCCSS(ctx context.Context, job types.GenerationJob) (Outcome, error) {
	job.Kind = types.KindCCSS
	return g.attempt(ctx, job, false)
}

// GenerateUCSS runs one unused CSS attempt for job.
func (g *Generator) GenerateUCSS(ctx context.Context, job types.GenerationJob) (Outcome, error) {
	job.Kind = types.KindUCSS
	return g.attempt(ctx, job, false)
}

// attempt returns an error only for storage failures; every other failure is
// an Outcome.
func (g *Generator) attempt(ctx context.Context, job types.GenerationJob, force bool) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "generator.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("ccssgen.kind", string(job.Kind)),
		attribute.String("ccssgen.key", string(job.Key)),
	)
	defer func() {
		span.SetAttributes(attribute.String("ccssgen.status", string(out.Status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	out = Outcome{Kind: job.Kind, Key: job.Key, URL: job.URL}
	service := job.Kind.Service()
	log := g.logger.With("kind", job.Kind, "key", job.Key, "url", job.URL)

	allowed, err := g.opts.Gate.Allow(ctx, service)
	if err != nil {
		return out, err
	}
	if !allowed {
		out.Status = StatusQuotaExceeded
		out.Message = "daily " + service + " allowance used up"
		log.Info("quota exceeded")
		return out, nil
	}

	leaseName := string(job.Kind)
	owner := uuid.NewString()
	started := g.nowFn()
	ok, err := g.opts.Store.AcquireLease(ctx, leaseName, owner, started, g.opts.Cooldown, force || g.opts.Debug)
	if err != nil {
		return out, fmt.Errorf("acquire %s lease: %w", leaseName, err)
	}
	if !ok {
		out.Status = StatusThrottled
		out.Message = "previous request not finished"
		log.Debug("throttled")
		return out, nil
	}
	defer func() {
		if rerr := g.opts.Store.ReleaseLease(context.WithoutCancel(ctx), leaseName, owner); rerr != nil {
			log.Error("release lease", "err", rerr)
			if err == nil {
				err = fmt.Errorf("release %s lease: %w", leaseName, rerr)
			}
		}
	}()

	var payload any
	var timeout time.Duration
	switch job.Kind {
	case types.KindUCSS:
		payload = g.ucssRequest(job, log)
		timeout = g.opts.UCSSTimeout
	default:
		g.progress("render " + job.URL)
		doc, rerr := render.Prepare(ctx, g.opts.Renderer, g.opts.Minifier, job.URL, job.UserAgent)
		if rerr != nil {
			out.Status = StatusRenderFailed
			out.Message = rerr.Error()
			log.Warn("render failed", "err", rerr)
			return out, nil
		}
		g.progress("extract css")
		extracted := g.opts.Extractor.Extract(ctx, job.URL, doc, false)
		if strings.TrimSpace(extracted.CSS) == "" {
			out.Status = StatusNoCSS
			out.Message = "no stylesheet found"
			log.Info("no css extracted")
			return out, nil
		}
		log.Debug("extracted", "css_bytes", len(extracted.CSS), "html_bytes", len(extracted.HTML))
		payload = remote.CCSSRequest{
			Type:      service,
			URL:       job.URL,
			CCSSType:  string(job.Key),
			UserAgent: job.UserAgent,
			IsMobile:  remote.Flag(job.IsMobile),
			HTML:      extracted.HTML,
			CSS:       extracted.CSS,
		}
		timeout = g.opts.CCSSTimeout
	}

	g.progress("submit " + service)
	resp, rerr := g.opts.Remote.Submit(ctx, service, payload, timeout)
	if cerr := g.opts.Gate.Consume(ctx, service); cerr != nil {
		log.Warn("record usage", "err", cerr)
	}
	if rerr != nil {
		out.Status = StatusRemoteFailed
		out.Message = rerr.Error()
		log.Warn("remote call failed", "err", rerr)
		return out, nil
	}

	css := resp.Result(service)
	if job.Kind == types.KindUCSS && commentOnly(css) {
		css = ""
	}
	if strings.TrimSpace(css) == "" {
		log.Info("empty result")
		if err := g.finish(ctx, job); err != nil {
			return out, err
		}
		out.Status = StatusEmpty
		out.Message = "empty " + service + " result"
		return out, nil
	}
	css = g.applyHook(job, css)

	if err := g.opts.Cache.Write(job.Kind, job.Key, css); err != nil {
		return out, fmt.Errorf("write %s artifact: %w", job.Kind, err)
	}
	if err := g.opts.Store.RecordRun(ctx, job.Kind, started, g.nowFn().Sub(started)); err != nil {
		return out, fmt.Errorf("record %s run: %w", job.Kind, err)
	}
	if err := g.finish(ctx, job); err != nil {
		return out, err
	}
	out.Status = StatusGenerated
	out.Bytes = len(css)
	log.Info("generated", "bytes", len(css))
	return out, nil
}

// finish removes the job from its queue and records it in history.
func (g *Generator) finish(ctx context.Context, job types.GenerationJob) error {
	if err := g.queues[job.Kind].Remove(ctx, job.Key); err != nil {
		return err
	}
	if err := g.opts.Store.RecordHistory(ctx, types.HistoryEntry{Kind: job.Kind, Key: job.Key, URL: job.URL, UpdatedAt: g.nowFn().UTC()}); err != nil {
		return fmt.Errorf("record %s history: %w", job.Kind, err)
	}
	return nil
}

func (g *Generator) ucssRequest(job types.GenerationJob, log *slog.Logger) remote.UCSSRequest {
	req := remote.UCSSRequest{
		Type:      types.KindUCSS.Service(),
		URL:       job.URL,
		Whitelist: Whitelist(g.opts.Whitelist),
		UserAgent: job.UserAgent,
		IsMobile:  remote.Flag(job.IsMobile),
	}
	if job.UserID == "" {
		return req
	}
	group := job.Role
	if g.opts.Groups != nil {
		group = g.opts.Groups.Group(job.Role)
	}
	prefix := g.opts.CookiePrefix
	req.Cookies = map[string]string{
		g.opts.VaryCookie: group,
		prefix + "_role":  job.UserID,
	}
	if g.opts.Signer != nil {
		hash, err := g.opts.Signer.Issue(job.UserID, auth.AudienceSimulation, g.opts.UCSSTimeout+time.Minute)
		if err != nil {
			log.Warn("sign simulation cookie", "err", err)
		} else {
			req.Cookies[prefix+"_hash"] = hash
		}
	}
	log.Debug("simulated login", "cookies", filter.RedactCookies(req.Cookies, []string{prefix + "_hash"}, "[REDACTED]"))
	return req
}

// Whitelist drops blank lines and lines commented out with "//". Kept
// entries are passed through unchanged.
func Whitelist(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "//") {
			continue
		}
		out = append(out, l)
	}
	return out
}

// commentOnly reports a result that starts with "/*" and ends with "*/".
func commentOnly(css string) bool {
	s := strings.TrimSpace(css)
	return len(s) >= 4 && strings.HasPrefix(s, "/*") && strings.HasSuffix(s, "*/")
}

func (g *Generator) applyHook(job types.GenerationJob, css string) string {
	hook := g.opts.Hooks.CCSS
	if job.Kind == types.KindUCSS {
		hook = g.opts.Hooks.UCSS
	}
	if hook == nil {
		return css
	}
	return hook(job, css)
}

func (g *Generator) progress(stage string) {
	if g.opts.OnProgress != nil {
		g.opts.OnProgress(stage)
	}
}
