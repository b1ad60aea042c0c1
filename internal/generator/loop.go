package generator

import (
	"context"
	"strings"
	"time"

	"github.com/yourorg/ccssgen/internal/remote"
	"github.com/yourorg/ccssgen/internal/render"
	"github.com/yourorg/ccssgen/pkg/types"
)

// Loop runs one critical CSS attempt, and one unused CSS attempt when ucss is
// set, every interval until ctx is done.
func (g *Generator) Loop(ctx context.Context, interval time.Duration, ucss bool) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.logger.Info("scheduler started", "interval", interval, "ucss", ucss)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			g.tick(ctx, types.KindCCSS)
			if ucss {
				g.tick(ctx, types.KindUCSS)
			}
		}
	}
}

func (g *Generator) tick(ctx context.Context, kind types.ArtifactKind) {
	outcomes, err := g.run(ctx, kind, false)
	if err != nil {
		g.logger.Error("scheduled run failed", "kind", kind, "err", err)
		return
	}
	for _, o := range outcomes {
		if o.Status != StatusQueueEmpty {
			g.logger.Debug("scheduled run", "kind", kind, "key", o.Key, "status", o.Status)
		}
	}
}

// Preview is the dry run of a critical CSS request for one page.
type Preview struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	CSSBytes int    `json:"css_bytes"`
	HTMLSize int    `json:"html_bytes"`
	CSS      string `json:"css"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Preview renders and extracts job's page and, when submit is set, asks the
// service for its critical CSS. Nothing is cached or queued and no lease is taken.
func (g *Generator) Preview(ctx context.Context, job types.GenerationJob, submit bool) (*Preview, error) {
	p := &Preview{URL: job.URL, Key: string(job.Key)}
	doc, err := render.Prepare(ctx, g.opts.Renderer, g.opts.Minifier, job.URL, job.UserAgent)
	if err != nil {
		return nil, err
	}
	extracted := g.opts.Extractor.Extract(ctx, job.URL, doc, false)
	p.CSS = extracted.CSS
	p.CSSBytes = len(extracted.CSS)
	p.HTMLSize = len(extracted.HTML)
	if !submit || strings.TrimSpace(extracted.CSS) == "" {
		return p, nil
	}
	service := types.KindCCSS.Service()
	allowed, err := g.opts.Gate.Allow(ctx, service)
	if err != nil {
		return nil, err
	}
	if !allowed {
		p.Error = "daily " + service + " allowance used up"
		return p, nil
	}
	resp, err := g.opts.Remote.Submit(ctx, service, remote.CCSSRequest{
		Type:      service,
		URL:       job.URL,
		CCSSType:  string(job.Key),
		UserAgent: job.UserAgent,
		IsMobile:  remote.Flag(job.IsMobile),
		HTML:      extracted.HTML,
		CSS:       extracted.CSS,
	}, g.opts.CCSSTimeout)
	if cerr := g.opts.Gate.Consume(ctx, service); cerr != nil {
		g.logger.Warn("record usage", "err", cerr)
	}
	if err != nil {
		p.Error = err.Error()
		return p, nil
	}
	p.Result = resp.Result(service)
	return p, nil
}
