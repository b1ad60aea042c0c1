// Package extract gathers the CSS referenced by a rendered page into one payload.
package extract

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/yourorg/ccssgen/internal/minify"
	"github.com/yourorg/ccssgen/pkg/types"
)

// InlineLabel is the provenance label of inline style blocks.
const InlineLabel = "__INLINE__"

// Options configures an Engine.
type Options struct {
	Scanner  Scanner
	Loader   Loader
	Minifier minify.Minifier
	// FontCDNPatterns are href substrings of already optimised web-font CSS.
	FontCDNPatterns []string
	Logger          *slog.Logger
}

// Engine turns page HTML into a CSS payload plus the HTML without style references.
type Engine struct {
	scanner  Scanner
	loader   Loader
	minifier minify.Minifier
	fontCDNs []string
	logger   *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{
		scanner:  opts.Scanner,
		loader:   opts.Loader,
		minifier: opts.Minifier,
		fontCDNs: opts.FontCDNPatterns,
		logger:   opts.Logger,
	}
	if e.scanner == nil {
		e.scanner = RegexpScanner{}
	}
	if e.minifier == nil {
		e.minifier = minify.Passthrough{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Extract scans doc in document order. In dryrun mode linked files are not
// loaded and contribute only their provenance comment.
func (e *Engine) Extract(ctx context.Context, pageURL, doc string, dryrun bool) types.ExtractedPayload {
	base := baseURL(pageURL, doc)
	var css strings.Builder
	out := doc

	for _, m := range e.scanner.Scan(doc) {
		// Every occurrence leaves the document, accepted or not.
		out = strings.ReplaceAll(out, m.Raw, "")

		var label, con string
		switch m.Kind {
		case MatchLink:
			href, ok := e.acceptLink(m.Attrs)
			if !ok {
				continue
			}
			label = href
			if !dryrun {
				loaded, err := e.load(ctx, base, href)
				if err != nil {
					e.logger.Debug("skip stylesheet", "href", href, "err", err)
					continue
				}
				if loaded == "" {
					continue
				}
				con = loaded
			}
		case MatchStyle:
			label = InlineLabel
			con = m.Body
			e.logger.Debug("inline css", "bytes", len(con))
		}

		minified, err := e.minifier.CSS(con)
		if err != nil {
			e.logger.Debug("minify failed, keeping source", "label", label, "err", err)
			minified = con
		}
		block := "/* " + label + " */" + minified

		if media := strings.TrimSpace(m.Attrs["media"]); media != "" && media != "all" {
			css.WriteString("@media " + media + "{" + block + "\n}")
		} else {
			css.WriteString(block + "\n")
		}
	}

	return types.ExtractedPayload{CSS: css.String(), HTML: out}
}

// acceptLink applies the link inclusion rules and returns the href to load.
func (e *Engine) acceptLink(attrs map[string]string) (string, bool) {
	rel := strings.ToLower(strings.TrimSpace(attrs["rel"]))
	if rel == "" {
		return "", false
	}
	if rel != "stylesheet" {
		if rel != "preload" || strings.ToLower(strings.TrimSpace(attrs["as"])) != "style" {
			return "", false
		}
	}
	if strings.Contains(attrs["media"], "print") {
		return "", false
	}
	href := strings.TrimSpace(attrs["href"])
	if href == "" {
		return "", false
	}
	for _, p := range e.fontCDNs {
		if p != "" && strings.Contains(href, p) {
			return "", false
		}
	}
	return href, true
}

func (e *Engine) load(ctx context.Context, base *url.URL, href string) (string, error) {
	if e.loader == nil {
		return "", nil
	}
	target := href
	if base != nil {
		if ref, err := url.Parse(href); err == nil {
			target = base.ResolveReference(ref).String()
		}
	}
	return e.loader.Load(ctx, target)
}

// baseURL resolves the document's <base href> against the page URL.
func baseURL(pageURL, doc string) *url.URL {
	page, err := url.Parse(pageURL)
	if err != nil || page.Host == "" {
		page = nil
	}
	if !strings.Contains(strings.ToLower(doc), "<base") {
		return page
	}
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return page
	}
	href, ok := d.Find("base[href]").First().Attr("href")
	if !ok {
		return page
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return page
	}
	if page == nil {
		if ref.IsAbs() {
			return ref
		}
		return nil
	}
	return page.ResolveReference(ref)
}
