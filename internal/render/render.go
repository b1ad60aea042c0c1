// Package render fetches the unoptimised HTML of a page for extraction.
package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/yourorg/ccssgen/internal/minify"
)

// Error reports a page that could not be rendered.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("render error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("render error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Renderer returns the HTML of pageURL as seen by userAgent.
type Renderer interface {
	Render(ctx context.Context, pageURL, userAgent string) (string, error)
}

// Bypass is the query marker that asks the site for its unoptimised output.
type Bypass struct {
	Param string
	Value string
}

// Apply adds the marker to pageURL.
func (b Bypass) Apply(pageURL string) (string, error) {
	if b.Param == "" {
		return pageURL, nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(b.Param, b.Value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

const maxPageBytes = 16 << 20

// HTTPRenderer fetches the page with a plain GET.
type HTTPRenderer struct {
	Bypass     Bypass
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (r *HTTPRenderer) Render(ctx context.Context, pageURL, userAgent string) (string, error) {
	target, err := r.Bypass.Apply(pageURL)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "invalid url", Cause: err}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "failed to create request", Cause: err}
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", &Error{URL: pageURL, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", &Error{URL: pageURL, Message: "failed to read response body", Cause: err}
	}
	return string(body), nil
}

var noscriptPattern = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)

// StripNoscript removes every noscript block.
func StripNoscript(doc string) string {
	return noscriptPattern.ReplaceAllString(doc, "")
}

// Prepare renders the page, minifies it and drops noscript blocks. An empty
// result is an error.
func Prepare(ctx context.Context, r Renderer, m minify.Minifier, pageURL, userAgent string) (string, error) {
	doc, err := r.Render(ctx, pageURL, userAgent)
	if err != nil {
		return "", err
	}
	if m != nil {
		if small, err := m.HTML(doc); err == nil {
			doc = small
		}
	}
	doc = StripNoscript(doc)
	if strings.TrimSpace(doc) == "" {
		return "", &Error{URL: pageURL, Message: "empty document"}
	}
	return doc, nil
}
