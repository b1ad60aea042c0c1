package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Loader returns the content of a stylesheet.
type Loader interface {
	Load(ctx context.Context, href string) (string, error)
}

// LoadError reports a stylesheet that could not be loaded.
type LoadError struct {
	Href    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Href, e.Message, e.Cause)
	}
	return fmt.Sprintf("load %s: %s", e.Href, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// maxStylesheetBytes bounds one stylesheet download.
const maxStylesheetBytes = 8 << 20

// SiteLoader reads stylesheets of the site itself from the document root and
// fetches everything else over HTTP.
type SiteLoader struct {
	// SiteURL is the public URL of the site; same-host hrefs map onto DocRoot.
	SiteURL    string
	DocRoot    string
	UserAgent  string
	HTTPClient *http.Client
}

func (l *SiteLoader) Load(ctx context.Context, href string) (string, error) {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", &LoadError{Href: href, Message: "invalid url", Cause: err}
	}
	if path, ok := l.localPath(u); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &LoadError{Href: href, Message: "unsupported scheme"}
	}
	return l.fetch(ctx, u.String())
}

func (l *SiteLoader) localPath(u *url.URL) (string, bool) {
	if l.DocRoot == "" || l.SiteURL == "" {
		return "", false
	}
	site, err := url.Parse(l.SiteURL)
	if err != nil || !strings.EqualFold(site.Host, u.Host) {
		return "", false
	}
	rel := strings.TrimPrefix(u.Path, strings.TrimRight(site.Path, "/"))
	clean := filepath.Clean("/" + rel)
	if !strings.HasSuffix(strings.ToLower(clean), ".css") {
		return "", false
	}
	return filepath.Join(l.DocRoot, filepath.FromSlash(clean)), true
}

func (l *SiteLoader) fetch(ctx context.Context, href string) (string, error) {
	client := l.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", &LoadError{Href: href, Message: "failed to create request", Cause: err}
	}
	if l.UserAgent != "" {
		req.Header.Set("User-Agent", l.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &LoadError{Href: href, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", &LoadError{Href: href, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStylesheetBytes))
	if err != nil {
		return "", &LoadError{Href: href, Message: "failed to read response body", Cause: err}
	}
	return string(data), nil
}
