package render

import (
	"context"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserRenderer renders the page in headless Chrome so scripts that inject
// stylesheets have run. Requires Chrome or Chromium on the host.
type BrowserRenderer struct {
	Bypass  Bypass
	Timeout time.Duration
	// Settle is the extra wait after the body is ready.
	Settle time.Duration
	Logger *slog.Logger
}

func (r *BrowserRenderer) Render(ctx context.Context, pageURL, userAgent string) (string, error) {
	target, err := r.Bypass.Apply(pageURL)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "invalid url", Cause: err}
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	settle := r.Settle
	if settle <= 0 {
		settle = time.Second
	}

	logger.Debug("browser render", "url", target)
	var html string
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
		chromedp.Sleep(settle),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "browser rendering failed", Cause: err}
	}
	logger.Debug("browser rendered", "url", target, "bytes", len(html))
	return html, nil
}
