// Package remote talks to the CSS optimisation service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrMalformedResponse is returned when the service answers 2xx with a body
// that is not a result object.
var ErrMalformedResponse = errors.New("malformed remote response")

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error status %d: %s", e.Service, e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

const responseSchema = `{
	"type": "object",
	"properties": {
		"ccss": {"type": "string"},
		"ucss": {"type": "string"}
	}
}`

var responseLoader = gojsonschema.NewStringLoader(responseSchema)

// CCSSRequest is the body of a critical CSS request.
type CCSSRequest struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	CCSSType  string `json:"ccss_type"`
	UserAgent string `json:"user_agent"`
	IsMobile  int    `json:"is_mobile"`
	HTML      string `json:"html"`
	CSS       string `json:"css"`
}

// UCSSRequest is the body of an unused CSS request.
type UCSSRequest struct {
	Type      string            `json:"type"`
	URL       string            `json:"url"`
	Whitelist []string          `json:"whitelist"`
	UserAgent string            `json:"user_agent"`
	IsMobile  int               `json:"is_mobile"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// Flag encodes b as the 0/1 integer the service expects.
func Flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Response carries whichever result field the service filled.
type Response struct {
	CCSS string `json:"ccss"`
	UCSS string `json:"ucss"`
}

// Result returns the field that belongs to service.
func (r *Response) Result(service string) string {
	if r == nil {
		return ""
	}
	if strings.EqualFold(service, "UCSS") {
		return r.UCSS
	}
	return r.CCSS
}

// Client posts JSON requests to the optimisation service.
type Client struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// sleepFn waits d or until ctx is done.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var tracer = otel.Tracer("github.com/yourorg/ccssgen/internal/remote")

// Submit posts payload to the service endpoint and decodes the result object.
// The timeout bounds the whole call including retries.
func (c *Client) Submit(ctx context.Context, service string, payload any, timeout time.Duration) (*Response, error) {
	ctx, span := tracer.Start(ctx, "remote.submit")
	defer span.End()
	span.SetAttributes(attribute.String("ccssgen.service", service))

	resp, err := c.submit(ctx, service, payload, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *Client) submit(ctx context.Context, service string, payload any, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/" + strings.ToLower(service)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("remote request", "url", endpoint, "bytes", len(body))

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.MaxRetries && ctx.Err() == nil {
				if werr := wait(ctx, backoff(attempt)); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			if attempt < c.MaxRetries && ctx.Err() == nil {
				if werr := wait(ctx, backoff(attempt)); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &StatusError{Service: service, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if !serr.Retryable() {
				return nil, serr
			}
			lastErr = serr
			if attempt < c.MaxRetries && ctx.Err() == nil {
				d := backoff(attempt)
				if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
						d = time.Duration(secs) * time.Second
					}
				}
				if werr := wait(ctx, d); werr != nil {
					return nil, fmt.Errorf("%w (last: %v)", werr, serr)
				}
				continue
			}
			return nil, lastErr
		}

		out, err := decode(data)
		if err != nil {
			return nil, err
		}
		logger.Debug("remote response", "service", service, "bytes", len(data))
		return out, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s request failed", service)
	}
	return nil, lastErr
}

func decode(data []byte) (*Response, error) {
	result, err := gojsonschema.Validate(responseLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(msgs, "; "))
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &out, nil
}

// wait sleeps d, clamped to what is left of ctx's deadline, and fails once
// ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	clamped := false
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); d >= left {
			d, clamped = max(left, 0), true
		}
	}
	if err := sleepFn(ctx, d); err != nil {
		return err
	}
	if clamped {
		return context.DeadlineExceeded
	}
	return ctx.Err()
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Second << attempt
}
