// Package render turns a normalized report into a downloadable artifact.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"recordexport/internal/apperr"
)

// Renderer produces a document from report data.
type Renderer interface {
	Render(ctx context.Context, data any) ([]byte, error)
	// Extension is the file extension of rendered output, with the dot.
	Extension() string
}

// JSONRenderer writes the report as indented JSON.
type JSONRenderer struct{}

func (JSONRenderer) Render(_ context.Context, data any) ([]byte, error) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(out, '\n'), nil
}

func (JSONRenderer) Extension() string { return ".json" }

// RetryBaseDelay is the first backoff after a 429. Tests shrink it.
var RetryBaseDelay = 2 * time.Second

const defaultMaxRetries = 4

// HTTPRenderer posts the report to a PDF rendering service.
type HTTPRenderer struct {
	url        string
	client     *http.Client
	maxRetries int
}

func NewHTTPRenderer(url string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRenderer{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: defaultMaxRetries,
	}
}

func (r *HTTPRenderer) Extension() string { return ".pdf" }

// Render retries on 429 with exponential backoff and fails on any other
// non-2xx status.
func (r *HTTPRenderer) Render(ctx context.Context, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build render request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/pdf")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, apperr.NewTransport("render", r.url, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < r.maxRetries {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
			slog.WarnContext(ctx, "renderer rate limited", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		out, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, apperr.NewTransport("render", r.url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, apperr.NewTransport("render", r.url, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(out)))
		}
		return out, nil
	}
}

// New picks the HTTP renderer when url is set, JSON otherwise.
func New(url string, timeout time.Duration) Renderer {
	if url == "" {
		return JSONRenderer{}
	}
	return NewHTTPRenderer(url, timeout)
}
