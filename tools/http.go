package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultHTTPMaxBytes = 64 << 10

// HTTPWorker implements web/http.get.
type HTTPWorker struct {
	Client   *http.Client
	MaxBytes int64
}

// Invoke fetches params.url. Status codes of 400 and above produce an
// unsuccessful envelope rather than an error so the critic can see the body.
func (w *HTTPWorker) Invoke(ctx context.Context, params map[string]any) (any, error) {
	raw := stringParam(params, "url")
	if raw == "" {
		return nil, errors.New("url required")
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "goalloop/1")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	limit := w.MaxBytes
	if limit <= 0 {
		limit = defaultHTTPMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	env := envelope(map[string]any{
		"url":          target.String(),
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"truncated":    truncated,
	})
	if resp.StatusCode >= 400 {
		env.Success = false
		env.Meta.Error = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return env, nil
}
