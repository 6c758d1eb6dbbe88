package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink POSTs audit events to an HTTP endpoint, retrying twice with
// a short backoff.
type WebhookSink struct {
	url      string
	headers  map[string]string
	client   *http.Client
	backoffs []time.Duration
}

func NewWebhookSink(url string, headers map[string]string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hdr := make(map[string]string, len(headers))
	for k, v := range headers {
		hdr[k] = v
	}
	return &WebhookSink{
		url:      url,
		headers:  hdr,
		client:   &http.Client{Timeout: timeout},
		backoffs: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook:" + s.url }

func (s *WebhookSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(s.backoffs); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.post(ctx, payload, ev.RequestID)
		if lastErr == nil {
			return nil
		}

		if attempt < len(s.backoffs) {
			timer := time.NewTimer(s.backoffs[attempt])
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, payload []byte, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Harbour-Request-Id", requestID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body))
}

func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
