package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"meridian/internal/domain"
	"meridian/internal/worker"
)

const maxErrorBody = 512

type HTTP struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

// Handle performs the payload's request. Every attempt carries the instance id as
// Idempotency-Key. Client errors (4xx except 408 and 429) are terminal; server errors and
// transport failures are retried.
func (h HTTP) Handle(ctx context.Context, task worker.Task) error {
	var req Request
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return domain.Terminal(fmt.Errorf("invalid HTTP request payload: %w", err))
	}

	if req.URL == "" {
		return domain.Terminal(fmt.Errorf("URL is required"))
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return domain.Terminal(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Idempotency-Key", task.InstanceID)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode < 500:
		return domain.Terminal(err)
	}
	return err
}
