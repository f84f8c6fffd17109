package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
)

// HTTPError is a non-2xx answer from the reply service.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("reply service: HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryConfig bounds retries of retryable failures.
type RetryConfig struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, MinDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// HTTPResponder posts each Request as JSON to an external reply service
// and expects a Reply back.
type HTTPResponder struct {
	url    string
	token  string
	client *http.Client
	retry  RetryConfig
}

// NewHTTPResponder creates a responder for url. timeout bounds one attempt.
func NewHTTPResponder(url, token string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPResponder{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
		retry:  DefaultRetryConfig(),
	}
}

// WithRetry replaces the retry policy.
func (p *HTTPResponder) WithRetry(rc RetryConfig) *HTTPResponder {
	p.retry = rc
	return p
}

func (p *HTTPResponder) Respond(ctx context.Context, req orchestrator.Request) (orchestrator.Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	attempts := max(p.retry.Attempts, 1)
	delay := p.retry.MinDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		rep, err := p.do(ctx, data)
		if err == nil {
			return rep, nil
		}
		lastErr = err

		var herr *HTTPError
		if !errors.As(err, &herr) || !herr.Retryable() || i == attempts-1 {
			break
		}
		wait := delay
		if herr.RetryAfter > 0 {
			wait = herr.RetryAfter
		}
		wait = min(wait, p.retry.MaxDelay)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return orchestrator.Reply{}, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return orchestrator.Reply{}, lastErr
}

func (p *HTTPResponder) do(ctx context.Context, data []byte) (orchestrator.Reply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.url, bytes.NewReader(data))
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("reply service: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return orchestrator.Reply{}, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var rep orchestrator.Reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return orchestrator.Reply{}, fmt.Errorf("reply service: decode response: %w", err)
	}
	if strings.TrimSpace(rep.Content) == "" {
		return orchestrator.Reply{}, errors.New("reply service: empty reply")
	}
	return rep, nil
}

// ParseRetryAfter reads a Retry-After header in either seconds or
// HTTP-date form. Unparseable values yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
