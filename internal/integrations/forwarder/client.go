// Package forwarder delivers completed form submissions to a downstream
// HTTP endpoint.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"formbot/internal/domain"
)

// idempotencyNamespace scopes the name-based UUIDs used as Idempotency-Key.
var idempotencyNamespace = uuid.MustParse("5b0f8f0e-1d7c-4c57-9a43-3f0d6c9f6b21")

// tokenPayload is the JSON shape stored in SSM for the bearer token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("forwarder: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client posts submissions as JSON.
type Client struct {
	url        string
	httpClient *http.Client
	getter     Getter
	tokenParam string
	attempts   int
	backoff    time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken reads the bearer token from the named parameter on every
// submission. Wrap the getter in a cache to avoid an SSM call per request.
func WithToken(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.tokenParam = strings.TrimSpace(name)
	}
}

// WithRetry sets the number of attempts for 429 and 5xx responses and the
// linear backoff between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

func NewClient(url string, opts ...Option) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("forwarder: url must not be empty")
	}
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		attempts:   3,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.tokenParam == "" {
		return nil, errors.New("forwarder: token parameter name must not be empty")
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c, nil
}

// IdempotencyKey is stable for one completed pass of a session, so the
// receiver can drop duplicates caused by retries.
func IdempotencyKey(sub domain.Submission) string {
	name := sub.SessionID + "|" + sub.FormID + "|" + sub.CompletedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// Submit posts sub. 429 and 5xx responses are retried.
func (c *Client) Submit(ctx context.Context, sub domain.Submission) error {
	if sub.Values == nil {
		sub.Values = []domain.FieldValue{}
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("forwarder: marshal submission: %w", err)
	}
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}
	key := IdempotencyKey(sub)

	for attempt := 1; ; attempt++ {
		err = c.post(ctx, body, token, key)
		var statusErr *HTTPStatusError
		if err == nil || attempt >= c.attempts || (errors.As(err, &statusErr) && !statusErr.retryable()) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("forwarder: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	if err != nil {
		return fmt.Errorf("forwarder: submit %s: %w", sub.SessionID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, token, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: c.url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.getter == nil {
		return "", nil
	}
	raw, err := c.getter.GetParameter(ctx, c.tokenParam)
	if err != nil {
		return "", fmt.Errorf("forwarder: fetch token from paramstore: %w", err)
	}
	return parseToken(raw)
}

// parseToken accepts {"token":"..."} or the bare token.
func parseToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("forwarder: unmarshal paramstore token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("forwarder: token is empty")
	}
	return raw, nil
}
