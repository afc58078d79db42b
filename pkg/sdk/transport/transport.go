package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/export"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 250 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// Transport defines the interface for sending session events
type Transport interface {
	Send(ctx context.Context, events []activity.SessionEvent) error
}

// StatusError is a non-2xx reply from the import endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the same batch may succeed later. Client
// errors other than 408 and 429 never will.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// HTTPTransport posts session batches to the import endpoint, retrying
// network failures and temporary statuses with exponential backoff.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client

	retries    uint64
	retryDelay time.Duration
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint, apiKey string) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return &HTTPTransport{
		endpoint:   endpoint,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: defaultTimeout},
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

// Send sends events to the import endpoint. A batch the server rejected as
// invalid is returned at once as a *StatusError.
func (t *HTTPTransport) Send(ctx context.Context, events []activity.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(export.ImportData{Sessions: events})
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.retryDelay
	eb.MaxInterval = maxRetryDelay
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, t.retries), ctx)

	return backoff.Retry(func() error {
		err := t.post(ctx, body)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return nil
}
