package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WebhookBackend POSTs events in binary content mode to a set of URLs
type WebhookBackend struct {
	urls     []string
	headers  map[string]string
	client   *http.Client
	attempts uint
	backoff  func() backoff.BackOff
}

// NewWebhookBackend creates the backend. timeout bounds each HTTP attempt.
func NewWebhookBackend(urls []string, headers map[string]string, timeout time.Duration, attempts uint) *WebhookBackend {
	if attempts == 0 {
		attempts = 1
	}
	return &WebhookBackend{
		urls:     urls,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (b *WebhookBackend) Name() string {
	return "webhook"
}

// Publish succeeds when at least one URL accepted the event
func (b *WebhookBackend) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	headers := event.Headers()
	for k, v := range b.headers {
		headers[k] = v
	}

	var errs []error
	for _, url := range b.urls {
		if err := b.send(ctx, url, body, headers); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("webhook: no urls configured")
	}
	return errors.Join(errs...)
}

func (b *WebhookBackend) send(ctx context.Context, url string, body []byte, headers map[string]string) error {
	op := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return 0, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return resp.StatusCode, backoff.RetryAfter(secs)
			}
			return resp.StatusCode, fmt.Errorf("webhook %s throttled", url)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook %s rejected event with status %d", url, resp.StatusCode))
		default:
			return resp.StatusCode, fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b.backoff()),
		backoff.WithMaxTries(b.attempts),
	)
	return err
}

// Health reports a missing URL list only
func (b *WebhookBackend) Health(context.Context) error {
	if len(b.urls) == 0 {
		return errors.New("webhook: no urls configured")
	}
	return nil
}

func (b *WebhookBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
