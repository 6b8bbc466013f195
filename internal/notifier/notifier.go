// Package notifier implements the outbound delivery function: it posts a
// rendered notification to each of its destination URLs over HTTP. All
// outbound calls are routed through per-host circuit breakers so one
// misbehaving destination cannot stall deliveries to the rest.
//
// The deliverer performs exactly one attempt per destination per call;
// re-attempts are owned entirely by the retry policy upstream.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"changewatch/internal/config"
	"changewatch/internal/types"
)

// webhookBody is the JSON document posted to each destination URL.
type webhookBody struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	WatchUUID string `json:"watch_uuid,omitempty"`
	WatchURL  string `json:"watch_url,omitempty"`
	Format    string `json:"format,omitempty"`
}

// HTTPDeliverer sends notifications to webhook destinations.
type HTTPDeliverer struct {
	client    *http.Client
	userAgent string
	clock     types.Clock

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

var _ types.Deliverer = (*HTTPDeliverer)(nil)

// Option configures an HTTPDeliverer.
type Option func(*HTTPDeliverer)

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDeliverer) { d.client = c }
}

// WithClock overrides the clock, for tests.
func WithClock(c types.Clock) Option {
	return func(d *HTTPDeliverer) { d.clock = c }
}

// New creates an HTTPDeliverer from the delivery configuration.
func New(cfg config.DeliveryConfig, opts ...Option) *HTTPDeliverer {
	d := &HTTPDeliverer{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		clock:     types.RealClock{},
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver posts the payload to every destination URL, returning a per-URL
// trace. It succeeds only when every destination accepted the notification;
// a partial failure returns an error naming each failed destination so the
// whole set is retried together.
func (d *HTTPDeliverer) Deliver(ctx context.Context, p types.NotificationPayload) (types.DeliveryResult, error) {
	var res types.DeliveryResult

	if len(p.NotificationURLs) == 0 {
		res.Log = append(res.Log, d.logLine("no destination URLs configured"))
		return res, types.NewAppError(types.ErrCodeValidationMissingField,
			"notification has no destination URLs", nil)
	}

	body, err := json.Marshal(webhookBody{
		Title:     p.Title,
		Body:      p.Body,
		WatchUUID: p.WatchUUID,
		WatchURL:  p.WatchURL,
		Format:    p.Format,
	})
	if err != nil {
		return res, fmt.Errorf("notifier: encode payload: %w", err)
	}

	var failed []string
	for _, dest := range p.NotificationURLs {
		if err := d.deliverOne(ctx, dest, body); err != nil {
			res.Log = append(res.Log, d.logLine(fmt.Sprintf("FAILED %s: %s", redact(dest), err.Error())))
			failed = append(failed, redact(dest))
			continue
		}
		res.Log = append(res.Log, d.logLine(fmt.Sprintf("sent to %s", redact(dest))))
	}

	if len(failed) > 0 {
		return res, types.NewAppError(types.ErrCodeUpstreamDelivery,
			fmt.Sprintf("delivery failed for %d of %d destinations: %s",
				len(failed), len(p.NotificationURLs), strings.Join(failed, ", ")),
			nil)
	}
	return res, nil
}

// deliverOne posts the body to a single destination through its host's
// circuit breaker.
func (d *HTTPDeliverer) deliverOne(ctx context.Context, dest string, body []byte) error {
	u, err := url.Parse(dest)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidURL,
			"destination is not a valid http(s) URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.breakerFor(u.Host).Execute(func() (*http.Response, error) {
		r, doErr := d.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 400 {
			io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return nil, fmt.Errorf("destination returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewAppError(types.ErrCodeUpstreamDelivery,
				"circuit breaker open for destination host", err)
		}
		return err
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}

// breakerFor returns the circuit breaker for a destination host, creating it
// on first use.
func (d *HTTPDeliverer) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "notify-" + host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	d.breakers[host] = cb
	return cb
}

// logLine prefixes a trace line with the current UTC timestamp so merged
// delivery logs stay readable.
func (d *HTTPDeliverer) logLine(msg string) string {
	return d.clock.Now().Format(time.RFC3339) + " " + msg
}

// redact strips userinfo and query strings from a destination URL before it
// enters logs; webhook URLs routinely embed tokens.
func redact(dest string) string {
	u, err := url.Parse(dest)
	if err != nil {
		return "(unparseable URL)"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
