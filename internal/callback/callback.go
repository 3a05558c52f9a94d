// Package callback posts lifecycle events to an external callback API:
// started, statusUpdated, and fileGenerated:<tag> events, each retried
// with Fibonacci backoff on failure. Grounded on the retry-loop shape in
// sakateka-yanet2's bird-adapter service (cenkalti/backoff configuring a
// BackOff struct and looping on NextBackOff), generalized here from an
// exponential sequence to the fixed Fibonacci one this domain requires
// and bounded by a try count rather than a context deadline.
package callback

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Event is the JSON payload posted to the callback API.
type Event struct {
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Client posts Events to a configured callback API, retrying failures.
// The zero Client with an empty API URL is valid and Send is then a
// no-op, so callers don't need to branch on whether a callback was
// configured.
type Client struct {
	api      string
	token    string
	maxRetry uint
	logger   *logrus.Logger
	http     *http.Client

	seedDelay time.Duration // first Fibonacci delay; overridable for tests
}

// New builds a Client. api == "" disables sending entirely.
func New(api, token string, maxRetry uint, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		api:       api,
		token:     token,
		maxRetry:  maxRetry,
		logger:    logger,
		http:      &http.Client{Timeout: 10 * time.Second},
		seedDelay: 5 * time.Second,
	}
}

// fibOverride replaces the first Fibonacci delay (default 5s), scaling
// the whole retry sequence down for tests that need to observe a real
// retry without a multi-second sleep.
func (c *Client) fibOverride(seed time.Duration) {
	c.seedDelay = seed
}

// Send posts an Event, retrying transport errors and 5xx responses with
// Fibonacci backoff (5, 8, 13, ... seconds) up to maxRetry times, so at
// most maxRetry+1 attempts in all; a 4xx response is not retried. Failure
// after exhausting retries is logged and swallowed: the callback is
// best-effort and must
// never fail the supervisor's own lifecycle.
func (c *Client) Send(ctx context.Context, event Event) {
	if c.api == "" {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		c.logger.WithError(err).Error("callback: failed to marshal event")
		return
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.post(ctx, body)
	}, backoff.WithBackOff(newFibonacci(c.seedDelay)), backoff.WithMaxTries(maxTries(c.maxRetry)))

	if err != nil {
		c.logger.WithError(err).WithField("eventType", event.EventType).
			Warn("callback: giving up after exhausting retries")
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authentication", "TOKEN "+base64.StdEncoding.EncodeToString([]byte(c.token)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("callback: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("callback: client error %d", resp.StatusCode))
	}
	return nil
}

// maxTries converts a 0-based "maximum retries" count to backoff/v5's
// 1-based "maximum attempts"; 0 retries still means one attempt.
func maxTries(maxRetry uint) uint {
	return maxRetry + 1
}

// fibonacci is a backoff.BackOff that yields 5, 8, 13, 21, ... seconds,
// each step the running sum of the previous two.
type fibonacci struct {
	prev, cur time.Duration
}

func newFibonacci(seed time.Duration) *fibonacci {
	// prev seeds to 3s under a 5s cur so the first two yielded delays are
	// 5s, 8s; scaling seed scales both.
	prev := seed * 3 / 5
	return &fibonacci{prev: prev, cur: seed}
}

func (f *fibonacci) NextBackOff() time.Duration {
	next := f.cur
	f.prev, f.cur = f.cur, f.prev+f.cur
	return next
}
