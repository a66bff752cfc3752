// Package hub delivers notifications and events to the automation hub.
//
// Every submission is an independent, fire-and-forget task: it is POSTed
// as JSON with the hub's bearer token and retried a bounded number of
// times with a growing delay. Failures never propagate back to the
// submitter; a delivery that exhausts its attempts is logged and counted.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Hub endpoints, relative to the base URL.
const (
	PathCreateNotification  = "/core/api/services/persistent_notification/create"
	PathDismissNotification = "/core/api/services/persistent_notification/dismiss"
	PathNewMessageEvent     = "/core/api/events/new_whatsapp_message"
	PathPresenceUpdateEvent = "/core/api/events/whatsapp_presence_update"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultTimeout     = 10 * time.Second
)

type Options struct {
	BaseURL     string
	Token       string
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait
	// before the next attempt.
	BaseDelay  time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Channel is the outbound delivery channel. It is safe for concurrent use.
type Channel struct {
	baseURL     string
	token       string
	maxAttempts int
	baseDelay   time.Duration
	client      *http.Client
	logger      *slog.Logger

	// wait blocks for d or until ctx is done. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) error

	inflight  sync.WaitGroup
	pending   atomic.Int64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Outcome describes how a single delivery ended.
type Outcome struct {
	Attempts  int
	Delivered bool
	LastError error
}

// Stats is a point-in-time view of the channel's counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	InFlight  int64  `json:"inFlight"`
}

func New(opts Options) *Channel {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		client:      opts.HTTPClient,
		logger:      opts.Logger,
		wait:        sleepContext,
	}
}

// URL resolves an endpoint path against the hub base URL.
func (c *Channel) URL(path string) string {
	return c.baseURL + path
}

// Submit delivers payload to the endpoint at path in the background. It
// returns immediately; use Wait to block until all submissions settle.
func (c *Channel) Submit(path string, payload any) {
	c.inflight.Add(1)
	c.pending.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.pending.Add(-1)
		c.Deliver(context.Background(), c.URL(path), payload)
	}()
}

// Wait blocks until every submitted delivery has succeeded or given up.
func (c *Channel) Wait() {
	c.inflight.Wait()
}

// Deliver POSTs payload to url, retrying on network errors and non-2xx
// responses. Between attempt i and i+1 it waits BaseDelay*i. It never
// returns an error; the outcome is reported for observability only.
func (c *Channel) Deliver(ctx context.Context, url string, payload any) Outcome {
	body, err := json.Marshal(payload)
	if err != nil {
		c.failed.Add(1)
		c.logger.Error("hub payload not encodable", "url", url, "error", err)
		return Outcome{LastError: err}
	}

	var out Outcome
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		out.Attempts = attempt
		err := c.post(ctx, url, body)
		if err == nil {
			out.Delivered = true
			out.LastError = nil
			c.delivered.Add(1)
			return out
		}
		out.LastError = err

		c.logger.Warn("hub POST failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", err,
		)
		if attempt == c.maxAttempts {
			break
		}
		if err := c.wait(ctx, c.baseDelay*time.Duration(attempt)); err != nil {
			out.LastError = err
			break
		}
	}

	c.failed.Add(1)
	c.logger.Error("hub POST gave up",
		"url", url,
		"attempts", out.Attempts,
		"error", out.LastError,
	)
	return out
}

func (c *Channel) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns the channel's delivery counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Delivered: c.delivered.Load(),
		Failed:    c.failed.Load(),
		InFlight:  c.pending.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
