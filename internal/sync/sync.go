// Package sync is the cloud tether (§4.10): it periodically upserts this
// daemon's printer inventory, sends a heartbeat, and refreshes the
// routing configuration (groups/assignments) that the router and realtime
// ingress consult. None of this blocks printing — a daemon that's lost
// its connection to the cloud keeps draining the local queue against
// whatever routing snapshot it last fetched.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/model"
)

const (
	printerUpsertInterval = 5 * time.Minute
	heartbeatInterval     = 30 * time.Second
	routingFetchInterval  = 5 * time.Minute
	requestTimeout        = 10 * time.Second
)

// Client polls and pushes against the cloud REST API.
type Client struct {
	baseURL      string
	restaurantID string
	apiKey       string
	routing      *config.Store
	logger       aqm.Logger
	http         *http.Client
	now          func() time.Time

	printers func() []model.Printer
}

// NewClient builds a sync client. printers lazily reports the daemon's
// current discovered/configured printer inventory at upsert time.
func NewClient(baseURL, restaurantID, apiKey string, routing *config.Store, printers func() []model.Printer, logger aqm.Logger) *Client {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Client{
		baseURL: baseURL, restaurantID: restaurantID, apiKey: apiKey,
		routing: routing, printers: printers, logger: logger.With("component", "sync"),
		http: &http.Client{Timeout: requestTimeout},
		now:  time.Now,
	}
}

// Start runs the three periodic loops until ctx is cancelled, satisfying
// the aqm.Lifecycle contract the supervisor wires components through
// (mirrors services/kitchen/internal/mongo.TicketRepo's Start/Stop shape).
func (c *Client) Start(ctx context.Context) error {
	go c.loop(ctx, printerUpsertInterval, c.upsertPrinters)
	go c.loop(ctx, heartbeatInterval, c.sendHeartbeat)
	go c.loop(ctx, routingFetchInterval, c.fetchRouting)
	return nil
}

// Stop is a no-op: the loops exit on ctx cancellation, which the
// supervisor triggers before calling Stop.
func (c *Client) Stop(ctx context.Context) error { return nil }

func (c *Client) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) {
	fn(ctx) // run once immediately so a fresh daemon doesn't wait a full interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				c.logger.Warn("sync: periodic task failed", "error", err)
			}
		}
	}
}

func (c *Client) upsertPrinters(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"restaurant_id": c.restaurantID,
		"printers":      c.printers(),
	})
	if err != nil {
		return fmt.Errorf("marshal printer upsert: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, "/rest/v1/printers", body)
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"restaurant_id": c.restaurantID,
		"at":            c.now().UTC().Format(time.RFC3339),
	})
	return c.doRequest(ctx, http.MethodPost, "/rest/v1/heartbeat", body)
}

func (c *Client) fetchRouting(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/routing?restaurant_id="+c.restaurantID, nil)
	if err != nil {
		return fmt.Errorf("build routing request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("sync: routing fetch transient failure", "error", err)
		return nil // transient network error: keep the last good snapshot, retry next tick
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.logger.Warn("sync: routing fetch server error", "status", resp.StatusCode)
		return nil // transient: retry next tick
	}
	if resp.StatusCode >= 400 {
		c.logger.Error("sync: routing fetch rejected", "status", resp.StatusCode)
		return nil // permanent per this response: logged, not retried early
	}

	var routing config.Routing
	if err := json.NewDecoder(resp.Body).Decode(&routing); err != nil {
		return fmt.Errorf("decode routing response: %w", err)
	}
	routing.FetchedAt = c.now()
	return c.routing.Replace(routing)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("sync: request transient failure", "path", path, "error", err)
		return nil // transient: next tick retries
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		c.logger.Warn("sync: server error", "path", path, "status", resp.StatusCode)
		return nil
	}
	if resp.StatusCode >= 400 {
		c.logger.Error("sync: request rejected", "path", path, "status", resp.StatusCode)
		return nil
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
