package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/spyflow/spyflow/internal/contract"
)

const (
	requestTimeout = 10 * time.Second
	retryPause     = 500 * time.Millisecond
)

// Client is the detector-side HTTP client for the ingress API. Posts go
// through a circuit breaker; a transient failure gets one retry before the
// error is surfaced to the scan loop.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "ingress",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("ingress breaker state change")
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// PostAnomalies sends one scan's anomaly batch.
func (c *Client) PostAnomalies(ctx context.Context, b contract.AnomaliesBatch) error {
	return c.send(ctx, http.MethodPost, "/anomalies", b)
}

// PostVolume sends one ATM volume snapshot.
func (c *Client) PostVolume(ctx context.Context, v contract.VolumeSnapshot) error {
	return c.send(ctx, http.MethodPost, "/volumes", v)
}

// PostFlow sends one cumulative flow snapshot.
func (c *Client) PostFlow(ctx context.Context, f contract.FlowSnapshot) error {
	return c.send(ctx, http.MethodPost, "/flow", f)
}

// PostSpyTick sends one underlying tick.
func (c *Client) PostSpyTick(ctx context.Context, t contract.SpyMarketSnapshot) error {
	return c.send(ctx, http.MethodPost, "/spy-market", t)
}

// PatchMarketState sends a sparse market-state update.
func (c *Client) PatchMarketState(ctx context.Context, fields map[string]any) error {
	return c.send(ctx, http.MethodPost, "/market/state", fields)
}

func (c *Client) send(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: marshal %s: %w", path, err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		err := c.do(ctx, method, path, body)
		if err != nil && isTransient(err) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryPause):
			}
			err = c.do(ctx, method, path, body)
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return &httpError{status: resp.StatusCode, transient: true}
	}
	if resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}

type httpError struct {
	status    int
	transient bool
}

func (e *httpError) Error() string {
	return fmt.Sprintf("ingress returned %d", e.status)
}

// isTransient decides whether a failure is worth one immediate retry:
// 5xx responses, timeouts, and transport-level errors qualify; 4xx
// responses do not.
func isTransient(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
