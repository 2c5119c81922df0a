// Package controlplane talks to the backend that owns breakpoint state.
package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
)

// FetchError wraps any failure to retrieve remote breakpoint state. The
// poller logs it and skips the cycle; it never reaches instrumented code.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "control plane fetch: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves the current breakpoint descriptors for this agent.
type Fetcher interface {
	Fetch(ctx context.Context) ([]breakpoint.RemoteState, error)
}

// Client fetches breakpoint state over HTTP. A circuit breaker sits in
// front of the request so a flapping backend fails fast instead of eating
// the fetch timeout on every tick.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	agentID string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
	Logger  *zap.Logger
}

type breakpointList struct {
	Breakpoints []breakpoint.RemoteState `json:"breakpoints"`
}

// NewClient builds a control-plane client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "control-plane-fetch",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("control plane circuit state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
		agentID: cfg.AgentID,
	}
}

// Fetch returns the breakpoint descriptors the backend holds for this
// agent. Any failure (network, timeout, non-2xx, open circuit, malformed
// body) comes back as a *FetchError.
func (c *Client) Fetch(ctx context.Context) ([]breakpoint.RemoteState, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var list breakpointList
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&list).
			Get(fmt.Sprintf("/v1/agents/%s/breakpoints", c.agentID))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String())
		}
		return list.Breakpoints, nil
	})
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	states, _ := result.([]breakpoint.RemoteState)
	return states, nil
}
