// Package poller keeps the breakpoint registry synchronized with the
// control plane, off the request-handling paths.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
	"github.com/snaptrace/agent-go/pkg/controlplane"
	"github.com/snaptrace/agent-go/pkg/metrics"
)

// DefaultInterval is how often the registry is refreshed when the host
// doesn't configure its own interval.
const DefaultInterval = 30 * time.Second

// Poller periodically fetches remote breakpoint state and applies it to
// the registry. A failed cycle is logged and skipped; the registry keeps
// its last-known state and the ticker keeps running. PollNow runs the
// same cycle on demand for operational tooling and deterministic tests.
type Poller struct {
	fetcher  controlplane.Fetcher
	registry *breakpoint.Registry
	logger   *zap.Logger
	metrics  *metrics.Collector

	interval     time.Duration
	fetchTimeout time.Duration

	// cycleMu serializes poll cycles; cycleSeq counts completed cycles so
	// a trigger that waited out an in-flight cycle can tell it already got
	// fresh state and skip its own fetch.
	cycleMu  sync.Mutex
	cycleSeq atomic.Uint64
	lastErr  error

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

// Config wires a Poller.
type Config struct {
	Fetcher  controlplane.Fetcher
	Registry *breakpoint.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Collector

	// Interval between ticks; DefaultInterval when zero.
	Interval time.Duration
	// FetchTimeout bounds one cycle's fetch; defaults to Interval/2,
	// capped at 10s.
	FetchTimeout time.Duration
}

// New builds a Poller. Call Start to begin ticking.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector("snaptrace")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = interval / 2
		if fetchTimeout > 10*time.Second {
			fetchTimeout = 10 * time.Second
		}
	}

	return &Poller{
		fetcher:      cfg.Fetcher,
		registry:     cfg.Registry,
		logger:       logger,
		metrics:      collector,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call once; later calls are
// no-ops.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

// Stop shuts the loop down. An in-flight cycle finishes or is abandoned
// when its fetch timeout fires; Stop returns once the loop has exited.
// Safe to call without a prior Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	if p.started.Load() {
		<-p.stopped
	}
}

// PollNow performs one synchronous fetch-and-apply cycle, returning after
// application completes. If a cycle is already in flight the call waits
// for it and returns its outcome instead of starting a second one.
func (p *Poller) PollNow(ctx context.Context) error {
	before := p.cycleSeq.Load()

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	// A cycle completed while this trigger was waiting for the lock; the
	// registry is as fresh as a new fetch would make it, so report that
	// cycle's outcome instead of fetching again.
	if p.cycleSeq.Load() != before {
		return p.lastErr
	}
	return p.cycleLocked(ctx)
}

func (p *Poller) run() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	defer cancel()

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	// Errors are already logged and counted inside the cycle; a failed
	// tick must never stop the loop.
	_ = p.cycleLocked(ctx)
}

// cycleLocked runs one fetch-and-apply. Caller holds cycleMu.
func (p *Poller) cycleLocked(ctx context.Context) error {
	if p.fetcher == nil || p.registry == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	states, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.cycleSeq.Add(1)
		p.lastErr = err
		p.metrics.PollCycles.WithLabelValues("failure").Inc()
		p.logger.Warn("breakpoint poll failed, keeping last-known state",
			zap.Error(err))
		return err
	}

	p.registry.ApplyRemoteState(states)
	p.cycleSeq.Add(1)
	p.lastErr = nil
	p.metrics.PollCycles.WithLabelValues("success").Inc()
	p.metrics.RemoteUpdates.Add(float64(len(states)))
	p.logger.Debug("breakpoint poll applied",
		zap.Int("descriptors", len(states)))
	return nil
}
