package capture

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
	"github.com/snaptrace/agent-go/pkg/metrics"
	"github.com/snaptrace/agent-go/pkg/redact"
)

// Sender is where finished records go. Delivery is fire-and-forget: the
// engine never waits for confirmation and a failing sender must not
// surface into the instrumented request path.
type Sender interface {
	SendSnapshot(rec *Record)
	SendException(exc *Exception)
}

// Engine decides whether a breakpoint hit becomes a snapshot and builds
// the record when it does. One engine is shared per process; all methods
// are safe for concurrent use.
//
// The active check and the capture-count increment are separate registry
// operations, so concurrent hits at the same key may overshoot the
// capture ceiling by at most the number of goroutines past the check at
// the same instant. The ceiling is advisory, not transactional.
type Engine struct {
	registry *breakpoint.Registry
	filter   *redact.Filter
	sender   Sender
	logger   *zap.Logger
	metrics  *metrics.Collector
	limiter  *rate.Limiter
	limits   Limits
	process  ProcessContext
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Registry *breakpoint.Registry
	Filter   *redact.Filter
	Sender   Sender
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Limits   Limits
	Process  ProcessContext

	// SnapshotsPerSecond caps process-wide capture throughput.
	// Zero or negative disables the ceiling.
	SnapshotsPerSecond float64
}

// NewEngine builds a capture engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector("snaptrace")
	}
	filter := cfg.Filter
	if filter == nil {
		filter = redact.NewFilter()
	}

	var limiter *rate.Limiter
	if cfg.SnapshotsPerSecond > 0 {
		burst := int(cfg.SnapshotsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SnapshotsPerSecond), burst)
	}

	return &Engine{
		registry: cfg.Registry,
		filter:   filter,
		sender:   cfg.Sender,
		logger:   logger,
		metrics:  collector,
		limiter:  limiter,
		limits:   cfg.Limits.withDefaults(),
		process:  cfg.Process,
	}
}

// Snapshot runs the capture flow for one breakpoint hit. It returns the
// record it produced, or nil when the breakpoint is inactive, the rate
// ceiling is hit, or no registry is wired. The inactive path does no
// redaction and allocates no record.
func (e *Engine) Snapshot(key breakpoint.Key, vars map[string]any, requestContext map[string]any) *Record {
	if e.registry == nil {
		return nil
	}

	e.registry.EnsureRegistered(key)
	if !e.registry.IsActive(key) {
		return nil
	}

	if e.limiter != nil && !e.limiter.Allow() {
		e.metrics.CapturesSuppressed.Inc()
		e.logger.Warn("capture rate ceiling reached, skipping snapshot",
			zap.String("key", key.String()))
		return nil
	}

	// Convert first, then redact the tree: field-name rules apply to every
	// child including struct fields, value rules to every string leaf.
	variables, redactions := redactVariables(e.filter, CaptureBag(vars, e.limits))
	if n := redactions + e.filter.RedactedCount(requestContext); n > 0 {
		e.metrics.Redactions.Add(float64(n))
	}

	rec := &Record{
		ID:             uuid.New().String(),
		Key:            key,
		CapturedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Variables:      variables,
		RequestContext: e.filter.Redact(requestContext),
		ProcessContext: e.process,
		// Skip runtime.Callers, captureStackTrace and Snapshot itself.
		StackTrace: captureStackTrace(3),
	}

	e.registry.RecordCapture(key)
	e.metrics.SnapshotsCaptured.Inc()

	if e.sender != nil {
		e.sender.SendSnapshot(rec)
	}

	e.logger.Debug("snapshot captured",
		zap.String("key", key.String()),
		zap.String("id", rec.ID))

	return rec
}

// Registry exposes the engine's registry for operational tooling.
func (e *Engine) Registry() *breakpoint.Registry {
	return e.registry
}
