package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
	"github.com/snaptrace/agent-go/pkg/capture"
	"github.com/snaptrace/agent-go/pkg/controlplane"
	"github.com/snaptrace/agent-go/pkg/metrics"
	"github.com/snaptrace/agent-go/pkg/poller"
	"github.com/snaptrace/agent-go/pkg/redact"
	"github.com/snaptrace/agent-go/pkg/transport"
)

// Agent is one SnapTrace agent instance: a breakpoint registry, its
// poller, the capture engine and the ingestion transport. Most hosts use
// the global instance through Init and the package-level functions;
// tests and multi-tenant hosts can run several agents side by side via
// New.
type Agent struct {
	config     *Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	registry   *breakpoint.Registry
	engine     *capture.Engine
	poller     *poller.Poller
	connection *transport.Connection

	started bool
	cancel  context.CancelFunc
	mu      sync.RWMutex

	customContext map[string]any
	user          map[string]string
}

var (
	globalAgent *Agent
	globalOnce  sync.Once
)

// Init initializes the global agent with the given options and starts it.
func Init(options ...ConfigOption) *Agent {
	globalOnce.Do(func() {
		config := NewConfig(options...)

		if config.APIKey == "" {
			fallbackLogger().Warn("API key is required; set SNAPTRACE_API_KEY or use WithAPIKey")
			return
		}

		globalAgent = New(config)
		globalAgent.Start()

		globalAgent.logger.Info("agent initialized",
			zap.String("environment", config.Environment),
			zap.String("agent_id", config.AgentID))
	})

	return globalAgent
}

// GetAgent returns the global agent instance, nil before Init.
func GetAgent() *Agent {
	return globalAgent
}

// New assembles an agent from config without starting it.
func New(config *Config) *Agent {
	logger := newLogger(config.Debug)
	collector := metrics.NewCollector("snaptrace")

	registry := breakpoint.NewRegistry(logger.Named("registry"),
		breakpoint.WithDefaultMaxCaptures(config.DefaultMaxCaptures),
		breakpoint.WithDefaultExpiry(config.DefaultExpiry),
	)

	connection := transport.NewConnection(transport.ConnectionConfig{
		URL:      config.BackendURL,
		APIKey:   config.APIKey,
		AgentID:  config.AgentID,
		Hostname: config.Hostname,
		Logger:   logger.Named("transport"),
		Metrics:  collector,
		Registry: registry,
	})

	engine := capture.NewEngine(capture.EngineConfig{
		Registry: registry,
		Filter:   redact.NewFilter(config.ExtraRedactionPatterns...),
		Sender:   connection,
		Logger:   logger.Named("capture"),
		Metrics:  collector,
		Limits: capture.Limits{
			MaxDepth:          config.MaxCaptureDepth,
			MaxStringLength:   config.MaxStringLength,
			MaxCollectionSize: config.MaxCollectionSize,
		},
		Process: capture.ProcessContext{
			AgentID:     config.AgentID,
			Environment: config.Environment,
			Hostname:    config.Hostname,
			RuntimeInfo: capture.CurrentRuntimeInfo(),
		},
		SnapshotsPerSecond: config.SnapshotsPerSecond,
	})

	fetcher := controlplane.NewClient(controlplane.ClientConfig{
		BaseURL: config.ControlPlaneURL,
		APIKey:  config.APIKey,
		AgentID: config.AgentID,
		Logger:  logger.Named("controlplane"),
	})

	p := poller.New(poller.Config{
		Fetcher:  fetcher,
		Registry: registry,
		Logger:   logger.Named("poller"),
		Metrics:  collector,
		Interval: config.PollInterval,
	})

	return &Agent{
		config:        config,
		logger:        logger,
		metrics:       collector,
		registry:      registry,
		engine:        engine,
		poller:        p,
		connection:    connection,
		customContext: make(map[string]any),
		user:          make(map[string]string),
	}
}

// Start connects the transport and begins polling. Idempotent.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.connection.Connect(ctx)

	if a.config.EnableSnapshots {
		a.poller.Start()
	}

	go a.handleSignals()

	a.started = true
	a.logger.Debug("agent started")
}

// Stop shuts the agent down: the poller's in-flight cycle finishes or is
// abandoned on its fetch timeout, then the transport disconnects.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return
	}

	if a.config.EnableSnapshots {
		a.poller.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.connection.Disconnect()

	a.started = false
	a.logger.Debug("agent stopped")
}

// Snapshot is the instrumentation call site: capture the given variables
// at the breakpoint identified by the calling function and label. The
// call never blocks on delivery and never fails observably; it returns
// true when a record was produced. With snapshots disabled it returns
// immediately without touching the registry.
func (a *Agent) Snapshot(label string, vars map[string]any, requestContext ...map[string]any) bool {
	if !a.isStarted() || !a.config.EnableSnapshots {
		return false
	}

	key := breakpoint.Key{
		// Skip runtime.Callers, CallerFunction and Snapshot itself.
		Function: capture.CallerFunction(3),
		Label:    label,
	}

	var reqCtx map[string]any
	if len(requestContext) > 0 {
		reqCtx = requestContext[0]
	}

	return a.engine.Snapshot(key, vars, a.mergeContext(reqCtx)) != nil
}

// SnapshotAt is Snapshot with an explicit function name, for call sites
// where the caller frame is not the interesting location (wrappers,
// generated code).
func (a *Agent) SnapshotAt(function, label string, vars map[string]any, requestContext ...map[string]any) bool {
	if !a.isStarted() || !a.config.EnableSnapshots {
		return false
	}

	var reqCtx map[string]any
	if len(requestContext) > 0 {
		reqCtx = requestContext[0]
	}

	key := breakpoint.Key{Function: function, Label: label}
	return a.engine.Snapshot(key, vars, a.mergeContext(reqCtx)) != nil
}

// CaptureError captures an error with optional context.
func (a *Agent) CaptureError(err error, ctx ...map[string]any) {
	if !a.isStarted() || err == nil {
		return
	}

	var errCtx map[string]any
	if len(ctx) > 0 {
		errCtx = ctx[0]
	}

	a.engine.CaptureError(err, a.mergeContext(errCtx))
}

// handlePanic converts a recovered value to an error and captures it.
func (a *Agent) handlePanic(r any) {
	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("%s", v)
	default:
		err = fmt.Errorf("%v", v)
	}

	a.CaptureError(err, map[string]any{"panic": true})
}

// CapturePanic captures a panic value with recovery.
// IMPORTANT: Must be called directly as a deferred function because
// recover() only works when called directly by a deferred function.
// Use: defer agent.CapturePanic()
func (a *Agent) CapturePanic() {
	if r := recover(); r != nil {
		a.handlePanic(r)
		// Re-panic to maintain normal behavior
		panic(r)
	}
}

// PollNow refreshes breakpoint state synchronously, returning after the
// fetched state has been applied. Exposed for operational tooling and
// deterministic tests.
func (a *Agent) PollNow(ctx context.Context) error {
	if !a.isStarted() || !a.config.EnableSnapshots {
		return nil
	}
	return a.poller.PollNow(ctx)
}

// SetContext sets custom context sent with all captures.
func (a *Agent) SetContext(ctx map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.customContext = make(map[string]any, len(ctx))
	for k, v := range ctx {
		a.customContext[k] = v
	}
}

// SetUser sets the current user information.
func (a *Agent) SetUser(id, email, username string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.user = make(map[string]string)
	if id != "" {
		a.user["id"] = id
	}
	if email != "" {
		a.user["email"] = email
	}
	if username != "" {
		a.user["username"] = username
	}
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}

// Registry exposes the breakpoint registry for diagnostics.
func (a *Agent) Registry() *breakpoint.Registry {
	return a.registry
}

// Metrics exposes the agent's internal collector so hosts can scrape it.
func (a *Agent) Metrics() *metrics.Collector {
	return a.metrics
}

func (a *Agent) isStarted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

// mergeContext folds the agent-wide custom context and user info into a
// per-call bag without mutating either side.
func (a *Agent) mergeContext(callCtx map[string]any) map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.customContext) == 0 && len(a.user) == 0 {
		return callCtx
	}

	merged := make(map[string]any, len(callCtx)+len(a.customContext)+1)
	for k, v := range a.customContext {
		merged[k] = v
	}
	if len(a.user) > 0 {
		merged["user"] = a.user
	}
	for k, v := range callCtx {
		merged[k] = v
	}
	return merged
}

func (a *Agent) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	a.Stop()
}

func newLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("snaptrace")
}

func fallbackLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("snaptrace")
}

// Package-level convenience functions over the global agent.

// Snapshot captures variables at a breakpoint using the global agent.
func Snapshot(label string, vars map[string]any, requestContext ...map[string]any) bool {
	if globalAgent == nil {
		return false
	}
	if !globalAgent.isStarted() || !globalAgent.config.EnableSnapshots {
		return false
	}

	key := breakpoint.Key{
		// Skip runtime.Callers, CallerFunction and this wrapper.
		Function: capture.CallerFunction(3),
		Label:    label,
	}

	var reqCtx map[string]any
	if len(requestContext) > 0 {
		reqCtx = requestContext[0]
	}

	return globalAgent.engine.Snapshot(key, vars, globalAgent.mergeContext(reqCtx)) != nil
}

// CaptureError captures an error using the global agent.
func CaptureError(err error, ctx ...map[string]any) {
	if globalAgent != nil {
		globalAgent.CaptureError(err, ctx...)
	}
}

// CapturePanic captures a panic using the global agent.
// IMPORTANT: recover() must be called directly in the deferred function,
// so we call recover() here and pass the value to handlePanic.
// Use: defer agent.CapturePanic()
func CapturePanic() {
	if r := recover(); r != nil {
		if globalAgent != nil {
			globalAgent.handlePanic(r)
		}
		// Re-panic to maintain normal behavior
		panic(r)
	}
}

// PollNow refreshes breakpoint state using the global agent.
func PollNow(ctx context.Context) error {
	if globalAgent == nil {
		return nil
	}
	return globalAgent.PollNow(ctx)
}

// SetContext sets custom context using the global agent.
func SetContext(ctx map[string]any) {
	if globalAgent != nil {
		globalAgent.SetContext(ctx)
	}
}

// SetUser sets user information using the global agent.
func SetUser(id, email, username string) {
	if globalAgent != nil {
		globalAgent.SetUser(id, email, username)
	}
}

// Shutdown stops the global agent.
func Shutdown() {
	if globalAgent != nil {
		globalAgent.Stop()
	}
}

// WaitForConnection blocks until the transport is registered or the
// timeout elapses. Handy in short-lived demos and tests.
func (a *Agent) WaitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.connection.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return a.connection.IsConnected()
}
