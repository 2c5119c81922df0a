package breakpoint

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxCaptures is the capture ceiling applied to auto-registered
// entries and to remote descriptors that carry no ceiling of their own.
const DefaultMaxCaptures = 10

// Registry is the process-local cache of breakpoints. One instance is
// shared by every instrumented call site and the poller; all operations
// are safe under concurrent use. State is not persisted: a restart
// rebuilds disabled entries via auto-registration and the next poll
// restores enabled state.
type Registry struct {
	logger *zap.Logger

	defaultMaxCaptures int
	defaultExpiry      time.Duration

	mu          sync.RWMutex
	breakpoints map[Key]*Breakpoint
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultMaxCaptures sets the ceiling used for auto-registered entries.
func WithDefaultMaxCaptures(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultMaxCaptures = n
		}
	}
}

// WithDefaultExpiry makes auto-registered entries expire after d.
// Zero means no expiration.
func WithDefaultExpiry(d time.Duration) Option {
	return func(r *Registry) {
		r.defaultExpiry = d
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:             logger,
		defaultMaxCaptures: DefaultMaxCaptures,
		breakpoints:        make(map[Key]*Breakpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureRegistered returns the entry for key, creating a disabled one on
// first touch. Registration is idempotent: concurrent first touches for
// the same key produce exactly one entry. The returned value is a copy.
func (r *Registry) EnsureRegistered(key Key) Breakpoint {
	r.mu.RLock()
	bp, ok := r.breakpoints[key]
	if ok {
		out := *bp
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another caller may have won the race between locks.
	if bp, ok := r.breakpoints[key]; ok {
		return *bp
	}

	now := time.Now()
	bp = &Breakpoint{
		Key:         key,
		Enabled:     false,
		MaxCaptures: r.defaultMaxCaptures,
		CreatedAt:   now,
	}
	if r.defaultExpiry > 0 {
		bp.ExpiresAt = now.Add(r.defaultExpiry)
	}
	r.breakpoints[key] = bp

	r.logger.Debug("breakpoint auto-registered",
		zap.String("key", key.String()),
		zap.Int("max_captures", bp.MaxCaptures))

	return *bp
}

// IsActive reports whether key exists, is enabled, is under its capture
// ceiling and has not expired. Reads may observe slightly stale state
// relative to a concurrent writer.
func (r *Registry) IsActive(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bp, ok := r.breakpoints[key]
	return ok && bp.active(time.Now())
}

// RecordCapture increments the capture counter for key. Unknown keys are
// a logged no-op, never an error to the caller.
func (r *Registry) RecordCapture(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.breakpoints[key]
	if !ok {
		r.logger.Warn("capture recorded for unknown breakpoint",
			zap.String("key", key.String()))
		return
	}
	bp.CaptureCount++
}

// ApplyRemoteState merges control-plane descriptors into the registry.
// Remote state is authoritative only for the keys it names: entries not
// mentioned keep their local state, and unknown remote keys are created
// as given. A disabled-to-enabled flip resets the capture counter so a
// re-armed breakpoint gets a fresh budget.
func (r *Registry) ApplyRemoteState(updates []RemoteState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, update := range updates {
		key := update.Key()
		maxCaptures := update.MaxCaptures
		if maxCaptures <= 0 {
			maxCaptures = r.defaultMaxCaptures
		}

		bp, ok := r.breakpoints[key]
		if !ok {
			r.breakpoints[key] = &Breakpoint{
				Key:         key,
				Enabled:     update.Enabled,
				MaxCaptures: maxCaptures,
				ExpiresAt:   update.ExpiresAt,
				CreatedAt:   time.Now(),
			}
			r.logger.Debug("breakpoint created from remote state",
				zap.String("key", key.String()),
				zap.Bool("enabled", update.Enabled))
			continue
		}

		if update.Enabled && !bp.Enabled {
			bp.CaptureCount = 0
		}
		bp.Enabled = update.Enabled
		bp.MaxCaptures = maxCaptures
		bp.ExpiresAt = update.ExpiresAt
	}
}

// Snapshot returns a copy of every entry, for diagnostics and tests.
func (r *Registry) Snapshot() []Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Breakpoint, 0, len(r.breakpoints))
	for _, bp := range r.breakpoints {
		out = append(out, *bp)
	}
	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakpoints)
}
