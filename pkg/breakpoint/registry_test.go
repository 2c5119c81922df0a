package breakpoint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureRegistered_DefaultDisabled(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "checkout", Label: "checkout-start"}

	bp := r.EnsureRegistered(key)

	assert.False(t, bp.Enabled)
	assert.Equal(t, 0, bp.CaptureCount)
	assert.Equal(t, DefaultMaxCaptures, bp.MaxCaptures)
	assert.True(t, bp.ExpiresAt.IsZero())
	assert.False(t, r.IsActive(key))
}

func TestEnsureRegistered_Idempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "checkout", Label: "checkout-start"}

	first := r.EnsureRegistered(key)
	second := r.EnsureRegistered(key)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 1, r.Len())
}

func TestEnsureRegistered_ConcurrentFirstTouch(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "checkout", Label: "checkout-start"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureRegistered(key)
			r.RecordCapture(key)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, r.Len())
	entries := r.Snapshot()
	// No increment may be lost to a racing duplicate registration.
	assert.Equal(t, 50, entries[0].CaptureCount)
}

func TestIsActive_CaptureCeiling(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "orders", Label: "apply-discount"}
	r.EnsureRegistered(key)
	r.ApplyRemoteState([]RemoteState{
		{Function: "orders", Label: "apply-discount", Enabled: true, MaxCaptures: 2},
	})

	assert.True(t, r.IsActive(key))
	r.RecordCapture(key)
	assert.True(t, r.IsActive(key))
	r.RecordCapture(key)
	assert.False(t, r.IsActive(key), "at ceiling means effectively disabled")
}

func TestIsActive_ExpiredIsInactive(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "orders", Label: "expired"}
	r.ApplyRemoteState([]RemoteState{
		{
			Function:    "orders",
			Label:       "expired",
			Enabled:     true,
			MaxCaptures: 5,
			ExpiresAt:   time.Now().Add(-time.Minute),
		},
	})

	entries := r.Snapshot()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Enabled)
	assert.False(t, r.IsActive(key))
}

func TestIsActive_UnknownKey(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.False(t, r.IsActive(Key{Function: "nope", Label: "nope"}))
}

func TestRecordCapture_UnknownKeyIsNoop(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.NotPanics(t, func() {
		r.RecordCapture(Key{Function: "ghost", Label: "ghost"})
	})
	assert.Equal(t, 0, r.Len())
}

func TestApplyRemoteState_PartialSync(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	named := Key{Function: "checkout", Label: "named"}
	untouched := Key{Function: "checkout", Label: "untouched"}
	r.EnsureRegistered(named)
	r.EnsureRegistered(untouched)
	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "untouched", Enabled: true, MaxCaptures: 3},
	})

	// A later partial update for the other key must not disturb it.
	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "named", Enabled: true, MaxCaptures: 7},
	})

	assert.True(t, r.IsActive(named))
	assert.True(t, r.IsActive(untouched))
}

func TestApplyRemoteState_CreatesUnknownKeys(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.ApplyRemoteState([]RemoteState{
		{Function: "billing", Label: "invoice", Enabled: true, MaxCaptures: 4},
	})

	key := Key{Function: "billing", Label: "invoice"}
	assert.True(t, r.IsActive(key))
	assert.Equal(t, 1, r.Len())
}

func TestApplyRemoteState_ReenableResetsCounter(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	key := Key{Function: "checkout", Label: "rearm"}
	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "rearm", Enabled: true, MaxCaptures: 1},
	})
	r.RecordCapture(key)
	assert.False(t, r.IsActive(key))

	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "rearm", Enabled: false, MaxCaptures: 1},
	})
	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "rearm", Enabled: true, MaxCaptures: 1},
	})

	assert.True(t, r.IsActive(key), "re-enable grants a fresh capture budget")
}

func TestApplyRemoteState_ZeroCeilingFallsBackToDefault(t *testing.T) {
	r := NewRegistry(zap.NewNop(), WithDefaultMaxCaptures(6))
	r.ApplyRemoteState([]RemoteState{
		{Function: "checkout", Label: "no-ceiling", Enabled: true},
	})

	entries := r.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 6, entries[0].MaxCaptures)
}

func TestRegistry_DefaultExpiryOption(t *testing.T) {
	r := NewRegistry(zap.NewNop(), WithDefaultExpiry(time.Hour))
	bp := r.EnsureRegistered(Key{Function: "f", Label: "l"})
	assert.False(t, bp.ExpiresAt.IsZero())
	assert.True(t, bp.ExpiresAt.After(time.Now()))
}

func TestRegistry_ConcurrentMixedAccess(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := Key{Function: "f", Label: fmt.Sprintf("l-%d", i%5)}
			r.EnsureRegistered(key)
			r.IsActive(key)
			r.RecordCapture(key)
			r.ApplyRemoteState([]RemoteState{
				{Function: "f", Label: key.Label, Enabled: true, MaxCaptures: 100},
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
}
