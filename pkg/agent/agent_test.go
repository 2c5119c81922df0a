package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
)

// newTestAgent builds a started agent pointed at throwaway local
// endpoints so nothing leaves the test process.
func newTestAgent(t *testing.T, options ...ConfigOption) *Agent {
	t.Helper()

	base := []ConfigOption{
		WithAPIKey("test-key"),
		WithBackendURL("ws://127.0.0.1:1"),
		WithControlPlaneURL("http://127.0.0.1:1"),
		WithPollInterval(time.Hour),
	}
	a := New(NewConfig(append(base, options...)...))
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func TestSnapshot_FeatureFlagOffSkipsRegistry(t *testing.T) {
	a := newTestAgent(t, WithEnableSnapshots(false))

	produced := a.Snapshot("checkout-start", map[string]any{"total": 10})

	assert.False(t, produced)
	assert.Equal(t, 0, a.Registry().Len(), "disabled feature must not touch the registry")
}

func TestSnapshot_AutoRegistersUnderCallerFunction(t *testing.T) {
	a := newTestAgent(t)

	produced := a.Snapshot("first-touch", map[string]any{"n": 1})
	assert.False(t, produced, "auto-registered breakpoints start disabled")

	entries := a.Registry().Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "first-touch", entries[0].Key.Label)
	// Key derives from the calling function's bare name.
	assert.Equal(t, "TestSnapshot_AutoRegistersUnderCallerFunction", entries[0].Key.Function)
}

func TestSnapshotAt_EnabledBreakpointProducesRecord(t *testing.T) {
	a := newTestAgent(t)

	a.Registry().ApplyRemoteState([]breakpoint.RemoteState{
		{Function: "checkout", Label: "start", Enabled: true, MaxCaptures: 2},
	})

	assert.True(t, a.SnapshotAt("checkout", "start", map[string]any{"total": 10}))
	assert.True(t, a.SnapshotAt("checkout", "start", map[string]any{"total": 11}))
	assert.False(t, a.SnapshotAt("checkout", "start", map[string]any{"total": 12}),
		"capture ceiling reached")
}

func TestPollNow_SyncsRegistryFromControlPlane(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"breakpoints": []map[string]any{
				{"function": "checkout", "label": "start", "enabled": true, "max_captures": 1},
			},
		})
	}))
	defer srv.Close()

	a := newTestAgent(t, WithControlPlaneURL(srv.URL))

	require.NoError(t, a.PollNow(context.Background()))
	assert.True(t, a.Registry().IsActive(breakpoint.Key{Function: "checkout", Label: "start"}))
	assert.True(t, a.SnapshotAt("checkout", "start", map[string]any{"n": 1}))
}

func TestCaptureError_NeverPanics(t *testing.T) {
	a := newTestAgent(t)

	assert.NotPanics(t, func() {
		a.CaptureError(assert.AnError, map[string]any{"password": "x"})
		a.CaptureError(nil)
	})
}

func TestCapturePanic_RePanics(t *testing.T) {
	a := newTestAgent(t)

	assert.Panics(t, func() {
		defer a.CapturePanic()
		panic("boom")
	})
}

func TestSetContext_MergedIntoCaptures(t *testing.T) {
	a := newTestAgent(t)
	a.SetContext(map[string]any{"deployment": "blue"})
	a.SetUser("u-1", "u@example.com", "tester")

	merged := a.mergeContext(map[string]any{"request_id": "r-1"})

	assert.Equal(t, "blue", merged["deployment"])
	assert.Equal(t, "r-1", merged["request_id"])
	user, ok := merged["user"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "u-1", user["id"])
}

func TestStartStop_Idempotent(t *testing.T) {
	a := New(NewConfig(
		WithAPIKey("test-key"),
		WithBackendURL("ws://127.0.0.1:1"),
		WithControlPlaneURL("http://127.0.0.1:1"),
		WithPollInterval(time.Hour),
	))

	a.Start()
	a.Start()
	a.Stop()
	a.Stop()
}

func TestSnapshot_NotStartedIsNoop(t *testing.T) {
	a := New(NewConfig(
		WithAPIKey("test-key"),
		WithBackendURL("ws://127.0.0.1:1"),
		WithControlPlaneURL("http://127.0.0.1:1"),
	))

	assert.False(t, a.Snapshot("label", nil))
	assert.Equal(t, 0, a.Registry().Len())
}
