package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
)

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL: url,
		APIKey:  "test-key",
		AgentID: "agent-1",
		Timeout: 2 * time.Second,
		Logger:  zap.NewNop(),
	})
}

func TestFetch_ParsesDescriptors(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/agent-1/breakpoints", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"breakpoints": []map[string]any{
				{
					"function":     "checkout",
					"label":        "checkout-start",
					"enabled":      true,
					"max_captures": 5,
					"expires_at":   expires.Format(time.RFC3339),
				},
				{
					"function": "orders",
					"label":    "place",
					"enabled":  false,
				},
			},
		})
	}))
	defer srv.Close()

	states, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, breakpoint.Key{Function: "checkout", Label: "checkout-start"}, states[0].Key())
	assert.True(t, states[0].Enabled)
	assert.Equal(t, 5, states[0].MaxCaptures)
	assert.True(t, states[0].ExpiresAt.Equal(expires))

	assert.False(t, states[1].Enabled)
	assert.True(t, states[1].ExpiresAt.IsZero())
}

func TestFetch_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"breakpoints":[]}`))
	}))
	defer srv.Close()

	states, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFetch_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)

	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestFetch_NetworkError(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Fetch(context.Background())
	require.Error(t, err)

	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestFetch_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	for i := 0; i < 10; i++ {
		_, err := client.Fetch(context.Background())
		require.Error(t, err)
	}

	// Once the breaker opens, fetches fail fast without reaching the server.
	assert.Less(t, hits, 10)
}
