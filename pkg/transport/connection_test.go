package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
	"github.com/snaptrace/agent-go/pkg/capture"
	"github.com/snaptrace/agent-go/pkg/metrics"
)

type fakeRegistry struct {
	mu      sync.Mutex
	applied [][]breakpoint.RemoteState
}

func (f *fakeRegistry) ApplyRemoteState(updates []breakpoint.RemoteState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, updates)
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestSend_QueueFullDropsNewest(t *testing.T) {
	collector := metrics.NewCollector("test")
	c := NewConnection(ConnectionConfig{
		URL:       "ws://unused",
		Logger:    zap.NewNop(),
		Metrics:   collector,
		QueueSize: 2,
	})

	c.SendSnapshot(&capture.Record{ID: "first"})
	c.SendSnapshot(&capture.Record{ID: "second"})
	c.SendSnapshot(&capture.Record{ID: "third"}) // queue full: dropped

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.SnapshotsDropped))

	// The two accepted records kept their place.
	var ids []string
	for i := 0; i < 2; i++ {
		data := <-c.sendQueue
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		var rec capture.Record
		require.NoError(t, json.Unmarshal(msg.Payload, &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"first", "second"}, ids)
}

func TestSend_NeverBlocks(t *testing.T) {
	c := NewConnection(ConnectionConfig{
		URL:       "ws://unused",
		Logger:    zap.NewNop(),
		QueueSize: 1,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			c.SendSnapshot(&capture.Record{ID: "r"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked the caller")
	}
}

func TestHandleMessage_RegisteredFlipsAuth(t *testing.T) {
	c := NewConnection(ConnectionConfig{Logger: zap.NewNop()})
	c.connected = true

	c.handleMessage([]byte(`{"type":"registered","timestamp":1}`))
	assert.True(t, c.IsConnected())
}

func TestHandleMessage_BreakpointPushAppliesToRegistry(t *testing.T) {
	registry := &fakeRegistry{}
	c := NewConnection(ConnectionConfig{Logger: zap.NewNop(), Registry: registry})

	payload := `{"type":"breakpoints","payload":{"breakpoints":[{"function":"checkout","label":"start","enabled":true,"max_captures":3}]},"timestamp":1}`
	c.handleMessage([]byte(payload))

	require.Equal(t, 1, registry.count())
	states := registry.applied[0]
	require.Len(t, states, 1)
	assert.Equal(t, breakpoint.Key{Function: "checkout", Label: "start"}, states[0].Key())
	assert.True(t, states[0].Enabled)
}

func TestHandleMessage_MalformedInputIgnored(t *testing.T) {
	c := NewConnection(ConnectionConfig{Logger: zap.NewNop()})
	assert.NotPanics(t, func() {
		c.handleMessage([]byte(`not json`))
		c.handleMessage([]byte(`{"type":"breakpoints","payload":"not-an-object"}`))
		c.handleMessage([]byte(`{"type":"error","payload":{"code":"whatever"}}`))
	})
}

func TestHandleMessage_AuthErrorDisablesReconnect(t *testing.T) {
	c := NewConnection(ConnectionConfig{Logger: zap.NewNop()})
	c.handleMessage([]byte(`{"type":"error","payload":{"code":"invalid_api_key","message":"bad key"},"timestamp":1}`))

	assert.Equal(t, 0, c.maxReconnectAttempts)
	select {
	case <-c.done:
	default:
		t.Fatal("auth error should stop the connection")
	}
}

func TestConnection_EndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Message, 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			received <- msg

			if msg.Type == "register" {
				ack, _ := json.Marshal(Message{Type: "registered", Timestamp: time.Now().UnixMilli()})
				conn.WriteMessage(websocket.TextMessage, ack)
			}
		}
	}))
	defer srv.Close()

	c := NewConnection(ConnectionConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey: "test-key",
		Logger: zap.NewNop(),
	})
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Connect(ctx)

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	c.SendSnapshot(&capture.Record{ID: "snap-1"})

	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-received:
				if msg.Type == "snapshot" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
