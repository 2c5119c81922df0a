// Package transport delivers snapshot and exception records to the
// ingestion backend over a websocket, and applies server-pushed
// breakpoint updates.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
	"github.com/snaptrace/agent-go/pkg/capture"
	"github.com/snaptrace/agent-go/pkg/metrics"
)

// ErrQueueFull is logged (never returned to instrumented code) when a
// record is dropped because the send queue is full.
var ErrQueueFull = errors.New("transport: send queue full")

const (
	defaultQueueSize     = 100
	heartbeatInterval    = 30 * time.Second
	maxReconnectAttempts = 10
	maxReconnectDelay    = 60 * time.Second
)

// RegistryApplier receives breakpoint updates pushed by the backend,
// complementing the poller's pull path.
type RegistryApplier interface {
	ApplyRemoteState(updates []breakpoint.RemoteState)
}

// Message is the wire envelope.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Connection is a websocket connection to the ingestion backend. Sends
// are fire-and-forget through a bounded queue; when the queue is full the
// newest record is dropped with a warning so records already accepted
// keep their place.
type Connection struct {
	url      string
	apiKey   string
	agentID  string
	hostname string
	logger   *zap.Logger
	metrics  *metrics.Collector
	registry RegistryApplier

	mu            sync.RWMutex
	conn          *websocket.Conn
	connected     bool
	authenticated bool

	reconnectAttempts    int
	maxReconnectAttempts int
	reconnectDelay       time.Duration

	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionConfig wires a Connection.
type ConnectionConfig struct {
	URL      string
	APIKey   string
	AgentID  string
	Hostname string
	Logger   *zap.Logger
	Metrics  *metrics.Collector

	// Registry receives backend-pushed breakpoint updates; optional.
	Registry RegistryApplier

	// QueueSize bounds the send queue; defaultQueueSize when zero.
	QueueSize int
}

// NewConnection creates a connection. Call Connect to establish it.
func NewConnection(cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector("snaptrace")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Connection{
		url:                  cfg.URL,
		apiKey:               cfg.APIKey,
		agentID:              cfg.AgentID,
		hostname:             cfg.Hostname,
		logger:               logger,
		metrics:              collector,
		registry:             cfg.Registry,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       time.Second,
		sendQueue:            make(chan []byte, queueSize),
		done:                 make(chan struct{}),
	}
}

// Connect dials the backend and runs the message loop, reconnecting with
// capped exponential backoff until ctx is cancelled or Disconnect is
// called. Run it on its own goroutine.
func (c *Connection) Connect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.dial(); err != nil {
			c.logger.Debug("connection attempt failed", zap.Error(err))

			c.reconnectAttempts++
			if c.reconnectAttempts > c.maxReconnectAttempts {
				c.logger.Warn("max reconnect attempts reached, giving up")
				return
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			c.logger.Debug("reconnecting",
				zap.Duration("delay", delay),
				zap.Int("attempt", c.reconnectAttempts))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop()
	}
}

// Disconnect closes the connection and stops reconnecting.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.authenticated = false
}

// SendSnapshot enqueues a snapshot record. Never blocks the caller.
func (c *Connection) SendSnapshot(rec *capture.Record) {
	c.send("snapshot", rec)
}

// SendException enqueues an exception record. Never blocks the caller.
func (c *Connection) SendException(exc *capture.Exception) {
	c.send("exception", exc)
}

// IsConnected reports whether the connection is up and registered.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Connection) dial() error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("dialing ingestion backend", zap.String("url", c.url))

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.register()
	return nil
}

// register announces the agent; the backend answers with "registered"
// once the key checks out.
func (c *Connection) register() {
	c.sendDirect("register", map[string]any{
		"api_key":       c.apiKey,
		"agent_id":      c.agentID,
		"agent_version": "1.0.0",
		"hostname":      c.hostname,
		"runtime":       "go",
	})
}

func (c *Connection) runMessageLoop() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("read error", zap.Error(err))
				}
				return
			}
			c.handleMessage(message)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case <-readDone:
			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			return
		case <-heartbeat.C:
			if c.IsConnected() {
				c.send("heartbeat", map[string]any{
					"timestamp": time.Now().UnixMilli(),
				})
			}
		case msg := <-c.sendQueue:
			c.mu.RLock()
			if c.conn != nil && c.connected && c.authenticated {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.logger.Debug("write error", zap.Error(err))
				}
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("malformed backend message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "registered":
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		c.logger.Info("agent registered with ingestion backend")

	case "breakpoints":
		c.handleBreakpointPush(msg.Payload)

	case "error":
		c.handleBackendError(msg.Payload)

	default:
		c.logger.Debug("unhandled backend message", zap.String("type", msg.Type))
	}
}

// handleBreakpointPush applies a server-initiated breakpoint update
// without waiting for the next poll.
func (c *Connection) handleBreakpointPush(payload json.RawMessage) {
	if c.registry == nil || len(payload) == 0 {
		return
	}

	var push struct {
		Breakpoints []breakpoint.RemoteState `json:"breakpoints"`
	}
	if err := json.Unmarshal(payload, &push); err != nil {
		c.logger.Warn("malformed breakpoint push", zap.Error(err))
		return
	}

	c.registry.ApplyRemoteState(push.Breakpoints)
	c.metrics.RemoteUpdates.Add(float64(len(push.Breakpoints)))
	c.logger.Debug("applied pushed breakpoint state",
		zap.Int("descriptors", len(push.Breakpoints)))
}

func (c *Connection) handleBackendError(payload json.RawMessage) {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}

	c.logger.Warn("backend error",
		zap.String("code", body.Code),
		zap.String("message", body.Message))

	if body.Code == "auth_error" || body.Code == "invalid_api_key" {
		c.logger.Error("authentication rejected, disabling reconnect")
		c.maxReconnectAttempts = 0
		c.Disconnect()
	}
}

// send marshals and enqueues a message. A full queue drops this (newest)
// record: the caller must never block on delivery.
func (c *Connection) send(msgType string, payload any) {
	data, err := marshalMessage(msgType, payload)
	if err != nil {
		c.logger.Warn("failed to marshal outbound message",
			zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case c.sendQueue <- data:
	default:
		c.metrics.SnapshotsDropped.Inc()
		c.logger.Warn("send queue full, dropping record",
			zap.String("type", msgType), zap.Error(ErrQueueFull))
	}
}

// sendDirect writes straight to the socket, bypassing the queue. Used for
// the registration handshake before the queue drains.
func (c *Connection) sendDirect(msgType string, payload any) {
	data, err := marshalMessage(msgType, payload)
	if err != nil {
		return
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("direct write error", zap.Error(err))
		}
	}
}

func marshalMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}
