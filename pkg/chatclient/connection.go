package chatclient

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"campusChat/pkg/api"
)

// ErrNotConnected is returned by Send while the transport is down. The
// caller surfaces a retryable failure; nothing is queued.
var ErrNotConnected = errors.New("not connected")

const (
	handshakeTimeout = 20 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

var frameSeparator = []byte{'\n'}

// EventHandler receives every decoded server event.
type EventHandler func(event api.EventType, payload interface{})

// ConnectionManager owns one transport connection per client session:
// dial, setup handshake, heartbeat, and reconnection with capped
// exponential backoff. A server-initiated normal closure is terminal; any
// other drop schedules a reconnect.
type ConnectionManager struct {
	url     string
	token   string
	policy  RetryPolicy
	handler EventHandler
	logger  *slog.Logger

	dialer    *websocket.Dialer
	connected atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewConnectionManager(url, token string, policy RetryPolicy, handler EventHandler, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		url:     url,
		token:   token,
		policy:  policy,
		handler: handler,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Connected reports whether a send can currently succeed; the UI gates the
// send button on this.
func (m *ConnectionManager) Connected() bool {
	return m.connected.Load()
}

// Run dials and serves the connection until ctx is cancelled, the policy is
// exhausted, or the server closes the session voluntarily.
func (m *ConnectionManager) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			if m.policy.Exhausted(attempt) {
				return err
			}
			delay := m.policy.Delay(attempt)
			attempt++
			m.logger.Debug("dial failed, retrying", "attempt", attempt, "delay", delay, "err", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0

		m.setConn(conn)
		m.connected.Store(true)

		// Announce identity first; nothing else is accepted before it.
		if err := m.Send(api.EventSetup, api.SetupPayload{Token: m.token}); err != nil {
			m.connected.Store(false)
			_ = conn.Close()
			continue
		}

		err = m.readLoop(ctx, conn)
		m.connected.Store(false)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			// Voluntary server-side disconnect: terminal for the session.
			return nil
		}
		m.logger.Debug("connection lost, reconnecting", "err", err)
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// The server's write pump coalesces queued events into one frame,
		// separated by newlines.
		for _, frame := range bytes.Split(raw, frameSeparator) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			env, payload, err := api.DecodeEvent(frame)
			if err != nil {
				m.logger.Warn("rejected server event", "err", err)
				continue
			}
			m.handler(env.Event, payload)
		}
	}
}

// Send puts one event on the wire. It fails immediately when disconnected;
// there is no queueing of sends across a reconnect.
func (m *ConnectionManager) Send(event api.EventType, payload interface{}) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	data, err := api.MarshalEvent(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *ConnectionManager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
}
