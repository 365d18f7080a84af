package chatclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusChat/pkg/api"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func clientTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder collects handler callbacks for assertion.
type eventRecorder struct {
	mu     sync.Mutex
	events []api.EventType
	seen   chan api.EventType
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{seen: make(chan api.EventType, 16)}
}

func (r *eventRecorder) handle(event api.EventType, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.seen <- event
}

func (r *eventRecorder) wait(t *testing.T, want api.EventType) {
	t.Helper()
	select {
	case got := <-r.seen:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRunSendsSetupFirstAndDeliversEvents(t *testing.T) {
	setupToken := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// The first frame must be the setup handshake.
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, payload, err := api.DecodeEvent(raw)
		require.NoError(t, err)
		require.Equal(t, api.EventSetup, env.Event)
		setupToken <- payload.(api.SetupPayload).Token

		data, err := api.MarshalEvent(api.EventMessageReceived, api.MessagePayload{
			Message: api.Message{Id: "m1", ConversationId: "c1", Text: "Hi", Status: api.StatusSent},
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		// End the session cleanly.
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	recorder := newEventRecorder()
	manager := NewConnectionManager(wsURL(server), "tok123", DefaultRetryPolicy(), recorder.handle, clientTestLogger())

	done := make(chan error, 1)
	go func() { done <- manager.Run(context.Background()) }()

	recorder.wait(t, api.EventMessageReceived)
	assert.Equal(t, "tok123", <-setupToken)

	select {
	case err := <-done:
		// Normal closure is terminal, not an error.
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after server close")
	}
	assert.False(t, manager.Connected())
}

func TestRunSplitsCoalescedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage() // setup
		require.NoError(t, err)

		// Two queued events delivered as one frame, newline separated, the
		// way the server's write pump batches them.
		first, err := api.MarshalEvent(api.EventUserOnline, api.PresencePayload{UserId: "bob"})
		require.NoError(t, err)
		second, err := api.MarshalEvent(api.EventTyping, api.TypingPayload{ConversationId: "c1", UserId: "bob"})
		require.NoError(t, err)
		frame := append(append(first, '\n'), second...)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	recorder := newEventRecorder()
	manager := NewConnectionManager(wsURL(server), "tok", DefaultRetryPolicy(), recorder.handle, clientTestLogger())

	done := make(chan error, 1)
	go func() { done <- manager.Run(context.Background()) }()

	recorder.wait(t, api.EventUserOnline)
	recorder.wait(t, api.EventTyping)
	require.NoError(t, <-done)
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage() // setup
		require.NoError(t, err)

		mu.Lock()
		dials++
		attempt := dials
		mu.Unlock()

		if attempt == 1 {
			// Abrupt drop, no close handshake.
			conn.Close()
			return
		}

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	policy := RetryPolicy{Base: 10 * time.Millisecond, Multiplier: 2, Cap: 50 * time.Millisecond}
	manager := NewConnectionManager(wsURL(server), "tok", policy, func(api.EventType, interface{}) {}, clientTestLogger())

	done := make(chan error, 1)
	go func() { done <- manager.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not recover from the dropped connection")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, dials, 2)
}

func TestRunGivesUpWhenPolicyExhausted(t *testing.T) {
	// Nothing is listening here.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	policy := RetryPolicy{Base: time.Millisecond, Multiplier: 2, Cap: 5 * time.Millisecond, MaxAttempts: 2}
	manager := NewConnectionManager(wsURL(server), "tok", policy, func(api.EventType, interface{}) {}, clientTestLogger())

	err := manager.Run(context.Background())
	require.Error(t, err)
	assert.False(t, manager.Connected())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Base: time.Hour, Multiplier: 2, Cap: time.Hour}
	manager := NewConnectionManager(wsURL(server), "tok", policy, func(api.EventType, interface{}) {}, clientTestLogger())

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	manager := NewConnectionManager("ws://127.0.0.1:1", "tok", DefaultRetryPolicy(), func(api.EventType, interface{}) {}, clientTestLogger())
	err := manager.Send(api.EventTyping, api.TypingPayload{ConversationId: "c1", UserId: "u1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}
