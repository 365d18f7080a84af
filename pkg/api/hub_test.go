package api

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(testLogger())
	go h.Run()
	return h
}

func newTestClient(h *Hub, uid string) *Client {
	c := NewClient(h, nil, make(chan []byte, 32), nil, nil, testLogger())
	c.id = uid
	c.isAuthenticated = true
	return c
}

func recvEvent(t *testing.T, c *Client) (Envelope, interface{}) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		env, payload, err := DecodeEvent(data)
		require.NoError(t, err)
		return env, payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope{}, nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event: %s", data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func register(h *Hub, c *Client) {
	h.Register <- c
}

func TestRegisterReturnsOnlineSetAndBroadcastsOnline(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(h, "alice")
	register(h, alice)
	env, payload := recvEvent(t, alice)
	require.Equal(t, EventOnlineUsers, env.Event)
	assert.ElementsMatch(t, []string{"alice"}, payload.(OnlineUsersPayload).Users)

	bob := newTestClient(h, "bob")
	register(h, bob)
	env, payload = recvEvent(t, bob)
	require.Equal(t, EventOnlineUsers, env.Event)
	assert.ElementsMatch(t, []string{"alice", "bob"}, payload.(OnlineUsersPayload).Users)

	// Alice hears about Bob coming online.
	env, payload = recvEvent(t, alice)
	require.Equal(t, EventUserOnline, env.Event)
	assert.Equal(t, "bob", payload.(PresencePayload).UserId)
}

func TestPresenceRefcountsMultipleConnections(t *testing.T) {
	h := newTestHub(t)

	watcher := newTestClient(h, "watcher")
	register(h, watcher)
	recvEvent(t, watcher) // online-users

	tab1 := newTestClient(h, "alice")
	tab2 := newTestClient(h, "alice")
	register(h, tab1)
	recvEvent(t, tab1) // online-users

	env, payload := recvEvent(t, watcher)
	require.Equal(t, EventUserOnline, env.Event)
	assert.Equal(t, "alice", payload.(PresencePayload).UserId)

	// Second tab: no duplicate online broadcast.
	register(h, tab2)
	recvEvent(t, tab2) // online-users
	assertNoEvent(t, watcher)

	// Closing one tab keeps the user online.
	h.Unregister(tab1)
	assertNoEvent(t, watcher)

	// Closing the last one emits exactly one offline broadcast.
	h.Unregister(tab2)
	env, payload = recvEvent(t, watcher)
	require.Equal(t, EventUserOffline, env.Event)
	assert.Equal(t, "alice", payload.(PresencePayload).UserId)
	assertNoEvent(t, watcher)
}

func TestFailedRegistrationDoesNotAnnounceOffline(t *testing.T) {
	h := newTestHub(t)

	watcher := newTestClient(h, "watcher")
	register(h, watcher)
	recvEvent(t, watcher) // online-users

	// An unbuffered send channel with no reader cannot take the online
	// set, so registration fails immediately.
	stuck := NewClient(h, nil, make(chan []byte), nil, nil, testLogger())
	stuck.id = "alice"
	stuck.isAuthenticated = true
	register(h, stuck)

	// Neither user-online nor user-offline for a handle that never made
	// it in.
	assertNoEvent(t, watcher)

	select {
	case _, ok := <-stuck.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestMessageHintRejectsForgedSender(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(h, "alice")
	mallory := newTestClient(h, "mallory")
	register(h, alice)
	recvEvent(t, alice)
	register(h, mallory)
	recvEvent(t, mallory)
	recvEvent(t, alice) // mallory online

	h.Subscribe(alice, "conv1")
	h.Subscribe(mallory, "conv1")

	// A hint claiming someone else's message never reaches the room.
	mallory.dispatch(EventNewMessage, MessagePayload{
		Message: Message{Id: "m1", ConversationId: "conv1", Sender: User{Id: "alice"}, Text: "forged"},
	})
	assertNoEvent(t, alice)

	// The sender's own hint fans out as usual.
	mallory.dispatch(EventNewMessage, MessagePayload{
		Message: Message{Id: "m2", ConversationId: "conv1", Sender: User{Id: "mallory"}, Text: "hi"},
	})
	env, payload := recvEvent(t, alice)
	require.Equal(t, EventMessageReceived, env.Event)
	assert.Equal(t, "m2", payload.(MessagePayload).Message.Id)
}

func TestFanoutRoomScopesToSubscribers(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	carol := newTestClient(h, "carol")
	for _, c := range []*Client{alice, bob, carol} {
		register(h, c)
		recvEvent(t, c) // online-users
	}
	// drain presence broadcasts from earlier registrations
	recvEvent(t, alice) // bob online
	recvEvent(t, alice) // carol online
	recvEvent(t, bob)   // carol online

	h.Subscribe(alice, "conv1")
	h.Subscribe(bob, "conv1")

	message := Message{Id: "m1", ConversationId: "conv1", Text: "hi", Status: StatusSent}
	h.FanoutRoom("conv1", EventMessageReceived, MessagePayload{Message: message})

	for _, c := range []*Client{alice, bob} {
		env, payload := recvEvent(t, c)
		require.Equal(t, EventMessageReceived, env.Event)
		assert.Equal(t, "m1", payload.(MessagePayload).Message.Id)
	}
	// Carol never joined the room.
	assertNoEvent(t, carol)
}

func TestFanoutRoomExceptSkipsOrigin(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	register(h, alice)
	recvEvent(t, alice)
	register(h, bob)
	recvEvent(t, bob)
	recvEvent(t, alice) // bob online

	h.Subscribe(alice, "conv1")
	h.Subscribe(bob, "conv1")

	h.FanoutRoomExcept("conv1", alice, EventTyping, TypingPayload{ConversationId: "conv1", UserId: "alice"})

	env, payload := recvEvent(t, bob)
	require.Equal(t, EventTyping, env.Event)
	assert.Equal(t, "alice", payload.(TypingPayload).UserId)
	assertNoEvent(t, alice)
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	h := newTestHub(t)

	tab1 := newTestClient(h, "alice")
	tab2 := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	register(h, tab1)
	recvEvent(t, tab1)
	register(h, tab2)
	recvEvent(t, tab2)
	register(h, bob)
	recvEvent(t, bob)
	recvEvent(t, tab1) // bob online
	recvEvent(t, tab2) // bob online

	h.SendToUser("alice", EventMessageDelivered, DeliveredPayload{
		ConversationId: "conv1", MessageId: "m1", UserId: "bob",
	})

	for _, c := range []*Client{tab1, tab2} {
		env, payload := recvEvent(t, c)
		require.Equal(t, EventMessageDelivered, env.Event)
		assert.Equal(t, "m1", payload.(DeliveredPayload).MessageId)
	}
	assertNoEvent(t, bob)
}

func TestUnregisterRemovesFromRooms(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	register(h, alice)
	recvEvent(t, alice)
	register(h, bob)
	recvEvent(t, bob)
	recvEvent(t, alice) // bob online

	h.Subscribe(alice, "conv1")
	h.Subscribe(bob, "conv1")
	h.Unregister(bob)
	recvEvent(t, alice) // bob offline

	h.FanoutRoom("conv1", EventMessageReceived, MessagePayload{
		Message: Message{Id: "m1", ConversationId: "conv1"},
	})
	env, _ := recvEvent(t, alice)
	assert.Equal(t, EventMessageReceived, env.Event)
}
