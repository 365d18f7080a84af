package api

import (
	"log/slog"

	"campusChat/pkg/telemetry"
)

// Hub owns the presence registry and the room multiplexer. Both maps are
// mutated only by the Run goroutine, which serializes every register,
// unregister, join and fan-out through its channels, so no handler ever
// touches them concurrently.
type Hub struct {
	// Presence registry: user id -> live connections. A user is online
	// while the slice is non-empty; the count is the refcount for the
	// offline broadcast.
	clients map[string][]*Client

	// Room multiplexer: conversation id -> subscribed connections.
	rooms map[string]map[*Client]struct{}

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Join requests subscribing a connection to a conversation's room.
	join chan subscription

	// Fan-out of an event to one conversation's room.
	room chan roomEvent

	// Delivery of an event to every connection of a single user.
	user chan userEvent

	logger *slog.Logger
}

type subscription struct {
	client         *Client
	conversationId string
}

type roomEvent struct {
	conversationId string
	// exclude is skipped during fan-out; nil means deliver to every
	// subscriber, sender included.
	exclude *Client
	data    []byte
}

type userEvent struct {
	userId string
	data   []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan subscription),
		room:       make(chan roomEvent),
		user:       make(chan userEvent),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case sub := <-h.join:
			h.joinRoom(sub)
		case event := <-h.room:
			h.fanoutRoom(event)
		case event := <-h.user:
			h.fanoutUser(event)
		}
	}
}

// Subscribe joins the connection to the conversation's room. Participation
// is not checked here; join is a pure subscription and authorization is
// enforced on every durable operation instead.
func (h *Hub) Subscribe(client *Client, conversationId string) {
	h.join <- subscription{client: client, conversationId: conversationId}
}

// Unregister removes the connection from the presence registry and from
// every room it joined.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// FanoutRoom delivers an event to every connection subscribed to the
// conversation, the sender's own connections included.
func (h *Hub) FanoutRoom(conversationId string, event EventType, payload interface{}) {
	h.fanout(conversationId, nil, event, payload)
}

// FanoutRoomExcept is FanoutRoom minus the originating connection, used for
// typing indicators.
func (h *Hub) FanoutRoomExcept(conversationId string, exclude *Client, event EventType, payload interface{}) {
	h.fanout(conversationId, exclude, event, payload)
}

func (h *Hub) fanout(conversationId string, exclude *Client, event EventType, payload interface{}) {
	data, err := MarshalEvent(event, payload)
	if err != nil {
		h.logger.Error("marshal room event", "event", event, "err", err)
		return
	}
	h.room <- roomEvent{conversationId: conversationId, exclude: exclude, data: data}
}

// SendToUser delivers an event to every live connection of one user. Used
// for delivery and read receipts, which go to the sender only.
func (h *Hub) SendToUser(userId string, event EventType, payload interface{}) {
	data, err := MarshalEvent(event, payload)
	if err != nil {
		h.logger.Error("marshal user event", "event", event, "err", err)
		return
	}
	h.user <- userEvent{userId: userId, data: data}
}

func (h *Hub) registerClient(client *Client) {
	first := len(h.clients[client.id]) == 0
	h.clients[client.id] = append(h.clients[client.id], client)
	telemetry.ConnectedClients.Inc()

	// The registering connection gets the full online set; everyone else
	// hears about the user only on their first connection.
	online := make([]string, 0, len(h.clients))
	for uid := range h.clients {
		online = append(online, uid)
	}
	if !h.trySend(client, mustMarshal(EventOnlineUsers, OnlineUsersPayload{Users: online})) {
		// No user-online was announced for this handle yet, so its removal
		// must not announce an offline transition either.
		h.removeClient(client, false)
		return
	}

	if first {
		h.broadcastAll(client.id, mustMarshal(EventUserOnline, PresencePayload{UserId: client.id}))
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.removeClient(client, true)
}

func (h *Hub) removeClient(client *Client, announce bool) {
	conns, ok := h.clients[client.id]
	if !ok {
		return
	}
	found := false
	for i, c := range conns {
		if c == client {
			last := len(conns) - 1
			conns[i] = conns[last]
			conns[last] = nil
			h.clients[client.id] = conns[:last]
			found = true
			break
		}
	}
	if !found {
		return
	}
	close(client.send)
	telemetry.ConnectedClients.Dec()

	for conversationId := range h.rooms {
		delete(h.rooms[conversationId], client)
		if len(h.rooms[conversationId]) == 0 {
			delete(h.rooms, conversationId)
		}
	}

	// Offline only when the last connection is gone: a second tab or
	// device keeps the user online.
	if len(h.clients[client.id]) == 0 {
		delete(h.clients, client.id)
		if announce {
			h.broadcastAll("", mustMarshal(EventUserOffline, PresencePayload{UserId: client.id}))
		}
	}
}

func (h *Hub) joinRoom(sub subscription) {
	room, ok := h.rooms[sub.conversationId]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[sub.conversationId] = room
	}
	room[sub.client] = struct{}{}
}

func (h *Hub) fanoutRoom(event roomEvent) {
	var slow []*Client
	for client := range h.rooms[event.conversationId] {
		if client == event.exclude {
			continue
		}
		if !h.trySend(client, event.data) {
			slow = append(slow, client)
		}
	}
	h.dropAll(slow)
	telemetry.EventsFannedOut.Inc()
}

func (h *Hub) fanoutUser(event userEvent) {
	var slow []*Client
	for _, client := range h.clients[event.userId] {
		if !h.trySend(client, event.data) {
			slow = append(slow, client)
		}
	}
	h.dropAll(slow)
}

// broadcastAll delivers to every connection of every user except the one
// named by except. Broadcasts are fire and forget; failure to reach a
// disconnected peer is not an error.
func (h *Hub) broadcastAll(except string, data []byte) {
	var slow []*Client
	for uid, conns := range h.clients {
		if uid == except {
			continue
		}
		for _, c := range conns {
			if !h.trySend(c, data) {
				slow = append(slow, c)
			}
		}
	}
	h.dropAll(slow)
}

// trySend never blocks the hub: a client whose send buffer is full reports
// false and is dropped by the caller once its iteration finishes.
func (h *Hub) trySend(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) dropAll(clients []*Client) {
	for _, c := range clients {
		h.logger.Warn("dropping slow client", "user", c.id)
		h.unregisterClient(c)
	}
}

func mustMarshal(event EventType, payload interface{}) []byte {
	data, err := MarshalEvent(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}
