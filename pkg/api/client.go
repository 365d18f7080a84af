// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the peer to complete the setup handshake before
	// the connection is treated as failed.
	setupWait = 20 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// TokenVerifier checks a handshake token and resolves it to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Client is a middleman between the ws connection and the Hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the user, set by the setup handshake.
	id string

	chatService ChatService
	verifier    TokenVerifier
	logger      *slog.Logger

	// Whether the Client has completed the setup handshake.
	isAuthenticated bool
}

func NewClient(hub *Hub, conn *websocket.Conn, send chan []byte, chatService ChatService, verifier TokenVerifier, logger *slog.Logger) *Client {
	return &Client{
		Hub:         hub,
		conn:        conn,
		send:        send,
		chatService: chatService,
		verifier:    verifier,
		logger:      logger,
	}
}

// ReadPump pumps messages from the ws connection to the Hub.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		if c.isAuthenticated {
			c.Hub.Unregister(c)
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing connection", "err", err)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("set read deadline", "err", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The peer must complete the setup handshake within setupWait or the
	// connection is torn down.
	setupTimer := time.AfterFunc(setupWait, func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "setup timeout"), deadline)
		_ = c.conn.Close()
	})
	defer setupTimer.Stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "user", c.id, "err", err)
			}
			return
		}
		raw = bytes.TrimSpace(bytes.Replace(raw, newline, space, -1))

		env, payload, err := DecodeEvent(raw)
		if err != nil {
			c.logger.Warn("rejected event frame", "user", c.id, "err", err)
			continue
		}

		if !c.isAuthenticated {
			if env.Event != EventSetup {
				continue
			}
			setup := payload.(SetupPayload)
			uid, err := c.verifier.Verify(context.Background(), setup.Token)
			if err != nil {
				c.logger.Warn("setup rejected", "err", err)
				return
			}
			c.id = uid
			c.isAuthenticated = true
			setupTimer.Stop()
			c.Hub.Register <- c
			continue
		}

		c.dispatch(env.Event, payload)
	}
}

// dispatch routes one authenticated inbound event. Realtime failures are
// logged, never surfaced on the wire: a failed persistence simply does not
// produce a fan-out.
func (c *Client) dispatch(event EventType, payload interface{}) {
	ctx := context.Background()
	switch event {
	case EventJoin:
		p := payload.(JoinPayload)
		c.Hub.Subscribe(c, p.ConversationId)
	case EventNewMessage:
		// Hint that a message was persisted via REST; the REST call is
		// the source of truth, this just triggers immediate fan-out. Only
		// the sender's own connection may hint its message.
		p := payload.(MessagePayload)
		if p.Message.Sender.Id != c.id {
			c.logger.Warn("rejected message hint from non-sender", "user", c.id, "message", p.Message.Id)
			return
		}
		c.Hub.FanoutRoom(p.Message.ConversationId, EventMessageReceived, p)
	case EventMessageDelivered:
		p := payload.(DeliveredPayload)
		if _, err := c.chatService.MarkDelivered(ctx, p.ConversationId, p.MessageId, c.id); err != nil {
			c.logger.Warn("mark delivered", "user", c.id, "err", err)
		}
	case EventMessageRead:
		p := payload.(ReadPayload)
		if _, err := c.chatService.MarkRead(ctx, p.ConversationId, p.MessageId, c.id); err != nil {
			c.logger.Warn("mark read", "user", c.id, "err", err)
		}
	case EventTyping, EventStopTyping:
		p := payload.(TypingPayload)
		p.UserId = c.id
		c.Hub.FanoutRoomExcept(p.ConversationId, c, event, p)
	}
}

// WritePump pumps messages from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued events to the current ws message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
