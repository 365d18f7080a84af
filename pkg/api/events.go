package api

import (
	"encoding/json"
	"fmt"
)

// EventType tags every frame on the realtime channel. The set is closed;
// frames with an unknown tag are rejected at the decode boundary.
type EventType string

const (
	// client -> server
	EventSetup      EventType = "setup"
	EventJoin       EventType = "join"
	EventNewMessage EventType = "new-message"

	// client -> server, relayed to the sender only
	EventMessageDelivered EventType = "message-delivered"
	EventMessageRead      EventType = "message-read"

	// bidirectional, relayed to other room subscribers, never persisted
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop-typing"

	// server -> clients
	EventMessageReceived EventType = "message-received"
	EventOnlineUsers     EventType = "online-users"
	EventUserOnline      EventType = "user-online"
	EventUserOffline     EventType = "user-offline"
)

// Envelope is the wire form of every event.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SetupPayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	ConversationId string `json:"conversationId"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type DeliveredPayload struct {
	ConversationId string `json:"conversationId"`
	MessageId      string `json:"messageId"`
	UserId         string `json:"userId"`
}

type ReadPayload struct {
	ConversationId string `json:"conversationId"`
	MessageId      string `json:"messageId"`
	SenderId       string `json:"senderId"`
	UserId         string `json:"userId"`
}

type TypingPayload struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

type PresencePayload struct {
	UserId string `json:"userId"`
}

// DecodeEvent parses and validates a raw frame. It returns the typed
// payload for the envelope's tag, so handlers downstream never touch raw
// JSON. Validation failures are ValidationErrors.
func DecodeEvent(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, &ValidationError{Reason: fmt.Sprintf("malformed event frame: %v", err)}
	}

	var payload interface{}
	switch env.Event {
	case EventSetup:
		p := SetupPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.Token == "" {
			return env, nil, &ValidationError{Reason: "setup requires a token"}
		}
		payload = p
	case EventJoin:
		p := JoinPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.ConversationId == "" {
			return env, nil, &ValidationError{Reason: "join requires a conversationId"}
		}
		payload = p
	case EventNewMessage, EventMessageReceived:
		p := MessagePayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.Message.Id == "" || p.Message.ConversationId == "" {
			return env, nil, &ValidationError{Reason: "message events require message id and conversationId"}
		}
		payload = p
	case EventMessageDelivered:
		p := DeliveredPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.ConversationId == "" || p.MessageId == "" {
			return env, nil, &ValidationError{Reason: "message-delivered requires conversationId and messageId"}
		}
		payload = p
	case EventMessageRead:
		p := ReadPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.ConversationId == "" || p.MessageId == "" {
			return env, nil, &ValidationError{Reason: "message-read requires conversationId and messageId"}
		}
		payload = p
	case EventTyping, EventStopTyping:
		p := TypingPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.ConversationId == "" {
			return env, nil, &ValidationError{Reason: "typing events require a conversationId"}
		}
		payload = p
	case EventOnlineUsers:
		p := OnlineUsersPayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		payload = p
	case EventUserOnline, EventUserOffline:
		p := PresencePayload{}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return env, nil, err
		}
		if p.UserId == "" {
			return env, nil, &ValidationError{Reason: "presence events require a userId"}
		}
		payload = p
	default:
		return env, nil, &ValidationError{Reason: fmt.Sprintf("unknown event %q", env.Event)}
	}

	return env, payload, nil
}

func unmarshalPayload(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return &ValidationError{Reason: "missing event payload"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed event payload: %v", err)}
	}
	return nil
}

// MarshalEvent builds the wire form of an outgoing event.
func MarshalEvent(event EventType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
