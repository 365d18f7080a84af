package api

import (
	"context"
	"log/slog"
	"sync"

	"campusChat/pkg/telemetry"
)

// Broadcaster is the slice of the hub the chat service needs: room fan-out
// for new messages and sender-only delivery for receipts.
type Broadcaster interface {
	FanoutRoom(conversationId string, event EventType, payload interface{})
	SendToUser(userId string, event EventType, payload interface{})
}

// ChatService is the conversation directory, message pipeline and
// delivery tracker behind both the REST handlers and the socket dispatch.
type ChatService interface {
	FindOrCreateDirect(ctx context.Context, requesterId, otherId string) (Conversation, error)
	CreateGroup(ctx context.Context, creatorId, name string, memberIds []string) (Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, conversationId, requesterId string) error

	SendMessage(ctx context.Context, conversationId, senderId, text string) (Message, error)
	ListMessages(ctx context.Context, conversationId, requesterId string) ([]Message, error)

	MarkDelivered(ctx context.Context, conversationId, messageId, userId string) (Message, error)
	MarkRead(ctx context.Context, conversationId, messageId, userId string) (Message, error)

	UpdatePreferences(ctx context.Context, patchJson []byte, userId, conversationId string) error
}

// ChatRepository is the storage boundary. Conversations returned are fully
// populated (participants and latest message sender resolved).
type ChatRepository interface {
	FindOrCreateDirect(ctx context.Context, requesterId, otherId string) (Conversation, error)
	CreateGroup(ctx context.Context, creatorId, name string, memberIds []string) (Conversation, error)
	GetConversation(ctx context.Context, conversationId string) (Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, conversationId string) error

	// AppendMessage persists the message, allocates its sequence number,
	// updates the conversation's latest message and resets readBy to the
	// sender, all atomically.
	AppendMessage(ctx context.Context, conversationId, senderId, text string) (Message, error)
	ListMessages(ctx context.Context, conversationId string) ([]Message, error)

	// MarkConversationRead adds userId to readBy; reports whether the set
	// changed.
	MarkConversationRead(ctx context.Context, conversationId, userId string) (bool, error)

	// AdvanceMessageStatus moves the message's status forward, never
	// backward; reports whether it advanced.
	AdvanceMessageStatus(ctx context.Context, conversationId, messageId, status string) (Message, bool, error)

	UpdateUserPreferences(ctx context.Context, patchJson []byte, userId, conversationId string) error
}

type chatService struct {
	storage ChatRepository
	hub     Broadcaster
	logger  *slog.Logger

	// Per-conversation send locks: within one conversation persistence
	// order must equal fan-out order.
	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

func NewChatService(storage ChatRepository, hub Broadcaster, logger *slog.Logger) ChatService {
	return &chatService{
		storage:   storage,
		hub:       hub,
		logger:    logger,
		convLocks: make(map[string]*sync.Mutex),
	}
}

func (c *chatService) lockFor(conversationId string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.convLocks[conversationId]
	if !ok {
		lock = &sync.Mutex{}
		c.convLocks[conversationId] = lock
	}
	return lock
}

func (c *chatService) FindOrCreateDirect(ctx context.Context, requesterId, otherId string) (Conversation, error) {
	if otherId == "" {
		return Conversation{}, &ValidationError{Reason: "userId is required"}
	}
	if otherId == requesterId {
		return Conversation{}, &ValidationError{Reason: "cannot start a conversation with yourself"}
	}
	return c.storage.FindOrCreateDirect(ctx, requesterId, otherId)
}

func (c *chatService) CreateGroup(ctx context.Context, creatorId, name string, memberIds []string) (Conversation, error) {
	if name == "" {
		return Conversation{}, &ValidationError{Reason: "group name is required"}
	}
	members := make([]string, 0, len(memberIds)+1)
	seen := map[string]bool{creatorId: true}
	for _, id := range memberIds {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return Conversation{}, &ValidationError{Reason: "a group needs at least 2 other members"}
	}
	return c.storage.CreateGroup(ctx, creatorId, name, members)
}

func (c *chatService) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	return c.storage.ListConversations(ctx, userId)
}

func (c *chatService) DeleteConversation(ctx context.Context, conversationId, requesterId string) error {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(requesterId) {
		return &AuthorizationError{Reason: "not a participant of this conversation"}
	}
	if err := c.storage.DeleteConversation(ctx, conversationId); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.convLocks, conversationId)
	c.mu.Unlock()
	return nil
}

func (c *chatService) SendMessage(ctx context.Context, conversationId, senderId, text string) (Message, error) {
	if text == "" {
		return Message{}, &ValidationError{Reason: "message text is required"}
	}
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return Message{}, err
	}
	if !conversation.HasParticipant(senderId) {
		return Message{}, &AuthorizationError{Reason: "not a participant of this conversation"}
	}

	// Serialize persist and fan-out per conversation so the observed
	// fan-out order always matches the stored order. The message must be
	// durable before any client can see it.
	lock := c.lockFor(conversationId)
	lock.Lock()
	defer lock.Unlock()

	message, err := c.storage.AppendMessage(ctx, conversationId, senderId, text)
	if err != nil {
		return Message{}, err
	}
	c.hub.FanoutRoom(conversationId, EventMessageReceived, MessagePayload{Message: message})
	telemetry.MessagesSent.Inc()
	return message, nil
}

func (c *chatService) ListMessages(ctx context.Context, conversationId, requesterId string) ([]Message, error) {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(requesterId) {
		return nil, &AuthorizationError{Reason: "not a participant of this conversation"}
	}

	messages, err := c.storage.ListMessages(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	// Viewing the conversation is the read acknowledgment.
	added, err := c.storage.MarkConversationRead(ctx, conversationId, requesterId)
	if err != nil {
		c.logger.Warn("mark conversation read", "conversation", conversationId, "err", err)
		return messages, nil
	}
	if added && conversation.LatestMessage != nil && conversation.LatestMessage.SenderId != requesterId {
		if _, err := c.MarkRead(ctx, conversationId, conversation.LatestMessage.Id, requesterId); err != nil {
			c.logger.Warn("propagate read receipt", "conversation", conversationId, "err", err)
		}
	}
	return messages, nil
}

func (c *chatService) MarkDelivered(ctx context.Context, conversationId, messageId, userId string) (Message, error) {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return Message{}, err
	}
	if !conversation.HasParticipant(userId) {
		return Message{}, &AuthorizationError{Reason: "not a participant of this conversation"}
	}
	message, advanced, err := c.storage.AdvanceMessageStatus(ctx, conversationId, messageId, StatusDelivered)
	if err != nil {
		return Message{}, err
	}
	if advanced && message.Sender.Id != userId {
		c.hub.SendToUser(message.Sender.Id, EventMessageDelivered, DeliveredPayload{
			ConversationId: conversationId,
			MessageId:      messageId,
			UserId:         userId,
		})
	}
	return message, nil
}

func (c *chatService) MarkRead(ctx context.Context, conversationId, messageId, userId string) (Message, error) {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return Message{}, err
	}
	if !conversation.HasParticipant(userId) {
		return Message{}, &AuthorizationError{Reason: "not a participant of this conversation"}
	}
	if _, err := c.storage.MarkConversationRead(ctx, conversationId, userId); err != nil {
		return Message{}, err
	}
	message, advanced, err := c.storage.AdvanceMessageStatus(ctx, conversationId, messageId, StatusRead)
	if err != nil {
		return Message{}, err
	}
	if advanced && message.Sender.Id != userId {
		c.hub.SendToUser(message.Sender.Id, EventMessageRead, ReadPayload{
			ConversationId: conversationId,
			MessageId:      messageId,
			SenderId:       message.Sender.Id,
			UserId:         userId,
		})
	}
	return message, nil
}

func (c *chatService) UpdatePreferences(ctx context.Context, patchJson []byte, userId, conversationId string) error {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userId) {
		return &AuthorizationError{Reason: "not a participant of this conversation"}
	}
	return c.storage.UpdateUserPreferences(ctx, patchJson, userId, conversationId)
}
