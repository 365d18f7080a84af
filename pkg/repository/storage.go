package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"campusChat/pkg/api"
)

// Storage is the production implementation of both repositories:
// conversations and messages live in Firestore, user profiles in the
// identity service's postgres table.
type Storage interface {
	api.ChatRepository
	api.UserRepository
}

type storage struct {
	db     *pgxpool.Pool
	client *firestore.Client
}

func NewStorage(db *pgxpool.Pool, client *firestore.Client) Storage {
	return &storage{db: db, client: client}
}

// UserPreferences is the per-user conversation settings document, stored
// under users/{uid}/conversations/{conversationId} and mutated via JSON
// Patch.
type UserPreferences struct {
	Muted    bool `firestore:"muted" json:"muted"`
	Archived bool `firestore:"archived" json:"archived"`
	Pinned   bool `firestore:"pinned" json:"pinned"`
}

func (s *storage) conversations() *firestore.CollectionRef {
	return s.client.Collection("conversations")
}

func (s *storage) FindOrCreateDirect(ctx context.Context, requesterId, otherId string) (api.Conversation, error) {
	key := api.DirectKey(requesterId, otherId)
	ref := s.conversations().Doc(key)

	participants := []string{requesterId, otherId}
	sort.Strings(participants)
	now := time.Now().UTC()
	doc := api.ConversationDoc{
		Participants: participants,
		IsGroup:      false,
		DirectKey:    key,
		ReadBy:       []string{requesterId},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// The direct key is the document id, so two concurrent creates for
	// the same pair race on the same document and the store rejects the
	// loser, which then just reads the winner's record.
	if _, err := ref.Create(ctx, doc); err != nil && status.Code(err) != codes.AlreadyExists {
		return api.Conversation{}, &api.PersistenceError{Op: "create direct conversation", Err: err}
	}

	return s.GetConversation(ctx, key)
}

func (s *storage) CreateGroup(ctx context.Context, creatorId, name string, memberIds []string) (api.Conversation, error) {
	ref := s.conversations().NewDoc()
	now := time.Now().UTC()
	doc := api.ConversationDoc{
		Participants: append([]string{creatorId}, memberIds...),
		IsGroup:      true,
		Name:         name,
		GroupAdmin:   creatorId,
		ReadBy:       []string{creatorId},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return api.Conversation{}, &api.PersistenceError{Op: "create group conversation", Err: err}
	}
	return s.populateConversation(ctx, ref.ID, doc)
}

func (s *storage) GetConversation(ctx context.Context, conversationId string) (api.Conversation, error) {
	snap, err := s.conversations().Doc(conversationId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.Conversation{}, &api.NotFoundError{Resource: "conversation", Id: conversationId}
	}
	if err != nil {
		return api.Conversation{}, &api.PersistenceError{Op: "get conversation", Err: err}
	}
	var doc api.ConversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return api.Conversation{}, &api.PersistenceError{Op: "decode conversation", Err: err}
	}
	return s.populateConversation(ctx, snap.Ref.ID, doc)
}

func (s *storage) ListConversations(ctx context.Context, userId string) ([]api.Conversation, error) {
	query := s.conversations().
		Where("participants", "array-contains", userId).
		OrderBy("updatedAt", firestore.Desc)
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, &api.PersistenceError{Op: "list conversations", Err: err}
	}

	conversations := make([]api.Conversation, 0, len(snaps))
	for _, snap := range snaps {
		var doc api.ConversationDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, &api.PersistenceError{Op: "decode conversation", Err: err}
		}
		conversation, err := s.populateConversation(ctx, snap.Ref.ID, doc)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

func (s *storage) DeleteConversation(ctx context.Context, conversationId string) error {
	ref := s.conversations().Doc(conversationId)
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &api.NotFoundError{Resource: "conversation", Id: conversationId}
	}
	if err != nil {
		return &api.PersistenceError{Op: "get conversation", Err: err}
	}
	var doc api.ConversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return &api.PersistenceError{Op: "decode conversation", Err: err}
	}

	// Messages cascade first so no orphans remain even if a later step
	// fails and the delete is retried.
	messageRefs, err := ref.Collection("messages").DocumentRefs(ctx).GetAll()
	if err != nil {
		return &api.PersistenceError{Op: "list message refs", Err: err}
	}
	const batchLimit = 500
	for start := 0; start < len(messageRefs); start += batchLimit {
		end := start + batchLimit
		if end > len(messageRefs) {
			end = len(messageRefs)
		}
		batch := s.client.Batch()
		for _, messageRef := range messageRefs[start:end] {
			batch.Delete(messageRef)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return &api.PersistenceError{Op: "delete messages", Err: err}
		}
	}

	for _, uid := range doc.Participants {
		prefRef := s.client.Collection("users").Doc(uid).Collection("conversations").Doc(conversationId)
		if _, err := prefRef.Delete(ctx); err != nil {
			return &api.PersistenceError{Op: "delete preferences", Err: err}
		}
	}

	if _, err := ref.Delete(ctx); err != nil {
		return &api.PersistenceError{Op: "delete conversation", Err: err}
	}
	return nil
}

func (s *storage) AppendMessage(ctx context.Context, conversationId, senderId, text string) (api.Message, error) {
	senders, err := s.GetUsersByIds(ctx, []string{senderId})
	if err != nil {
		return api.Message{}, err
	}
	if len(senders) == 0 {
		return api.Message{}, &api.NotFoundError{Resource: "user", Id: senderId}
	}
	sender := senders[0].ConvertToDTO()
	senderName := sender.Username
	if sender.Name != nil {
		senderName = *sender.Name
	}

	convRef := s.conversations().Doc(conversationId)
	messageRef := convRef.Collection("messages").NewDoc()
	now := time.Now().UTC()
	var seq int64

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(convRef)
		if err != nil {
			return err
		}
		var doc api.ConversationDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		seq = doc.Seq + 1

		if err := tx.Create(messageRef, api.MessageDoc{
			SenderId:  senderId,
			Text:      text,
			Seq:       seq,
			Status:    api.StatusSent,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		// Sending counts as having read: readBy collapses to the sender.
		return tx.Update(convRef, []firestore.Update{
			{Path: "seq", Value: seq},
			{Path: "readBy", Value: []string{senderId}},
			{Path: "updatedAt", Value: now},
			{Path: "latestMessage", Value: &api.LatestMessageField{
				Id:         messageRef.ID,
				Text:       text,
				SenderId:   senderId,
				SenderName: senderName,
				CreatedAt:  now,
			}},
		})
	})
	if status.Code(err) == codes.NotFound {
		return api.Message{}, &api.NotFoundError{Resource: "conversation", Id: conversationId}
	}
	if err != nil {
		return api.Message{}, &api.PersistenceError{Op: "append message", Err: err}
	}

	return api.Message{
		Id:             messageRef.ID,
		ConversationId: conversationId,
		Sender:         sender,
		Text:           text,
		Seq:            seq,
		Status:         api.StatusSent,
		CreatedAt:      now,
	}, nil
}

func (s *storage) ListMessages(ctx context.Context, conversationId string) ([]api.Message, error) {
	query := s.conversations().Doc(conversationId).
		Collection("messages").
		OrderBy("seq", firestore.Asc)
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, &api.PersistenceError{Op: "list messages", Err: err}
	}

	senderIds := make([]string, 0, 4)
	seen := make(map[string]bool)
	docs := make([]api.MessageDoc, 0, len(snaps))
	for _, snap := range snaps {
		var doc api.MessageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, &api.PersistenceError{Op: "decode message", Err: err}
		}
		docs = append(docs, doc)
		if !seen[doc.SenderId] {
			seen[doc.SenderId] = true
			senderIds = append(senderIds, doc.SenderId)
		}
	}

	senders := make(map[string]api.User)
	if len(senderIds) > 0 {
		users, err := s.GetUsersByIds(ctx, senderIds)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			senders[u.UID] = u.ConvertToDTO()
		}
	}

	messages := make([]api.Message, 0, len(docs))
	for i, doc := range docs {
		messages = append(messages, api.Message{
			Id:             snaps[i].Ref.ID,
			ConversationId: conversationId,
			Sender:         senders[doc.SenderId],
			Text:           doc.Text,
			Seq:            doc.Seq,
			Status:         doc.Status,
			CreatedAt:      doc.CreatedAt,
		})
	}
	return messages, nil
}

func (s *storage) MarkConversationRead(ctx context.Context, conversationId, userId string) (bool, error) {
	convRef := s.conversations().Doc(conversationId)
	added := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(convRef)
		if err != nil {
			return err
		}
		var doc api.ConversationDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		for _, uid := range doc.ReadBy {
			if uid == userId {
				added = false
				return nil
			}
		}
		// readBy stays a subset of participants.
		member := false
		for _, uid := range doc.Participants {
			if uid == userId {
				member = true
				break
			}
		}
		if !member {
			added = false
			return nil
		}
		added = true
		return tx.Update(convRef, []firestore.Update{
			{Path: "readBy", Value: append(doc.ReadBy, userId)},
		})
	})
	if status.Code(err) == codes.NotFound {
		return false, &api.NotFoundError{Resource: "conversation", Id: conversationId}
	}
	if err != nil {
		return false, &api.PersistenceError{Op: "mark conversation read", Err: err}
	}
	return added, nil
}

func (s *storage) AdvanceMessageStatus(ctx context.Context, conversationId, messageId, newStatus string) (api.Message, bool, error) {
	messageRef := s.conversations().Doc(conversationId).Collection("messages").Doc(messageId)
	var doc api.MessageDoc
	advanced := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(messageRef)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		// Monotonic: an out-of-order receipt never moves the status back.
		if api.StatusRank(newStatus) <= api.StatusRank(doc.Status) {
			advanced = false
			return nil
		}
		advanced = true
		doc.Status = newStatus
		return tx.Update(messageRef, []firestore.Update{
			{Path: "status", Value: newStatus},
		})
	})
	if status.Code(err) == codes.NotFound {
		return api.Message{}, false, &api.NotFoundError{Resource: "message", Id: messageId}
	}
	if err != nil {
		return api.Message{}, false, &api.PersistenceError{Op: "advance message status", Err: err}
	}

	sender := api.User{Id: doc.SenderId}
	if users, err := s.GetUsersByIds(ctx, []string{doc.SenderId}); err == nil && len(users) > 0 {
		sender = users[0].ConvertToDTO()
	}
	return api.Message{
		Id:             messageId,
		ConversationId: conversationId,
		Sender:         sender,
		Text:           doc.Text,
		Seq:            doc.Seq,
		Status:         doc.Status,
		CreatedAt:      doc.CreatedAt,
	}, advanced, nil
}

func (s *storage) UpdateUserPreferences(ctx context.Context, patchJson []byte, userId, conversationId string) error {
	patch, err := jsonPatch.DecodePatch(patchJson)
	if err != nil {
		return &api.ValidationError{Reason: "malformed json patch"}
	}

	ref := s.client.Collection("users").Doc(userId).Collection("conversations").Doc(conversationId)
	var preferences UserPreferences
	snap, err := ref.Get(ctx)
	switch {
	case status.Code(err) == codes.NotFound:
		// First patch against a conversation starts from defaults.
	case err != nil:
		return &api.PersistenceError{Op: "get preferences", Err: err}
	default:
		if err := snap.DataTo(&preferences); err != nil {
			return &api.PersistenceError{Op: "decode preferences", Err: err}
		}
	}

	current, err := json.Marshal(preferences)
	if err != nil {
		return &api.PersistenceError{Op: "encode preferences", Err: err}
	}
	patched, err := patch.Apply(current)
	if err != nil {
		return &api.ValidationError{Reason: "json patch does not apply"}
	}
	if err := json.Unmarshal(patched, &preferences); err != nil {
		return &api.ValidationError{Reason: "json patch produced invalid preferences"}
	}

	if _, err := ref.Set(ctx, preferences); err != nil {
		return &api.PersistenceError{Op: "set preferences", Err: err}
	}
	return nil
}

func (s *storage) populateConversation(ctx context.Context, id string, doc api.ConversationDoc) (api.Conversation, error) {
	users, err := s.GetUsersByIds(ctx, doc.Participants)
	if err != nil {
		return api.Conversation{}, err
	}
	participants := make([]api.User, 0, len(users))
	for _, user := range users {
		participants = append(participants, user.ConvertToDTO())
	}
	return api.Conversation{
		Id:            id,
		Participants:  participants,
		IsGroup:       doc.IsGroup,
		Name:          doc.Name,
		GroupAdmin:    doc.GroupAdmin,
		ReadBy:        doc.ReadBy,
		LatestMessage: doc.LatestMessage,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func (s *storage) GetUsersByIds(ctx context.Context, uIds []string) ([]*api.UserModel, error) {
	if len(uIds) == 0 {
		return nil, nil
	}
	ids := make([]interface{}, len(uIds))
	inStmt := "$1"
	ids[0] = uIds[0]
	for i := 1; i < len(uIds); i++ {
		inStmt = inStmt + ",$" + strconv.Itoa(i+1)
		ids[i] = uIds[i]
	}
	var users []*api.UserModel
	if err := pgxscan.Select(ctx, s.db, &users,
		"SELECT uid, first_name, last_name, username, email, photo_url FROM user_account WHERE uid IN ("+inStmt+")", ids...); err != nil {
		return nil, &api.PersistenceError{Op: "get users", Err: err}
	}
	return users, nil
}

func (s *storage) SearchUsers(ctx context.Context, query, excludeUid string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	if err := pgxscan.Select(ctx, s.db, &users,
		"SELECT uid, first_name, last_name, username, email, photo_url FROM user_account WHERE username ILIKE '%' || $1 || '%' AND uid <> $2 ORDER BY username LIMIT 20",
		query, excludeUid); err != nil {
		return nil, &api.PersistenceError{Op: "search users", Err: err}
	}
	return users, nil
}
