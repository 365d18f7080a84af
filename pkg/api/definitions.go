package api

import (
	"sort"
	"time"
)

// Message delivery states. Transitions are monotonic: a message only ever
// moves forward through sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// StatusRank orders delivery states so out-of-order receipts can be
// rejected. Unknown states rank below "sent".
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// DirectKey is the normalized identifier for the one non-group conversation
// an unordered pair of users may share. It doubles as the conversation
// document id, which is what makes find-or-create race safe: two concurrent
// creates target the same document and the store rejects the second.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "direct_" + pair[0] + "_" + pair[1]
}

// ConversationDoc is the stored shape of a conversation.
type ConversationDoc struct {
	Participants  []string            `firestore:"participants"`
	IsGroup       bool                `firestore:"isGroup"`
	Name          string              `firestore:"name,omitempty"`
	GroupAdmin    string              `firestore:"groupAdmin,omitempty"`
	DirectKey     string              `firestore:"directKey,omitempty"`
	ReadBy        []string            `firestore:"readBy"`
	Seq           int64               `firestore:"seq"`
	LatestMessage *LatestMessageField `firestore:"latestMessage,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

// LatestMessageField is the denormalized summary of the most recent message,
// kept on the conversation document so listing conversations never needs a
// second query per row.
type LatestMessageField struct {
	Id         string    `firestore:"id" json:"id"`
	Text       string    `firestore:"text" json:"text"`
	SenderId   string    `firestore:"senderId" json:"senderId"`
	SenderName string    `firestore:"senderName" json:"senderName"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}

// MessageDoc is the stored shape of a message, kept in a subcollection of
// its conversation. Seq is allocated from a conversation-scoped counter in
// the same transaction that writes the document, so ordering does not
// depend on wall clocks.
type MessageDoc struct {
	SenderId  string    `firestore:"senderId"`
	Text      string    `firestore:"text"`
	Seq       int64     `firestore:"seq"`
	Status    string    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// Conversation is the populated output form.
type Conversation struct {
	Id            string              `json:"id"`
	Participants  []User              `json:"participants"`
	IsGroup       bool                `json:"isGroup"`
	Name          string              `json:"name,omitempty"`
	GroupAdmin    string              `json:"groupAdmin,omitempty"`
	ReadBy        []string            `json:"readBy"`
	LatestMessage *LatestMessageField `json:"latestMessage,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// ParticipantIds returns the ids of all participants.
func (c *Conversation) ParticipantIds() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.Id)
	}
	return ids
}

// HasParticipant reports whether uid is a member of the conversation.
func (c *Conversation) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p.Id == uid {
			return true
		}
	}
	return false
}

// Message is the populated output form, including the sender's profile so
// the caller can render it without a second round trip.
type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	Sender         User      `json:"sender"`
	Text           string    `json:"text"`
	Seq            int64     `json:"seq"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// User is the output form of a user profile. Profiles are owned by the
// identity service; this service only reads them.
type User struct {
	Id       string  `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Name     *string `json:"name"`
	Avatar   *string `json:"avatar"`
}

// UserModel mirrors a row of the user_account table.
type UserModel struct {
	UID       string
	FirstName *string
	LastName  *string
	Username  string
	Email     string
	PhotoUrl  *string
}

func (u *UserModel) ConvertToDTO() User {
	var name *string
	if u.FirstName != nil && u.LastName != nil {
		full := *u.FirstName + " " + *u.LastName
		name = &full
	}
	return User{
		Id:       u.UID,
		Username: u.Username,
		Email:    u.Email,
		Name:     name,
		Avatar:   u.PhotoUrl,
	}
}
