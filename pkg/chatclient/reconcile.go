package chatclient

import (
	"sync"

	"github.com/google/uuid"

	"campusChat/pkg/api"
)

// Client-side message statuses. The server's sent/delivered/read states are
// extended with the two states only the sender's client can be in.
const (
	StatusSending = "sending"
	StatusFailed  = "failed"
)

func clientStatusRank(status string) int {
	switch status {
	case StatusSending:
		return 0
	case StatusFailed:
		return 0
	default:
		return api.StatusRank(status)
	}
}

// MessageState is one rendered message: either a pending optimistic entry
// identified by its TempId, or a confirmed entry carrying the server
// record. Reconciliation is keyed by TempId (the request correlation id),
// never by content.
type MessageState struct {
	TempId         string
	Confirmed      bool
	ConversationId string
	Draft          string
	Status         string
	Message        api.Message
}

// Text returns what should be rendered for this entry.
func (m *MessageState) Text() string {
	if m.Confirmed {
		return m.Message.Text
	}
	return m.Draft
}

// Reconciler maintains the optimistic local message list and reconciles it
// against server-confirmed records and receipt events.
type Reconciler struct {
	mu       sync.Mutex
	byTemp   map[string]*MessageState
	byServer map[string]*MessageState
	order    []*MessageState
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		byTemp:   make(map[string]*MessageState),
		byServer: make(map[string]*MessageState),
	}
}

// Stage inserts an optimistic entry for a draft about to be sent and
// returns its correlation id.
func (r *Reconciler) Stage(conversationId, draft string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := &MessageState{
		TempId:         uuid.NewString(),
		ConversationId: conversationId,
		Draft:          draft,
		Status:         StatusSending,
	}
	r.byTemp[state.TempId] = state
	r.order = append(r.order, state)
	return state.TempId
}

// Confirm swaps the optimistic entry for the server-confirmed message.
func (r *Reconciler) Confirm(tempId string, message api.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byTemp[tempId]
	if !ok {
		return false
	}
	delete(r.byTemp, tempId)
	state.Confirmed = true
	state.Message = message
	state.Draft = ""
	if clientStatusRank(message.Status) < clientStatusRank(api.StatusSent) {
		state.Status = api.StatusSent
	} else {
		state.Status = message.Status
	}
	r.byServer[message.Id] = state
	return true
}

// Fail removes the optimistic entry and hands back the draft so it can be
// restored to the input for an explicit retry.
func (r *Reconciler) Fail(tempId string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byTemp[tempId]
	if !ok {
		return "", false
	}
	delete(r.byTemp, tempId)
	for i, s := range r.order {
		if s == state {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return state.Draft, true
}

// Observe records a message that arrived over the realtime channel, for
// example from another participant or the user's other tab. Messages
// already tracked are ignored.
func (r *Reconciler) Observe(message api.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byServer[message.Id]; ok {
		return
	}
	state := &MessageState{
		Confirmed:      true,
		ConversationId: message.ConversationId,
		Status:         message.Status,
		Message:        message,
	}
	r.byServer[message.Id] = state
	r.order = append(r.order, state)
}

// ApplyReceipt advances a confirmed message's status. Receipts arriving out
// of order never move the status backward.
func (r *Reconciler) ApplyReceipt(serverId, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byServer[serverId]
	if !ok {
		return false
	}
	if clientStatusRank(status) <= clientStatusRank(state.Status) {
		return false
	}
	state.Status = status
	state.Message.Status = status
	return true
}

// Messages returns the current render order.
func (r *Reconciler) Messages() []MessageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageState, 0, len(r.order))
	for _, state := range r.order {
		out = append(out, *state)
	}
	return out
}
