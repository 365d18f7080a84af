package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"campusChat/pkg/api"
	myMiddleware "campusChat/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		validation *api.ValidationError
		notFound   *api.NotFoundError
		forbidden  *api.AuthorizationError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
	case errors.As(err, &notFound):
		code = http.StatusNotFound
	case errors.As(err, &forbidden):
		code = http.StatusForbidden
	}
	writeJSON(w, code, errorBody{Message: err.Error()})
}

func (s *Server) SearchUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)
		query := r.URL.Query().Get("q")

		users, err := s.userService.SearchUsers(r.Context(), query, uid)
		if err != nil {
			writeError(w, err)
			return
		}

		results := make([]api.User, 0, len(users))
		for _, user := range users {
			results = append(results, user.ConvertToDTO())
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func (s *Server) CreateDirectConversation() http.HandlerFunc {
	type request struct {
		UserId string `json:"userId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)

		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &api.ValidationError{Reason: "malformed request body"})
			return
		}

		conversation, err := s.chatService.FindOrCreateDirect(r.Context(), uid, body.UserId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversation)
	}
}

func (s *Server) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)

		conversations, err := s.chatService.ListConversations(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversations)
	}
}

func (s *Server) CreateGroup() http.HandlerFunc {
	type request struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)

		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &api.ValidationError{Reason: "malformed request body"})
			return
		}

		conversation, err := s.chatService.CreateGroup(r.Context(), uid, body.Name, body.Members)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conversation)
	}
}

func (s *Server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)
		conversationId := chi.URLParam(r, "conversationId")

		messages, err := s.chatService.ListMessages(r.Context(), conversationId, uid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) SendMessage() http.HandlerFunc {
	type request struct {
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)
		conversationId := chi.URLParam(r, "conversationId")

		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &api.ValidationError{Reason: "malformed request body"})
			return
		}

		message, err := s.chatService.SendMessage(r.Context(), conversationId, uid, body.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
	}
}

func (s *Server) DeleteConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)
		conversationId := chi.URLParam(r, "conversationId")

		if err := s.chatService.DeleteConversation(r.Context(), conversationId, uid); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) UpdatePreferences() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r)
		conversationId := chi.URLParam(r, "conversationId")

		patchJson, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, &api.ValidationError{Reason: "unreadable request body"})
			return
		}

		if err := s.chatService.UpdatePreferences(r.Context(), patchJson, uid, conversationId); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade", "err", err)
			return
		}

		client := api.NewClient(s.hub, conn, make(chan []byte, 256), s.chatService, s.verifier, s.logger)

		// Allow collection of memory referenced by the caller by doing all
		// work in new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}
