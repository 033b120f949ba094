// Package api serves the staff session list and public session history over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/trackfast/support-chat/internal/auth"
	"github.com/trackfast/support-chat/internal/chat"
)

// ChatService is the subset of chat.Service the handlers use.
type ChatService interface {
	ListSessions(ctx context.Context, who chat.StaffIdentity) ([]chat.Session, error)
	History(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// Authorizer resolves a bearer token to a staff identity.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (chat.StaffIdentity, error)
}

// Mux is where routes are registered. *http.ServeMux and *ws.Server satisfy it.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Handler serves the chat HTTP routes.
type Handler struct {
	chat ChatService
	auth Authorizer
}

// New creates a Handler.
func New(svc ChatService, authz Authorizer) *Handler {
	return &Handler{chat: svc, auth: authz}
}

// Register adds the chat routes to mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("GET /api/chat/sessions", http.HandlerFunc(h.listSessions))
	mux.Handle("GET /api/chat/{sessionId}", http.HandlerFunc(h.history))
}

type errorBody struct {
	Message string `json:"message"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	who, err := h.auth.Authorize(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "access denied"})
		return
	}

	sessions, err := h.chat.ListSessions(r.Context(), who)
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "access denied"})
		return
	case err != nil:
		log.Printf("[api] list sessions staff=%s: %v", who.ID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "server error"})
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	msgs, err := h.chat.History(r.Context(), sessionID)
	if err != nil {
		log.Printf("[api] history session=%s: %v", sessionID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "server error"})
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}
