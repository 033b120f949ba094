package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackfast/support-chat/internal/auth"
	"github.com/trackfast/support-chat/internal/chat"
)

type brokenService struct{}

func (brokenService) ListSessions(context.Context, chat.StaffIdentity) ([]chat.Session, error) {
	return nil, chat.ErrStoreUnavailable
}

func (brokenService) History(context.Context, string) ([]chat.Message, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	mux    *http.ServeMux
	issuer *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	store := chat.NewMemoryStore()
	dir := chat.StaticDirectory{"SHIP-1": "agent-a", "SHIP-2": "agent-b"}
	svc := chat.NewService(store, dir, nil, time.Second)

	sends := []chat.SendRequest{
		{SessionID: "s1", Sender: chat.SenderCustomer, Content: "hello", ShipmentRef: "SHIP-1"},
		{SessionID: "s2", Sender: chat.SenderCustomer, Content: "hi", ShipmentRef: "SHIP-2"},
		{SessionID: "s1", Sender: chat.SenderStaff, Content: "on it", StaffID: "agent-a", StaffRole: chat.RoleAgent},
	}
	for _, s := range sends {
		_, err := svc.Send(ctx, s)
		req.NoError(err)
	}

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	req.NoError(err)

	mux := http.NewServeMux()
	New(svc, auth.NewAuthenticator(issuer, nil)).Register(mux)
	return &fixture{mux: mux, issuer: issuer}
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *fixture) token(t *testing.T, staffID string, role chat.Role) string {
	t.Helper()
	tok, err := f.issuer.Sign(staffID, staffID+"@example.com", role)
	require.NoError(t, err)
	return tok
}

func decodeSessions(t *testing.T, w *httptest.ResponseRecorder) []chat.Session {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var out []chat.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func Test_ListSessions_Requires_Token(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	for _, token := range []string{"", "not-a-jwt"} {
		w := f.get(t, "/api/chat/sessions", token)
		req.Equal(http.StatusUnauthorized, w.Code)
		req.JSONEq(`{"message":"access denied"}`, w.Body.String())
	}
}

func Test_ListSessions_Agent_Sees_Owned(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	sessions := decodeSessions(t, f.get(t, "/api/chat/sessions", f.token(t, "agent-a", chat.RoleAgent)))
	req.Len(sessions, 1)
	req.Equal("s1", sessions[0].SessionID)
	req.Equal("SHIP-1", sessions[0].ShipmentRef)
	req.Equal(chat.SenderStaff, sessions[0].LastMessage.Sender)

	sessions = decodeSessions(t, f.get(t, "/api/chat/sessions", f.token(t, "agent-c", chat.RoleAgent)))
	req.Empty(sessions)
}

func Test_ListSessions_Supervisor_Sees_All(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	sessions := decodeSessions(t, f.get(t, "/api/chat/sessions", f.token(t, "boss", chat.RoleSupervisor)))
	req.Len(sessions, 2)
	req.Equal("s1", sessions[0].SessionID)
	req.Equal("s2", sessions[1].SessionID)
}

func Test_History_Is_Public(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.get(t, "/api/chat/s1", "")
	req.Equal(http.StatusOK, w.Code)
	var msgs []chat.Message
	req.NoError(json.Unmarshal(w.Body.Bytes(), &msgs))
	req.Len(msgs, 2)
	req.Equal("hello", msgs[0].Content)
	req.Equal("on it", msgs[1].Content)

	w = f.get(t, "/api/chat/unknown", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[]`, w.Body.String())
}

func Test_Store_Failures_Return_500(t *testing.T) {
	req := require.New(t)
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	req.NoError(err)
	mux := http.NewServeMux()
	New(brokenService{}, auth.NewAuthenticator(issuer, nil)).Register(mux)
	f := &fixture{mux: mux, issuer: issuer}

	w := f.get(t, "/api/chat/sessions", f.token(t, "boss", chat.RoleSupervisor))
	req.Equal(http.StatusInternalServerError, w.Code)
	req.JSONEq(`{"message":"server error"}`, w.Body.String())

	w = f.get(t, "/api/chat/s1", "")
	req.Equal(http.StatusInternalServerError, w.Code)
}
