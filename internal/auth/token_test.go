package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/trackfast/support-chat/internal/chat"
)

type staffTable map[string]chat.StaffIdentity

func (s staffTable) Staff(_ context.Context, id string) (chat.StaffIdentity, bool, error) {
	who, ok := s[id]
	return who, ok, nil
}

type brokenLookup struct{}

func (brokenLookup) Staff(context.Context, string) (chat.StaffIdentity, bool, error) {
	return chat.StaffIdentity{}, false, errors.New("db down")
}

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	return iss
}

func Test_Sign_And_Parse(t *testing.T) {
	req := require.New(t)
	iss := newIssuer(t)

	token, err := iss.Sign("agent-a", "a@example.com", chat.RoleAgent)
	req.NoError(err)

	claims, err := iss.Parse(token)
	req.NoError(err)
	req.Equal("agent-a", claims.StaffID)
	req.Equal("a@example.com", claims.Email)
	req.Equal(chat.RoleAgent, claims.Role)
	req.Equal("agent-a", claims.Subject)
}

func Test_NewIssuer_Rejects_Empty_Secret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	require.Error(t, err)
}

func Test_Sign_Rejects_Unknown_Role(t *testing.T) {
	_, err := newIssuer(t).Sign("x", "", "janitor")
	require.Error(t, err)
}

func Test_Parse_Rejects_Expired_Token(t *testing.T) {
	req := require.New(t)
	iss := newIssuer(t)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := iss.Sign("agent-a", "", chat.RoleAgent)
	req.NoError(err)

	iss.now = time.Now
	_, err = iss.Parse(token)
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func Test_Parse_Rejects_Wrong_Secret(t *testing.T) {
	req := require.New(t)
	token, err := newIssuer(t).Sign("agent-a", "", chat.RoleAgent)
	req.NoError(err)

	other, err := NewIssuer("another-secret", time.Hour)
	req.NoError(err)
	_, err = other.Parse(token)
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func Test_Parse_Rejects_Unsigned_Token(t *testing.T) {
	req := require.New(t)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		StaffID:          "boss",
		Role:             chat.RoleSupervisor,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = newIssuer(t).Parse(token)
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func Test_Authorize(t *testing.T) {
	iss := newIssuer(t)
	agentToken, err := iss.Sign("agent-a", "", chat.RoleAgent)
	require.NoError(t, err)

	cases := []struct {
		name    string
		lookup  StaffLookup
		token   string
		want    chat.StaffIdentity
		wantErr bool
	}{
		{"no lookup trusts token", nil, agentToken, chat.StaffIdentity{ID: "agent-a", Role: chat.RoleAgent}, false},
		{"role from staff row", staffTable{"agent-a": {ID: "agent-a", Role: chat.RoleSupervisor}}, agentToken,
			chat.StaffIdentity{ID: "agent-a", Role: chat.RoleSupervisor}, false},
		{"deleted staff", staffTable{}, agentToken, chat.StaffIdentity{}, true},
		{"lookup failure", brokenLookup{}, agentToken, chat.StaffIdentity{}, true},
		{"missing token", nil, "", chat.StaffIdentity{}, true},
		{"garbage token", nil, "not-a-jwt", chat.StaffIdentity{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			who, err := NewAuthenticator(iss, tc.lookup).Authorize(context.Background(), tc.token)
			if tc.wantErr {
				req.ErrorIs(err, chat.ErrUnauthorized)
				return
			}
			req.NoError(err)
			req.Equal(tc.want, who)
		})
	}
}

func Test_BearerToken(t *testing.T) {
	req := require.New(t)
	req.Equal("abc", BearerToken("Bearer abc"))
	req.Equal("abc", BearerToken("bearer  abc "))
	req.Empty(BearerToken("Basic abc"))
	req.Empty(BearerToken("abc"))
	req.Empty(BearerToken(""))
}
