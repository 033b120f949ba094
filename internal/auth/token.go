// Package auth issues and verifies staff bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trackfast/support-chat/internal/chat"
)

// DefaultTokenTTL is the lifetime of a staff token.
const DefaultTokenTTL = 8 * time.Hour

const issuer = "support-chat"

// Claims is the payload of a staff token.
type Claims struct {
	StaffID string    `json:"staff_id"`
	Email   string    `json:"email"`
	Role    chat.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 staff tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. An empty secret is rejected.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign creates a token for the given staff member.
func (i *Issuer) Sign(staffID, email string, role chat.Role) (string, error) {
	if staffID == "" || !role.Valid() {
		return "", fmt.Errorf("auth: sign: invalid staff %q role %q", staffID, role)
	}
	now := i.now()
	claims := &Claims{
		StaffID: staffID,
		Email:   email,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staffID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of token and returns its claims.
// Every failure wraps chat.ErrUnauthorized.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.StaffID == "" {
		return nil, fmt.Errorf("%w: invalid token", chat.ErrUnauthorized)
	}
	return claims, nil
}

// StaffLookup reads the current identity of a staff member. ok is false when
// the staff member no longer exists.
type StaffLookup interface {
	Staff(ctx context.Context, staffID string) (who chat.StaffIdentity, ok bool, err error)
}

// Authenticator turns bearer tokens into staff identities.
type Authenticator struct {
	issuer *Issuer
	staff  StaffLookup
}

// NewAuthenticator creates an Authenticator. staff may be nil, in which case
// the role carried by the token is trusted.
func NewAuthenticator(issuer *Issuer, staff StaffLookup) *Authenticator {
	return &Authenticator{issuer: issuer, staff: staff}
}

// Authorize verifies token and returns the caller's identity. When a staff
// lookup is configured the staff row must still exist and its role wins over
// the token's. Every rejection wraps chat.ErrUnauthorized.
func (a *Authenticator) Authorize(ctx context.Context, token string) (chat.StaffIdentity, error) {
	if token == "" {
		return chat.StaffIdentity{}, fmt.Errorf("%w: missing token", chat.ErrUnauthorized)
	}
	claims, err := a.issuer.Parse(token)
	if err != nil {
		return chat.StaffIdentity{}, err
	}

	who := chat.StaffIdentity{ID: claims.StaffID, Role: claims.Role}
	if a.staff != nil {
		current, ok, err := a.staff.Staff(ctx, claims.StaffID)
		if err != nil {
			log.Printf("[auth] staff lookup id=%s failed: %v", claims.StaffID, err)
			return chat.StaffIdentity{}, fmt.Errorf("%w: staff lookup failed", chat.ErrUnauthorized)
		}
		if !ok {
			return chat.StaffIdentity{}, fmt.Errorf("%w: unknown staff %s", chat.ErrUnauthorized, claims.StaffID)
		}
		who = current
	}

	if !who.Role.Valid() {
		return chat.StaffIdentity{}, fmt.Errorf("%w: role %q", chat.ErrUnauthorized, who.Role)
	}
	return who, nil
}

// BearerToken extracts the token from an Authorization header value. It
// returns "" when the header is not a bearer credential.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
