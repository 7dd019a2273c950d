// Package auth identifies callers of the escrow API.
//
// Authentication model:
//   - Marketplace endpoints: HS256 JWT issued by the account service,
//     carrying the user id as subject and a role claim
//   - Settlement endpoints: shared scheduler secret, enforced only in
//     production
//   - Payment webhooks: verified by the gateway adapter, not here
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken       = errors.New("bearer token required")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrUnauthorized  = errors.New("caller is not authorized for this operation")
	ErrNotConfigured = errors.New("auth: signing secret is not configured")
)

// Role is a caller capability class.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
)

// IsAuthorized reports whether role is one of allowed. ADMIN passes every
// check.
func IsAuthorized(role Role, allowed ...Role) bool {
	if role == RoleAdmin {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   Role
	Email  string
}

const issuer = "escrowd"

// Manager signs and verifies tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager. ttl applies to issued tokens.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueToken signs a token for userID. The server only issues tokens
// itself in development; production tokens come from the account service.
func (m *Manager) IssueToken(userID string, role Role, email string) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Role:  role,
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token string.
func (m *Manager) Verify(tokenStr string) (*Identity, error) {
	if len(m.secret) == 0 {
		return nil, ErrNotConfigured
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleBuyer, RoleSeller, RoleAdmin:
	default:
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.Subject, Role: claims.Role, Email: claims.Email}, nil
}
