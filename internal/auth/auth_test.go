package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		role    Role
		allowed []Role
		want    bool
	}{
		{RoleBuyer, []Role{RoleBuyer}, true},
		{RoleSeller, []Role{RoleBuyer}, false},
		{RoleSeller, []Role{RoleBuyer, RoleSeller}, true},
		{RoleAdmin, []Role{RoleBuyer}, true},
		{Role("GUEST"), []Role{RoleBuyer, RoleSeller}, false},
		{RoleBuyer, nil, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsAuthorized(tc.role, tc.allowed...), "%s in %v", tc.role, tc.allowed)
	}
}

func TestManager_IssueAndVerify(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	tok, err := m.IssueToken("user_1", RoleBuyer, "buyer@example.com")
	require.NoError(t, err)

	id, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user_1", id.UserID)
	assert.Equal(t, RoleBuyer, id.Role)
	assert.Equal(t, "buyer@example.com", id.Email)
}

func TestManager_RejectsWrongSecret(t *testing.T) {
	tok, err := NewManager("secret-a", time.Hour).IssueToken("user_1", RoleBuyer, "")
	require.NoError(t, err)

	_, err = NewManager("secret-b", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsExpired(t *testing.T) {
	m := NewManager("test-secret", time.Minute)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }

	tok, err := m.IssueToken("user_1", RoleSeller, "")
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsUnknownRole(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	tok, err := m.IssueToken("user_1", Role("ROOT"), "")
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleAdmin,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewManager("test-secret", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_NoSecret(t *testing.T) {
	m := NewManager("", time.Hour)
	_, err := m.IssueToken("user_1", RoleBuyer, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = m.Verify("anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
