package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	a := New([]byte("test-secret"))

	token, err := a.Issue("user-1", "alice@example.com", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	identity, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "alice@example.com", identity.Email)
}

func TestVerifyMissingToken(t *testing.T) {
	a := New([]byte("test-secret"))

	_, err := a.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyExpiredToken(t *testing.T) {
	a := New([]byte("test-secret"))

	token, err := a.Issue("user-1", "alice@example.com", -time.Minute)
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyGarbageToken(t *testing.T) {
	a := New([]byte("test-secret"))

	_, err := a.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := New([]byte("secret-a"))
	verifier := New([]byte("secret-b"))

	token, err := issuer.Issue("user-1", "alice@example.com", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTamperedToken(t *testing.T) {
	a := New([]byte("test-secret"))

	token, err := a.Issue("user-1", "alice@example.com", time.Hour)
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = a.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
