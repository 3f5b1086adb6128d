// Package auth resolves the bearer credential presented at connection
// establishment to a user identity. Tokens are HMAC-signed JWTs carrying
// the user id and email; issuance belongs to the login service, but
// Issue is exposed here so that service and the tests share one format.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the resolved connection identity. It is attached to the
// connection at handshake time and never changes for its lifetime.
type Identity struct {
	UserID string
	Email  string
}

type claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func New(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Issue mints a token for the given identity, valid for ttl.
func (a *Authenticator) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.secret)
}

// Verify resolves a token to an identity. Failures are classified as
// missing, expired, or invalid; the caller must refuse the connection
// before any session state is created.
func (a *Authenticator) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.UserID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: c.UserID, Email: c.Email}, nil
}
