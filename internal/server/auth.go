package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrUnauthenticated rejects a connect whose credentials do not match.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator verifies that a connecting client may claim an
// identity.
type Authenticator interface {
	Authenticate(identity, token string) error
}

// TokenAuthenticator accepts hex-encoded HMAC-SHA256(identity) tokens
// minted from a shared secret. Verification is constant time.
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret []byte) *TokenAuthenticator {
	return &TokenAuthenticator{secret: append([]byte(nil), secret...)}
}

// TokenFor mints the token a client presents for an identity.
func (a *TokenAuthenticator) TokenFor(identity string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *TokenAuthenticator) Authenticate(identity, token string) error {
	got, err := hex.DecodeString(token)
	if err != nil {
		return ErrUnauthenticated
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(identity))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrUnauthenticated
	}
	return nil
}
