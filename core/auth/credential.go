// Package auth produces the bearer credential attached to a CONNECT
// frame. It is intentionally small: the subscription core never sees
// it, only core/conn.Connector does, at handshake time.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the connecting client to the broker.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Credential signs short-lived HMAC bearer tokens for the CONNECT
// handshake.
type Credential struct {
	ClientID string
	secret   []byte
	ttl      time.Duration
}

// NewCredential returns a Credential that signs tokens with secret,
// valid for ttl from the moment Sign is called.
func NewCredential(clientID string, secret []byte, ttl time.Duration) *Credential {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Credential{ClientID: clientID, secret: secret, ttl: ttl}
}

// Sign returns a compact JWT suitable for the CONNECT frame's
// auth_token field.
func (c *Credential) Sign() (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: c.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			Subject:   c.ClientID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify parses and validates a token signed by a Credential sharing
// the same secret. Used by tests and by any in-process broker stub.
func Verify(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
