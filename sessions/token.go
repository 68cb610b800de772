package sessions

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds WebSocket tickets: a client requests one over the
// authenticated HTTP API and must present it on the upgrade within a minute.
const TokenTTL = 60 * time.Second

// TokenMinter mints and verifies the short-lived HS256 tokens which carry a
// session across the WebSocket upgrade, where cookies may not travel.
type TokenMinter struct {
	key []byte
}

// NewTokenMinter builds a minter over the shared signing |key|.
func NewTokenMinter(key []byte) *TokenMinter {
	return &TokenMinter{key: key}
}

// Mint issues a ticket bound to |session|.
func (m *TokenMinter) Mint(session *Session) (string, error) {
	var now = time.Now()
	var token = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        session.ID,
		Subject:   session.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	})
	var signed, err = token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a ticket and returns the session id it was bound to.
func (m *TokenMinter) Verify(ticket string) (string, error) {
	var claims jwt.RegisteredClaims
	var _, err = jwt.ParseWithClaims(ticket, &claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("token carries no session id")
	}
	return claims.ID, nil
}
