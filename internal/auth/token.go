// Package auth issues and verifies the bearer tokens used by the HTTP API
// and the notification socket. Tokens are HMAC-signed JWTs carrying the user
// identity and an expiry.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// algorithm, expired, or missing identity claim. Callers must not leak the
// specific reason to clients.
var ErrInvalidToken = errors.New("invalid token")

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 24 * time.Hour

// TokenAuthority signs and verifies tokens with a shared HMAC secret.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenAuthority{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token identifying userID.
func (a *TokenAuthority) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(a.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the user the token
// identifies.
func (a *TokenAuthority) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
