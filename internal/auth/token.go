package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken marks a credential the hub must refuse. A session seeing
// this stops retrying: re-authentication is the caller's job.
var ErrInvalidToken = errors.New("invalid credential")

// Claims is the bearer credential payload. Subject carries the actor id.
type Claims struct {
	DisplayName string `json:"name"`
	Guest       bool   `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

// MintToken issues an HS256 token for actorID. Used by local hubs and the
// guest flow; production tokens come from the external identity service.
func MintToken(secret, actorID, displayName string, guest bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: displayName,
		Guest:       guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken parses and validates a bearer token.
func VerifyToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
