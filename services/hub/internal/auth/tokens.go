package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "nbhub"

// Tokens issues API tokens handed to single-user servers and accepted by the hub API
type Tokens struct {
	key []byte
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
}

func NewTokens(cookieSecret []byte) *Tokens {
	return &Tokens{key: deriveKey(cookieSecret, "api-token")}
}

// Issue returns a token for username. A zero ttl never expires.
func (t *Tokens) Issue(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		Kind: "api",
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify returns the username the token was issued to
func (t *Tokens) Verify(raw string) (string, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Kind != "api" || claims.Subject == "" {
		return "", fmt.Errorf("%w: not an api token", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// TokenFromRequest extracts "Authorization: token <t>" or "Authorization: Bearer <t>"
func TokenFromRequest(r *http.Request) (string, error) {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, value, ok := strings.Cut(hdr, " ")
	if !ok {
		return "", errors.New("no api token")
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
		return strings.TrimSpace(value), nil
	}
	return "", errors.New("no api token")
}
