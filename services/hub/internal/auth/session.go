package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const SessionCookieName = "nbhub-session"

var ErrInvalidSession = errors.New("invalid session")

// Sessions issues and verifies signed session tokens for the hub cookie
type Sessions struct {
	secret []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

func NewSessions(cookieSecret []byte, maxAge time.Duration, secure bool) *Sessions {
	return &Sessions{
		secret: deriveKey(cookieSecret, "session"),
		maxAge: maxAge,
		secure: secure,
		now:    time.Now,
	}
}

func deriveKey(secret []byte, purpose string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(purpose))
	return mac.Sum(nil)
}

func (s *Sessions) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Issue creates a signed token for a username expiring after the configured max age
func (s *Sessions) Issue(username string) string {
	payload := fmt.Sprintf("%s|%d", username, s.now().Add(s.maxAge).Unix())
	token := payload + "|" + base64.RawURLEncoding.EncodeToString(s.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

// Verify checks the token signature and expiry and returns the username
func (s *Sessions) Verify(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: bad token encoding", ErrInvalidSession)
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: bad token format", ErrInvalidSession)
	}
	username, expiryStr, sigB64 := parts[0], parts[1], parts[2]

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: bad sig encoding", ErrInvalidSession)
	}
	if !hmac.Equal(sig, s.sign(username+"|"+expiryStr)) {
		return "", fmt.Errorf("%w: invalid signature", ErrInvalidSession)
	}

	expiryUnix, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad expiry", ErrInvalidSession)
	}
	if s.now().Unix() > expiryUnix {
		return "", fmt.Errorf("%w: session expired", ErrInvalidSession)
	}
	return username, nil
}

func (s *Sessions) SetCookie(w http.ResponseWriter, username string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.Issue(username),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.maxAge.Seconds()),
	})
}

func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		MaxAge:   -1,
	})
}

// FromRequest returns the username of a valid session cookie on r
func (s *Sessions) FromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return "", ErrUnauthenticated
	}
	return s.Verify(c.Value)
}
