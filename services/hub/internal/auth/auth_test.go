package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUsername(t *testing.T) {
	tests := map[string]string{
		"jhover@bnl.gov":   "jhoverbnlgov",
		"JHover@BNL.gov":   "jhoverbnlgov",
		"  alice ":         "alice",
		"first.last@x.org": "firstlastxorg",
		"under_score-dash": "under_score-dash",
		"; rm -rf /":       "rm-rf",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeUsername(in), in)
	}
}

func TestAdminSet(t *testing.T) {
	admins := NewAdminSet([]string{"jhover@bnl.gov", ""})
	assert.Len(t, admins, 1)
	assert.True(t, admins.Contains("jhoverbnlgov"))
	assert.True(t, admins.Contains("jhover@bnl.gov"))
	assert.False(t, admins.Contains("alice"))
}

func TestDummyAuthenticator(t *testing.T) {
	form := url.Values{"username": {"Alice@Example.org"}, "password": {"pw"}}
	r := httptest.NewRequest(http.MethodPost, "/hub/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	u, err := DummyAuthenticator{Password: "pw"}.Authenticate(httptest.NewRecorder(), r)
	require.NoError(t, err)
	assert.Equal(t, "aliceexampleorg", u.Name)
	assert.Equal(t, "Alice@Example.org", u.Asserted)
	assert.Equal(t, SourceDummy, u.Source)

	form.Set("password", "wrong")
	r = httptest.NewRequest(http.MethodPost, "/hub/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = DummyAuthenticator{Password: "pw"}.Authenticate(httptest.NewRecorder(), r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

type wrapped struct{ inner Authenticator }

func (w wrapped) Authenticate(rw http.ResponseWriter, r *http.Request) (*User, error) {
	return w.inner.Authenticate(rw, r)
}
func (w wrapped) Unwrap() Authenticator { return w.inner }

type starter struct{ DummyAuthenticator }

func (starter) StartLogin(w http.ResponseWriter, r *http.Request) {}

func TestLoginStarterOf(t *testing.T) {
	_, ok := LoginStarterOf(DummyAuthenticator{})
	assert.False(t, ok)

	_, ok = LoginStarterOf(wrapped{inner: starter{}})
	assert.True(t, ok)

	_, ok = LoginStarterOf(wrapped{inner: DummyAuthenticator{}})
	assert.False(t, ok)
}

func TestSessions_RoundTrip(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour, true)
	name, err := s.Verify(s.Issue("jhoverbnlgov"))
	require.NoError(t, err)
	assert.Equal(t, "jhoverbnlgov", name)

	other := NewSessions([]byte("other"), time.Hour, true)
	_, err = other.Verify(s.Issue("jhoverbnlgov"))
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = s.Verify("not-base64!")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessions_Expired(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Minute, false)
	token := s.Issue("alice")
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := s.Verify(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestSessions_Cookie(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour, true)
	rec := httptest.NewRecorder()
	s.SetCookie(rec, "alice")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)
	assert.True(t, cookies[0].HttpOnly)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	name, err := s.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = s.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLoadCookieSecret_CreatesFile(t *testing.T) {
	t.Setenv(EnvCookieSecret, "")
	path := filepath.Join(t.TempDir(), "jupyterhub_cookie_secret")

	secret, err := LoadCookieSecret(path)
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadCookieSecret(path)
	require.NoError(t, err)
	assert.Equal(t, secret, again)
}

func TestLoadCookieSecret_RefusesOpenPermissions(t *testing.T) {
	t.Setenv(EnvCookieSecret, "")
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o644))
	require.NoError(t, os.Chmod(path, 0o644))

	_, err := LoadCookieSecret(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be readable")
}

func TestLoadCookieSecret_Env(t *testing.T) {
	t.Setenv(EnvCookieSecret, "00ff")
	secret, err := LoadCookieSecret(filepath.Join(t.TempDir(), "unused"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, secret)
}

func TestTokens(t *testing.T) {
	tokens := NewTokens([]byte("secret"))
	raw, err := tokens.Issue("alice", time.Hour)
	require.NoError(t, err)

	name, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = NewTokens([]byte("other")).Verify(raw)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	forever, err := tokens.Issue("alice", 0)
	require.NoError(t, err)
	_, err = tokens.Verify(forever)
	require.NoError(t, err)

	_, err = tokens.Verify(raw + "x")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "token abc")
	tok, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r.Header.Set("Authorization", "Bearer xyz")
	tok, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	r.Header.Set("Authorization", "Basic xyz")
	_, err = TokenFromRequest(r)
	assert.Error(t, err)
}
