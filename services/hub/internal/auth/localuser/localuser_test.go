package localuser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/user"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
)

type fakeHost struct {
	accounts map[string]bool
	ran      [][]string
	fail     bool
}

func (h *fakeHost) lookup(name string) (*user.User, error) {
	if h.accounts[name] {
		return &user.User{Username: name}, nil
	}
	return nil, user.UnknownUserError(name)
}

func (h *fakeHost) run(_ context.Context, argv []string) ([]byte, error) {
	h.ran = append(h.ran, argv)
	if h.fail {
		return []byte("useradd: permission denied"), errors.New("exit status 1")
	}
	h.accounts[argv[len(argv)-1]] = true
	return nil, nil
}

func newWrapped(h *fakeHost, create bool) *Authenticator {
	a := Wrap(auth.DummyAuthenticator{}, config.LocalAuthenticatorConfig{
		CreateSystemUsers: create,
		AddUserCmd:        []string{"useradd", "-m"},
	})
	a.lookup = h.lookup
	a.run = h.run
	return a
}

func loginRequest(username string) *http.Request {
	form := url.Values{"username": {username}}
	r := httptest.NewRequest(http.MethodPost, "/hub/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestEnsureUser_Existing(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{"alice": true}}
	require.NoError(t, newWrapped(h, true).EnsureUser(context.Background(), "alice"))
	assert.Empty(t, h.ran)
}

func TestEnsureUser_Creates(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{}}
	require.NoError(t, newWrapped(h, true).EnsureUser(context.Background(), "jhoverbnlgov"))
	assert.Equal(t, [][]string{{"useradd", "-m", "jhoverbnlgov"}}, h.ran)
}

func TestEnsureUser_CreationDisabled(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{}}
	err := newWrapped(h, false).EnsureUser(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrNoSystemUser)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.Empty(t, h.ran)
}

func TestEnsureUser_CommandFails(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{}, fail: true}
	err := newWrapped(h, true).EnsureUser(context.Background(), "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEnsureUser_RejectsBadNames(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{}}
	a := newWrapped(h, true)
	for _, name := range []string{"", "-rf", "Root", "a b", "9lives", strings.Repeat("a", 40)} {
		assert.ErrorIs(t, a.EnsureUser(context.Background(), name), ErrInvalidName, name)
	}
	assert.Empty(t, h.ran)
}

func TestAuthenticate_WrapsInner(t *testing.T) {
	h := &fakeHost{accounts: map[string]bool{}}
	a := newWrapped(h, true)

	u, err := a.Authenticate(httptest.NewRecorder(), loginRequest("jhover@bnl.gov"))
	require.NoError(t, err)
	assert.Equal(t, "jhoverbnlgov", u.Name)
	assert.True(t, h.accounts["jhoverbnlgov"])

	_, err = a.Authenticate(httptest.NewRecorder(), loginRequest(""))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, ok := auth.LoginStarterOf(a)
	assert.False(t, ok)
}
