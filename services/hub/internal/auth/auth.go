package auth

import (
	"errors"
	"net/http"
	"strings"
)

type Source string

const (
	SourcePAM      Source = "pam"
	SourceCOManage Source = "comanage"
	SourceDummy    Source = "dummy"
)

var (
	// ErrForbidden marks a valid identity that the whitelists refuse
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated marks a login that did not establish an identity
	ErrUnauthenticated = errors.New("unauthenticated")
)

type User struct {
	// Name is the normalized local name used for accounts, routes and the database
	Name string
	// Asserted is the identity as the provider asserted it, e.g. an eppn
	Asserted string
	IDP      string
	Groups   []string
	Admin    bool
	Source   Source
	Claims   map[string]any
	// AuthState is persisted encrypted when auth state is enabled
	AuthState map[string]any
}

// Authenticator completes a login request and returns the authenticated user
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) (*User, error)
}

// LoginStarter is implemented by authenticators that hand the browser to an external identity provider.
// Authenticators without it are driven by the hub's login form.
type LoginStarter interface {
	StartLogin(w http.ResponseWriter, r *http.Request)
}

// LoginStarterOf finds the LoginStarter behind a, looking through wrappers
func LoginStarterOf(a Authenticator) (LoginStarter, bool) {
	for a != nil {
		if s, ok := a.(LoginStarter); ok {
			return s, true
		}
		w, ok := a.(interface{ Unwrap() Authenticator })
		if !ok {
			break
		}
		a = w.Unwrap()
	}
	return nil, false
}

// DummyAuthenticator accepts any username from the login form. With Password set, the form password must
// match it. Only meant for development and tests.
type DummyAuthenticator struct {
	Password string
}

func (d DummyAuthenticator) Authenticate(_ http.ResponseWriter, r *http.Request) (*User, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(r.Form.Get("username"))
	if username == "" {
		return nil, ErrUnauthenticated
	}
	if d.Password != "" && r.Form.Get("password") != d.Password {
		return nil, ErrUnauthenticated
	}
	return &User{
		Name:     NormalizeUsername(username),
		Asserted: username,
		Source:   SourceDummy,
		Claims:   map[string]any{},
	}, nil
}

// NormalizeUsername maps an asserted identity onto a host account name: lower case, with everything outside
// [a-z0-9_-] removed, so that jhover@bnl.gov becomes jhoverbnlgov.
func NormalizeUsername(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AdminSet holds normalized administrative user names
type AdminSet map[string]struct{}

func NewAdminSet(names []string) AdminSet {
	set := make(AdminSet, len(names))
	for _, n := range names {
		if norm := NormalizeUsername(n); norm != "" {
			set[norm] = struct{}{}
		}
	}
	return set
}

func (s AdminSet) Contains(name string) bool {
	_, ok := s[NormalizeUsername(name)]
	return ok
}
