// Package comanage authenticates users through CILogon and authorizes them through COmanage group
// membership.
package comanage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	helpers "sdcc-bnl/nbhub/pkg/shared"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
)

const stateCookieName = "oauthenticator-state"

// groupsClaim carries COmanage group memberships
const groupsClaim = "isMemberOf"

var (
	ErrIDPNotAllowed   = fmt.Errorf("%w: identity provider domain not whitelisted", auth.ErrForbidden)
	ErrGroupNotAllowed = fmt.Errorf("%w: not a member of a whitelisted group", auth.ErrForbidden)
	ErrStateMismatch   = fmt.Errorf("%w: oauth state mismatch", auth.ErrUnauthenticated)
	ErrNoUsername      = fmt.Errorf("%w: no username claim", auth.ErrUnauthenticated)
)

type Options struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	CallbackURL    string
	Scopes         []string
	UsernameClaim  string
	IDPWhitelist   []string
	GroupWhitelist []string
	// EnableAuthState keeps tokens and claims on the returned user
	EnableAuthState bool
}

type Authenticator struct {
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth2   *oauth2.Config

	usernameClaim   string
	idps            map[string]struct{}
	groups          map[string]struct{}
	enableAuthState bool
	secureCookie    bool
	// cookiePath scopes the state cookie to the directory of the callback URL
	cookiePath string
}

// New discovers the provider configuration from opts.IssuerURL
func New(ctx context.Context, opts Options) (*Authenticator, error) {
	if opts.ClientID == "" {
		return nil, errors.New("comanage: client id is required")
	}
	provider, err := gooidc.NewProvider(ctx, opts.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("comanage: failed to discover provider %q: %w", opts.IssuerURL, err)
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile", "org.cilogon.userinfo"}
	}
	usernameClaim := opts.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = "eppn"
	}

	secure, cookiePath := false, "/"
	if u, err := url.Parse(opts.CallbackURL); err == nil {
		secure = u.Scheme == "https"
		cookiePath = callbackCookiePath(u.Path)
	}

	return &Authenticator{
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: opts.ClientID}),
		oauth2: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  opts.CallbackURL,
			Scopes:       scopes,
		},
		usernameClaim:   usernameClaim,
		idps:            lowerSet(opts.IDPWhitelist),
		groups:          exactSet(opts.GroupWhitelist),
		enableAuthState: opts.EnableAuthState,
		secureCookie:    secure,
		cookiePath:      cookiePath,
	}, nil
}

// callbackCookiePath maps /base/hub/oauth_callback to /base/hub/
func callbackCookiePath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return "/"
	}
	return dir + "/"
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func exactSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = struct{}{}
	}
	return set
}

// StartLogin redirects the browser to the identity provider with a fresh state value
func (a *Authenticator) StartLogin(w http.ResponseWriter, r *http.Request) {
	state, err := helpers.RandomHex(16)
	if err != nil {
		slog.Error("Failed to generate oauth state", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     a.cookiePath,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	http.Redirect(w, r, a.oauth2.AuthCodeURL(state), http.StatusFound)
}

// Authenticate handles the redirect back from the identity provider
func (a *Authenticator) Authenticate(w http.ResponseWriter, r *http.Request) (*auth.User, error) {
	ctx := r.Context()
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		return nil, fmt.Errorf("%w: provider error %s (%s)", auth.ErrUnauthenticated, errParam, q.Get("error_description"))
	}

	c, err := r.Cookie(stateCookieName)
	if err != nil || c.Value == "" || c.Value != q.Get("state") {
		return nil, ErrStateMismatch
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: a.cookiePath, MaxAge: -1})

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", auth.ErrUnauthenticated)
	}

	token, err := a.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %v", auth.ErrUnauthenticated, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", auth.ErrUnauthenticated)
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification failed: %v", auth.ErrUnauthenticated, err)
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	// COmanage group memberships are only released through the userinfo endpoint
	if info, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(token)); err != nil {
		slog.Warn("CILogon userinfo request failed", "error", err)
	} else {
		extra := map[string]any{}
		if err := info.Claims(&extra); err == nil {
			for k, v := range extra {
				if _, exists := claims[k]; !exists || k == groupsClaim {
					claims[k] = v
				}
			}
		}
	}

	user, err := a.UserFromClaims(claims)
	if err != nil {
		return nil, err
	}

	if a.enableAuthState {
		user.AuthState = map[string]any{
			"access_token":  token.AccessToken,
			"refresh_token": token.RefreshToken,
			"id_token":      rawIDToken,
			"token_type":    token.TokenType,
			"cilogon_user":  claims,
		}
	}
	return user, nil
}

// UserFromClaims applies the username, identity provider and group rules to a set of claims
func (a *Authenticator) UserFromClaims(claims map[string]any) (*auth.User, error) {
	asserted, _ := claims[a.usernameClaim].(string)
	if asserted == "" {
		asserted, _ = claims["email"].(string)
	}
	if asserted == "" {
		return nil, ErrNoUsername
	}

	domain := ""
	if i := strings.LastIndex(asserted, "@"); i >= 0 {
		domain = strings.ToLower(asserted[i+1:])
	}
	if len(a.idps) > 0 {
		if _, ok := a.idps[domain]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrIDPNotAllowed, domain)
		}
	}

	groups := stringList(claims[groupsClaim])
	if len(a.groups) > 0 && !anyIn(groups, a.groups) {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotAllowed, asserted)
	}

	name := auth.NormalizeUsername(asserted)
	if name == "" {
		return nil, ErrNoUsername
	}

	return &auth.User{
		Name:     name,
		Asserted: asserted,
		IDP:      domain,
		Groups:   groups,
		Source:   auth.SourceCOManage,
		Claims:   claims,
	}, nil
}

func anyIn(values []string, set map[string]struct{}) bool {
	for _, v := range values {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// stringList accepts a JSON array or a comma separated string
func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
