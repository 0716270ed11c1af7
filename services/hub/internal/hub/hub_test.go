package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
	"sdcc-bnl/nbhub/services/hub/internal/authstate"
	"sdcc-bnl/nbhub/services/hub/internal/database"
	"sdcc-bnl/nbhub/services/hub/internal/proxy"
	"sdcc-bnl/nbhub/services/hub/internal/spawner"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeSpawner struct {
	delay time.Duration

	mu       sync.Mutex
	starts   int
	requests []spawner.Request
	backends map[string]*httptest.Server
	servers  map[string]spawner.Server
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{backends: map[string]*httptest.Server{}, servers: map[string]spawner.Server{}}
}

func (f *fakeSpawner) Start(_ context.Context, req spawner.Request) (*spawner.Server, error) {
	f.mu.Lock()
	if srv, ok := f.servers[req.User]; ok {
		f.mu.Unlock()
		return &srv, nil
	}
	f.mu.Unlock()

	time.Sleep(f.delay)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "server of %s at %s", req.User, r.URL.Path)
	}))
	srv := spawner.Server{User: req.User, ID: "id-" + req.User, URL: backend.URL, Started: time.Now()}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.requests = append(f.requests, req)
	f.backends[req.User] = backend
	f.servers[req.User] = srv
	return &srv, nil
}

func (f *fakeSpawner) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[name]
	if !ok {
		return spawner.ErrNoServer
	}
	b.Close()
	delete(f.backends, name)
	delete(f.servers, name)
	return nil
}

func (f *fakeSpawner) Poll(_ context.Context, name string) (spawner.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[name]; !ok {
		return spawner.Status{}, spawner.ErrNoServer
	}
	return spawner.Status{Running: true}, nil
}

func (f *fakeSpawner) List() []spawner.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]spawner.Server, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out
}

func (f *fakeSpawner) Shutdown(ctx context.Context) error {
	for _, s := range f.List() {
		_ = f.Stop(ctx, s.User)
	}
	return nil
}

// stateAuthenticator stands in for an OAuth login that carries tokens
type stateAuthenticator struct{}

func (stateAuthenticator) Authenticate(http.ResponseWriter, *http.Request) (*auth.User, error) {
	return &auth.User{
		Name:      "jhoverbnlgov",
		Asserted:  "jhover@bnl.gov",
		Source:    auth.SourceCOManage,
		AuthState: map[string]any{"access_token": "abc"},
	}, nil
}

func (stateAuthenticator) StartLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://cilogon.org/authorize", http.StatusFound)
}

type testHub struct {
	*Hub
	spawner *fakeSpawner
	handler http.Handler
}

func newTestHub(t *testing.T, a auth.Authenticator, crypt *authstate.CryptKeeper) *testHub {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := database.Open(ctx, "sqlite:///"+filepath.Join(t.TempDir(), "jupyterhub.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Hub:           config.HubConfig{BaseURL: "/", BindURL: "http://:8000"},
		Authenticator: config.AuthenticatorConfig{AdminUsers: []string{"jhover@bnl.gov"}},
		Spawner:       config.SpawnerConfig{StartTimeout: 10 * time.Second},
	}
	fs := newFakeSpawner()
	h := New(Options{
		Config:   cfg,
		Logger:   logger,
		Auth:     a,
		Spawner:  fs,
		Proxy:    proxy.New(config.ProxyConfig{}, logger),
		Store:    store,
		Sessions: auth.NewSessions(testSecret, time.Hour, false),
		Tokens:   auth.NewTokens(testSecret),
		Crypt:    crypt,
	})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return &testHub{Hub: h, spawner: fs, handler: h.Handler()}
}

type reqOpt func(*http.Request)

func withCookie(c *http.Cookie) reqOpt { return func(r *http.Request) { r.AddCookie(c) } }

func withToken(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "token "+tok) }
}

func (th *testHub) do(method, target string, form url.Values, opts ...reqOpt) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	r := httptest.NewRequest(method, target, body)
	if form != nil {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, o := range opts {
		o(r)
	}
	rec := httptest.NewRecorder()
	th.handler.ServeHTTP(rec, r)
	return rec
}

func (th *testHub) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	rec := th.do(http.MethodPost, "/hub/login", url.Values{"username": {username}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func (th *testHub) token(t *testing.T, name string) string {
	t.Helper()
	tok, err := th.tokens.Issue(name, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestLogin_FormFlow(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{Password: "pw"}, nil)

	rec := th.do(http.MethodGet, "/hub/login?next=/user/alice/lab", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="password"`)
	assert.Contains(t, rec.Body.String(), `value="/user/alice/lab"`)

	rec = th.do(http.MethodPost, "/hub/login", url.Values{"username": {"alice"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")

	rec = th.do(http.MethodPost, "/hub/login", url.Values{"username": {"alice"}, "password": {"pw"}, "next": {"/user/alice/lab"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/lab", rec.Header().Get("Location"))

	rec = th.do(http.MethodPost, "/hub/login", url.Values{"username": {"alice"}, "password": {"pw"}, "next": {"//evil.org/"}})
	assert.Equal(t, "/hub/spawn", rec.Header().Get("Location"))

	u, err := th.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, u.Admin)
}

func TestLogin_AdminFromAssertedName(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	th.login(t, "jhover@bnl.gov")

	u, err := th.store.GetUser(context.Background(), "jhoverbnlgov")
	require.NoError(t, err)
	assert.True(t, u.Admin)
}

func TestLogin_OAuthPageAndAuthState(t *testing.T) {
	crypt, err := authstate.New(strings.Repeat("ab", 32))
	require.NoError(t, err)
	th := newTestHub(t, stateAuthenticator{}, crypt)

	rec := th.do(http.MethodGet, "/hub/login", nil)
	assert.Contains(t, rec.Body.String(), "/hub/oauth_login")
	assert.NotContains(t, rec.Body.String(), `name="password"`)

	rec = th.do(http.MethodGet, "/hub/oauth_login", nil)
	assert.Equal(t, "https://cilogon.org/authorize", rec.Header().Get("Location"))

	rec = th.do(http.MethodGet, "/hub/oauth_callback?code=x&state=y", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	sealed, err := th.store.LoadAuthState(context.Background(), "jhoverbnlgov")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "abc")

	rec = th.do(http.MethodGet, "/hub/api/users/jhoverbnlgov", nil, withToken(th.token(t, "jhoverbnlgov")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"auth_state":{"access_token":"abc"}`)
	assert.Contains(t, rec.Body.String(), `"admin":true`)
}

func TestLogout(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	cookie := th.login(t, "alice")

	rec := th.do(http.MethodGet, "/hub/logout", nil, withCookie(cookie))
	assert.Equal(t, "/hub/login", rec.Header().Get("Location"))
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestSpawnAndProxy(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	alice := th.login(t, "alice")

	rec := th.do(http.MethodGet, "/user/alice/tree", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/hub/login?next="))

	rec = th.do(http.MethodGet, "/user/alice/tree", nil, withCookie(alice))
	assert.Equal(t, "/hub/spawn?next=%2Fuser%2Falice%2Ftree", rec.Header().Get("Location"))

	rec = th.do(http.MethodGet, "/hub/spawn?next=/user/alice/tree", nil, withCookie(alice))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/user/alice/tree", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Server-Timing"), "spawn;dur=")

	req := th.spawner.requests[0]
	assert.Equal(t, "/user/alice/", req.Prefix)
	assert.Equal(t, "http://127.0.0.1:8000/hub/api", req.HubAPIURL)
	name, err := th.tokens.Verify(req.APIToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	rec = th.do(http.MethodGet, "/user/alice/tree", nil, withCookie(alice))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "server of alice at /user/alice/tree", rec.Body.String())

	rec = th.do(http.MethodGet, "/user/alice", nil, withCookie(alice))
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))

	rec = th.do(http.MethodGet, "/hub/home", nil, withCookie(alice))
	assert.Contains(t, rec.Body.String(), "My Server")

	bob := th.login(t, "bob")
	rec = th.do(http.MethodGet, "/user/alice/tree", nil, withCookie(bob))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := th.login(t, "jhover@bnl.gov")
	rec = th.do(http.MethodGet, "/user/alice/tree", nil, withCookie(admin))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = th.do(http.MethodGet, "/user/bob/", nil, withCookie(admin))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSpawnServer_Collapsed(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	th.spawner.delay = 200 * time.Millisecond
	require.NoError(t, th.store.UpsertUser(context.Background(), "alice", "alice", false))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			srv, err := th.SpawnServer(context.Background(), "alice")
			if err == nil {
				ids[i] = srv.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, th.spawner.starts)
	for _, id := range ids {
		assert.Equal(t, "id-alice", id)
	}
	assert.Contains(t, th.proxy.Routes(), "/user/alice/")
}

func TestAPI_Auth(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)

	rec := th.do(http.MethodGet, "/hub/api/user", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = th.do(http.MethodGet, "/hub/api/user", nil, withToken("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = th.do(http.MethodGet, "/hub/api/user", nil, withToken(th.token(t, "alice")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"alice","admin":false,"kind":"token"}`, rec.Body.String())

	cookie := th.login(t, "alice")
	rec = th.do(http.MethodGet, "/hub/api/user", nil, withCookie(cookie))
	assert.JSONEq(t, `{"name":"alice","admin":false,"kind":"user"}`, rec.Body.String())

	rec = th.do(http.MethodGet, "/hub/api/users", nil, withCookie(cookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = th.do(http.MethodGet, "/hub/api/users/bob", nil, withCookie(cookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ServerLifecycle(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	th.login(t, "alice")
	alice := withToken(th.token(t, "alice"))
	admin := withToken(th.token(t, "jhoverbnlgov"))

	rec := th.do(http.MethodPost, "/hub/api/users/ghost/server", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = th.do(http.MethodPost, "/hub/api/users/alice/server", nil, alice)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"prefix":"/user/alice/"`)

	rec = th.do(http.MethodPost, "/hub/api/users/alice/server", nil, alice)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, th.spawner.starts)

	rec = th.do(http.MethodGet, "/hub/api/users/alice", nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"server":{`)
	assert.NotContains(t, rec.Body.String(), "auth_state")

	rec = th.do(http.MethodGet, "/hub/api/users", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"alice"`)

	rec = th.do(http.MethodGet, "/hub/api/proxy", nil, admin)
	assert.Contains(t, rec.Body.String(), `"/user/alice/"`)

	rec = th.do(http.MethodDelete, "/hub/api/users/alice/server", nil, alice)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, th.proxy.Routes())

	rec = th.do(http.MethodDelete, "/hub/api/users/alice/server", nil, alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = th.do(http.MethodDelete, "/hub/api/users/alice", nil, alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = th.do(http.MethodDelete, "/hub/api/users/alice", nil, admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := th.store.GetUser(context.Background(), "alice")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestHealthAndMetrics(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	th.login(t, "alice")

	rec := th.do(http.MethodGet, "/hub/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok","servers":0}`, rec.Body.String())

	rec = th.do(http.MethodGet, "/hub/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `nbhub_logins_total{result="success"} 1`)
	assert.Contains(t, body, "nbhub_running_servers 0")
	assert.Contains(t, body, `nbhub_http_requests_total{code="302",method="POST",route="/hub/login"} 1`)
}

func TestRootRedirect(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	assert.Equal(t, "/hub/", th.do(http.MethodGet, "/", nil).Header().Get("Location"))

	rec := th.do(http.MethodGet, "/hub/", nil)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/hub/login?next="))
}

func TestHubAPIURL(t *testing.T) {
	tests := []struct {
		cfg  config.HubConfig
		base string
		want string
	}{
		{cfg: config.HubConfig{BindURL: "http://:8000"}, want: "http://127.0.0.1:8000/hub/api"},
		{cfg: config.HubConfig{BindURL: "https://0.0.0.0:8443", SSLCert: "c", SSLKey: "k"}, want: "https://127.0.0.1:8443/hub/api"},
		{cfg: config.HubConfig{BindURL: "http://10.0.0.5:8081"}, base: "/jhub", want: "http://10.0.0.5:8081/jhub/hub/api"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HubAPIURL(tt.cfg, tt.base))
	}
}

func TestLogin_WarnsWhenIdentitiesShareAName(t *testing.T) {
	th := newTestHub(t, auth.DummyAuthenticator{}, nil)
	var logs bytes.Buffer
	th.logger = slog.New(slog.NewJSONHandler(&logs, nil))

	th.login(t, "john.b@anl.gov")
	th.login(t, "john.b@anl.gov")
	assert.NotContains(t, logs.String(), "shared by different identities")

	th.login(t, "johnb@anl.gov")
	assert.Contains(t, logs.String(), "Login name is shared by different identities")
	assert.Contains(t, logs.String(), `"previous":"john.b@anl.gov"`)

	u, err := th.store.GetUser(context.Background(), "johnbanlgov")
	require.NoError(t, err)
	assert.Equal(t, "johnb@anl.gov", u.Asserted)
}
