package hub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sdcc-bnl/nbhub/services/hub/internal/auth"
	"sdcc-bnl/nbhub/services/hub/internal/httpHelpers"
)

type ctxKey int

const identityKey ctxKey = 0

type identity struct {
	Name  string
	Admin bool
	// Kind is "user" for a browser session, "token" for an API token
	Kind string
}

func identityFrom(ctx context.Context) *identity {
	id, _ := ctx.Value(identityKey).(*identity)
	return id
}

// identify accepts an API token header first and falls back to the session cookie
func (h *Hub) identify(r *http.Request) *identity {
	if raw, err := auth.TokenFromRequest(r); err == nil {
		if name, err := h.tokens.Verify(raw); err == nil {
			return &identity{Name: name, Admin: h.admins.Contains(name), Kind: "token"}
		}
		return nil
	}
	if name, err := h.sessions.FromRequest(r); err == nil {
		return &identity{Name: name, Admin: h.admins.Contains(name), Kind: "user"}
	}
	return nil
}

func (h *Hub) render(w http.ResponseWriter, status int, name string, data map[string]any) {
	data["Base"] = h.base
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("Error rendering template", "template", name, "error", err)
	}
}

func (h *Hub) renderError(w http.ResponseWriter, status int, msg string) {
	h.render(w, status, "error.html", map[string]any{"Status": status, "StatusText": http.StatusText(status), "Message": msg})
}

func (h *Hub) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.url("/hub/login")+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
}

// safeNext only allows redirects to local paths under the base URL
func (h *Hub) safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, h.url("/")) || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return h.url("/hub/spawn")
	}
	return next
}

func (h *Hub) handleHome(w http.ResponseWriter, r *http.Request) {
	name, err := h.sessions.FromRequest(r)
	if err != nil {
		h.redirectToLogin(w, r)
		return
	}
	h.render(w, http.StatusOK, "home.html", map[string]any{
		"User":   name,
		"Admin":  h.admins.Contains(name),
		"Server": h.serverFor(r.Context(), name),
		"Prefix": h.UserPrefix(name),
	})
}

func (h *Hub) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if _, err := h.sessions.FromRequest(r); err == nil {
		http.Redirect(w, r, h.safeNext(next), http.StatusFound)
		return
	}
	_, oauth := auth.LoginStarterOf(h.auth)
	h.render(w, http.StatusOK, "login.html", map[string]any{"Next": next, "OAuth": oauth})
}

func (h *Hub) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	starter, ok := auth.LoginStarterOf(h.auth)
	if !ok {
		http.Redirect(w, r, h.url("/hub/login"), http.StatusFound)
		return
	}
	starter.StartLogin(w, r)
}

func (h *Hub) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(w, r)
	if err != nil {
		status := h.loginFailed(r, err)
		h.render(w, status, "login.html", map[string]any{
			"Next":  r.PostFormValue("next"),
			"Error": "Invalid username or password",
		})
		return
	}
	h.completeLogin(w, r, user, r.PostFormValue("next"))
}

func (h *Hub) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(w, r)
	if err != nil {
		status := h.loginFailed(r, err)
		msg := "Login failed"
		if status == http.StatusForbidden {
			msg = "Your identity provider or group membership is not authorized for this hub"
		}
		h.renderError(w, status, msg)
		return
	}
	h.completeLogin(w, r, user, "")
}

func (h *Hub) loginFailed(r *http.Request, err error) int {
	status := http.StatusUnauthorized
	result := "unauthenticated"
	if errors.Is(err, auth.ErrForbidden) {
		status, result = http.StatusForbidden, "forbidden"
	} else if !errors.Is(err, auth.ErrUnauthenticated) {
		status, result = http.StatusInternalServerError, "error"
	}
	h.metrics.observeLogin(result)
	h.logger.Warn("Login failed", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
	return status
}

func (h *Hub) completeLogin(w http.ResponseWriter, r *http.Request, user *auth.User, next string) {
	ctx := r.Context()
	user.Admin = h.admins.Contains(user.Name) || h.admins.Contains(user.Asserted)

	if prev, err := h.store.GetUser(ctx, user.Name); err == nil && prev.Asserted != "" && prev.Asserted != user.Asserted {
		h.logger.Warn("Login name is shared by different identities", "user", user.Name,
			"previous", prev.Asserted, "asserted", user.Asserted)
	}
	if err := h.store.UpsertUser(ctx, user.Name, user.Asserted, user.Admin); err != nil {
		h.logger.Error("Failed to record user", "user", user.Name, "error", err)
		h.renderError(w, http.StatusInternalServerError, "Failed to record login")
		return
	}
	if h.crypt != nil && user.AuthState != nil {
		sealed, err := h.crypt.Encrypt(user.AuthState)
		if err == nil {
			err = h.store.SaveAuthState(ctx, user.Name, sealed)
		}
		if err != nil {
			h.logger.Error("Failed to save auth state", "user", user.Name, "error", err)
		}
	}

	h.metrics.observeLogin("success")
	h.logger.Info("User logged in", "user", user.Name, "asserted", user.Asserted, "source", user.Source, "admin", user.Admin)
	h.sessions.SetCookie(w, user.Name)
	http.Redirect(w, r, h.safeNext(next), http.StatusFound)
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	if name, err := h.sessions.FromRequest(r); err == nil {
		h.logger.Info("User logged out", "user", name)
	}
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, h.url("/hub/login"), http.StatusFound)
}

func (h *Hub) handleSpawn(w http.ResponseWriter, r *http.Request) {
	name, err := h.sessions.FromRequest(r)
	if err != nil {
		h.redirectToLogin(w, r)
		return
	}

	start := time.Now()
	if _, err := h.SpawnServer(r.Context(), name); err != nil {
		h.logger.Error("Failed to start server", "user", name, "error", err)
		h.renderError(w, http.StatusInternalServerError, "Your server failed to start")
		return
	}
	httpHelpers.WriteTimings(w, httpHelpers.Timings{"spawn": time.Since(start)})

	next := r.URL.Query().Get("next")
	if !strings.HasPrefix(next, h.UserPrefix(name)) {
		next = h.UserPrefix(name)
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *Hub) handleUserRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.UserPrefix(chi.URLParam(r, "name")), http.StatusFound)
}

// handleUser proxies /user/<name>/ to the owner's server. Admins may reach any server.
func (h *Hub) handleUser(w http.ResponseWriter, r *http.Request) {
	id := h.identify(r)
	if id == nil {
		h.redirectToLogin(w, r)
		return
	}
	name := chi.URLParam(r, "name")
	if id.Name != name && !id.Admin {
		h.renderError(w, http.StatusForbidden, "This server belongs to another user")
		return
	}

	if h.serverFor(r.Context(), name) == nil {
		if id.Name == name {
			http.Redirect(w, r, h.url("/hub/spawn")+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		h.renderError(w, http.StatusServiceUnavailable, "Server is not running")
		return
	}

	h.touch(r.Context(), name)
	h.proxy.ServeHTTP(w, r)
}
