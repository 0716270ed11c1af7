package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sdcc-bnl/nbhub/pkg/shared/defs"
	"sdcc-bnl/nbhub/services/hub/internal/database"
	"sdcc-bnl/nbhub/services/hub/internal/httpHelpers"
	"sdcc-bnl/nbhub/services/hub/internal/spawner"
)

func (h *Hub) requireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := h.identify(r)
		if id == nil {
			httpHelpers.WriteError(w, http.StatusUnauthorized, "Missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (h *Hub) adminOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).Admin {
			httpHelpers.WriteError(w, http.StatusForbidden, "Admin access required")
			return
		}
		fn(w, r)
	}
}

func (h *Hub) selfOrAdmin(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		if id.Name != chi.URLParam(r, "name") && !id.Admin {
			httpHelpers.WriteError(w, http.StatusForbidden, "Not allowed to act on another user")
			return
		}
		fn(w, r)
	}
}

func (h *Hub) serverModel(srv *spawner.Server) *defs.ServerModel {
	if srv == nil {
		return nil
	}
	return &defs.ServerModel{
		ID:      srv.ID,
		URL:     srv.URL,
		Prefix:  h.UserPrefix(srv.User),
		Started: srv.Started,
		Ready:   true,
	}
}

func (h *Hub) userModel(u database.User, srv *spawner.Server) defs.UserModel {
	m := defs.UserModel{
		Name:    u.Name,
		Admin:   u.Admin,
		Created: u.Created,
		Server:  h.serverModel(srv),
	}
	if u.LastActivity.Valid {
		t := u.LastActivity.Time
		m.LastActivity = &t
	}
	return m
}

func (h *Hub) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	httpHelpers.WriteOutput(w, defs.WhoAmI{Name: id.Name, Admin: id.Admin, Kind: id.Kind})
}

func (h *Hub) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("Failed to list users", "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	running := make(map[string]spawner.Server)
	for _, srv := range h.spawner.List() {
		running[srv.User] = srv
	}

	out := make([]defs.UserModel, 0, len(users))
	for _, u := range users {
		var srv *spawner.Server
		if s, ok := running[u.Name]; ok {
			srv = &s
		}
		out = append(out, h.userModel(u, srv))
	}
	httpHelpers.WriteOutput(w, out)
}

func (h *Hub) lookupUser(w http.ResponseWriter, r *http.Request) (*database.User, bool) {
	name := chi.URLParam(r, "name")
	u, err := h.store.GetUser(r.Context(), name)
	if errors.Is(err, database.ErrNotFound) {
		httpHelpers.WriteError(w, http.StatusNotFound, "No such user: "+name)
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to get user", "user", name, "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to get user")
		return nil, false
	}
	return u, true
}

func (h *Hub) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r)
	if !ok {
		return
	}
	m := h.userModel(*u, h.serverFor(r.Context(), u.Name))

	if identityFrom(r.Context()).Admin && h.crypt != nil {
		sealed, err := h.store.LoadAuthState(r.Context(), u.Name)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			h.logger.Error("Failed to load auth state", "user", u.Name, "error", err)
		default:
			state := map[string]any{}
			if err := h.crypt.Decrypt(sealed, &state); err != nil {
				h.logger.Warn("Failed to decrypt auth state", "user", u.Name, "error", err)
			} else {
				m.AuthState = state
			}
		}
	}
	httpHelpers.WriteOutput(w, m)
}

func (h *Hub) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r)
	if !ok {
		return
	}
	if err := h.StopServer(r.Context(), u.Name); err != nil && !errors.Is(err, spawner.ErrNoServer) {
		h.logger.Error("Failed to stop server", "user", u.Name, "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to stop server")
		return
	}
	if err := h.store.DeleteUser(r.Context(), u.Name); err != nil {
		h.logger.Error("Failed to delete user", "user", u.Name, "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	h.logger.Info("Deleted user", "user", u.Name, "by", identityFrom(r.Context()).Name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleStartServer(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r)
	if !ok {
		return
	}
	if srv := h.serverFor(r.Context(), u.Name); srv != nil {
		httpHelpers.WriteOutput(w, h.serverModel(srv))
		return
	}

	start := time.Now()
	srv, err := h.SpawnServer(r.Context(), u.Name)
	if err != nil {
		h.logger.Error("Failed to start server", "user", u.Name, "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to start server")
		return
	}
	httpHelpers.WriteTimings(w, httpHelpers.Timings{"spawn": time.Since(start)})
	httpHelpers.WriteJSON(w, http.StatusCreated, h.serverModel(srv))
}

func (h *Hub) handleStopServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	start := time.Now()
	err := h.StopServer(r.Context(), name)
	if errors.Is(err, spawner.ErrNoServer) {
		httpHelpers.WriteError(w, http.StatusNotFound, "No server running for "+name)
		return
	}
	if err != nil {
		h.logger.Error("Failed to stop server", "user", name, "error", err)
		httpHelpers.WriteError(w, http.StatusInternalServerError, "Failed to stop server")
		return
	}
	httpHelpers.WriteTimings(w, httpHelpers.Timings{"stop": time.Since(start)})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleProxyRoutes(w http.ResponseWriter, r *http.Request) {
	httpHelpers.WriteOutput(w, h.proxy.Routes())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := defs.Health{Status: "ok", Database: "ok", Servers: len(h.spawner.List())}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("Database health check failed", "error", err)
		health.Status, health.Database = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	httpHelpers.WriteJSON(w, status, health)
}
