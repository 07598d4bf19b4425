// Package api is the HTTP surface of the gateway: preflight checks,
// supervised execution, the allowed-script listing and policy administration.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/scriptgate/scriptgate/internal/audit"
	"github.com/scriptgate/scriptgate/internal/auth"
	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/events"
	"github.com/scriptgate/scriptgate/internal/execsup"
	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/internal/preflight"
	"github.com/scriptgate/scriptgate/internal/store/sqlite"
)

type App struct {
	cfg      *config.Config
	eval     *policy.Evaluator
	store    *policy.Store
	tokens   *preflight.Service
	sessions *preflight.SessionCache
	sup      *execsup.Supervisor
	audit    *audit.Log
	index    *sqlite.Store
	broker   *events.Broker

	apiKeyAuth *auth.APIKeyAuth
}

func NewApp(cfg *config.Config, eval *policy.Evaluator, store *policy.Store, tokens *preflight.Service,
	sessions *preflight.SessionCache, sup *execsup.Supervisor, auditLog *audit.Log,
	index *sqlite.Store, broker *events.Broker, apiKeyAuth *auth.APIKeyAuth) *App {
	return &App{
		cfg:        cfg,
		eval:       eval,
		store:      store,
		tokens:     tokens,
		sessions:   sessions,
		sup:        sup,
		audit:      auditLog,
		index:      index,
		broker:     broker,
		apiKeyAuth: apiKeyAuth,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(a.authMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ready\n") })

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/check", a.handleCheck)
		r.Post("/run", a.handleRun)
		r.Post("/run/stream", a.handleRunStream)
		r.Get("/scripts", a.handleListScripts)
		r.Get("/executions", a.handleListExecutions)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Get("/policy", a.handleGetPolicy)
			r.Post("/policy/rules", a.handleAddRule)
			r.Delete("/policy/rules/{id}", a.handleRemoveRule)
			r.Post("/policy/overlays", a.handleAssignOverlay)
			r.Delete("/policy/overlays/{id}", a.handleRemoveOverlay)
			r.Post("/policy/reload", a.handleReloadPolicy)
			r.Get("/events", a.handleEventStream)
		})
	})

	return r
}

type roleCtxKey struct{}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.cfg.Development.DisableAuth || strings.EqualFold(a.cfg.Auth.Type, "none") {
		return next
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeyAuth.HeaderName())
			if key == "" || !a.apiKeyAuth.IsAllowed(key) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			ctx := auth.WithRole(r.Context(), a.apiKeyAuth.RoleForKey(key))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

// requireAdmin gates policy mutation behind the admin role. With auth
// disabled there is no identity to gate on, so everything is admin; that is
// a development posture only.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Development.DisableAuth || strings.EqualFold(a.cfg.Auth.Type, "none") {
			next.ServeHTTP(w, r)
			return
		}
		if auth.RoleFrom(r.Context()) != auth.RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": invalidMsg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

func writeSSE(w io.Writer, flusher http.Flusher, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(b))); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
