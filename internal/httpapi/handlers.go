package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"crewgate.org/internal/audit"
	"crewgate.org/internal/hierarchy"
	"crewgate.org/internal/identity"
	"crewgate.org/internal/mfa"
	"crewgate.org/internal/obs"
	"crewgate.org/internal/perm"
	"crewgate.org/internal/token"
)

// ReadyProbe is a simple readiness check (DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the facade's collaborators.
type Config struct {
	ReadyProbe  ReadyProbe
	Version     string
	Store       identity.Store
	Tokens      *token.Service
	MFA         *mfa.Engine
	Hierarchy   *hierarchy.Validator
	Permissions *perm.Resolver
}

// API is the authorization facade: the single HTTP entry point every external
// collaborator goes through. Token verification, permission resolution and
// hierarchy validation all hang off its routes.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	store       identity.Store
	tokens      *token.Service
	mfa         *mfa.Engine
	hierarchy   *hierarchy.Validator
	permissions *perm.Resolver
}

func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  cfg.ReadyProbe,
		version:     cfg.Version,
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		mfa:         cfg.MFA,
		hierarchy:   cfg.Hierarchy,
		permissions: cfg.Permissions,
	}

	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/auth/me", a.handleMe)

	a.mux.HandleFunc("/mfa/setup", a.handleMFASetup)
	a.mux.HandleFunc("/mfa/verify-setup", a.handleMFAVerifySetup)
	a.mux.HandleFunc("/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/mfa/disable", a.handleMFADisable)

	a.mux.HandleFunc("/positions/available", a.handlePositionsAvailable)

	a.mux.HandleFunc("/permissions/check/availability", a.handlePermissionAvailability)
	a.mux.HandleFunc("/permissions/initialize/super-admin", a.handleInitializeSuperAdmin)

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crewgate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleCoreError maps domain errors onto the response taxonomy. 401s never
// reveal whether the token was missing, expired or revoked; internal detail
// goes to the audit log instead.
func (a *API) handleCoreError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *mfa.RateLimitError
	switch {
	case errors.As(err, &rl):
		writeRateLimited(w, r, rl.RetryAfter)
	case errors.Is(err, mfa.ErrRateLimited):
		writeRateLimited(w, r, 0)
	case errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrInvalid),
		errors.Is(err, token.ErrRevoked),
		errors.Is(err, token.ErrInvalidRefresh),
		errors.Is(err, mfa.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, mfa.ErrMandatory):
		writeError(w, r, http.StatusForbidden, "your role requires multi-factor authentication")
	case errors.Is(err, mfa.ErrAlreadyEnabled),
		errors.Is(err, mfa.ErrNotPending),
		errors.Is(err, mfa.ErrNotEnabled):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, hierarchy.ErrInvalidTree):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		_ = audit.LogEvent(r.Context(), "core.not_found", map[string]any{
			"ip": clientIP(r), "detail": err.Error(),
		})
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		_ = audit.LogEvent(r.Context(), "core.internal_error", map[string]any{
			"ip": clientIP(r), "detail": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	obs.ObserveRateLimited("mfa")
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	payload := map[string]any{
		"error":             "too many attempts",
		"retryAfterSeconds": seconds,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusTooManyRequests, payload)
}
