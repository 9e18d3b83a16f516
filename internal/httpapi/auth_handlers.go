package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"crewgate.org/internal/audit"
	"crewgate.org/internal/identity"
	"crewgate.org/internal/obs"
	"crewgate.org/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type mfaRequiredResponse struct {
	MFARequired        bool   `json:"mfaRequired"`
	EnrollmentRequired bool   `json:"enrollmentRequired,omitempty"`
	PreAuthToken       string `json:"preAuthToken"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ip := clientIP(r)
	deny := func(reason string) {
		obs.ObserveLogin("denied")
		_ = audit.LogEvent(r.Context(), "auth.login.denied", map[string]any{
			"email": email, "ip": ip, "reason": reason,
		})
		// Same body for every credential failure.
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	}

	user, err := a.store.Users(r.Context()).FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			deny("unknown email")
			return
		}
		a.handleCoreError(w, r, err)
		return
	}
	if !user.Active {
		deny("account inactive")
		return
	}
	if err := identity.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		deny("wrong password")
		return
	}

	role, err := a.store.Roles(r.Context()).Find(r.Context(), user.RoleID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	if a.mfa.Required(user, role) {
		preAuth, err := a.tokens.IssuePreAuth(user, role)
		if err != nil {
			a.handleCoreError(w, r, err)
			return
		}
		obs.ObserveLogin("mfa_required")
		_ = audit.LogEvent(r.Context(), "auth.login.mfa_required", map[string]any{
			"user_id": user.ID, "ip": ip,
			"enrollment_required": a.mfa.EnrollmentRequired(user, role),
		})
		writeJSON(w, http.StatusOK, mfaRequiredResponse{
			MFARequired:        true,
			EnrollmentRequired: a.mfa.EnrollmentRequired(user, role),
			PreAuthToken:       preAuth,
		})
		return
	}

	pair, err := a.tokens.Issue(r.Context(), user, role, token.DeviceMeta{Device: deviceName(req.Device, r), IP: ip})
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	obs.ObserveLogin("ok")
	_ = audit.LogEvent(r.Context(), "auth.login.ok", map[string]any{
		"user_id": user.ID, "ip": ip,
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	access, expiresIn, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.ObserveRefresh("denied")
		_ = audit.LogEvent(r.Context(), "auth.refresh.denied", map[string]any{
			"ip": clientIP(r), "reason": err.Error(),
		})
		a.handleCoreError(w, r, err)
		return
	}
	obs.ObserveRefresh("ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": access,
		"expiresIn":   expiresIn,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tokens.Revoke(r.Context(), req.RefreshToken); err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	obs.ObserveRevocation("single")
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := token.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.tokens.RevokeAll(r.Context(), userID); err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	obs.ObserveRevocation("all")
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{
		"user_id": userID, "ip": clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type meResponse struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	Role          string   `json:"role"`
	Unrestricted  bool     `json:"unrestricted"`
	Position      string   `json:"position,omitempty"`
	PositionLevel int      `json:"positionLevel"`
	MFAState      string   `json:"mfaState"`
	Permissions   []string `json:"permissions"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := token.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	role, err := a.store.Roles(r.Context()).Find(r.Context(), user.RoleID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		a.handleCoreError(w, r, err)
		return
	}
	resp := meResponse{
		ID:       user.ID,
		Email:    user.Email,
		MFAState: string(user.MFAState()),
	}
	if role != nil {
		resp.Role = role.Name
		resp.Unrestricted = role.Unrestricted
	}
	if pos, err := a.store.Positions(r.Context()).Find(r.Context(), user.PositionID); err == nil {
		resp.Position = pos.Name
		resp.PositionLevel = pos.Level
	}
	perms, err := a.permissions.PermissionsFor(r.Context(), userID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	resp.Permissions = perms
	writeJSON(w, http.StatusOK, resp)
}

func deviceName(requested string, r *http.Request) string {
	if d := strings.TrimSpace(requested); d != "" {
		return d
	}
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		return ua
	}
	return "unknown"
}
