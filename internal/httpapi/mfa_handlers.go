package httpapi

import (
	"net/http"
	"strings"

	"crewgate.org/internal/audit"
	"crewgate.org/internal/obs"
	"crewgate.org/internal/token"
)

type mfaSetupRequest struct {
	// PreAuthToken lets mandatory-MFA users enroll before they hold any
	// access token. Logged-in users omit it and authenticate by bearer token.
	PreAuthToken string `json:"preAuthToken,omitempty"`
}

type mfaSetupResponse struct {
	Secret        string   `json:"secret"`
	QRCodeDataURI string   `json:"qrCodeDataUri"`
	BackupCodes   []string `json:"backupCodes"`
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaSetupRequest
	if err := decodeJSON(w, r, &req); err != nil && req.PreAuthToken == "" {
		// An empty body is fine for bearer-authenticated callers.
		if _, ok := token.UserIDFromContext(r.Context()); !ok {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	userID, err := a.authedUserID(r, req.PreAuthToken)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	enrollment, err := a.mfa.BeginEnrollment(r.Context(), userID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enrollment.started", map[string]any{
		"user_id": userID, "ip": clientIP(r),
	})
	// The secret and codes cross the wire exactly once and are never
	// retrievable again.
	writeJSON(w, http.StatusOK, mfaSetupResponse{
		Secret:        enrollment.Secret,
		QRCodeDataURI: enrollment.URI,
		BackupCodes:   enrollment.BackupCodes,
	})
}

type mfaConfirmRequest struct {
	PreAuthToken string `json:"preAuthToken,omitempty"`
	Code         string `json:"code"`
}

func (a *API) handleMFAVerifySetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	userID, err := a.authedUserID(r, req.PreAuthToken)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	if err := a.mfa.ConfirmEnrollment(r.Context(), userID, req.Code); err != nil {
		_ = audit.LogEvent(r.Context(), "mfa.enrollment.failed", map[string]any{
			"user_id": userID, "ip": clientIP(r),
		})
		a.handleCoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enrollment.confirmed", map[string]any{
		"user_id": userID, "ip": clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "enabled"})
}

type mfaVerifyRequest struct {
	PreAuthToken string `json:"preAuthToken"`
	Code         string `json:"code,omitempty"`
	BackupCode   string `json:"backupCode,omitempty"`
	Device       string `json:"device,omitempty"`
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = strings.TrimSpace(req.BackupCode)
	}
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code or backupCode is required")
		return
	}

	userID, err := a.tokens.VerifyPreAuth(req.PreAuthToken)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	ip := clientIP(r)
	method, err := a.mfa.VerifyLogin(r.Context(), userID, ip, code)
	if err != nil {
		obs.ObserveMFA("unknown", "denied")
		_ = audit.LogEvent(r.Context(), "mfa.verify.denied", map[string]any{
			"user_id": userID, "ip": ip, "reason": err.Error(),
		})
		a.handleCoreError(w, r, err)
		return
	}

	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	if !user.Active {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	role, err := a.store.Roles(r.Context()).Find(r.Context(), user.RoleID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	pair, err := a.tokens.Issue(r.Context(), user, role, token.DeviceMeta{Device: deviceName(req.Device, r), IP: ip})
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	obs.ObserveMFA(method, "ok")
	obs.ObserveLogin("ok")
	_ = audit.LogEvent(r.Context(), "mfa.verify.ok", map[string]any{
		"user_id": userID, "ip": ip, "method": method,
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := token.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.mfa.Disable(r.Context(), userID); err != nil {
		_ = audit.LogEvent(r.Context(), "mfa.disable.denied", map[string]any{
			"user_id": userID, "ip": clientIP(r), "reason": err.Error(),
		})
		a.handleCoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.disabled", map[string]any{
		"user_id": userID, "ip": clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}
