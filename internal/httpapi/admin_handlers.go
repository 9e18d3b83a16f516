package httpapi

import (
	"errors"
	"net/http"

	"crewgate.org/internal/audit"
	"crewgate.org/internal/identity"
	"crewgate.org/internal/perm"
	"crewgate.org/internal/token"
)

type positionResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
	ParentID string `json:"parentId,omitempty"`
}

// handlePositionsAvailable lists the positions the caller may assign when
// creating a subordinate, per the hierarchy rules.
func (a *API) handlePositionsAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := token.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	positions, err := a.hierarchy.AvailablePositions(r.Context(), userID)
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse{
			ID:       p.ID,
			Name:     p.Name,
			Level:    p.Level,
			ParentID: p.ParentID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// handlePermissionAvailability reports which builtin permission codes exist in
// the catalog and which are missing. Diagnostic, unrestricted-role only.
func (a *API) handlePermissionAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireUnrestricted(w, r) {
		return
	}
	catalog, err := a.store.Permissions(r.Context()).List(r.Context())
	if err != nil {
		a.handleCoreError(w, r, err)
		return
	}
	present := make(map[string]bool, len(catalog))
	codes := make([]string, 0, len(catalog))
	for _, p := range catalog {
		present[p.Code] = true
		codes = append(codes, p.Code)
	}
	missing := []string{}
	for _, p := range perm.BuiltinPermissions {
		if !present[p.Code] {
			missing = append(missing, p.Code)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": codes,
		"missing":     missing,
	})
}

// handleInitializeSuperAdmin repairs the permission grant table: it ensures
// the builtin catalog exists and that exactly one unrestricted role is
// present. Bootstrap endpoint, unrestricted-role only.
func (a *API) handleInitializeSuperAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireUnrestricted(w, r) {
		return
	}

	if err := a.permissions.EnsureBuiltins(r.Context()); err != nil {
		a.handleCoreError(w, r, err)
		return
	}

	role, err := a.store.Roles(r.Context()).FindUnrestricted(r.Context())
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			a.handleCoreError(w, r, err)
			return
		}
		role = &identity.Role{Name: "Super Admin", Unrestricted: true}
		if err := a.store.Roles(r.Context()).Create(r.Context(), role); err != nil {
			a.handleCoreError(w, r, err)
			return
		}
	}

	userID, _ := token.UserIDFromContext(r.Context())
	_ = audit.LogEvent(r.Context(), "permissions.super_admin.initialized", map[string]any{
		"user_id": userID, "ip": clientIP(r), "role_id": role.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"roleId": role.ID,
	})
}
