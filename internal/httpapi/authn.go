package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"crewgate.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Routes reachable without an access token. Login and MFA completion
// authenticate by other means (credentials, refresh token, pre-auth token).
var publicPaths = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/logout",
	"/mfa/verify",
	"/mfa/setup",
	"/mfa/verify-setup",
	"/healthz",
	"/readyz",
	"/metrics",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			// Enrichment only: a valid bearer token still populates the
			// context so the MFA setup routes can serve logged-in users.
			if claims, err := a.bearerClaims(r); err == nil {
				r = r.WithContext(token.ContextWithClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.bearerClaims(r)
		if err != nil {
			a.handleCoreError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(token.ContextWithClaims(r.Context(), claims)))
	})
}

func (a *API) bearerClaims(r *http.Request) (*token.Claims, error) {
	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, token.ErrInvalid
	}
	return a.tokens.Verify(r.Context(), raw)
}

// authedUserID resolves the caller either from the verified bearer claims or,
// during MFA enrollment before any access token exists, from a pre-auth token
// submitted in the request body.
func (a *API) authedUserID(r *http.Request, preAuthToken string) (string, error) {
	if userID, ok := token.UserIDFromContext(r.Context()); ok {
		return userID, nil
	}
	if strings.TrimSpace(preAuthToken) != "" {
		return a.tokens.VerifyPreAuth(preAuthToken)
	}
	return "", token.ErrInvalid
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// requireUnrestricted gates diagnostic and bootstrap routes to the single
// unrestricted role.
func (a *API) requireUnrestricted(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !claims.Unrestricted {
		writeError(w, r, http.StatusForbidden, "unrestricted role required")
		return false
	}
	return true
}
