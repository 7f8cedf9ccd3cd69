package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"credledger.org/internal/auth"
	"credledger.org/internal/ledger"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth attaches the caller's identity when a bearer token is presented.
// Anonymous requests pass through; RequireRole gates the routes that need an
// identity.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if r.Method == http.MethodOptions || strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		grant, err := a.auth.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrNoSecret) {
				writeError(w, r, http.StatusServiceUnavailable, "token authentication is not configured")
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithGrant(r.Context(), grant)))
	})
}

// RequireRole admits callers holding any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, ok := auth.FromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="credledger"`)
				writeError(w, r, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
				return
			}
			if !grant.HasAny(roles...) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// requireSigner checks that the deployment holds acct and that the caller's
// token allows signing with it.
func requireSigner(w http.ResponseWriter, r *http.Request, acct ledger.Account, role string) bool {
	if !acct.Valid() {
		writeError(w, r, http.StatusServiceUnavailable, role+" signing key is not configured")
		return false
	}
	if grant, ok := auth.FromContext(r.Context()); ok && !grant.MaySignAs(acct.Address) {
		writeError(w, r, http.StatusForbidden, "token is not bound to "+role+" account "+acct.Address.String())
		return false
	}
	return true
}
