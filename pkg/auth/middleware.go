package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ExtractToken returns the Bearer token or, failing that, the X-API-Key
// header.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Middleware authenticates each request with a and stores the caller in
// the request context. With required false, requests without credentials
// pass through anonymously; a bad credential is always rejected.
func Middleware(a Authenticator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" && !required {
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithToken(r.Context(), token)
			uc, err := a.Authenticate(ctx)
			if err != nil {
				msg := "Unauthorized: invalid credentials"
				if errors.Is(err, ErrNoCredentials) {
					msg = "Unauthorized: missing authentication token"
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserContext(ctx, uc)))
		})
	}
}

// RequireRole rejects callers that hold none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := GetUserContext(r.Context())
			if uc == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !uc.HasAnyRole(roles...) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
