package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth is middleware that rejects any request whose Authorization
// header does not carry the expected token. The comparison is constant-time.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
