package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth protects the /v1/ surface with a static bearer token. An empty
// configured token disables the check (local development).
func Auth(requiredToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredToken == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(requiredToken)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
