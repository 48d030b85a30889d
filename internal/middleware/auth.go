package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/kenneth/secure-git-relay/internal/apierr"
)

// AuthMiddleware rejects any /api/* request whose x-server-key header does
// not equal the configured API key, applied before any decryption work per
// spec.md §4.6.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("x-server-key") != apiKey {
				WriteError(w, apierr.New(apierr.CodeUnauthorized, "missing or invalid x-server-key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes the {error, message} body spec.md §7 requires, with the
// status fixed by the error's code.
func WriteError(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(err.Code),
		"message": err.Message,
	})
}
