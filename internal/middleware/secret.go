package middleware

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader is the header carrying the worker-facing shared secret.
const SecretHeader = "X-API-Secret"

// RequireSecret guards worker-facing routes (webhook receiver, pending-job
// feed) with a shared secret. The secret is the sole trust boundary on these
// surfaces, so a mismatch rejects before any state is touched.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(SecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
