// pkg/middleware/identity.go
package middleware

import "net/http"

// Identity stamps every response with the i-am header carrying this
// instance's public base URL. Clients running behind an uploader widget use
// it to target follow-up calls at the same gateway when several instances
// sit behind one hostname.
func Identity(basePublicURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("i-am", basePublicURL)
			next.ServeHTTP(w, r)
		})
	}
}
