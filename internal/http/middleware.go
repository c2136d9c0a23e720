package http

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// RequireAPIToken guards the ops endpoints with a bearer token from the
// API_TOKEN env var. An unset token rejects everything rather than
// accepting everything.
func RequireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := os.Getenv("API_TOKEN")
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if want == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errResp{"unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
