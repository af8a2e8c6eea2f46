package middleware

import (
	"net/http"
	"strings"
)

const corsMaxAge = "86400"

// CORS allows any origin to call the intake API. The server runs behind a
// trusted proxy and carries no credentials, so a permissive policy covers the
// browser-based dashboards that poll job status and the OpenAPI docs.
func CORS() func(http.Handler) http.Handler {
	methods := strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodOptions,
	}, ", ")
	headers := strings.Join([]string{
		"Accept", "Content-Type", "X-Request-ID",
	}, ", ")

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") != "" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
