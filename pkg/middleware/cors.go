// Package middleware provides thin HTTP wrappers shared by the node's
// external-interface adapters (C16). None of it participates in the core
// runtime; it only glues the dispatcher and admin endpoints onto net/http.
package middleware

import (
	"net/http"
	"slices"
)

// CorsMiddleware wraps handler with CORS headers restricted to
// allowedOrigins. An empty allowedOrigins list disables CORS entirely
// (no headers are set, matching same-origin-only browsers).
func CorsMiddleware(allowedOrigins []string, handler http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
