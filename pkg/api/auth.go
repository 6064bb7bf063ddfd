// API authentication middleware — static bearer token.
//
// When api.token is non-empty in config, all requests except /healthz MUST
// carry:
//
//	Authorization: Bearer <token>
//
// or:
//
//	X-API-Key: <token>
//
// WebSocket upgrade requests may pass the token as a query param instead:
//
//	ws://host/ws/events?token=<token>
//
// When the token is empty the middleware is a pass-through and a warning is
// logged once at startup; bind to localhost in that case.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tallybot/tallybot/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking.
func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		logger.WarnC("api", "diagnostics auth disabled, no token configured")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// OPTIONS preflight passes through to the CORS middleware.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tallybot"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from the Authorization header, the
// X-API-Key header, or the ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require authentication.
func isPublicPath(path string) bool {
	return path == "/healthz"
}
