// Package auth provides HTTP middleware for bearer token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/containerd/log"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns an HTTP middleware that enforces bearer token
// authentication. If the configured token is empty, authentication is disabled
// and all requests pass through to the next handler unconditionally.
//
// When enabled, the request must carry:
//
//	Authorization: Bearer <token>
//
// The prefix is case-sensitive and followed by exactly one space. Anything
// else gets a 401 and the next handler is never called.
func NewAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validBearer(r.Header.Get("Authorization"), want) {
				log.G(r.Context()).WithFields(log.Fields{
					"remote": r.RemoteAddr,
					"path":   r.URL.Path,
				}).Warn("rejected unauthenticated request")
				w.Header().Set("WWW-Authenticate", `Bearer realm="vmctl"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validBearer(header string, want []byte) bool {
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	provided := header[len(bearerPrefix):]
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), want) == 1
}
