package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExempt lists exact paths that skip Bearer authentication so probes
// and scrapers work without credentials.
var authExempt = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// authMiddleware returns middleware that validates Bearer token
// authentication. When AuthToken is empty, the middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authExempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.unauthorized(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			s.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeError(w, http.StatusUnauthorized, "unauthorized")
}
