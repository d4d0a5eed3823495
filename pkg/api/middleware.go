package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"time"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAPIKey guards the trigger endpoints with the shared X-API-Key.
// Keys are compared as SHA-256 digests so the comparison is constant-time
// regardless of length.
func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Trigger.APIKey == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"api key authentication not configured"})

			return
		}

		presented := r.Header.Get("X-API-Key")

		if !keysMatch(s.cfg.Trigger.APIKey, presented) {
			s.log.WithField("remote", r.RemoteAddr).
				Warn("Rejected request with invalid API key")
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid api key"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func keysMatch(want, got string) bool {
	wantSum := sha256.Sum256([]byte(want))
	gotSum := sha256.Sum256([]byte(got))

	return hmac.Equal(wantSum[:], gotSum[:])
}
