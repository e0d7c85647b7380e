package middleware

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// APIKeyAuth authenticates requests against a static list of bcrypt API key
// hashes. With no hashes configured the middleware is a no-op, so single-tenant
// deployments can run open behind their own perimeter.
type APIKeyAuth struct {
	hashes []string
}

// NewAPIKeyAuth creates the middleware from pre-hashed keys.
func NewAPIKeyAuth(hashes []string) *APIKeyAuth {
	return &APIKeyAuth{hashes: hashes}
}

// Enabled reports whether any API keys are configured.
func (m *APIKeyAuth) Enabled() bool {
	return len(m.hashes) > 0
}

// Authenticate validates the X-API-Key header against the configured hashes.
func (m *APIKeyAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Missing X-API-Key header",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		if !m.validateKey(key) {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid API key",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		// Reduce risk of accidental leakage in downstream logs/telemetry.
		r.Header.Del("X-API-Key")

		next.ServeHTTP(w, r)
	})
}

// validateKey checks the key against every configured hash.
func (m *APIKeyAuth) validateKey(key string) bool {
	for _, hash := range m.hashes {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err == nil {
			return true
		}
	}
	return false
}

// writeError writes an error response
func (m *APIKeyAuth) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}
