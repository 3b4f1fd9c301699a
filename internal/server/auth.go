package server

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader is accepted alongside "Authorization: Bearer <key>".
const APIKeyHeader = "X-API-Key"

// HashAPIKey returns the bcrypt hash to put in server.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// APIKeyAuth checks request keys against bcrypt hashes. Keys that verified
// once are remembered by digest so bcrypt runs once per key.
type APIKeyAuth struct {
	hashes   [][]byte
	verified sync.Map // [32]byte -> struct{}
}

// NewAPIKeyAuth returns nil when no hashes are configured, which disables
// authentication.
func NewAPIKeyAuth(hashes []string) *APIKeyAuth {
	if len(hashes) == 0 {
		return nil
	}
	a := &APIKeyAuth{}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Allowed reports whether key matches a configured hash.
func (a *APIKeyAuth) Allowed(key string) bool {
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}

// RequireKey rejects requests without a valid key with 401.
func (a *APIKeyAuth) RequireKey(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(extractKey(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="halalcert"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("api_key")
}
