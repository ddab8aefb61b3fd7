package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/config"
)

func signedToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	c := claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	mw := authMiddleware(config.AuthConfig{})
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/scans", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestAuthMiddleware_AcceptsUnverifiedClaimsWhenNoSecretConfigured(t *testing.T) {
	mw := authMiddleware(config.AuthConfig{})
	var got Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = principalFrom(r.Context())
	}))

	token := signedToken(t, "anything", "alice", "admin")
	req := httptest.NewRequest(http.MethodGet, "/scans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", got.ID)
	assert.True(t, got.IsAdmin)
}

func TestAuthMiddleware_VerifiesSignatureWhenSecretConfigured(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "shared-secret", AdminRole: "admin"}
	mw := authMiddleware(cfg)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	badToken := signedToken(t, "wrong-secret", "bob", "user")
	req := httptest.NewRequest(http.MethodGet, "/scans", nil)
	req.Header.Set("Authorization", "Bearer "+badToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	goodToken := signedToken(t, "shared-secret", "bob", "user")
	var got Principal
	h2 := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = principalFrom(r.Context())
	}))
	req2 := httptest.NewRequest(http.MethodGet, "/scans", nil)
	req2.Header.Set("Authorization", "Bearer "+goodToken)
	rec2 := httptest.NewRecorder()
	h2.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "bob", got.ID)
	assert.False(t, got.IsAdmin)
}
