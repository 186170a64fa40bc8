package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wsrpc/internal/auth"
	"wsrpc/internal/config"
)

func TestUpgradeGate_AuthorizeSkipsVerificationWhenNotRequired(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: false}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws/backend", nil)
	rec := httptest.NewRecorder()

	out, ok := gate.authorize(rec, req)
	assert.True(t, ok)
	assert.Same(t, req, out)
}

func TestUpgradeGate_AuthorizeAcceptsValidQueryToken(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret", TokenExpiration: time.Hour}, zap.NewNop())
	token, err := gate.jwtManager.Generate("user-1", "alice", "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/backend?token="+token, nil)
	rec := httptest.NewRecorder()

	out, ok := gate.authorize(rec, req)
	require.True(t, ok)

	claims, found := auth.GetUserFromContext(out.Context())
	require.True(t, found)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestUpgradeGate_AuthorizeRejectsMissingToken(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret", TokenExpiration: time.Hour}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws/backend", nil)
	rec := httptest.NewRecorder()

	_, ok := gate.authorize(rec, req)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpgradeGate_AuthorizeRejectsTokenFromWrongSecret(t *testing.T) {
	minting := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret-a", TokenExpiration: time.Hour}, zap.NewNop())
	token, err := minting.jwtManager.Generate("user-1", "alice", "admin")
	require.NoError(t, err)

	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret-b", TokenExpiration: time.Hour}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/ws/backend?token="+token, nil)
	rec := httptest.NewRecorder()

	_, ok := gate.authorize(rec, req)
	assert.False(t, ok)
}

func TestTokenHandler_MintsAVerifiableToken(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret", TokenExpiration: time.Hour}, zap.NewNop())

	body, err := json.Marshal(tokenRequest{UserID: "user-2", Username: "bob", Role: "viewer"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	tokenHandler(gate)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])

	claims, err := gate.jwtManager.Verify(resp["token"])
	require.NoError(t, err)
	assert.Equal(t, "user-2", claims.UserID)
	assert.Equal(t, "viewer", claims.Role)
}

func TestTokenHandler_RejectsMissingUserID(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret", TokenExpiration: time.Hour}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	tokenHandler(gate)(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenHandler_RejectsNonPost(t *testing.T) {
	gate := newUpgradeGate(config.AuthConfig{RequireAuth: true, JWTSecret: "secret", TokenExpiration: time.Hour}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	rec := httptest.NewRecorder()

	tokenHandler(gate)(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
