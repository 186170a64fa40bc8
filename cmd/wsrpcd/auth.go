package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"wsrpc/internal/auth"
	"wsrpc/internal/config"
)

// upgradeGate enforces authentication before a connection is allowed to
// reach the WebSocket upgrade. This lives entirely at the host level:
// pkg/wsrpc has no notion of identity or credentials, treating whatever
// called Accept as already authorized.
type upgradeGate struct {
	jwtManager *auth.JWTManager
	require    bool
	logger     *zap.Logger
}

func newUpgradeGate(cfg config.AuthConfig, logger *zap.Logger) *upgradeGate {
	g := &upgradeGate{require: cfg.RequireAuth, logger: logger}
	if cfg.RequireAuth {
		g.jwtManager = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiration)
	}
	return g
}

// authorize checks the upgrade request's bearer token, if required. On
// success it returns r with the verified claims attached to its context
// (retrievable downstream via auth.GetUserFromContext) so the caller can
// tag the resulting session with the authenticated identity rather than
// just the remote address. When auth isn't required it returns r
// unchanged.
func (g *upgradeGate) authorize(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if !g.require {
		return r, true
	}

	claims, err := g.jwtManager.WebSocketAuth(r)
	if err != nil {
		g.logger.Warn("rejected upgrade: invalid or missing token", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return r, false
	}

	return r.WithContext(auth.SetUserContext(r.Context(), claims)), true
}

// tokenRequest is the body of a POST to tokenHandler.
type tokenRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// tokenHandler mints a bearer token for development/demo clients that
// don't already have one from an external identity provider. Only
// mounted when auth.require_auth is set, since it needs a JWTManager.
func tokenHandler(gate *upgradeGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}

		token, err := gate.jwtManager.Generate(req.UserID, req.Username, req.Role)
		if err != nil {
			gate.logger.Error("token generation failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}
