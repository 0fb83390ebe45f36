package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/hub"
)

// OperatorWS upgrades authenticated operator connections onto the fan-out
// hub. The bearer token is checked before the upgrade; the /operators
// namespace never carries unauthenticated sockets.
//
// Browsers cannot set an Authorization header on a WebSocket handshake, so
// the token may ride in the access_token query parameter instead.
type OperatorWS struct {
	hub    *hub.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewOperatorWS creates the /operators upgrade handler.
func NewOperatorWS(h *hub.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *OperatorWS {
	return &OperatorWS{hub: h, jwtMgr: jwtMgr, logger: logger}
}

// ServeHTTP authenticates, upgrades, and blocks until the session closes.
func (ws *OperatorWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}

	claims, err := ws.jwtMgr.ValidateSessionToken(token)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	client, err := hub.NewClient(ws.hub, w, r, claims.OperatorID, ws.logger)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		ws.logger.Warn("ws: operator upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
