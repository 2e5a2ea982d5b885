package handlers

import (
	"net/http"

	"realtime-service/internal/api/middleware"
	"realtime-service/internal/websocket"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

type WSHandler struct {
	hub      *websocket.Hub
	upgrader *gorilla.Upgrader
}

func NewWSHandler(hub *websocket.Hub, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:      hub,
		upgrader: websocket.NewUpgrader(allowedOrigins),
	}
}

// @Summary Open a websocket session
// @Tags realtime
// @Security BearerAuth
// @Param token query string false "Access token when the Authorization header cannot be set"
// @Success 101
// @Failure 401 {object} response.ErrorResponse
// @Failure 429 {object} response.ErrorResponse
// @Router /ws [get]
// HandleWebSocket upgrades an authenticated request. The first frame on the
// new connection is the connected event.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "")
		return
	}
	websocket.ServeWS(h.hub, h.upgrader, c.Writer, c.Request, identity)
}
