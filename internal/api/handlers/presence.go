package handlers

import (
	"context"
	"net/http"

	"realtime-service/internal/services"
	"realtime-service/internal/websocket"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// PresenceReader reads presence shared across instances.
type PresenceReader interface {
	UserStatus(ctx context.Context, userID string) (services.PresenceStatus, error)
}

type PresenceHandler struct {
	presence PresenceReader
	hub      *websocket.Hub
}

// NewPresenceHandler answers from presence when given, and from this
// instance's connections otherwise.
func NewPresenceHandler(presence PresenceReader, hub *websocket.Hub) *PresenceHandler {
	return &PresenceHandler{presence: presence, hub: hub}
}

// @Summary Get a user's presence
// @Tags presence
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User id"
// @Success 200 {object} map[string]interface{}
// @Failure 502 {object} response.ErrorResponse
// @Router /presence/{userId} [get]
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	connections := h.hub.ConnectionCount(userID)

	status := services.PresenceStatus{UserID: userID}
	if h.presence != nil {
		var err error
		status, err = h.presence.UserStatus(c.Request.Context(), userID)
		if err != nil {
			response.Error(c, http.StatusBadGateway, response.ErrCodeUnavailable, err.Error())
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":      userID,
		"online":      status.Online || connections > 0,
		"lastSeen":    status.LastSeen,
		"connections": connections,
	})
}
