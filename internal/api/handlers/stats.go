package handlers

import (
	"context"
	"net/http"
	"time"

	"realtime-service/internal/websocket"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency whose health is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsHandler struct {
	hub     *websocket.Hub
	pingers map[string]Pinger
}

func NewStatsHandler(hub *websocket.Hub, pingers map[string]Pinger) *StatsHandler {
	return &StatsHandler{hub: hub, pingers: pingers}
}

// @Summary Hub statistics
// @Tags ops
// @Produce json
// @Param X-Service-Token header string true "Service token"
// @Success 200 {object} websocket.Stats
// @Failure 503 {object} response.ErrorResponse
// @Router /stats [get]
func (h *StatsHandler) GetStats(c *gin.Context) {
	stats, err := h.hub.Stats()
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Health is 503 only when the hub has stopped. Failing dependencies are
// listed but leave the service up.
func (h *StatsHandler) Health(c *gin.Context) {
	select {
	case <-h.hub.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	default:
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.pingers))
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "dependencies": deps})
}
