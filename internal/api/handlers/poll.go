package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"realtime-service/internal/api/middleware"
	"realtime-service/internal/websocket"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// PollHandler serves the long-polling fallback for clients that cannot keep
// a websocket open. A session behaves like a websocket connection: same
// rooms, same events, frames joined with newlines.
type PollHandler struct {
	hub            *websocket.Hub
	maxWait        time.Duration
	maxMessageSize int64
}

func NewPollHandler(hub *websocket.Hub, maxWait time.Duration, maxMessageSize int64) *PollHandler {
	if maxWait <= 0 {
		maxWait = 25 * time.Second
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 8192
	}
	return &PollHandler{hub: hub, maxWait: maxWait, maxMessageSize: maxMessageSize}
}

// @Summary Open a long-polling session
// @Tags poll
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Failure 401 {object} response.ErrorResponse
// @Router /poll [post]
// Open starts a session and returns its id.
func (h *PollHandler) Open(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "")
		return
	}
	client, err := h.hub.OpenPollSession(identity)
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sid": client.GetID()})
}

// session resolves :sid, hiding sessions of other users.
func (h *PollHandler) session(c *gin.Context) (*websocket.Client, bool) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "")
		return nil, false
	}
	client, err := h.hub.PollSession(c.Param("sid"))
	if err != nil || client.GetUserID() != identity.UserID {
		response.Error(c, http.StatusNotFound, response.ErrCodeNotFound, "poll session not found")
		return nil, false
	}
	return client, true
}

// @Summary Receive queued events
// @Tags poll
// @Produce application/x-ndjson
// @Security BearerAuth
// @Param sid path string true "Session id"
// @Param wait query string false "Maximum wait, e.g. 25s"
// @Success 200 {string} string "Newline-separated events"
// @Success 204
// @Failure 404 {object} response.ErrorResponse
// @Router /poll/{sid} [get]
// Receive waits up to ?wait= (capped) for queued frames. 204 means nothing
// arrived in time.
func (h *PollHandler) Receive(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}

	wait := h.maxWait
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			response.Error(c, http.StatusBadRequest, response.ErrCodeParamInvalid, "wait must be a duration")
			return
		}
		if d < wait {
			wait = d
		}
	}

	frames, err := h.hub.Drain(c.Request.Context(), client, wait)
	switch {
	case errors.Is(err, websocket.ErrClientDisconnected):
		response.Error(c, http.StatusNotFound, response.ErrCodeNotFound, "poll session closed")
		return
	case err != nil:
		// The caller went away.
		c.Status(http.StatusNoContent)
		return
	case len(frames) == 0:
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", bytes.Join(frames, []byte{'\n'}))
}

// @Summary Send one client event
// @Tags poll
// @Accept json
// @Security BearerAuth
// @Param sid path string true "Session id"
// @Success 204
// @Failure 404 {object} response.ErrorResponse
// @Failure 413 {object} response.ErrorResponse
// @Router /poll/{sid} [post]
// Send accepts one client frame.
func (h *PollHandler) Send(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxMessageSize))
	if err != nil {
		response.Error(c, http.StatusRequestEntityTooLarge, response.ErrCodeParamInvalid, "frame too large")
		return
	}
	if err := h.hub.HandleInbound(client, body); err != nil {
		response.Error(c, http.StatusNotFound, response.ErrCodeNotFound, "poll session closed")
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Close a long-polling session
// @Tags poll
// @Security BearerAuth
// @Param sid path string true "Session id"
// @Success 204
// @Failure 404 {object} response.ErrorResponse
// @Router /poll/{sid} [delete]
// Close ends the session.
func (h *PollHandler) Close(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.hub.ClosePollSession(client); err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}
