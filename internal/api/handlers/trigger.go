package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"realtime-service/internal/repositories/postgres"
	"realtime-service/internal/services"
	"realtime-service/internal/websocket"
	"realtime-service/pkg/events"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// TriggerHandler lets the CRUD layer push domain events over HTTP.
type TriggerHandler struct {
	notifications *services.NotificationService
}

func NewTriggerHandler(notifications *services.NotificationService) *TriggerHandler {
	return &TriggerHandler{notifications: notifications}
}

type notifyRequest struct {
	UserID  string          `json:"userId"`
	Room    string          `json:"room"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func (h *TriggerHandler) respond(c *gin.Context, n int, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"delivered": n})
	case errors.Is(err, services.ErrInvalidTrigger):
		response.Error(c, http.StatusBadRequest, response.ErrCodeParamInvalid, err.Error())
	case errors.Is(err, websocket.ErrApplicantUnknown), errors.Is(err, postgres.ErrApplicationNotFound):
		response.Error(c, http.StatusNotFound, response.ErrCodeNotFound, err.Error())
	case errors.Is(err, websocket.ErrHubStopped):
		response.Error(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, err.Error())
	default:
		c.Error(err)
		response.Error(c, http.StatusBadGateway, response.ErrCodeUnavailable, err.Error())
	}
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrCodeParamInvalid, err.Error())
		return false
	}
	return true
}

// @Summary Notify an applicant of a status change
// @Tags triggers
// @Accept json
// @Produce json
// @Param X-Service-Token header string true "Service token"
// @Param body body events.ApplicationStatusData true "Status change"
// @Success 202 {object} map[string]int
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /triggers/application-status [post]
func (h *TriggerHandler) ApplicationStatus(c *gin.Context) {
	var req events.ApplicationStatusData
	if !bind(c, &req) {
		return
	}
	n, err := h.notifications.ApplicationStatusChanged(c.Request.Context(), req)
	h.respond(c, n, err)
}

// @Summary Announce a posted job to its room and to admins
// @Tags triggers
// @Accept json
// @Produce json
// @Param X-Service-Token header string true "Service token"
// @Param body body events.JobPostedData true "Posted job"
// @Success 202 {object} map[string]int
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /triggers/jobs [post]
func (h *TriggerHandler) JobPosted(c *gin.Context) {
	var req events.JobPostedData
	if !bind(c, &req) {
		return
	}
	n, err := h.notifications.JobPosted(c.Request.Context(), req)
	h.respond(c, n, err)
}

// @Summary Deliver a direct message
// @Tags triggers
// @Accept json
// @Produce json
// @Param X-Service-Token header string true "Service token"
// @Param body body events.MessageData true "Message"
// @Success 202 {object} map[string]int
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /triggers/messages [post]
func (h *TriggerHandler) DirectMessage(c *gin.Context) {
	var req events.MessageData
	if !bind(c, &req) {
		return
	}
	n, err := h.notifications.DirectMessage(c.Request.Context(), req)
	h.respond(c, n, err)
}

// @Summary Send a generic notification to a user or a room
// @Tags triggers
// @Accept json
// @Produce json
// @Param X-Service-Token header string true "Service token"
// @Param body body notifyRequest true "Notification"
// @Success 202 {object} map[string]int
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /triggers/notifications [post]
func (h *TriggerHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if !bind(c, &req) {
		return
	}
	n, err := h.notifications.Notify(c.Request.Context(), req.UserID, req.Room, events.NotificationData{
		Title:   req.Title,
		Message: req.Message,
		Payload: req.Payload,
	})
	h.respond(c, n, err)
}
