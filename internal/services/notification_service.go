package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"realtime-service/pkg/events"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// NotificationHub is the part of the hub the trigger endpoints drive.
type NotificationHub interface {
	ApplicationStatusChanged(ctx context.Context, data events.ApplicationStatusData) (int, error)
	JobPosted(data events.JobPostedData) (int, error)
	DirectMessage(msg events.MessageData) (int, error)
	Notify(room string, data events.NotificationData) (int, error)
}

// NotificationService validates domain triggers from the CRUD layer and hands
// them to the hub. The returned count is the number of connections reached.
type NotificationService struct {
	hub    NotificationHub
	logger *slog.Logger
}

func NewNotificationService(hub NotificationHub, logger *slog.Logger) *NotificationService {
	return &NotificationService{
		hub:    hub,
		logger: logger.With(slog.String("component", "notifications")),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
}

func (s *NotificationService) ApplicationStatusChanged(ctx context.Context, data events.ApplicationStatusData) (int, error) {
	if data.ApplicationID == "" {
		return 0, invalid("applicationId is required")
	}
	if data.Status == "" {
		return 0, invalid("status is required")
	}
	n, err := s.hub.ApplicationStatusChanged(ctx, data)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Application status delivered", "applicationID", data.ApplicationID, "status", data.Status, "connections", n)
	return n, nil
}

func (s *NotificationService) JobPosted(ctx context.Context, data events.JobPostedData) (int, error) {
	if data.JobID == "" {
		return 0, invalid("jobId is required")
	}
	n, err := s.hub.JobPosted(data)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Job announced", "jobID", data.JobID, "connections", n)
	return n, nil
}

func (s *NotificationService) DirectMessage(ctx context.Context, msg events.MessageData) (int, error) {
	switch {
	case msg.SenderID == "":
		return 0, invalid("senderId is required")
	case msg.RecipientID == "":
		return 0, invalid("recipientId is required")
	case strings.TrimSpace(msg.Message) == "":
		return 0, invalid("message must not be empty")
	}
	n, err := s.hub.DirectMessage(msg)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Direct message delivered", "senderID", msg.SenderID, "recipientID", msg.RecipientID, "connections", n)
	return n, nil
}

// Notify sends a generic notification to a user inbox or to a job, alerts or
// admins room.
func (s *NotificationService) Notify(ctx context.Context, userID, room string, data events.NotificationData) (int, error) {
	if strings.TrimSpace(data.Message) == "" {
		return 0, invalid("message must not be empty")
	}
	switch {
	case userID != "" && room != "":
		return 0, invalid("set either userId or room, not both")
	case userID != "":
		room = events.UserRoom(userID)
	case room == events.RoomAlerts, room == events.RoomAdmins, events.IsJobRoom(room):
	case room == "":
		return 0, invalid("userId or room is required")
	default:
		return 0, invalid("room %q cannot be targeted", room)
	}
	return s.hub.Notify(room, data)
}
