package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"realtime-service/pkg/events"
)

// Client is the application-facing handle: a Manager for the session, a State
// fed by it, and the producer operations. Producer operations are best
// effort and report false, without error, while not connected.
type Client struct {
	*Manager
	state  *State
	detach func()

	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewClient builds a client and starts its typing sweep. Call Close to stop
// it. With no transports given they are built from cfg.
func NewClient(cfg Config, transports ...Transport) (*Client, error) {
	cfg = cfg.withDefaults()
	m, err := NewManager(cfg, transports...)
	if err != nil {
		return nil, err
	}

	state := NewState(cfg.TypingExpiry, cfg.TypingSweepInterval, cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	go state.RunTypingSweep(ctx)

	return &Client{
		Manager: m,
		state:   state,
		detach:  state.Attach(m.Dispatcher()),
		cancel:  cancel,
		logger:  m.logger,
	}, nil
}

// State exposes the derived notification and message state.
func (c *Client) State() *State { return c.state }

// Close disconnects, detaches the state and stops the typing sweep.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect()
		c.detach()
		c.cancel()
	})
}

func (c *Client) send(ctx context.Context, kind events.Kind, payload any) bool {
	if !c.IsConnected() {
		c.logger.Debug("Dropping event while not connected", "event", kind)
		return false
	}
	ev, err := events.New(kind, payload)
	if err != nil {
		c.logger.Warn("Failed to build event", "event", kind, "error", err)
		return false
	}
	if err := c.Send(ctx, ev); err != nil {
		c.logger.Warn("Failed to send event", "event", kind, "error", err)
		return false
	}
	return true
}

func (c *Client) UpdateApplicationStatus(ctx context.Context, applicationID, status, notes string) bool {
	return c.send(ctx, events.KindUpdateApplicationStatus, events.ApplicationStatusData{
		ApplicationID: applicationID,
		Status:        status,
		Notes:         notes,
	})
}

func (c *Client) NotifyNewJobPosted(ctx context.Context, jobID string) bool {
	return c.send(ctx, events.KindNewJobPosted, events.JobPostedData{JobID: jobID})
}

// SendMessage sends a direct message. The message list only changes when the
// service echoes it back as message_sent.
func (c *Client) SendMessage(ctx context.Context, recipientID, message, jobID string) bool {
	return c.send(ctx, events.KindSendMessage, events.MessageData{
		RecipientID: recipientID,
		Message:     message,
		JobID:       jobID,
	})
}

func (c *Client) StartTyping(ctx context.Context, recipientID string) bool {
	return c.send(ctx, events.KindTypingStart, events.TypingData{RecipientID: recipientID, IsTyping: true})
}

func (c *Client) StopTyping(ctx context.Context, recipientID string) bool {
	return c.send(ctx, events.KindTypingStop, events.TypingData{RecipientID: recipientID})
}

func (c *Client) Notifications() []Notification { return c.state.Notifications() }
func (c *Client) UnreadNotificationsCount() int { return c.state.UnreadNotificationsCount() }
func (c *Client) MarkNotificationAsRead(id string) bool { return c.state.MarkNotificationAsRead(id) }
func (c *Client) ClearNotifications() { c.state.ClearNotifications() }
func (c *Client) Messages() []Message { return c.state.Messages() }
func (c *Client) ClearMessages() { c.state.ClearMessages() }
func (c *Client) TypingUsers() map[string]time.Time { return c.state.TypingUsers() }
