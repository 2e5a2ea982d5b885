package events

import "encoding/json"

// Room name helpers. Job rooms are joined by clients, the rest are assigned by
// the server when a connection registers.
const (
	RoomAlerts = "alerts"
	RoomAdmins = "admins"

	jobRoomPrefix  = "job:"
	userRoomPrefix = "user:"
)

func JobRoom(jobID string) string   { return jobRoomPrefix + jobID }
func UserRoom(userID string) string { return userRoomPrefix + userID }

// IsJobRoom reports whether room is a non-empty job:<id> label.
func IsJobRoom(room string) bool {
	return len(room) > len(jobRoomPrefix) && room[:len(jobRoomPrefix)] == jobRoomPrefix
}

type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Timestamp    int64  `json:"timestamp"`
}

type DisconnectedData struct {
	Reason string `json:"reason"`
}

type ConnectionErrorData struct {
	Error        string `json:"error"`
	Attempts     int    `json:"attempts"`
	Exhausted    bool   `json:"exhausted"`
	Unauthorized bool   `json:"unauthorized,omitempty"`
}

type ReconnectedData struct {
	Attempts     int    `json:"attempts"`
	ConnectionID string `json:"connectionId"`
}

type MaxReconnectData struct {
	Attempts int `json:"attempts"`
}

type RoomData struct {
	Room string `json:"room"`
}

type ApplicationStatusData struct {
	ApplicationID string `json:"applicationId"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	ApplicantID   string `json:"applicantId,omitempty"`
	UpdatedBy     string `json:"updatedBy,omitempty"`
}

type JobPostedData struct {
	JobID    string          `json:"jobId"`
	Job      json.RawMessage `json:"job,omitempty"`
	PostedBy string          `json:"postedBy,omitempty"`
}

type MessageData struct {
	ID          string `json:"id,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	JobID       string `json:"jobId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type TypingData struct {
	UserID      string `json:"userId,omitempty"`
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type NotificationData struct {
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent back to a connection that issued an invalid request.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnknownEvent   = "UNKNOWN_EVENT"
	ErrCodeForbiddenRoom  = "FORBIDDEN_ROOM"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeNotFound       = "NOT_FOUND"
)
