package response

import "github.com/gin-gonic/gin"

const (
	ErrCodeSuccess      = 2000 // Success
	ErrCodeParamInvalid = 4003 // Request body or parameter invalid

	ErrCodeUnauthorized = 4010 // Missing or invalid credential
	ErrCodeForbidden    = 4030 // Credential lacks access
	ErrCodeNotFound     = 4040 // Session, application or user unknown
	ErrCodeRateLimited  = 4290 // Too many requests

	ErrCodeInternal    = 5000 // Unexpected failure
	ErrCodeUnavailable = 5030 // Hub stopped or dependency down
)

// message
var msg = map[int]string{
	ErrCodeSuccess:      "success",
	ErrCodeParamInvalid: "invalid request",

	ErrCodeUnauthorized: "unauthorized",
	ErrCodeForbidden:    "forbidden",
	ErrCodeNotFound:     "not found",
	ErrCodeRateLimited:  "rate limit exceeded",

	ErrCodeInternal:    "internal error",
	ErrCodeUnavailable: "service unavailable",
}

// Message returns the text for code, or an empty string for unknown codes.
func Message(code int) string {
	return msg[code]
}

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Error aborts the request with status and a body for code.
func Error(c *gin.Context, status, code int, details string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:    code,
		Error:   Message(code),
		Details: details,
	})
}
