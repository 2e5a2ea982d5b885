package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"realtime-service/internal/websocket"
	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

var ErrInvalidToken = errors.New("invalid token")

type AuthMiddleware struct {
	jwtSecret []byte
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
	}
}

// Authenticate validates an HMAC-signed token and returns the identity it
// carries. The user comes from the user_id claim (number or string) or sub;
// role is optional.
func (am *AuthMiddleware) Authenticate(tokenString string) (websocket.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return am.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return websocket.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return websocket.Identity{}, fmt.Errorf("%w: unreadable claims", ErrInvalidToken)
	}

	var userID string
	switch v := claims["user_id"].(type) {
	case float64:
		userID = strconv.FormatInt(int64(v), 10)
	case string:
		userID = v
	}
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return websocket.Identity{}, fmt.Errorf("%w: no user_id or sub claim", ErrInvalidToken)
	}

	role, _ := claims["role"].(string)
	return websocket.Identity{UserID: userID, Role: role}, nil
}

// tokenFrom reads the bearer token, falling back to the token query
// parameter since browsers cannot set headers on websocket requests.
func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "authorization token is required")
			return
		}

		identity, err := am.Authenticate(tokenString)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "invalid token")
			return
		}

		c.Set(identityKey, identity)
		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(c *gin.Context) (websocket.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return websocket.Identity{}, false
	}
	identity, ok := v.(websocket.Identity)
	return identity, ok
}

// RequireServiceToken guards endpoints meant for other services. With an
// empty token configured the endpoints are disabled.
func RequireServiceToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.Error(c, http.StatusForbidden, response.ErrCodeForbidden, "service endpoints are disabled")
			return
		}
		got := c.GetHeader("X-Service-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "invalid service token")
			return
		}
		c.Next()
	}
}
