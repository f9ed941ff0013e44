package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errNoToken = errors.New("authorization header or token query required")

// RequireCandidateJWT validates a candidate JWT from the Authorization header,
// or from ?token= for websocket upgrades which cannot set headers.
func RequireCandidateJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.TokenTypeCandidate, response.ErrCandidateAccessOnly)
}

// RequireProctorJWT validates a proctor JWT. EventSource clients pass it as ?token=.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.TokenTypeProctor, response.ErrProctorAccessOnly)
}

func requireRole(authService *service.AuthService, want service.TokenType, wrongRole response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, authService)
		if err != nil {
			code := response.ErrTokenInvalid
			if errors.Is(err, errNoToken) {
				code = response.ErrTokenRequired
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongRole)
			return
		}

		// Exam-scoped tokens only open their own exam.
		if raw := c.Param("exam_id"); raw != "" {
			if examID, err := uuid.Parse(raw); err == nil && !claims.AllowsExam(examID) {
				response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
				return
			}
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractAndValidateClaims(c *gin.Context, authService *service.AuthService) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	// Fallback for WebSocket and EventSource clients, which cannot send headers
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, errNoToken
	}

	return authService.ValidateToken(tokenStr)
}
