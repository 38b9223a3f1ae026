package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/response"
)

// JWT returns a middleware that authenticates the bearer token and stores the
// organizer's *auth.Identity under auth.ContextIdentity.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Error(c, apperror.Unauthorized("Authentication required. Please provide a token."))
			c.Abort()
			return
		}
		identity, err := jwtService.Authenticate(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(auth.ContextIdentity, identity)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
