package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/response"
)

// Limiter counts hits per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimit throttles requests per client IP within scope. A limiter error
// lets the request through.
func RateLimit(l Limiter, scope string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		key := scope + ":" + c.ClientIP()
		ok, retry, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			secs := int(math.Ceil(retry.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			response.Error(c, apperror.New(apperror.KindRateLimited, "Too many requests. Please try again later."))
			c.Abort()
			return
		}
		c.Next()
	}
}
