package server

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lingora/internal/identity"
	"go.uber.org/zap"
)

// IdentityMiddleware lifts the boundary-verified caller claims into the
// request context. The gateway in front of this service has already verified
// credentials; missing claims mean an unauthenticated call.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawUser := c.GetHeader("X-User-ID")
		if rawUser == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := snowflake.ParseString(rawUser)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		id := identity.Identity{
			UserID: userID,
			Role:   identity.ParseRole(c.GetHeader("X-User-Role")),
		}
		if rawOrg := c.GetHeader("X-Org-ID"); rawOrg != "" {
			if orgID, err := snowflake.ParseString(rawOrg); err == nil {
				id.OrgID = orgID
			}
		}

		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequestLogger logs one line per request with latency and status.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
