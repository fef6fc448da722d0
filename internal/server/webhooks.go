package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/lingora/internal/billing/domain"
)

// handleWebhook acks every storable delivery. Business failures are recorded
// on the event row by the reconciler; returning an error here would only
// make the provider redeliver an event that will fail the same way.
func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	var event billingdomain.IncomingEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.billing.HandleEvent(c.Request.Context(), provider, event); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
