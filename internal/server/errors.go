package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/lingora/internal/billing/domain"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	evaluationdomain "github.com/smallbiznis/lingora/internal/evaluation/domain"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

// ErrorHandlingMiddleware maps domain errors pushed onto the gin context
// into a typed JSON payload. Handlers never write error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	// Denials carry a machine-readable reason; the client UI branches on it
	// (buy a pack, wait for the daily reset, renew).
	case entitlementdomain.IsDenial(err):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "entitlement_denied",
			Message: "entitlement denied",
			Reason:  err.Error(),
		}

	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}

	case errors.Is(err, ErrForbidden),
		errors.Is(err, examsessiondomain.ErrNotSessionOwner),
		errors.Is(err, evaluationdomain.ErrNotJobOwner):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}

	case errors.Is(err, examsessiondomain.ErrExamAlreadyCompleted):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "exam already completed",
			Reason:  err.Error(),
		}

	case errors.Is(err, tasksdomain.ErrNoContent):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "content_unavailable",
			Message: "no task content available",
		}

	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Reason:  err.Error(),
		}

	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}

	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, entitlementdomain.ErrUnknownCategory),
		errors.Is(err, entitlementdomain.ErrUnknownPackKind),
		errors.Is(err, examsessiondomain.ErrUnknownModule),
		errors.Is(err, examsessiondomain.ErrUnknownVariant),
		errors.Is(err, examsessiondomain.ErrModuleNotInVariant),
		errors.Is(err, evaluationdomain.ErrUnknownKind),
		errors.Is(err, billingdomain.ErrMissingEventID):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, examsessiondomain.ErrSessionNotFound),
		errors.Is(err, examsessiondomain.ErrNoActiveSession),
		errors.Is(err, evaluationdomain.ErrJobNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
