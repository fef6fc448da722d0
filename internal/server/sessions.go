package server

import (
	"encoding/json"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	"github.com/smallbiznis/lingora/internal/identity"
)

type startSessionRequest struct {
	ExamID  string `json:"exam_id" binding:"required"`
	Variant string `json:"variant" binding:"required"`
}

func (s *Server) startSession(c *gin.Context) {
	userID, ok := identity.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	variant, ok := examsessiondomain.ParseVariant(req.Variant)
	if !ok {
		AbortWithError(c, examsessiondomain.ErrUnknownVariant)
		return
	}

	view, err := s.sessions.StartSession(c.Request.Context(), userID, req.ExamID, variant)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) resumeSession(c *gin.Context) {
	userID, ok := identity.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	view, err := s.sessions.Resume(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) startModule(c *gin.Context) {
	userID, sessionID, module, ok := s.sessionModuleParams(c)
	if !ok {
		return
	}

	start, err := s.sessions.StartModule(c.Request.Context(), userID, sessionID, module)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, start)
}

type completeModuleRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Response string          `json:"response"`
}

func (s *Server) completeModule(c *gin.Context) {
	userID, sessionID, module, ok := s.sessionModuleParams(c)
	if !ok {
		return
	}

	var req completeModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ack, err := s.sessions.CompleteModule(c.Request.Context(), userID, sessionID, module, examsessiondomain.CompleteRequest{
		Payload:  req.Payload,
		Response: req.Response,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) sessionModuleParams(c *gin.Context) (snowflake.ID, snowflake.ID, examsessiondomain.Module, bool) {
	userID, ok := identity.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return 0, 0, "", false
	}
	sessionID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, examsessiondomain.ErrSessionNotFound)
		return 0, 0, "", false
	}
	module, ok := examsessiondomain.ParseModule(c.Param("module"))
	if !ok {
		AbortWithError(c, examsessiondomain.ErrUnknownModule)
		return 0, 0, "", false
	}
	return userID, sessionID, module, true
}
