package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	evaluationdomain "github.com/smallbiznis/lingora/internal/evaluation/domain"
	"github.com/smallbiznis/lingora/internal/identity"
)

type submitEvaluationRequest struct {
	ExamID   string `json:"exam_id"`
	Module   string `json:"module" binding:"required"`
	Kind     string `json:"kind"`
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
	Priority *int   `json:"priority"`
}

type jobView struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Kind          string    `json:"kind"`
	Module        string    `json:"module"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	ResultID      string    `json:"result_id,omitempty"`
}

func toJobView(job *evaluationdomain.Job) jobView {
	view := jobView{
		ID:            job.ID.String(),
		State:         string(job.State),
		Kind:          string(job.Kind),
		Module:        job.Module,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		NextAttemptAt: job.NextAttemptAt,
		LastError:     job.LastError,
	}
	if job.ResultID != nil {
		view.ResultID = job.ResultID.String()
	}
	return view
}

func (s *Server) submitEvaluation(c *gin.Context) {
	userID, ok := identity.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req submitEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	kind := evaluationdomain.JobKind(req.Kind)
	if req.Kind == "" {
		kind = evaluationdomain.KindEvaluation
	}
	priority := evaluationdomain.PriorityEvaluation
	if kind == evaluationdomain.KindContentGeneration {
		// Bulk content generation is an operator tool, queued behind
		// candidate evaluations.
		if !identity.IsOperator(c.Request.Context()) {
			AbortWithError(c, ErrForbidden)
			return
		}
		priority = evaluationdomain.PriorityContentGeneration
	}
	if req.Priority != nil {
		priority = *req.Priority
	}

	job, err := s.queue.Submit(c.Request.Context(), evaluationdomain.SubmitRequest{
		UserID:   userID,
		ExamID:   req.ExamID,
		Module:   req.Module,
		Kind:     kind,
		Priority: priority,
		Payload: evaluationdomain.EvaluationPayload{
			TaskID:   req.TaskID,
			Response: req.Response,
		}.Encode(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobView(job))
}

func (s *Server) jobStatus(c *gin.Context) {
	userID, ok := identity.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	jobID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, evaluationdomain.ErrJobNotFound)
		return
	}

	job, err := s.queue.Status(c.Request.Context(), jobID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobView(job))
}
