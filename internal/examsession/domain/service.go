package domain

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	"gorm.io/datatypes"
)

// SessionView is the client-facing shape of a session.
type SessionView struct {
	SessionID        string   `json:"session_id"`
	ExamID           string   `json:"exam_id"`
	Variant          Variant  `json:"variant"`
	CompletedModules []Module `json:"completed_modules"`
	PendingModules   []Module `json:"pending_modules"`
	CurrentModule    *Module  `json:"current_module,omitempty"`
	Completed        bool     `json:"completed"`
}

// ModuleStart carries the task content the client works against.
type ModuleStart struct {
	Module           Module            `json:"module"`
	Task             *tasksdomain.Task `json:"task"`
	AlreadyCompleted bool              `json:"already_completed"`
}

// CompleteRequest is a module submission. Response holds the candidate's
// free-text production for evaluated modules; Payload holds whatever the
// client scored locally (objective answers, timings).
type CompleteRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Response string          `json:"response,omitempty"`
}

// CompletionAck tells the caller what the submission did. Duplicate
// submissions for an already-completed module ack without error.
type CompletionAck struct {
	Module           Module       `json:"module"`
	ResultID         string       `json:"result_id"`
	ResultStatus     ResultStatus `json:"result_status"`
	SessionCompleted bool         `json:"session_completed"`
	JobID            string       `json:"job_id,omitempty"`
}

// EvaluationSubmission is handed to the job pipeline when an evaluated
// module is completed.
type EvaluationSubmission struct {
	UserID   snowflake.ID
	ExamID   string
	Module   Module
	TaskID   snowflake.ID
	Response string
}

// JobSubmitter enqueues evaluation work. Implemented by the job queue.
type JobSubmitter interface {
	SubmitEvaluation(ctx context.Context, sub EvaluationSubmission) (snowflake.ID, error)
}

// Service is the session orchestrator. MergeResult is the write path shared
// by the synchronous placeholder and the asynchronous worker: both converge
// on one Result row per (user, exam, module).
type Service interface {
	StartSession(ctx context.Context, userID snowflake.ID, examID string, variant Variant) (*SessionView, error)
	StartModule(ctx context.Context, userID, sessionID snowflake.ID, module Module) (*ModuleStart, error)
	CompleteModule(ctx context.Context, userID, sessionID snowflake.ID, module Module, req CompleteRequest) (*CompletionAck, error)
	MergeResult(ctx context.Context, userID snowflake.ID, examID string, module Module, payload datatypes.JSON, status ResultStatus) (*Result, error)
	Resume(ctx context.Context, userID snowflake.ID) (*SessionView, error)
}
