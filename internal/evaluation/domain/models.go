package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

type JobKind string

const (
	KindEvaluation        JobKind = "evaluation"
	KindContentGeneration JobKind = "content_generation"
)

// Evaluation work outranks bulk content generation in the claim order.
const (
	PriorityEvaluation        = 10
	PriorityContentGeneration = 1
)

var (
	ErrJobNotFound = errors.New("job_not_found")
	ErrNotJobOwner = errors.New("not_job_owner")
	ErrUnknownKind = errors.New("unknown_job_kind")

	// ErrRateLimited is the evaluator's backpressure signal; the queue
	// retries it like any other transient failure.
	ErrRateLimited = errors.New("evaluator_rate_limited")
)

// Job is one durable work item. ResultID is a small pointer into the results
// table; the evaluation payload itself is never stored on the job row.
type Job struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	UserID        snowflake.ID   `gorm:"not null;index"`
	ExamID        string         `gorm:"type:text;not null"`
	Module        string         `gorm:"type:text;not null"`
	Kind          JobKind        `gorm:"type:text;not null"`
	Priority      int            `gorm:"not null;index:ix_jobs_claim,priority:2"`
	State         JobState       `gorm:"type:text;not null;index:ix_jobs_claim,priority:1"`
	Payload       datatypes.JSON `gorm:"not null"`
	Attempts      int            `gorm:"not null;default:0"`
	MaxAttempts   int            `gorm:"not null"`
	NextAttemptAt time.Time      `gorm:"not null;index:ix_jobs_claim,priority:3"`
	LastError     string         `gorm:"type:text"`
	ResultID      *snowflake.ID  `gorm:""`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Job) TableName() string { return "evaluation_jobs" }

func (j *Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

// Backoff returns the retry delay after the given attempt count: base
// doubling per attempt, capped.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// EvaluationPayload is the job body for both kinds. Evaluation jobs carry the
// task reference and the candidate's response; content generation carries
// only the module.
type EvaluationPayload struct {
	TaskID   string `json:"task_id,omitempty"`
	Response string `json:"response,omitempty"`
}

func (p EvaluationPayload) Encode() datatypes.JSON {
	raw, _ := json.Marshal(p)
	return datatypes.JSON(raw)
}

func DecodePayload(raw datatypes.JSON) (EvaluationPayload, error) {
	var p EvaluationPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

// EvaluationInput is what the external evaluator sees.
type EvaluationInput struct {
	Module   string          `json:"module"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
	Response string          `json:"response,omitempty"`
}

// EvaluationResult is the opaque scored payload the evaluator returns.
type EvaluationResult struct {
	Payload json.RawMessage `json:"payload"`
}

// Evaluator is the slow, fallible external scoring capability. A rate-limit
// response surfaces as ErrRateLimited.
type Evaluator interface {
	Evaluate(ctx context.Context, input EvaluationInput) (*EvaluationResult, error)
}
