package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubmitRequest struct {
	UserID   snowflake.ID
	ExamID   string
	Module   string
	Kind     JobKind
	Priority int
	Payload  datatypes.JSON
}

// Queue is the durable job store. Claim moves a batch waiting->active in one
// short transaction; Fail either schedules a retry with backoff or marks the
// job terminal once attempts run out.
type Queue interface {
	Submit(ctx context.Context, req SubmitRequest) (*Job, error)
	Claim(ctx context.Context, limit int) ([]*Job, error)
	Complete(ctx context.Context, jobID snowflake.ID, resultID *snowflake.ID) error
	Fail(ctx context.Context, jobID snowflake.ID, cause error) (*Job, error)
	Status(ctx context.Context, jobID, requesterID snowflake.ID) (*Job, error)
	Prune(ctx context.Context, olderThan time.Time, batch int) (int, error)
}
