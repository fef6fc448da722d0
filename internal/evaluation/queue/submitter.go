package queue

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
)

// Submitter adapts the queue to the session orchestrator's enqueue hook.
type Submitter struct {
	queue domain.Queue
}

func NewSubmitter(q domain.Queue) examsessiondomain.JobSubmitter {
	return &Submitter{queue: q}
}

func (s *Submitter) SubmitEvaluation(ctx context.Context, sub examsessiondomain.EvaluationSubmission) (snowflake.ID, error) {
	job, err := s.queue.Submit(ctx, domain.SubmitRequest{
		UserID:   sub.UserID,
		ExamID:   sub.ExamID,
		Module:   string(sub.Module),
		Kind:     domain.KindEvaluation,
		Priority: domain.PriorityEvaluation,
		Payload: domain.EvaluationPayload{
			TaskID:   sub.TaskID.String(),
			Response: sub.Response,
		}.Encode(),
	})
	if err != nil {
		return 0, err
	}
	return job.ID, nil
}
