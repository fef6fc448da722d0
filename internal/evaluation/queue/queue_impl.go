package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	"github.com/smallbiznis/lingora/internal/identity"
	"github.com/smallbiznis/lingora/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

type Queue struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func New(p Params) domain.Queue {
	return &Queue{
		db:          p.DB,
		log:         p.Log.Named("evaluation.queue"),
		clock:       p.Clock,
		genID:       p.GenID,
		metrics:     p.Metrics,
		maxAttempts: p.Config.Worker.MaxAttempts,
		backoffBase: p.Config.Worker.BackoffBase,
		backoffCap:  p.Config.Worker.BackoffCap,
	}
}

func (q *Queue) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.Job, error) {
	switch req.Kind {
	case domain.KindEvaluation, domain.KindContentGeneration:
	default:
		return nil, domain.ErrUnknownKind
	}

	now := q.clock.Now().UTC()
	job := &domain.Job{
		ID:            q.genID.Generate(),
		UserID:        req.UserID,
		ExamID:        req.ExamID,
		Module:        req.Module,
		Kind:          req.Kind,
		Priority:      req.Priority,
		State:         domain.JobStateWaiting,
		Payload:       req.Payload,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	q.metrics.IncJobTransition("waiting")
	return job, nil
}

// Claim selects due waiting jobs in priority order and flips them active in
// one short transaction. The claim also counts as the attempt.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.clock.Now().UTC()

	var jobs []*domain.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := query.
			Where("state = ? AND next_attempt_at <= ?", domain.JobStateWaiting, now).
			Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&jobs).Error
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(jobs))
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
		return tx.Model(&domain.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"state":      domain.JobStateActive,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		job.State = domain.JobStateActive
		job.Attempts++
		q.metrics.IncJobTransition("active")
	}
	return jobs, nil
}

func (q *Queue) Complete(ctx context.Context, jobID snowflake.ID, resultID *snowflake.ID) error {
	now := q.clock.Now().UTC()
	updates := map[string]any{
		"state":      domain.JobStateCompleted,
		"last_error": "",
		"updated_at": now,
	}
	if resultID != nil {
		updates["result_id"] = *resultID
	}
	result := q.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ?", jobID, domain.JobStateActive).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrJobNotFound
	}
	q.metrics.IncJobTransition("completed")
	return nil
}

// Fail reschedules the job with backoff, or marks it terminal after the last
// attempt. The updated job is returned so the caller can react to terminal
// failure.
func (q *Queue) Fail(ctx context.Context, jobID snowflake.ID, cause error) (*domain.Job, error) {
	now := q.clock.Now().UTC()

	var job domain.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrJobNotFound
			}
			return err
		}

		lastError := ""
		if cause != nil {
			lastError = cause.Error()
		}

		if job.Attempts >= job.MaxAttempts {
			job.State = domain.JobStateFailed
			job.LastError = lastError
			job.UpdatedAt = now
			return tx.Model(&domain.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
				"state":      domain.JobStateFailed,
				"last_error": lastError,
				"updated_at": now,
			}).Error
		}

		delay := domain.Backoff(q.backoffBase, q.backoffCap, job.Attempts)
		job.State = domain.JobStateWaiting
		job.LastError = lastError
		job.NextAttemptAt = now.Add(delay)
		job.UpdatedAt = now
		return tx.Model(&domain.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
			"state":           domain.JobStateWaiting,
			"last_error":      lastError,
			"next_attempt_at": job.NextAttemptAt,
			"updated_at":      now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if job.State == domain.JobStateFailed {
		q.metrics.IncJobTransition("failed")
		q.log.Warn("job failed permanently",
			zap.String("job_id", job.ID.String()),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", job.LastError),
		)
	} else {
		q.metrics.IncJobTransition("retry")
	}
	return &job, nil
}

// Status is owner-only: job ids are guessable, results are not public.
func (q *Queue) Status(ctx context.Context, jobID, requesterID snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	if job.UserID != requesterID && !identity.IsOperator(ctx) {
		return nil, domain.ErrNotJobOwner
	}
	return &job, nil
}

func (q *Queue) Prune(ctx context.Context, olderThan time.Time, batch int) (int, error) {
	var ids []snowflake.ID
	err := q.db.WithContext(ctx).Model(&domain.Job{}).
		Where("state IN ? AND updated_at < ?", []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed}, olderThan).
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Job{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
