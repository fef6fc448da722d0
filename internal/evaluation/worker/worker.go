package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	"github.com/smallbiznis/lingora/internal/observability/metrics"
	"github.com/smallbiznis/lingora/internal/ratelimit"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Config       config.Config
	Queue        domain.Queue
	Evaluator    domain.Evaluator
	Limiter      ratelimit.Limiter
	Sessions     examsessiondomain.Service
	Tasks        tasksdomain.Service
	Entitlements entitlementdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
}

// Runner drives the bounded worker pool plus the periodic sweeps (pack
// expiry, job pruning) on a single polling loop.
type Runner struct {
	log          *zap.Logger
	clock        clock.Clock
	cfg          config.WorkerConfig
	queue        domain.Queue
	evaluator    domain.Evaluator
	limiter      ratelimit.Limiter
	sessions     examsessiondomain.Service
	tasks        tasksdomain.Service
	entitlements entitlementdomain.Service
	metrics      *metrics.Metrics
}

func New(p Params) *Runner {
	return &Runner{
		log:          p.Log.Named("evaluation.worker"),
		clock:        p.Clock,
		cfg:          p.Config.Worker,
		queue:        p.Queue,
		evaluator:    p.Evaluator,
		limiter:      p.Limiter,
		sessions:     p.Sessions,
		tasks:        p.Tasks,
		entitlements: p.Entitlements,
		metrics:      p.Metrics,
	}
}

// RunOnce claims one batch and processes it with bounded concurrency.
func (r *Runner) RunOnce(ctx context.Context) error {
	jobs, err := r.queue.Claim(ctx, r.cfg.Concurrency)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, job := range jobs {
		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			if err := r.process(ctx, job); err != nil {
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
			}
		}(job)
	}
	wg.Wait()
	return errs
}

// RunForever polls the queue until ctx is canceled. Sweeps run on their own
// slower ticker inside the same loop.
func (r *Runner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(time.Minute)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Warn("worker run failed", zap.Error(err))
			}
		case <-sweeper.C:
			r.runSweeps(ctx)
		}
	}
}

func (r *Runner) runSweeps(ctx context.Context) {
	if expired, err := r.entitlements.ExpireSweep(ctx, r.cfg.SweepBatch); err != nil {
		r.log.Warn("pack expire sweep failed", zap.Error(err))
	} else if expired > 0 {
		r.log.Info("pack expire sweep", zap.Int("expired", expired))
	}

	cutoff := r.clock.Now().UTC().Add(-r.cfg.Retention)
	if pruned, err := r.queue.Prune(ctx, cutoff, r.cfg.SweepBatch); err != nil {
		r.log.Warn("job prune sweep failed", zap.Error(err))
	} else if pruned > 0 {
		r.log.Info("job prune sweep", zap.Int("pruned", pruned))
	}
}

func (r *Runner) process(ctx context.Context, job *domain.Job) error {
	if err := r.waitForSlot(ctx); err != nil {
		// Not the job's fault: release the attempt back to the queue.
		_, ferr := r.queue.Fail(ctx, job.ID, domain.ErrRateLimited)
		return errors.Join(err, ferr)
	}

	start := r.clock.Now()
	var err error
	switch job.Kind {
	case domain.KindEvaluation:
		err = r.processEvaluation(ctx, job)
	case domain.KindContentGeneration:
		err = r.processContentGeneration(ctx, job)
	default:
		err = domain.ErrUnknownKind
	}
	r.metrics.ObserveEvaluation(job.Module, time.Since(start).Seconds())

	if err == nil {
		return nil
	}

	failed, ferr := r.queue.Fail(ctx, job.ID, err)
	if ferr != nil {
		return errors.Join(err, ferr)
	}
	if failed.State == domain.JobStateFailed && job.Kind == domain.KindEvaluation {
		// Out of attempts: surface the failure on the provisional result so
		// the client stops polling a loading state that will never resolve.
		raw, _ := json.Marshal(map[string]string{"error": failed.LastError})
		_, merr := r.sessions.MergeResult(ctx, job.UserID, job.ExamID,
			examsessiondomain.Module(job.Module), datatypes.JSON(raw), examsessiondomain.ResultStatusFailed)
		if merr != nil {
			return errors.Join(err, merr)
		}
	}
	return err
}

func (r *Runner) processEvaluation(ctx context.Context, job *domain.Job) error {
	payload, err := domain.DecodePayload(job.Payload)
	if err != nil {
		return err
	}

	var prompt json.RawMessage
	if payload.TaskID != "" {
		taskID, err := snowflake.ParseString(payload.TaskID)
		if err != nil {
			return err
		}
		task, err := r.tasks.GetTaskByID(ctx, taskID)
		if err != nil {
			return err
		}
		prompt = json.RawMessage(task.Content)
	}

	result, err := r.evaluator.Evaluate(ctx, domain.EvaluationInput{
		Module:   job.Module,
		Prompt:   prompt,
		Response: payload.Response,
	})
	if err != nil {
		return err
	}

	merged, err := r.sessions.MergeResult(ctx, job.UserID, job.ExamID,
		examsessiondomain.Module(job.Module), datatypes.JSON(result.Payload), examsessiondomain.ResultStatusFinal)
	if err != nil {
		return err
	}
	return r.queue.Complete(ctx, job.ID, &merged.ID)
}

func (r *Runner) processContentGeneration(ctx context.Context, job *domain.Job) error {
	result, err := r.evaluator.Evaluate(ctx, domain.EvaluationInput{Module: job.Module})
	if err != nil {
		return err
	}

	task := &tasksdomain.Task{
		Module:    job.Module,
		Title:     "generated " + job.Module + " task",
		Content:   datatypes.JSON(result.Payload),
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return err
	}
	return r.queue.Complete(ctx, job.ID, nil)
}

// waitForSlot blocks until the evaluator rate gate admits a call.
func (r *Runner) waitForSlot(ctx context.Context) error {
	for {
		allowed, retryAfter, err := r.limiter.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		wait := retryAfter
		if wait <= 0 || wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
