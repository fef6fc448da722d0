package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/lingora/internal/entitlement/service"
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	"github.com/smallbiznis/lingora/internal/evaluation/queue"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	examsessionservice "github.com/smallbiznis/lingora/internal/examsession/service"
	"github.com/smallbiznis/lingora/internal/migration"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	tasksservice "github.com/smallbiznis/lingora/internal/tasks/service"
	usageservice "github.com/smallbiznis/lingora/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stubEvaluator struct {
	fn func(ctx context.Context, in domain.EvaluationInput) (*domain.EvaluationResult, error)
}

func (e stubEvaluator) Evaluate(ctx context.Context, in domain.EvaluationInput) (*domain.EvaluationResult, error) {
	return e.fn(ctx, in)
}

type stubLimiter struct {
	err error
}

func (l stubLimiter) Allow(context.Context) (bool, time.Duration, error) {
	return l.err == nil, 0, l.err
}

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	queue    domain.Queue
	sessions examsessiondomain.Service
	tasks    tasksdomain.Service
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migration.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, _ := snowflake.NewNode(1)
	fakeClock := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Entitlement: config.EntitlementConfig{TrialDays: 3, DailyLimit: 5},
		Worker: config.WorkerConfig{
			Concurrency: 2,
			MaxAttempts: maxAttempts,
			BackoffBase: 2 * time.Second,
			BackoffCap:  time.Minute,
			Retention:   72 * time.Hour,
			SweepBatch:  100,
		},
	}

	usage := usageservice.New(usageservice.Params{DB: conn, Log: log, Clock: fakeClock, GenID: node})
	entitlements := entitlementservice.New(entitlementservice.Params{
		DB: conn, Log: log, Clock: fakeClock, GenID: node, Config: cfg, Usage: usage,
	})
	tasks := tasksservice.New(tasksservice.Params{DB: conn, Log: log, GenID: node})
	q := queue.New(queue.Params{DB: conn, Log: log, Clock: fakeClock, GenID: node, Config: cfg})
	sessions := examsessionservice.New(examsessionservice.Params{
		DB: conn, Log: log, Clock: fakeClock, GenID: node,
		Tasks: tasks, Entitlements: entitlements, Submitter: queue.NewSubmitter(q),
	})

	for _, module := range []string{"speaking", "writing", "reading", "listening"} {
		task := &tasksdomain.Task{
			Module:  module,
			Title:   module + " task",
			Content: datatypes.JSON([]byte(`{"prompt":"describe your day"}`)),
		}
		if err := tasks.Create(context.Background(), task); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	return &fixture{db: conn, clock: fakeClock, node: node, queue: q, sessions: sessions, tasks: tasks}
}

func (f *fixture) newRunner(t *testing.T, maxAttempts int, evaluator domain.Evaluator, limiter stubLimiter) *Runner {
	t.Helper()
	cfg := config.Config{
		Entitlement: config.EntitlementConfig{TrialDays: 3, DailyLimit: 5},
		Worker: config.WorkerConfig{
			Concurrency: 2,
			MaxAttempts: maxAttempts,
			BackoffBase: 2 * time.Second,
			BackoffCap:  time.Minute,
			Retention:   72 * time.Hour,
			SweepBatch:  100,
		},
	}
	usage := usageservice.New(usageservice.Params{DB: f.db, Log: zap.NewNop(), Clock: f.clock, GenID: f.node})
	entitlements := entitlementservice.New(entitlementservice.Params{
		DB: f.db, Log: zap.NewNop(), Clock: f.clock, GenID: f.node, Config: cfg, Usage: usage,
	})
	return New(Params{
		Log:          zap.NewNop(),
		Clock:        f.clock,
		Config:       cfg,
		Queue:        f.queue,
		Evaluator:    evaluator,
		Limiter:      limiter,
		Sessions:     f.sessions,
		Tasks:        f.tasks,
		Entitlements: entitlements,
	})
}

func (f *fixture) startWritingSubmission(t *testing.T) (snowflake.ID, string, snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	userID := f.node.Generate()

	view, err := f.sessions.StartSession(ctx, userID, "exam-1", examsessiondomain.VariantWritingPractice)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	sessionID, _ := snowflake.ParseString(view.SessionID)
	ack, err := f.sessions.CompleteModule(ctx, userID, sessionID, examsessiondomain.ModuleWriting,
		examsessiondomain.CompleteRequest{Response: "my essay text"})
	if err != nil {
		t.Fatalf("complete module: %v", err)
	}
	jobID, _ := snowflake.ParseString(ack.JobID)
	return userID, view.ExamID, jobID
}

func TestRunOnce_EvaluationFlow(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID, examID, jobID := f.startWritingSubmission(t)

	var seen domain.EvaluationInput
	evaluator := stubEvaluator{fn: func(_ context.Context, in domain.EvaluationInput) (*domain.EvaluationResult, error) {
		seen = in
		return &domain.EvaluationResult{Payload: []byte(`{"score":4.5,"feedback":"solid"}`)}, nil
	}}
	runner := f.newRunner(t, 3, evaluator, stubLimiter{})

	assert.NoError(t, runner.RunOnce(ctx))

	// The evaluator saw the fixed task prompt and the candidate response.
	assert.Equal(t, "writing", seen.Module)
	assert.JSONEq(t, `{"prompt":"describe your day"}`, string(seen.Prompt))
	assert.Equal(t, "my essay text", seen.Response)

	var result examsessiondomain.Result
	assert.NoError(t, f.db.Where("user_id = ? AND exam_id = ?", userID, examID).First(&result).Error)
	assert.Equal(t, examsessiondomain.ResultStatusFinal, result.Status)
	assert.JSONEq(t, `{"score":4.5,"feedback":"solid"}`, string(result.Payload))

	job, err := f.queue.Status(ctx, jobID, userID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	if assert.NotNil(t, job.ResultID) {
		assert.Equal(t, result.ID, *job.ResultID)
	}

	// An empty queue is a no-op.
	assert.NoError(t, runner.RunOnce(ctx))
}

func TestRunOnce_TerminalFailureFlipsResult(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	userID, examID, jobID := f.startWritingSubmission(t)

	evaluator := stubEvaluator{fn: func(context.Context, domain.EvaluationInput) (*domain.EvaluationResult, error) {
		return nil, errors.New("model overloaded")
	}}
	runner := f.newRunner(t, 1, evaluator, stubLimiter{})

	assert.Error(t, runner.RunOnce(ctx))

	job, err := f.queue.Status(ctx, jobID, userID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, "model overloaded", job.LastError)

	// The loading placeholder must not be left dangling.
	var result examsessiondomain.Result
	assert.NoError(t, f.db.Where("user_id = ? AND exam_id = ?", userID, examID).First(&result).Error)
	assert.Equal(t, examsessiondomain.ResultStatusFailed, result.Status)
	assert.JSONEq(t, `{"error":"model overloaded"}`, string(result.Payload))
}

func TestRunOnce_TransientFailureRetries(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID, examID, jobID := f.startWritingSubmission(t)

	calls := 0
	evaluator := stubEvaluator{fn: func(_ context.Context, in domain.EvaluationInput) (*domain.EvaluationResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return &domain.EvaluationResult{Payload: []byte(`{"score":3.0}`)}, nil
	}}
	runner := f.newRunner(t, 3, evaluator, stubLimiter{})

	assert.Error(t, runner.RunOnce(ctx))

	job, err := f.queue.Status(ctx, jobID, userID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, job.State)

	var result examsessiondomain.Result
	assert.NoError(t, f.db.Where("user_id = ? AND exam_id = ?", userID, examID).First(&result).Error)
	assert.Equal(t, examsessiondomain.ResultStatusLoading, result.Status)

	// Due again after the backoff; the retry succeeds.
	f.clock.Advance(time.Minute)
	assert.NoError(t, runner.RunOnce(ctx))
	assert.Equal(t, 2, calls)

	assert.NoError(t, f.db.Where("user_id = ? AND exam_id = ?", userID, examID).First(&result).Error)
	assert.Equal(t, examsessiondomain.ResultStatusFinal, result.Status)
}

func TestRunOnce_RateGateReleasesAttempt(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID, _, jobID := f.startWritingSubmission(t)

	evaluator := stubEvaluator{fn: func(context.Context, domain.EvaluationInput) (*domain.EvaluationResult, error) {
		t.Error("evaluator must not be called when the rate gate fails")
		return nil, errors.New("unexpected call")
	}}
	runner := f.newRunner(t, 3, evaluator, stubLimiter{err: errors.New("redis down")})

	assert.Error(t, runner.RunOnce(ctx))

	job, err := f.queue.Status(ctx, jobID, userID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Equal(t, domain.ErrRateLimited.Error(), job.LastError)
}

func TestRunOnce_ContentGeneration(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	operatorID := f.node.Generate()

	job, err := f.queue.Submit(ctx, domain.SubmitRequest{
		UserID:   operatorID,
		Module:   "reading",
		Kind:     domain.KindContentGeneration,
		Priority: domain.PriorityContentGeneration,
		Payload:  domain.EvaluationPayload{}.Encode(),
	})
	assert.NoError(t, err)

	evaluator := stubEvaluator{fn: func(context.Context, domain.EvaluationInput) (*domain.EvaluationResult, error) {
		return &domain.EvaluationResult{Payload: []byte(`{"passage":"generated text","questions":[]}`)}, nil
	}}
	runner := f.newRunner(t, 3, evaluator, stubLimiter{})

	assert.NoError(t, runner.RunOnce(ctx))

	stored, err := f.queue.Status(ctx, job.ID, operatorID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, stored.State)
	assert.Nil(t, stored.ResultID)

	var count int64
	f.db.Model(&tasksdomain.Task{}).Where("module = ?", "reading").Count(&count)
	assert.Equal(t, int64(2), count, "the generated task joins the seeded one")
}

func TestRunSweeps(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID := f.node.Generate()

	// An expired pack and an old terminal job, both due for their sweeps.
	pack := &entitlementdomain.Pack{
		ID:             f.node.Generate(),
		UserID:         userID,
		Kind:           entitlementdomain.PackKindStarter,
		Status:         entitlementdomain.PackStatusActive,
		FullTestsTotal: 2,
		SectionATotal:  10,
		SectionBTotal:  10,
		PurchasedAt:    f.clock.Now().Add(-31 * 24 * time.Hour),
		ExpiresAt:      f.clock.Now().Add(-24 * time.Hour),
	}
	assert.NoError(t, f.db.Create(pack).Error)

	job, err := f.queue.Submit(ctx, domain.SubmitRequest{
		UserID:   userID,
		Module:   "writing",
		Kind:     domain.KindEvaluation,
		Priority: domain.PriorityEvaluation,
		Payload:  domain.EvaluationPayload{Response: "text"}.Encode(),
	})
	assert.NoError(t, err)
	_, err = f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	assert.NoError(t, f.queue.Complete(ctx, job.ID, nil))

	f.clock.Advance(80 * time.Hour)

	evaluator := stubEvaluator{fn: func(context.Context, domain.EvaluationInput) (*domain.EvaluationResult, error) {
		return nil, nil
	}}
	runner := f.newRunner(t, 3, evaluator, stubLimiter{})
	runner.runSweeps(ctx)

	var stored entitlementdomain.Pack
	assert.NoError(t, f.db.Where("user_id = ?", userID).First(&stored).Error)
	assert.Equal(t, entitlementdomain.PackStatusExpired, stored.Status)

	_, err = f.queue.Status(ctx, job.ID, userID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
