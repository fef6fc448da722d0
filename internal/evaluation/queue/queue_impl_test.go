package queue

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
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	"github.com/smallbiznis/lingora/internal/identity"
	"github.com/smallbiznis/lingora/internal/migration"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
	queue domain.Queue
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
	q := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: fakeClock,
		GenID: node,
		Config: config.Config{
			Worker: config.WorkerConfig{
				MaxAttempts: maxAttempts,
				BackoffBase: 2 * time.Second,
				BackoffCap:  time.Minute,
			},
		},
	})
	return &fixture{db: conn, clock: fakeClock, node: node, queue: q}
}

func (f *fixture) submit(t *testing.T, userID snowflake.ID, kind domain.JobKind, priority int) *domain.Job {
	t.Helper()
	job, err := f.queue.Submit(context.Background(), domain.SubmitRequest{
		UserID:   userID,
		ExamID:   "exam-1",
		Module:   "writing",
		Kind:     kind,
		Priority: priority,
		Payload:  domain.EvaluationPayload{Response: "text"}.Encode(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func TestSubmit_UnknownKind(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.queue.Submit(context.Background(), domain.SubmitRequest{
		UserID: f.node.Generate(),
		Kind:   domain.JobKind("bogus"),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestClaim_PriorityThenAge(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID := f.node.Generate()

	low := f.submit(t, userID, domain.KindContentGeneration, domain.PriorityContentGeneration)
	f.clock.Advance(time.Second)
	older := f.submit(t, userID, domain.KindEvaluation, domain.PriorityEvaluation)
	f.clock.Advance(time.Second)
	newer := f.submit(t, userID, domain.KindEvaluation, domain.PriorityEvaluation)

	jobs, err := f.queue.Claim(ctx, 2)
	assert.NoError(t, err)
	if assert.Len(t, jobs, 2) {
		// Evaluations outrank content generation; ties break oldest first.
		assert.Equal(t, older.ID, jobs[0].ID)
		assert.Equal(t, newer.ID, jobs[1].ID)
		assert.Equal(t, domain.JobStateActive, jobs[0].State)
		assert.Equal(t, 1, jobs[0].Attempts)
	}

	jobs, err = f.queue.Claim(ctx, 2)
	assert.NoError(t, err)
	if assert.Len(t, jobs, 1) {
		assert.Equal(t, low.ID, jobs[0].ID)
	}

	// Everything is active now; nothing left to claim.
	jobs, err = f.queue.Claim(ctx, 2)
	assert.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFail_RetryWithBackoff(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	job := f.submit(t, f.node.Generate(), domain.KindEvaluation, domain.PriorityEvaluation)

	jobs, err := f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)

	failed, err := f.queue.Fail(ctx, job.ID, errors.New("evaluator unreachable"))
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, failed.State)
	assert.Equal(t, "evaluator unreachable", failed.LastError)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), failed.NextAttemptAt.UTC())

	// Not due yet.
	jobs, err = f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	assert.Empty(t, jobs)

	f.clock.Advance(2 * time.Second)
	jobs, err = f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	if assert.Len(t, jobs, 1) {
		assert.Equal(t, 2, jobs[0].Attempts)
	}

	// Second failure doubles the delay.
	failed, err = f.queue.Fail(ctx, job.ID, errors.New("still down"))
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, failed.State)
	assert.Equal(t, f.clock.Now().Add(4*time.Second), failed.NextAttemptAt.UTC())
}

func TestFail_TerminalAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	job := f.submit(t, f.node.Generate(), domain.KindEvaluation, domain.PriorityEvaluation)

	for attempt := 1; attempt <= 2; attempt++ {
		jobs, err := f.queue.Claim(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, jobs, 1, "attempt %d", attempt)

		failed, err := f.queue.Fail(ctx, job.ID, errors.New("boom"))
		assert.NoError(t, err)
		if attempt < 2 {
			assert.Equal(t, domain.JobStateWaiting, failed.State)
			f.clock.Advance(time.Minute)
		} else {
			assert.Equal(t, domain.JobStateFailed, failed.State)
			assert.True(t, failed.Terminal())
		}
	}

	// Terminal jobs never come back.
	f.clock.Advance(time.Hour)
	jobs, err := f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestComplete_RequiresActiveJob(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	job := f.submit(t, f.node.Generate(), domain.KindEvaluation, domain.PriorityEvaluation)

	// Still waiting: completion must not apply.
	err := f.queue.Complete(ctx, job.ID, nil)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = f.queue.Claim(ctx, 1)
	assert.NoError(t, err)

	resultID := f.node.Generate()
	assert.NoError(t, f.queue.Complete(ctx, job.ID, &resultID))

	stored, err := f.queue.Status(ctx, job.ID, job.UserID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, stored.State)
	if assert.NotNil(t, stored.ResultID) {
		assert.Equal(t, resultID, *stored.ResultID)
	}

	// Double completion is rejected the same way.
	err = f.queue.Complete(ctx, job.ID, &resultID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStatus_OwnerOnly(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	owner := f.node.Generate()
	stranger := f.node.Generate()
	job := f.submit(t, owner, domain.KindEvaluation, domain.PriorityEvaluation)

	_, err := f.queue.Status(ctx, job.ID, owner)
	assert.NoError(t, err)

	_, err = f.queue.Status(ctx, job.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrNotJobOwner)

	// Operators can inspect any job.
	opCtx := identity.WithIdentity(ctx, identity.Identity{UserID: stranger, Role: identity.RoleOperator})
	_, err = f.queue.Status(opCtx, job.ID, stranger)
	assert.NoError(t, err)

	_, err = f.queue.Status(ctx, f.node.Generate(), owner)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPrune_TerminalOnly(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	userID := f.node.Generate()

	done := f.submit(t, userID, domain.KindEvaluation, domain.PriorityEvaluation)
	waiting := f.submit(t, userID, domain.KindEvaluation, domain.PriorityEvaluation)

	jobs, err := f.queue.Claim(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.NoError(t, f.queue.Complete(ctx, done.ID, nil))

	f.clock.Advance(73 * time.Hour)
	cutoff := f.clock.Now().Add(-72 * time.Hour)

	pruned, err := f.queue.Prune(ctx, cutoff, 100)
	assert.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = f.queue.Status(ctx, done.ID, userID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	// The waiting job survives regardless of age.
	_, err = f.queue.Status(ctx, waiting.ID, userID)
	assert.NoError(t, err)
}
