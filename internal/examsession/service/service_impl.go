package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/clock"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"github.com/smallbiznis/lingora/internal/examsession/domain"
	"github.com/smallbiznis/lingora/internal/identity"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	"github.com/smallbiznis/lingora/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	Tasks        tasksdomain.Service
	Entitlements entitlementdomain.Service
	Submitter    domain.JobSubmitter `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	tasks        tasksdomain.Service
	entitlements entitlementdomain.Service
	submitter    domain.JobSubmitter
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("examsession.service"),
		clock:        p.Clock,
		genID:        p.GenID,
		tasks:        p.Tasks,
		entitlements: p.Entitlements,
		submitter:    p.Submitter,
	}
}

// StartSession creates the session for (user, exam) or returns the existing
// one. Task content for every module is fixed up front; the entitlement is
// consumed in the same transaction as the insert, so a denial persists
// nothing and a duplicate-key race never double-spends.
func (s *Service) StartSession(ctx context.Context, userID snowflake.ID, examID string, variant domain.Variant) (*domain.SessionView, error) {
	if _, ok := domain.ParseVariant(string(variant)); !ok {
		return nil, domain.ErrUnknownVariant
	}

	state, err := s.findState(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if state != nil && state.CompletedIDs()[examID] {
		return nil, domain.ErrExamAlreadyCompleted
	}

	existing, err := s.findSessionByKey(ctx, s.db, userID, examID, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.view(existing), nil
	}

	taskIDs := make(map[domain.Module]snowflake.ID, len(variant.Modules()))
	for _, module := range variant.Modules() {
		task, err := s.tasks.GetRandomTask(ctx, string(module))
		if err != nil {
			return nil, err
		}
		taskIDs[module] = task.ID
	}
	encodedTasks, err := domain.EncodeTaskIDs(taskIDs)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	session := &domain.ExamSession{
		ID:               s.genID.Generate(),
		UserID:           userID,
		ExamID:           examID,
		Variant:          variant,
		TaskIDs:          encodedTasks,
		CompletedModules: domain.EncodeModules(nil),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.entitlements.Consume(ctx, tx, userID, variant.Category()); err != nil {
			return err
		}
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return s.setActiveExam(ctx, tx, userID, examID, now)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost a concurrent create. The transaction rolled back, so no
			// second entitlement was spent; hand back the winner's session.
			winner, ferr := s.findSessionByKey(ctx, s.db, userID, examID, false)
			if ferr != nil {
				return nil, ferr
			}
			if winner != nil {
				return s.view(winner), nil
			}
		}
		return nil, err
	}

	s.log.Info("session started",
		zap.String("user_id", userID.String()),
		zap.String("exam_id", examID),
		zap.String("variant", string(variant)),
	)
	return s.view(session), nil
}

// StartModule loads the task fixed for the module and marks it current.
// Missing content fails loudly and leaves the session with no module
// selected, safe to retry.
func (s *Service) StartModule(ctx context.Context, userID, sessionID snowflake.ID, module domain.Module) (*domain.ModuleStart, error) {
	if _, ok := domain.ParseModule(string(module)); !ok {
		return nil, domain.ErrUnknownModule
	}

	session, err := s.findSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, userID); err != nil {
		return nil, err
	}

	taskID, ok := session.TaskFor(module)
	if !ok {
		return nil, domain.ErrModuleNotInVariant
	}
	task, err := s.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Model(&domain.ExamSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{"current_module": module, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}

	return &domain.ModuleStart{
		Module:           module,
		Task:             task,
		AlreadyCompleted: session.CompletedSet()[module],
	}, nil
}

// CompleteModule records a submission. Evaluated modules get a loading
// placeholder plus an enqueued job; objective modules are final immediately.
// Replays and late duplicate submissions ack as no-ops.
func (s *Service) CompleteModule(ctx context.Context, userID, sessionID snowflake.ID, module domain.Module, req domain.CompleteRequest) (*domain.CompletionAck, error) {
	if _, ok := domain.ParseModule(string(module)); !ok {
		return nil, domain.ErrUnknownModule
	}

	session, err := s.findSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, userID); err != nil {
		return nil, err
	}
	taskID, ok := session.TaskFor(module)
	if !ok {
		return nil, domain.ErrModuleNotInVariant
	}

	payload := datatypes.JSON(req.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON([]byte(`{}`))
	}
	status := domain.ResultStatusFinal
	evaluated := module.Evaluated() && req.Response != ""
	if evaluated {
		status = domain.ResultStatusLoading
	}

	var (
		result           *domain.Result
		sessionCompleted bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var terr error
		result, sessionCompleted, terr = s.completeTx(ctx, tx, session.UserID, session.ExamID, module, payload, status)
		return terr
	})
	if err != nil {
		return nil, err
	}

	ack := &domain.CompletionAck{
		Module:           module,
		ResultID:         result.ID.String(),
		ResultStatus:     result.Status,
		SessionCompleted: sessionCompleted,
	}

	if evaluated && result.Status == domain.ResultStatusLoading {
		jobID, err := s.submitter.SubmitEvaluation(ctx, domain.EvaluationSubmission{
			UserID:   session.UserID,
			ExamID:   session.ExamID,
			Module:   module,
			TaskID:   taskID,
			Response: req.Response,
		})
		if err != nil {
			// Placeholder is persisted; the client may resubmit.
			return nil, err
		}
		ack.JobID = jobID.String()
	}
	return ack, nil
}

// MergeResult is the worker-facing write path: it overwrites the loading
// placeholder for (user, exam, module) in place and runs the same completion
// bookkeeping as a synchronous submission. Sessions that no longer exist
// still get the result persisted as an orphan.
func (s *Service) MergeResult(ctx context.Context, userID snowflake.ID, examID string, module domain.Module, payload datatypes.JSON, status domain.ResultStatus) (*domain.Result, error) {
	if len(payload) == 0 {
		payload = datatypes.JSON([]byte(`{}`))
	}
	var result *domain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var terr error
		result, _, terr = s.completeTx(ctx, tx, userID, examID, module, payload, status)
		return terr
	})
	return result, err
}

func (s *Service) Resume(ctx context.Context, userID snowflake.ID) (*domain.SessionView, error) {
	state, err := s.findState(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.ActiveExamID == nil {
		return nil, domain.ErrNoActiveSession
	}
	session, err := s.findSessionByKey(ctx, s.db, userID, *state.ActiveExamID, false)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNoActiveSession
	}
	return s.view(session), nil
}

// completeTx merges the result row and advances the session state machine in
// one transaction, so two modules finishing concurrently cannot both miss
// the terminal set.
func (s *Service) completeTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, module domain.Module, payload datatypes.JSON, status domain.ResultStatus) (*domain.Result, bool, error) {
	now := s.clock.Now().UTC()

	result, err := s.mergeResultRow(ctx, tx, userID, examID, module, payload, status, now)
	if err != nil {
		return nil, false, err
	}

	session, err := s.findSessionByKey(ctx, tx, userID, examID, true)
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		// Orphan result: the session was deleted, keep the result anyway.
		return result, false, nil
	}

	set := session.CompletedSet()
	set[module] = true
	ordered := make([]domain.Module, 0, len(set))
	for _, m := range session.Variant.Modules() {
		if set[m] {
			ordered = append(ordered, m)
		}
	}

	completedNow := false
	if len(ordered) == len(session.Variant.Modules()) && !session.Completed {
		session.Completed = true
		completedNow = true
	}

	err = tx.WithContext(ctx).Model(&domain.ExamSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{
			"completed_modules": domain.EncodeModules(ordered),
			"current_module":    nil,
			"completed":         session.Completed,
			"updated_at":        now,
		}).Error
	if err != nil {
		return nil, false, err
	}

	if completedNow {
		if err := s.recordExamCompleted(ctx, tx, userID, examID, now); err != nil {
			return nil, false, err
		}
		s.log.Info("session completed",
			zap.String("user_id", userID.String()),
			zap.String("exam_id", examID),
		)
	}
	return result, session.Completed, nil
}

// mergeResultRow resolves the two write paths (placeholder, final) into one
// row. A loading placeholder never downgrades an existing result; a final or
// failed write overwrites whatever is there.
func (s *Service) mergeResultRow(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, module domain.Module, payload datatypes.JSON, status domain.ResultStatus, now time.Time) (*domain.Result, error) {
	existing, err := s.findResult(ctx, tx, userID, examID, module)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		result := &domain.Result{
			ID:        s.genID.Generate(),
			UserID:    userID,
			ExamID:    examID,
			Module:    module,
			Status:    status,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "exam_id"}, {Name: "module"}},
			DoNothing: true,
		}).Create(result).Error
		if err != nil {
			return nil, err
		}
		// Re-read to cover a concurrent create of the same key.
		return s.findResult(ctx, tx, userID, examID, module)
	}

	if existing.Status != domain.ResultStatusLoading && status == domain.ResultStatusLoading {
		return existing, nil
	}

	err = tx.WithContext(ctx).Model(&domain.Result{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{"status": status, "payload": payload, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}
	existing.Status = status
	existing.Payload = payload
	existing.UpdatedAt = now
	return existing, nil
}

func (s *Service) recordExamCompleted(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, now time.Time) error {
	state, err := s.findState(ctx, tx, userID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &domain.UserExamState{
			UserID:           userID,
			CompletedExamIDs: domain.EncodeExamIDs([]string{examID}),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(state).Error
	}

	ids := state.CompletedIDs()
	if !ids[examID] {
		all := make([]string, 0, len(ids)+1)
		for id := range ids {
			all = append(all, id)
		}
		all = append(all, examID)
		state.CompletedExamIDs = domain.EncodeExamIDs(all)
	}

	updates := map[string]any{
		"completed_exam_ids": state.CompletedExamIDs,
		"updated_at":         now,
	}
	if state.ActiveExamID != nil && *state.ActiveExamID == examID {
		updates["active_exam_id"] = nil
	}
	return tx.WithContext(ctx).Model(&domain.UserExamState{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
}

func (s *Service) setActiveExam(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, now time.Time) error {
	state, err := s.findState(ctx, tx, userID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &domain.UserExamState{
			UserID:           userID,
			CompletedExamIDs: domain.EncodeExamIDs(nil),
			ActiveExamID:     &examID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(state).Error
		if err == nil || db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return tx.WithContext(ctx).Model(&domain.UserExamState{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"active_exam_id": examID, "updated_at": now}).Error
}

func (s *Service) authorize(ctx context.Context, session *domain.ExamSession, userID snowflake.ID) error {
	if session.UserID == userID || identity.IsOperator(ctx) {
		return nil
	}
	return domain.ErrNotSessionOwner
}

func (s *Service) view(session *domain.ExamSession) *domain.SessionView {
	set := session.CompletedSet()
	completed := make([]domain.Module, 0, len(set))
	pending := make([]domain.Module, 0)
	for _, m := range session.Variant.Modules() {
		if set[m] {
			completed = append(completed, m)
		} else {
			pending = append(pending, m)
		}
	}
	return &domain.SessionView{
		SessionID:        session.ID.String(),
		ExamID:           session.ExamID,
		Variant:          session.Variant,
		CompletedModules: completed,
		PendingModules:   pending,
		CurrentModule:    session.CurrentModule,
		Completed:        session.Completed,
	}
}

func (s *Service) findSessionByID(ctx context.Context, sessionID snowflake.ID) (*domain.ExamSession, error) {
	var session domain.ExamSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Service) findSessionByKey(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, locked bool) (*domain.ExamSession, error) {
	query := tx.WithContext(ctx)
	if locked {
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
	}
	var session domain.ExamSession
	err := query.Where("user_id = ? AND exam_id = ?", userID, examID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (s *Service) findResult(ctx context.Context, tx *gorm.DB, userID snowflake.ID, examID string, module domain.Module) (*domain.Result, error) {
	var result domain.Result
	err := tx.WithContext(ctx).
		Where("user_id = ? AND exam_id = ? AND module = ?", userID, examID, module).
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (s *Service) findState(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.UserExamState, error) {
	var state domain.UserExamState
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}
