package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	"github.com/smallbiznis/lingora/internal/entitlement/domain"
	"github.com/smallbiznis/lingora/internal/identity"
	"github.com/smallbiznis/lingora/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/lingora/internal/usage/domain"
	"github.com/smallbiznis/lingora/pkg/db"
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
	Usage   usagedomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	usage   usagedomain.Service
	metrics *metrics.Metrics

	trialWindow time.Duration
	dailyLimit  int
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		usage:       p.Usage,
		metrics:     p.Metrics,
		trialWindow: time.Duration(p.Config.Entitlement.TrialDays) * 24 * time.Hour,
		dailyLimit:  p.Config.Entitlement.DailyLimit,
	}
}

// Consume applies the entitlement policy and spends one credit inside tx.
// Order: operator bypass, expired subscription, expired pack, trial daily
// quota, then the pack. Both spend paths are guarded single-statement
// increments, so concurrent calls against the last credit cannot both win.
func (s *Service) Consume(ctx context.Context, tx *gorm.DB, userID snowflake.ID, category domain.Category) (domain.Source, error) {
	if _, ok := domain.ParseCategory(string(category)); !ok {
		return "", domain.ErrUnknownCategory
	}
	if identity.IsOperator(ctx) {
		return domain.SourceOperator, nil
	}

	now := s.clock.Now().UTC()

	profile, err := s.ensureProfile(ctx, tx, userID, now)
	if err != nil {
		return "", err
	}
	if profile.Status == domain.ProfileStatusExpired {
		s.countConsume(category, "denied_no_subscription")
		return "", domain.ErrNoSubscription
	}

	pack, err := s.findPack(ctx, tx, userID)
	if err != nil {
		return "", err
	}
	if pack != nil && !pack.Active(now) {
		s.countConsume(category, "denied_pack_expired")
		return "", domain.ErrPackExpired
	}

	trialActive := profile.TrialActive(now, s.trialWindow)
	if trialActive {
		consumed, err := s.usage.ConsumeDaily(ctx, tx, userID, usagedomain.DayOf(now), category, s.dailyLimit)
		if err != nil {
			return "", err
		}
		if consumed {
			s.countConsume(category, "allowed_trial")
			return domain.SourceTrial, nil
		}
	}

	if pack != nil {
		spent, err := s.spendPack(ctx, tx, userID, category, now)
		if err != nil {
			return "", err
		}
		if spent {
			s.countConsume(category, "allowed_pack")
			return domain.SourcePack, nil
		}
		s.countConsume(category, "denied_pack_exhausted")
		return "", domain.ErrPackExhausted
	}

	if trialActive {
		s.countConsume(category, "denied_daily_limit")
		return "", domain.ErrDailyLimitReached
	}
	s.countConsume(category, "denied_no_subscription")
	return "", domain.ErrNoSubscription
}

// CanStart is the read-only probe behind the entitlements dashboard. It runs
// the same policy as Consume without mutating anything.
func (s *Service) CanStart(ctx context.Context, userID snowflake.ID, category domain.Category) (*domain.Decision, error) {
	if _, ok := domain.ParseCategory(string(category)); !ok {
		return nil, domain.ErrUnknownCategory
	}
	if identity.IsOperator(ctx) {
		return &domain.Decision{Category: category, Allowed: true, Source: domain.SourceOperator}, nil
	}

	now := s.clock.Now().UTC()

	profile, err := s.findProfile(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		// First touch: a fresh trial starts on the first consume.
		return &domain.Decision{Category: category, Allowed: true, Source: domain.SourceTrial}, nil
	}
	if profile.Status == domain.ProfileStatusExpired {
		return s.denied(category, domain.ErrNoSubscription), nil
	}

	pack, err := s.findPack(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if pack != nil && !pack.Active(now) {
		return s.denied(category, domain.ErrPackExpired), nil
	}

	if profile.TrialActive(now, s.trialWindow) {
		record, err := s.usage.ForDay(ctx, userID, usagedomain.DayOf(now))
		if err != nil {
			return nil, err
		}
		if record.Used(category) < s.dailyLimit {
			return &domain.Decision{Category: category, Allowed: true, Source: domain.SourceTrial}, nil
		}
		if pack == nil {
			return s.denied(category, domain.ErrDailyLimitReached), nil
		}
	}

	if pack != nil {
		if pack.Remaining(category) > 0 {
			return &domain.Decision{Category: category, Allowed: true, Source: domain.SourcePack}, nil
		}
		return s.denied(category, domain.ErrPackExhausted), nil
	}
	return s.denied(category, domain.ErrNoSubscription), nil
}

// ReplacePack swaps the user's pack for a fresh grant of the given kind.
// Unused credits on a prior active pack are forfeited and logged.
func (s *Service) ReplacePack(ctx context.Context, tx *gorm.DB, userID snowflake.ID, kind domain.PackKind) (*domain.Pack, error) {
	grant, ok := domain.GrantFor(kind)
	if !ok {
		return nil, domain.ErrUnknownPackKind
	}

	now := s.clock.Now().UTC()

	if _, err := s.ensureProfile(ctx, tx, userID, now); err != nil {
		return nil, err
	}

	prior, err := s.findPackLocked(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Active(now) {
		s.log.Warn("replacing active pack, unused credits forfeited",
			zap.String("user_id", userID.String()),
			zap.String("old_kind", string(prior.Kind)),
			zap.String("new_kind", string(kind)),
			zap.Int("full_tests_forfeited", prior.Remaining(domain.CategoryFullTest)),
			zap.Int("section_a_forfeited", prior.Remaining(domain.CategorySectionA)),
			zap.Int("section_b_forfeited", prior.Remaining(domain.CategorySectionB)),
		)
	}

	pack := &domain.Pack{
		ID:             s.genID.Generate(),
		UserID:         userID,
		Kind:           grant.Kind,
		Status:         domain.PackStatusActive,
		FullTestsTotal: grant.FullTests,
		SectionATotal:  grant.SectionA,
		SectionBTotal:  grant.SectionB,
		PurchasedAt:    now,
		ExpiresAt:      now.Add(grant.Validity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if prior != nil {
		if err := tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Pack{}).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.WithContext(ctx).Create(pack).Error; err != nil {
		return nil, err
	}
	return pack, nil
}

func (s *Service) Snapshot(ctx context.Context, userID snowflake.ID) (*domain.Snapshot, error) {
	now := s.clock.Now().UTC()

	snap := &domain.Snapshot{
		DailyLimit:    s.dailyLimit,
		UsedToday:     map[domain.Category]int{},
		ResolvedAtUTC: now,
	}

	profile, err := s.findProfile(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if profile != nil && profile.TrialActive(now, s.trialWindow) {
		snap.TrialActive = true
		ends := profile.TrialStartedAt.Add(s.trialWindow)
		snap.TrialEndsAt = &ends
	}

	record, err := s.usage.ForDay(ctx, userID, usagedomain.DayOf(now))
	if err != nil {
		return nil, err
	}

	pack, err := s.findPack(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if pack != nil {
		view := &domain.PackView{
			Kind:      pack.Kind,
			Status:    pack.Status,
			ExpiresAt: pack.ExpiresAt,
			Remaining: map[domain.Category]int{},
		}
		if !pack.Active(now) {
			view.Status = domain.PackStatusExpired
		}
		for _, category := range domain.Categories() {
			view.Remaining[category] = pack.Remaining(category)
		}
		snap.Pack = view
	}

	for _, category := range domain.Categories() {
		snap.UsedToday[category] = record.Used(category)
		decision, err := s.CanStart(ctx, userID, category)
		if err != nil {
			return nil, err
		}
		snap.Decisions = append(snap.Decisions, *decision)
	}
	return snap, nil
}

// ExpireSweep flips packs past their expiry to expired, a batch at a time.
func (s *Service) ExpireSweep(ctx context.Context, batch int) (int, error) {
	now := s.clock.Now().UTC()

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Model(&domain.Pack{}).
		Where("status = ? AND expires_at <= ?", domain.PackStatusActive, now).
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Model(&domain.Pack{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": domain.PackStatusExpired, "updated_at": now})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("expired packs", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

func (s *Service) denied(category domain.Category, reason error) *domain.Decision {
	return &domain.Decision{Category: category, Allowed: false, Reason: reason.Error()}
}

func (s *Service) countConsume(category domain.Category, outcome string) {
	s.metrics.IncConsume(string(category), outcome)
}

func (s *Service) ensureProfile(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) (*domain.Profile, error) {
	profile, err := s.findProfile(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	profile = &domain.Profile{
		UserID:         userID,
		Status:         domain.ProfileStatusActive,
		TrialStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(profile).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}
	return s.findProfile(ctx, tx, userID)
}

func (s *Service) findProfile(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (s *Service) findPack(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.Pack, error) {
	var pack domain.Pack
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&pack).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pack, nil
}

// findPackLocked takes a row lock where the dialect supports it. SQLite has a
// single writer, so the plain read is already serialized there.
func (s *Service) findPackLocked(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.Pack, error) {
	query := tx.WithContext(ctx)
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var pack domain.Pack
	err := query.Where("user_id = ?", userID).First(&pack).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pack, nil
}

func (s *Service) spendPack(ctx context.Context, tx *gorm.DB, userID snowflake.ID, category domain.Category, now time.Time) (bool, error) {
	var usedColumn, totalColumn string
	switch category {
	case domain.CategoryFullTest:
		usedColumn, totalColumn = "full_tests_used", "full_tests_total"
	case domain.CategorySectionA:
		usedColumn, totalColumn = "section_a_used", "section_a_total"
	case domain.CategorySectionB:
		usedColumn, totalColumn = "section_b_used", "section_b_total"
	default:
		return false, domain.ErrUnknownCategory
	}

	result := tx.WithContext(ctx).Model(&domain.Pack{}).
		Where("user_id = ? AND status = ? AND expires_at > ? AND "+usedColumn+" < "+totalColumn,
			userID, domain.PackStatusActive, now).
		Updates(map[string]any{
			usedColumn:   gorm.Expr(usedColumn + " + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
