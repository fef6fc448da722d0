package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/clock"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/lingora/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
}

func New(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
		genID: p.GenID,
	}
}

func counterColumn(category entitlementdomain.Category) (string, error) {
	switch category {
	case entitlementdomain.CategoryFullTest:
		return "full_tests_used", nil
	case entitlementdomain.CategorySectionA:
		return "section_a_used", nil
	case entitlementdomain.CategorySectionB:
		return "section_b_used", nil
	}
	return "", entitlementdomain.ErrUnknownCategory
}

// ConsumeDaily upserts the day row, then performs a guarded increment. The
// WHERE clause re-checks the counter inside the same statement, so two
// concurrent calls against the last remaining slot cannot both succeed.
func (s *Service) ConsumeDaily(ctx context.Context, tx *gorm.DB, userID snowflake.ID, day string, category entitlementdomain.Category, limit int) (bool, error) {
	column, err := counterColumn(category)
	if err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	record := &usagedomain.UsageRecord{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Day:       day,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoNothing: true,
	}).Create(record).Error
	if err != nil {
		return false, err
	}

	result := tx.WithContext(ctx).Model(&usagedomain.UsageRecord{}).
		Where("user_id = ? AND day = ? AND "+column+" < ?", userID, day, limit).
		Updates(map[string]any{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Service) ForDay(ctx context.Context, userID snowflake.ID, day string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, day).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
