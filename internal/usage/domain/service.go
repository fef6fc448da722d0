package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"gorm.io/gorm"
)

// Service owns the per-day trial counters. ConsumeDaily runs inside the
// caller's transaction and reports whether the counter was still below limit.
type Service interface {
	ConsumeDaily(ctx context.Context, tx *gorm.DB, userID snowflake.ID, day string, category entitlementdomain.Category, limit int) (bool, error)
	ForDay(ctx context.Context, userID snowflake.ID, day string) (*UsageRecord, error)
}

// Used returns the counter for a category.
func (r *UsageRecord) Used(category entitlementdomain.Category) int {
	if r == nil {
		return 0
	}
	switch category {
	case entitlementdomain.CategoryFullTest:
		return r.FullTestsUsed
	case entitlementdomain.CategorySectionA:
		return r.SectionAUsed
	case entitlementdomain.CategorySectionB:
		return r.SectionBUsed
	}
	return 0
}
