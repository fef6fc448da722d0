package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord tracks trial consumption for one user on one UTC day. Rows are
// created lazily on first use and never decremented.
type UsageRecord struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_records_user_day,priority:1"`
	Day           string       `gorm:"type:text;not null;uniqueIndex:ux_usage_records_user_day,priority:2"`
	FullTestsUsed int          `gorm:"not null;default:0"`
	SectionAUsed  int          `gorm:"not null;default:0"`
	SectionBUsed  int          `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// DayOf formats t as the ledger's UTC day key.
func DayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }
