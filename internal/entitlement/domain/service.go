package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Source records which bucket satisfied a consume call.
type Source string

const (
	SourceTrial    Source = "trial"
	SourcePack     Source = "pack"
	SourceOperator Source = "operator"
)

// Decision is the outcome of a read-only CanStart probe.
type Decision struct {
	Category Category `json:"category"`
	Allowed  bool     `json:"allowed"`
	Source   Source   `json:"source,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Snapshot is the dashboard view of a user's entitlement state.
type Snapshot struct {
	TrialActive   bool             `json:"trial_active"`
	TrialEndsAt   *time.Time       `json:"trial_ends_at,omitempty"`
	Pack          *PackView        `json:"pack,omitempty"`
	Decisions     []Decision       `json:"decisions"`
	DailyLimit    int              `json:"daily_limit"`
	UsedToday     map[Category]int `json:"used_today"`
	ResolvedAtUTC time.Time        `json:"resolved_at"`
}

type PackView struct {
	Kind      PackKind         `json:"kind"`
	Status    PackStatus       `json:"status"`
	ExpiresAt time.Time        `json:"expires_at"`
	Remaining map[Category]int `json:"remaining"`
}

// Service decides, and atomically applies, whether a user may start a module
// in a category. Consume and ReplacePack take the caller's transaction so the
// credit movement commits or rolls back together with the caller's writes.
type Service interface {
	CanStart(ctx context.Context, userID snowflake.ID, category Category) (*Decision, error)
	Consume(ctx context.Context, tx *gorm.DB, userID snowflake.ID, category Category) (Source, error)
	ReplacePack(ctx context.Context, tx *gorm.DB, userID snowflake.ID, kind PackKind) (*Pack, error)
	Snapshot(ctx context.Context, userID snowflake.ID) (*Snapshot, error)
	ExpireSweep(ctx context.Context, batch int) (int, error)
}
