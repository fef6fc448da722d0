package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Category is the credit bucket a module start draws from. Full mock exams
// consume a full-test credit; speaking/writing practice draws from section A
// and reading/listening practice from section B.
type Category string

const (
	CategoryFullTest Category = "full_test"
	CategorySectionA Category = "section_a"
	CategorySectionB Category = "section_b"
)

func Categories() []Category {
	return []Category{CategoryFullTest, CategorySectionA, CategorySectionB}
}

func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryFullTest, CategorySectionA, CategorySectionB:
		return Category(s), true
	}
	return "", false
}

type PackKind string

const (
	PackKindStarter   PackKind = "starter"
	PackKindExamReady PackKind = "exam_ready"
)

type PackStatus string

const (
	PackStatusActive  PackStatus = "active"
	PackStatusExpired PackStatus = "expired"
)

// Grant describes the credits and validity window a pack kind ships with.
type Grant struct {
	Kind      PackKind
	FullTests int
	SectionA  int
	SectionB  int
	Validity  time.Duration
}

// GrantFor returns the catalog entry for a pack kind.
func GrantFor(kind PackKind) (Grant, bool) {
	switch kind {
	case PackKindStarter:
		return Grant{Kind: kind, FullTests: 2, SectionA: 10, SectionB: 10, Validity: 30 * 24 * time.Hour}, true
	case PackKindExamReady:
		return Grant{Kind: kind, FullTests: 5, SectionA: 25, SectionB: 25, Validity: 90 * 24 * time.Hour}, true
	}
	return Grant{}, false
}

// Pack is the purchased credit bundle. At most one row per user; a purchase
// replaces the row wholesale, forfeiting any unused credits.
type Pack struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	UserID         snowflake.ID `gorm:"not null;uniqueIndex:ux_packs_user"`
	Kind           PackKind     `gorm:"type:text;not null"`
	Status         PackStatus   `gorm:"type:text;not null;index"`
	FullTestsTotal int          `gorm:"not null"`
	FullTestsUsed  int          `gorm:"not null;default:0"`
	SectionATotal  int          `gorm:"not null"`
	SectionAUsed   int          `gorm:"not null;default:0"`
	SectionBTotal  int          `gorm:"not null"`
	SectionBUsed   int          `gorm:"not null;default:0"`
	PurchasedAt    time.Time    `gorm:"not null"`
	ExpiresAt      time.Time    `gorm:"not null;index"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Pack) TableName() string { return "packs" }

// Active reports whether the pack can still be drawn from at t.
func (p *Pack) Active(t time.Time) bool {
	return p.Status == PackStatusActive && t.Before(p.ExpiresAt)
}

// Remaining returns unused credits for a category.
func (p *Pack) Remaining(category Category) int {
	switch category {
	case CategoryFullTest:
		return p.FullTestsTotal - p.FullTestsUsed
	case CategorySectionA:
		return p.SectionATotal - p.SectionAUsed
	case CategorySectionB:
		return p.SectionBTotal - p.SectionBUsed
	}
	return 0
}

type ProfileStatus string

const (
	ProfileStatusActive  ProfileStatus = "active"
	ProfileStatusExpired ProfileStatus = "expired"
)

// Profile is the per-user subscription record. The trial window is anchored
// at the first touch and never moves.
type Profile struct {
	UserID         snowflake.ID  `gorm:"primaryKey"`
	Status         ProfileStatus `gorm:"type:text;not null"`
	TrialStartedAt time.Time     `gorm:"not null"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Profile) TableName() string { return "users" }

// TrialActive reports whether t still falls inside the trial window.
func (p *Profile) TrialActive(t time.Time, window time.Duration) bool {
	return p.Status != ProfileStatusExpired && t.Before(p.TrialStartedAt.Add(window))
}
