package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/lingora/internal/billing/domain"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/lingora/internal/entitlement/service"
	"github.com/smallbiznis/lingora/internal/migration"
	usageservice "github.com/smallbiznis/lingora/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	clock        *clock.FakeClock
	node         *snowflake.Node
	svc          domain.Service
	entitlements entitlementdomain.Service
}

func newFixture(t *testing.T) *fixture {
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
	cfg := config.Config{Entitlement: config.EntitlementConfig{TrialDays: 3, DailyLimit: 1}}

	usage := usageservice.New(usageservice.Params{DB: conn, Log: log, Clock: fakeClock, GenID: node})
	entitlements := entitlementservice.New(entitlementservice.Params{
		DB: conn, Log: log, Clock: fakeClock, GenID: node, Config: cfg, Usage: usage,
	})
	svc := New(Params{
		DB: conn, Log: log, Clock: fakeClock, GenID: node, Entitlements: entitlements,
	})
	return &fixture{db: conn, clock: fakeClock, node: node, svc: svc, entitlements: entitlements}
}

func purchaseEvent(id string, userID snowflake.ID, kind string) domain.IncomingEvent {
	return domain.IncomingEvent{
		ID:      id,
		Type:    domain.EventTypeCheckoutCompleted,
		Payload: []byte(fmt.Sprintf(`{"user_id":%q,"pack_kind":%q}`, userID.String(), kind)),
	}
}

func TestHandleEvent_AppliesPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	err := f.svc.HandleEvent(ctx, "stripe", purchaseEvent("evt_1", userID, "starter"))
	assert.NoError(t, err)

	var pack entitlementdomain.Pack
	assert.NoError(t, f.db.Where("user_id = ?", userID).First(&pack).Error)
	assert.Equal(t, entitlementdomain.PackKindStarter, pack.Kind)
	assert.Equal(t, 2, pack.FullTestsTotal)

	var event domain.WebhookEvent
	assert.NoError(t, f.db.Where("provider = ? AND event_id = ?", "stripe", "evt_1").First(&event).Error)
	assert.NotNil(t, event.ProcessedAt)
	assert.Empty(t, event.Error)
}

func TestHandleEvent_ReplayAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	assert.NoError(t, f.svc.HandleEvent(ctx, "stripe", purchaseEvent("evt_1", userID, "starter")))

	var first entitlementdomain.Pack
	assert.NoError(t, f.db.Where("user_id = ?", userID).First(&first).Error)

	// Spend a credit, then replay. A re-applied purchase would reset usage
	// and swap the row.
	f.clock.Advance(4 * 24 * time.Hour)
	_, err := f.entitlements.Consume(ctx, f.db, userID, entitlementdomain.CategorySectionA)
	assert.NoError(t, err)

	assert.NoError(t, f.svc.HandleEvent(ctx, "stripe", purchaseEvent("evt_1", userID, "starter")))

	var after entitlementdomain.Pack
	assert.NoError(t, f.db.Where("user_id = ?", userID).First(&after).Error)
	assert.Equal(t, first.ID, after.ID)
	assert.Equal(t, 1, after.SectionAUsed)
}

func TestHandleEvent_SameIDDifferentProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	// Event ids are only unique per provider.
	assert.NoError(t, f.svc.HandleEvent(ctx, "stripe", purchaseEvent("evt_1", userID, "starter")))
	assert.NoError(t, f.svc.HandleEvent(ctx, "paddle", purchaseEvent("evt_1", userID, "exam_ready")))

	var pack entitlementdomain.Pack
	assert.NoError(t, f.db.Where("user_id = ?", userID).First(&pack).Error)
	assert.Equal(t, entitlementdomain.PackKindExamReady, pack.Kind)

	var count int64
	f.db.Model(&domain.WebhookEvent{}).Where("event_id = ?", "evt_1").Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestHandleEvent_MissingID(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleEvent(context.Background(), "stripe", domain.IncomingEvent{Type: domain.EventTypeCheckoutCompleted})
	assert.ErrorIs(t, err, domain.ErrMissingEventID)
}

func TestHandleEvent_UnknownTypeIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleEvent(ctx, "stripe", domain.IncomingEvent{
		ID:      "evt_9",
		Type:    "invoice.voided",
		Payload: []byte(`{}`),
	})
	assert.NoError(t, err)

	// Recorded and marked processed so a redelivery is a replay, not a retry.
	var event domain.WebhookEvent
	assert.NoError(t, f.db.Where("event_id = ?", "evt_9").First(&event).Error)
	assert.NotNil(t, event.ProcessedAt)

	var count int64
	f.db.Model(&entitlementdomain.Pack{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestHandleEvent_BusinessFailureRecordedAndAcked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleEvent(ctx, "stripe", domain.IncomingEvent{
		ID:      "evt_bad",
		Type:    domain.EventTypeCheckoutCompleted,
		Payload: []byte(`{"user_id":"not-a-snowflake","pack_kind":"starter"}`),
	})
	assert.NoError(t, err, "business failures ack; redelivery would fail identically")

	var event domain.WebhookEvent
	assert.NoError(t, f.db.Where("event_id = ?", "evt_bad").First(&event).Error)
	assert.Nil(t, event.ProcessedAt)
	assert.NotEmpty(t, event.Error)

	var count int64
	f.db.Model(&entitlementdomain.Pack{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestHandleEvent_UnknownPackKindRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	err := f.svc.HandleEvent(ctx, "stripe", purchaseEvent("evt_kind", userID, "mega_bundle"))
	assert.NoError(t, err)

	var event domain.WebhookEvent
	assert.NoError(t, f.db.Where("event_id = ?", "evt_kind").First(&event).Error)
	assert.Equal(t, entitlementdomain.ErrUnknownPackKind.Error(), event.Error)
}
