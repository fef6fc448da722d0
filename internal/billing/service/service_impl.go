package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/billing/domain"
	"github.com/smallbiznis/lingora/internal/clock"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"github.com/smallbiznis/lingora/internal/observability/metrics"
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
	Entitlements entitlementdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	entitlements entitlementdomain.Service
	metrics      *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.service"),
		clock:        p.Clock,
		genID:        p.GenID,
		entitlements: p.Entitlements,
		metrics:      p.Metrics,
	}
}

// HandleEvent records the event before applying it, so two concurrent
// deliveries race on the unique index rather than on the business effect.
// Replays of a processed event return success without touching anything.
func (s *Service) HandleEvent(ctx context.Context, provider string, event domain.IncomingEvent) error {
	if event.ID == "" {
		return domain.ErrMissingEventID
	}

	now := s.clock.Now().UTC()
	payload := datatypes.JSON(event.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON([]byte(`{}`))
	}

	row := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventID:    event.ID,
		Type:       event.Type,
		Payload:    payload,
		ReceivedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return err
	}

	stored, err := s.findEvent(ctx, provider, event.ID)
	if err != nil {
		return err
	}
	if stored.ProcessedAt != nil {
		s.metrics.IncWebhookEvent("replayed")
		s.log.Info("webhook replay ignored",
			zap.String("provider", provider),
			zap.String("event_id", event.ID),
		)
		return nil
	}

	applyErr := s.apply(ctx, event)
	if applyErr != nil {
		// Record the failure for operator investigation; the caller still
		// acks so the provider stops redelivering.
		s.metrics.IncWebhookEvent("failed")
		s.log.Error("webhook event failed",
			zap.String("provider", provider),
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Error(applyErr),
		)
		return s.db.WithContext(ctx).Model(&domain.WebhookEvent{}).
			Where("id = ?", stored.ID).
			Update("error", applyErr.Error()).Error
	}

	s.metrics.IncWebhookEvent("processed")
	return s.db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ?", stored.ID).
		Updates(map[string]any{"processed_at": now, "error": ""}).Error
}

func (s *Service) apply(ctx context.Context, event domain.IncomingEvent) error {
	switch event.Type {
	case domain.EventTypeCheckoutCompleted:
		return s.applyPurchase(ctx, event)
	default:
		s.log.Info("webhook type ignored", zap.String("type", event.Type))
		return nil
	}
}

func (s *Service) applyPurchase(ctx context.Context, event domain.IncomingEvent) error {
	var purchase domain.PurchasePayload
	if err := json.Unmarshal(event.Payload, &purchase); err != nil {
		return fmt.Errorf("decode purchase payload: %w", err)
	}
	userID, err := snowflake.ParseString(purchase.UserID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.entitlements.ReplacePack(ctx, tx, userID, entitlementdomain.PackKind(purchase.PackKind))
		return err
	})
}

func (s *Service) findEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	var stored domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&stored).Error
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
