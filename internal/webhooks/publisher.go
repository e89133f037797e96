package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/store"
)

// Event types emitted by the job runner.
const (
	EventRoutesOptimized    = "routes.optimized"
	EventOptimizationFailed = "optimization.failed"
)

type Publisher struct {
	Store store.Store
	Log   *zap.Logger
	now   func() time.Time
}

func NewPublisher(s store.Store, log *zap.Logger) *Publisher {
	return &Publisher{Store: s, Log: logging.OrNop(log), now: time.Now}
}

// Emit queues one delivery per subscription of the org that listens to eventType.
// It returns the number of deliveries queued.
func (p *Publisher) Emit(ctx context.Context, orgID, eventType string, data any) int {
	log := logging.For(ctx, p.Log)
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, orgID, eventType)
	if err != nil {
		log.Warn("load subscriptions failed", zap.String("org_id", orgID), zap.String("event_type", eventType), zap.Error(err))
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	payload := map[string]any{
		"id":    "evt_" + uuid.New().String(),
		"type":  eventType,
		"orgId": orgID,
		"ts":    now().UTC().Format(time.RFC3339),
		"data":  data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("encode webhook payload", zap.String("event_type", eventType), zap.Error(err))
		return 0
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, orgID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Warn("enqueue webhook failed", zap.String("subscription_id", s.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
