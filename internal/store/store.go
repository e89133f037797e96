package store

import (
    "context"
    "errors"
    "time"

    "poolroute/internal/model"
)

// Store is the persistence interface used by the API server, the planner and the job runner.
type Store interface {
    // Stops & technicians
    UpsertStops(ctx context.Context, orgID string, stops []model.Stop) (int, error)
    // ListStops returns the org's stops visited on day, or all stops when day is empty.
    ListStops(ctx context.Context, orgID string, day model.Weekday) ([]model.Stop, error)
    UpsertTechnicians(ctx context.Context, orgID string, techs []model.Technician) (int, error)
    ListTechnicians(ctx context.Context, orgID string) ([]model.Technician, error)

    // Routes. ReplaceRoutes swaps the whole day's route set or leaves it untouched.
    ReplaceRoutes(ctx context.Context, orgID string, day model.Weekday, routes []model.Route) ([]model.Route, error)
    ListRoutes(ctx context.Context, orgID string, day model.Weekday) ([]model.Route, error)

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, orgID, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, orgID, id string) error
    ListWebhookDLQ(ctx context.Context, orgID, cursor string, limit int) ([]map[string]any, string, error)
    RequeueWebhookDLQ(ctx context.Context, orgID, id string) error

    // Plan metrics, one record per (org, day, mode)
    SavePlanMetrics(ctx context.Context, m model.PlanMetrics) error
    ListPlanMetrics(ctx context.Context, orgID string, day model.Weekday) ([]model.PlanMetrics, error)

    // Optimizer settings per org; nil when never saved
    GetOptimizerConfig(ctx context.Context, orgID string) (*model.OptimizerSettings, error)
    SaveOptimizerConfig(ctx context.Context, orgID string, cfg model.OptimizerSettings) error

    Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
