// Package api implements the HTTP surface of the route optimizer.
package api

import (
    "context"
    "net/http"

    "github.com/go-playground/validator/v10"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "poolroute/internal/jobs"
    "poolroute/internal/logging"
    "poolroute/internal/metrics"
    "poolroute/internal/opt"
    "poolroute/internal/planner"
    "poolroute/internal/store"
)

const defaultOrg = "org_demo"

type Server struct {
    Store    store.Store
    Jobs     *jobs.Runner
    Runs     *opt.MetricsStore
    Broker   EventBroker
    Defaults planner.Defaults
    Log      *zap.Logger
    validate *validator.Validate
}

// NewServer wires a Server. A nil broker means the in-memory broker.
func NewServer(st store.Store, runner *jobs.Runner, runs *opt.MetricsStore, broker EventBroker, defaults planner.Defaults, log *zap.Logger) *Server {
    if broker == nil { broker = NewBroker() }
    return &Server{Store: st, Jobs: runner, Runs: runs, Broker: broker, Defaults: defaults, Log: logging.OrNop(log), validate: newValidator()}
}

// PublishJobEvent forwards runner events to stream subscribers. It matches jobs.EventFunc.
func (s *Server) PublishJobEvent(jobID, eventType string, data map[string]any) {
    s.Broker.Publish(jobID, SSEEvent{Type: eventType, Data: data})
}

func (s *Server) withOrg(r *http.Request) (context.Context, string) {
    org := r.Header.Get("X-Org-Id")
    if org == "" { org = defaultOrg }
    ctx := context.WithValue(r.Context(), ctxKeyOrg{}, org)
    return ctx, org
}

type ctxKeyOrg struct{}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()

    // Optimization
    mux.HandleFunc("/v1/optimize", s.OptimizeHandler)
    mux.HandleFunc("/v1/optimize/jobs/", s.JobByIDHandler) // includes /events and /ws

    // Inputs and results
    mux.HandleFunc("/v1/stops", s.StopsHandler)
    mux.HandleFunc("/v1/stops/import", s.StopsImportHandler)
    mux.HandleFunc("/v1/technicians", s.TechniciansHandler)
    mux.HandleFunc("/v1/routes", s.RoutesIndexHandler)

    // Subscriptions
    mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

    // Admin
    mux.HandleFunc("/v1/admin/optimizer/config", s.AdminOptimizerConfigHandler)
    mux.HandleFunc("/v1/admin/plan-metrics", s.PlanMetricsHandler)
    mux.HandleFunc("/v1/admin/cycles/advance", s.CyclesAdvanceHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq", s.WebhookDLQHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq/", s.WebhookDLQHandler)
    mux.HandleFunc("/v1/admin/debug", s.DebugJSON)

    // Health
    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
    return mux
}
