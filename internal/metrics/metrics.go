package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // OptimizationRuns counts finished runs by mode and outcome (succeeded, failed, cancelled)
    OptimizationRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "optimization_runs_total", Help: "Optimization runs by mode and outcome."},
        []string{"mode", "outcome"},
    )
    // OptimizationDuration is wall-clock run time in seconds
    OptimizationDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "optimization_run_duration_seconds", Help: "Optimization run duration in seconds.", Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180}},
        []string{"mode", "speed"},
    )
    // UnassignedStops counts stops left out of routes by reason
    UnassignedStops = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "unassigned_stops_total", Help: "Stops left unassigned by reason."},
        []string{"reason"},
    )
    // SoftViolations counts arrivals past a window's latest bound detected after solving
    SoftViolations = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "route_soft_violations_total", Help: "Route stops flagged with a soft time-window violation."},
    )
    // DistanceLookups counts matrix cells by where they came from (cache, provider, fallback)
    DistanceLookups = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "distance_lookups_total", Help: "Distance matrix cells by source."},
        []string{"source"},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(OptimizationRuns)
        Registry.MustRegister(OptimizationDuration)
        Registry.MustRegister(UnassignedStops)
        Registry.MustRegister(SoftViolations)
        Registry.MustRegister(DistanceLookups)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
