package main

import (
    "bufio"
    "context"
    "errors"
    "fmt"
    "net"
    "net/http"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"
    "time"

    "github.com/google/uuid"
    redis "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "poolroute/internal/api"
    "poolroute/internal/buildinfo"
    "poolroute/internal/config"
    "poolroute/internal/distance"
    "poolroute/internal/jobs"
    "poolroute/internal/logging"
    "poolroute/internal/metrics"
    "poolroute/internal/opt"
    "poolroute/internal/planner"
    "poolroute/internal/store"
    "poolroute/internal/webhooks"
)

func main() {
    cfg, err := config.Load()
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(1)
    }
    log, err := logging.New(cfg.Log.Level, "poolroute-api")
    if err != nil {
        fmt.Fprintf(os.Stderr, "logger: %v\n", err)
        os.Exit(1)
    }
    defer func() { _ = log.Sync() }()
    if err := run(cfg, log); err != nil {
        log.Fatal("server exited", zap.Error(err))
    }
}

func run(cfg *config.Config, log *zap.Logger) error {
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    metrics.RegisterDefault()

    // Store
    var st store.Store
    if cfg.Database.DSN != "" {
        pg, err := store.NewPostgres(cfg.Database.DSN)
        if err != nil { return fmt.Errorf("postgres: %w", err) }
        defer func() { _ = pg.Close() }()
        if cfg.Database.Migrate {
            if err := pg.Migrate(ctx); err != nil { return fmt.Errorf("migrate: %w", err) }
        }
        st = pg
        log.Info("using postgres store")
    } else {
        st = store.NewMemory()
        log.Warn("DATABASE_URL not set; using in-memory store")
    }

    // Redis backs the distance cache and cross-instance job events when configured.
    var rdb *redis.Client
    if cfg.Redis.URL != "" {
        opts, err := redis.ParseURL(cfg.Redis.URL)
        if err != nil { return fmt.Errorf("redis url: %w", err) }
        rdb = redis.NewClient(opts)
        defer func() { _ = rdb.Close() }()
    }

    dist, err := distanceChain(ctx, cfg.Distance, rdb, log)
    if err != nil { return err }

    defaults := planner.DefaultsFromConfig(cfg.Optimizer)
    runs := opt.NewMetricsStore()
    svc := &planner.Service{Store: st, Distance: dist, Defaults: defaults, Runs: runs, Log: log}

    var queue jobs.Queue
    if cfg.AMQP.URL != "" {
        q, err := jobs.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.Jobs.Workers, log)
        if err != nil { return fmt.Errorf("amqp: %w", err) }
        defer func() { _ = q.Close() }()
        queue = q
        log.Info("job queue on amqp", zap.String("queue", cfg.AMQP.Queue))
    }
    runner := &jobs.Runner{Planner: svc, Store: st, Webhooks: webhooks.NewPublisher(st, log), Queue: queue, Workers: cfg.Jobs.Workers, QueueTimeout: cfg.Jobs.QueueTimeout, Log: log}

    var broker api.EventBroker
    if rdb != nil {
        broker = api.NewRedisBroker(rdb, log)
    }
    srv := api.NewServer(st, runner, runs, broker, defaults, log)
    runner.Events = srv.PublishJobEvent
    runner.Start(ctx)

    worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts, log)
    worker.Start()
    defer close(worker.Stop)

    httpSrv := &http.Server{
        Addr:              cfg.HTTP.Addr,
        Handler:           logMiddleware(log, srv.Handler()),
        ReadHeaderTimeout: 5 * time.Second,
    }
    errc := make(chan error, 1)
    go func() {
        log.Info("API listening", zap.String("addr", cfg.HTTP.Addr), zap.Any("build", buildinfo.Info()))
        if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            errc <- err
        }
        close(errc)
    }()

    select {
    case err := <-errc:
        return err
    case <-ctx.Done():
    }
    log.Info("shutting down")
    sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    return httpSrv.Shutdown(sctx)
}

// distanceChain builds cache -> (google -> haversine fallback) or plain haversine.
func distanceChain(ctx context.Context, c config.Distance, rdb *redis.Client, log *zap.Logger) (distance.Provider, error) {
    var inner distance.Provider = distance.Haversine{}
    if c.Provider == "google" {
        g, err := distance.NewGoogleProvider(distance.GoogleOptions{APIKey: c.GoogleAPIKey, RequestsPerSecond: c.RequestsPerSecond}, log)
        if err != nil { return nil, fmt.Errorf("google maps: %w", err) }
        inner = &distance.FallbackProvider{Primary: g, Fallback: distance.Haversine{}, Budget: c.LatencyBudget, Log: log}
    }
    var cache distance.Cache
    if rdb != nil {
        cache = distance.NewRedisCache(rdb, "poolroute:dist:")
    } else {
        mc := distance.NewMemoryCache()
        go mc.RunJanitor(ctx, c.CachePurge, log)
        cache = mc
    }
    log.Info("distance provider", zap.String("provider", c.Provider), zap.Bool("redis_cache", rdb != nil))
    return &distance.CachedProvider{Inner: inner, Cache: cache, TTL: c.CacheTTL, Precision: c.Precision, Log: log}, nil
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the middleware.
func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, errors.New("hijack not supported") }
    r.status = http.StatusSwitchingProtocols
    return h.Hijack()
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        reqID := r.Header.Get("X-Request-Id")
        if reqID == "" { reqID = uuid.NewString() }
        w.Header().Set("X-Request-Id", reqID)
        r = r.WithContext(logging.WithRequestID(r.Context(), reqID))
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        path := metricPath(r.URL.Path)
        code := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
        logging.For(r.Context(), log).Info("http request",
            zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", rec.status),
            zap.Duration("duration", dur), zap.String("remote", r.RemoteAddr))
    })
}

// metricPath collapses ids so label cardinality stays bounded.
func metricPath(p string) string {
    for _, prefix := range []string{"/v1/optimize/jobs/", "/v1/subscriptions/", "/v1/admin/webhook-deliveries/", "/v1/admin/webhook-dlq/"} {
        if strings.HasPrefix(p, prefix) && len(p) > len(prefix) {
            return prefix + "{id}"
        }
    }
    return p
}
