package store

import (
    "context"
    "crypto/sha256"
    "database/sql"
    "embed"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "poolroute/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
    entries, err := migrations.ReadDir("migrations")
    if err != nil { return err }
    names := make([]string, 0, len(entries))
    for _, e := range entries { names = append(names, e.Name()) }
    sort.Strings(names)
    for _, n := range names {
        b, err := migrations.ReadFile("migrations/" + n)
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil { return fmt.Errorf("migrate %s: %w", n, err) }
    }
    return nil
}

// Stops & technicians are stored as JSON documents keyed by (org_id, id).
func (p *Postgres) UpsertStops(ctx context.Context, orgID string, stops []model.Stop) (int, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return 0, err }
    defer func(){ _ = tx.Rollback() }()
    for _, s := range stops {
        if s.ID == "" { s.ID = uuid.New().String() }
        js, err := json.Marshal(s)
        if err != nil { return 0, err }
        _, err = tx.ExecContext(ctx, `INSERT INTO stops (org_id, id, service_day, locked, data, updated_at) VALUES ($1,$2,$3,$4,$5,now())
            ON CONFLICT (org_id, id) DO UPDATE SET service_day=$3, locked=$4, data=$5, updated_at=now()`, orgID, s.ID, nullIfEmpty(string(s.ServiceDay)), s.Locked, js)
        if err != nil { return 0, err }
    }
    if err := tx.Commit(); err != nil { return 0, err }
    return len(stops), nil
}

func (p *Postgres) ListStops(ctx context.Context, orgID string, day model.Weekday) ([]model.Stop, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT data FROM stops WHERE org_id=$1 ORDER BY id`, orgID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Stop{}
    for rows.Next() {
        var js []byte
        if err := rows.Scan(&js); err != nil { return nil, err }
        var s model.Stop
        if err := json.Unmarshal(js, &s); err != nil { return nil, fmt.Errorf("decode stop: %w", err) }
        // Recurring patterns live inside the document, so the day filter runs here.
        if day == "" || s.ScheduledOn(day) { out = append(out, s) }
    }
    return out, rows.Err()
}

func (p *Postgres) UpsertTechnicians(ctx context.Context, orgID string, techs []model.Technician) (int, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return 0, err }
    defer func(){ _ = tx.Rollback() }()
    for _, t := range techs {
        if t.ID == "" { t.ID = uuid.New().String() }
        js, err := json.Marshal(t)
        if err != nil { return 0, err }
        _, err = tx.ExecContext(ctx, `INSERT INTO technicians (org_id, id, active, data, updated_at) VALUES ($1,$2,$3,$4,now())
            ON CONFLICT (org_id, id) DO UPDATE SET active=$3, data=$4, updated_at=now()`, orgID, t.ID, t.IsActive(), js)
        if err != nil { return 0, err }
    }
    if err := tx.Commit(); err != nil { return 0, err }
    return len(techs), nil
}

func (p *Postgres) ListTechnicians(ctx context.Context, orgID string) ([]model.Technician, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT data FROM technicians WHERE org_id=$1 ORDER BY id`, orgID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Technician{}
    for rows.Next() {
        var js []byte
        if err := rows.Scan(&js); err != nil { return nil, err }
        var t model.Technician
        if err := json.Unmarshal(js, &t); err != nil { return nil, fmt.Errorf("decode technician: %w", err) }
        out = append(out, t)
    }
    return out, rows.Err()
}

// ReplaceRoutes deletes the day's routes and inserts the new set in one transaction.
func (p *Postgres) ReplaceRoutes(ctx context.Context, orgID string, day model.Weekday, routes []model.Route) ([]model.Route, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return nil, err }
    defer func(){ _ = tx.Rollback() }()
    // Serialize writers for the same org/day.
    if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orgID+"/"+string(day)); err != nil { return nil, err }
    if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE org_id=$1 AND service_day=$2`, orgID, string(day)); err != nil { return nil, err }
    saved := make([]model.Route, len(routes))
    for i, r := range routes {
        r.ID = uuid.New().String()
        r.ServiceDay = day
        var ret any
        if r.Return != nil {
            b, _ := json.Marshal(r.Return)
            ret = b
        }
        _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, org_id, service_day, technician_id, start_minute, return_leg, total_stops, total_distance_miles, total_duration_minutes)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, r.ID, orgID, string(day), r.TechnicianID, int(r.StartTime), ret, r.TotalStops(), r.TotalDistanceMiles(), r.TotalDurationMinutes())
        if err != nil { return nil, err }
        for _, s := range r.Stops {
            _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (route_id, seq, stop_id, arrival_minute, wait_minutes, service_minutes, drive_minutes, distance_miles, soft_violation)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, r.ID, s.Sequence, s.StopID, int(s.EstimatedArrival), s.WaitMinutes, s.ServiceMinutes, s.DriveFromPrevious, s.MilesFromPrevious, s.SoftViolation)
            if err != nil { return nil, err }
        }
        saved[i] = r
    }
    if err := tx.Commit(); err != nil { return nil, err }
    return saved, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, orgID string, day model.Weekday) ([]model.Route, error) {
    q := `SELECT r.id::text, r.service_day, r.technician_id, r.start_minute, r.return_leg,
            s.seq, s.stop_id, s.arrival_minute, s.wait_minutes, s.service_minutes, s.drive_minutes, s.distance_miles, s.soft_violation
          FROM routes r JOIN route_stops s ON s.route_id = r.id WHERE r.org_id=$1`
    args := []any{orgID}
    if day != "" { q += ` AND r.service_day=$2`; args = append(args, string(day)) }
    q += ` ORDER BY r.service_day, r.technician_id, r.id, s.seq`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Route{}
    for rows.Next() {
        var id, sd, tech string
        var start int
        var ret []byte
        var s model.RouteStop
        var arrival int
        if err := rows.Scan(&id, &sd, &tech, &start, &ret, &s.Sequence, &s.StopID, &arrival, &s.WaitMinutes, &s.ServiceMinutes, &s.DriveFromPrevious, &s.MilesFromPrevious, &s.SoftViolation); err != nil { return nil, err }
        s.EstimatedArrival = model.Clock(arrival)
        if len(out) == 0 || out[len(out)-1].ID != id {
            r := model.Route{ID: id, ServiceDay: model.Weekday(sd), TechnicianID: tech, StartTime: model.Clock(start)}
            if len(ret) > 0 {
                var leg model.Leg
                if err := json.Unmarshal(ret, &leg); err == nil { r.Return = &leg }
            }
            out = append(out, r)
        }
        out[len(out)-1].Stops = append(out[len(out)-1].Stops, s)
    }
    // Week order rather than alphabetical.
    sort.SliceStable(out, func(i, j int) bool { return out[i].ServiceDay.Index() < out[j].ServiceDay.Index() })
    return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, org_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.OrgID, req.URL, ev, req.Secret)
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, OrgID: req.OrgID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE org_id=$1 AND (events @> $2::jsonb OR events @> '["*"]'::jsonb)`, orgID, fmt.Sprintf("[%q]", eventType))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
        s.OrgID = orgID
        _ = json.Unmarshal(events, &s.Events)
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE org_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, orgID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE org_id=$1 ORDER BY id LIMIT $2`, orgID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Subscription{}
    var last string
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
        s.OrgID = orgID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, orgID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE org_id=$1 AND id::text=$2`, orgID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, org_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (org_id, event_type, url, dedup_key) DO NOTHING`, id, orgID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, org_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.OrgID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`, nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    _, err = tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    if err != nil { return err }
    // move to DLQ
    _, err = tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, org_id, delivery_id, subscription_id, event_type, url, secret, payload, attempts, last_error, response_code, latency_ms)
        SELECT gen_random_uuid(), org_id, id, subscription_id, event_type, url, secret, payload, attempts, $2, $3, $4 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    if err != nil { return err }
    return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE org_id=$1`
    args := []any{orgID}
    if status != "" { args = append(args, status); q += fmt.Sprintf(` AND status=$%d`, len(args)) }
    if cursor != "" { args = append(args, cursor); q += fmt.Sprintf(` AND id::text > $%d`, len(args)) }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, lastErr, url string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
        m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { m["lastError"] = lastErr }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE org_id=$1 AND id::text=$2`, orgID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, orgID, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, delivery_id::text, event_type, url, COALESCE(last_error,''), attempts, created_at, COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_dlq WHERE org_id=$1`
    args := []any{orgID}
    if cursor != "" { args = append(args, cursor); q += fmt.Sprintf(` AND id::text > $%d`, len(args)) }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, delID, et, url, errStr string
        var attempts, code, latency int
        var created time.Time
        if err := rows.Scan(&id, &delID, &et, &url, &errStr, &attempts, &created, &code, &latency); err != nil { return nil, "", err }
        out = append(out, map[string]any{"id": id, "deliveryId": delID, "eventType": et, "url": url, "lastError": errStr, "attempts": attempts, "createdAt": created, "responseCode": code, "latencyMs": latency})
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, orgID, id string) error {
    var subID, et, url, secret string
    var payload []byte
    err := p.db.QueryRowContext(ctx, `SELECT COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload FROM webhook_dlq WHERE org_id=$1 AND id::text=$2`, orgID, id).Scan(&subID, &et, &url, &secret, &payload)
    if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
    if err != nil { return err }
    // The original delivery row still holds the dedup key, so free it first.
    if _, err := p.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE org_id=$1 AND id=(SELECT delivery_id FROM webhook_dlq WHERE org_id=$1 AND id::text=$2)`, orgID, id); err != nil { return err }
    if _, err := p.EnqueueWebhook(ctx, orgID, subID, et, url, secret, payload); err != nil { return err }
    _, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE org_id=$1 AND id::text=$2`, orgID, id)
    return err
}

func (p *Postgres) SavePlanMetrics(ctx context.Context, m model.PlanMetrics) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO plan_metrics (id, org_id, service_day, mode, job_id, seed, iterations, improvements, accepted_worse, initial_cost, best_cost, stop_reason, elapsed_ms, matrix_source, routes, stops, unassigned, distance_miles, duration_minutes)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
        ON CONFLICT (org_id, service_day, mode) DO UPDATE SET
          job_id=$5, seed=$6, iterations=$7, improvements=$8, accepted_worse=$9, initial_cost=$10, best_cost=$11, stop_reason=$12, elapsed_ms=$13, matrix_source=$14,
          routes=$15, stops=$16, unassigned=$17, distance_miles=$18, duration_minutes=$19, created_at=now()`,
        uuid.New().String(), m.OrgID, string(m.ServiceDay), string(m.Mode), nullIfEmpty(m.JobID), m.Seed, m.Iterations, m.Improvements, m.AcceptedWorse,
        m.InitialCost, m.BestCost, m.StopReason, m.ElapsedMs, nullIfEmpty(m.MatrixSource), m.Routes, m.Stops, m.Unassigned, m.DistanceMiles, m.DurationMinutes,
    )
    return err
}

func (p *Postgres) ListPlanMetrics(ctx context.Context, orgID string, day model.Weekday) ([]model.PlanMetrics, error) {
    q := `SELECT service_day, mode, COALESCE(job_id,''), seed, iterations, improvements, accepted_worse, initial_cost, best_cost, stop_reason, elapsed_ms, COALESCE(matrix_source,''), routes, stops, unassigned, distance_miles, duration_minutes, created_at
        FROM plan_metrics WHERE org_id=$1`
    args := []any{orgID}
    if day != "" { q += ` AND service_day=$2`; args = append(args, string(day)) }
    rows, err := p.db.QueryContext(ctx, q+` ORDER BY service_day, mode`, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.PlanMetrics{}
    for rows.Next() {
        m := model.PlanMetrics{OrgID: orgID}
        var sd, mode string
        var created time.Time
        if err := rows.Scan(&sd, &mode, &m.JobID, &m.Seed, &m.Iterations, &m.Improvements, &m.AcceptedWorse, &m.InitialCost, &m.BestCost, &m.StopReason, &m.ElapsedMs, &m.MatrixSource, &m.Routes, &m.Stops, &m.Unassigned, &m.DistanceMiles, &m.DurationMinutes, &created); err != nil { return nil, err }
        m.ServiceDay, m.Mode = model.Weekday(sd), model.Mode(mode)
        m.CreatedAt = created.UTC().Format(time.RFC3339)
        out = append(out, m)
    }
    return out, rows.Err()
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context, orgID string) (*model.OptimizerSettings, error) {
    row := p.db.QueryRowContext(ctx, `SELECT config FROM optimizer_config WHERE org_id=$1`, orgID)
    var js []byte
    if err := row.Scan(&js); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return nil, nil }
        return nil, err
    }
    var cfg model.OptimizerSettings
    if err := json.Unmarshal(js, &cfg); err != nil { return nil, err }
    return &cfg, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, orgID string, cfg model.OptimizerSettings) error {
    js, err := json.Marshal(cfg)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO optimizer_config (org_id, config, updated_at) VALUES ($1, $2, now())
        ON CONFLICT (org_id) DO UPDATE SET config=$2, updated_at=now()`, orgID, js)
    return err
}

func computeDedupKey(payload []byte) string {
    // try to parse JSON and use id
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" {
            return v
        }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
