package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "poolroute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu     sync.Mutex
    stops  map[string]map[string]model.Stop         // org -> stop id -> stop
    techs  map[string]map[string]model.Technician   // org -> technician id -> technician
    routes map[string]map[model.Weekday][]model.Route // org -> day -> routes
    subs   map[string][]model.Subscription          // org -> subscriptions
    // Webhooks queue state
    deliveries map[string]*memDelivery              // id -> delivery state
    deliveryIDs []string                            // insertion order
    dlq    []memDLQ
    planMx map[string][]model.PlanMetrics           // org -> records
    optCfg map[string]model.OptimizerSettings       // org -> settings
    now    func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        stops: map[string]map[string]model.Stop{},
        techs: map[string]map[string]model.Technician{},
        routes: map[string]map[model.Weekday][]model.Route{},
        subs: map[string][]model.Subscription{},
        deliveries: map[string]*memDelivery{},
        planMx: map[string][]model.PlanMetrics{},
        optCfg: map[string]model.OptimizerSettings{},
        now: time.Now,
    }
}

// memDelivery augments WebhookDelivery with attempt bookkeeping
type memDelivery struct {
    WebhookDelivery
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

type memDLQ struct {
    ID           string
    Delivery     WebhookDelivery
    LastError    string
    ResponseCode int
    LatencyMs    int
    CreatedAt    time.Time
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) UpsertStops(ctx context.Context, orgID string, stops []model.Stop) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.stops[orgID] == nil { m.stops[orgID] = map[string]model.Stop{} }
    for _, s := range stops {
        if s.ID == "" { s.ID = uuid.New().String() }
        m.stops[orgID][s.ID] = s
    }
    return len(stops), nil
}

func (m *Memory) ListStops(ctx context.Context, orgID string, day model.Weekday) ([]model.Stop, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Stop{}
    for _, s := range m.stops[orgID] {
        if day == "" || s.ScheduledOn(day) { out = append(out, s) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (m *Memory) UpsertTechnicians(ctx context.Context, orgID string, techs []model.Technician) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.techs[orgID] == nil { m.techs[orgID] = map[string]model.Technician{} }
    for _, t := range techs {
        if t.ID == "" { t.ID = uuid.New().String() }
        m.techs[orgID][t.ID] = t
    }
    return len(techs), nil
}

func (m *Memory) ListTechnicians(ctx context.Context, orgID string) ([]model.Technician, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Technician{}
    for _, t := range m.techs[orgID] { out = append(out, t) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (m *Memory) ReplaceRoutes(ctx context.Context, orgID string, day model.Weekday, routes []model.Route) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    saved := make([]model.Route, len(routes))
    for i, r := range routes {
        r.ID = uuid.New().String()
        r.ServiceDay = day
        r.Stops = append([]model.RouteStop(nil), r.Stops...)
        saved[i] = r
    }
    if m.routes[orgID] == nil { m.routes[orgID] = map[model.Weekday][]model.Route{} }
    m.routes[orgID][day] = saved
    return append([]model.Route(nil), saved...), nil
}

func (m *Memory) ListRoutes(ctx context.Context, orgID string, day model.Weekday) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Route{}
    for _, d := range model.Week {
        if day != "" && d != day { continue }
        out = append(out, m.routes[orgID][d]...)
    }
    return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), OrgID: req.OrgID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.OrgID] = append(m.subs[req.OrgID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[orgID] {
        for _, e := range s.Events { if e == eventType || e == "*" { out = append(out, s); break } }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    list := m.subs[orgID]
    start := 0
    if cursor != "" {
        for i := range list { if list[i].ID == cursor { start = i+1; break } }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(list) { end = len(list) }
    items := append([]model.Subscription{}, list[start:end]...)
    next := ""
    if end < len(list) { next = list[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, orgID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[orgID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr { if s.ID != id { out = append(out, s) } }
    if len(out) == len(arr) { return ErrNotFound }
    m.subs[orgID] = out
    return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, OrgID: orgID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending, NextAttemptAt: m.now()}}
    m.deliveries[id] = d
    m.deliveryIDs = append(m.deliveryIDs, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := m.now()
    out := []WebhookDelivery{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = DeliveryDelivered
        now := m.now()
        d.DeliveredAt = &now
    } else {
        d.Status = DeliveryRetry
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = m.now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Status = DeliveryFailed
    d.Attempts++
    d.LastError = lastError
    m.dlq = append(m.dlq, memDLQ{ID: uuid.New().String(), Delivery: d.WebhookDelivery, LastError: lastError, ResponseCode: responseCode, LatencyMs: latencyMs, CreatedAt: m.now()})
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if d == nil || d.OrgID != orgID { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.OrgID != orgID { return ErrNotFound }
    d.Status = DeliveryPending
    d.NextAttemptAt = m.now()
    return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, orgID, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, e := range m.dlq {
        if e.Delivery.OrgID != orgID { continue }
        out = append(out, map[string]any{"id": e.ID, "deliveryId": e.Delivery.ID, "eventType": e.Delivery.EventType, "url": e.Delivery.URL,
            "lastError": e.LastError, "attempts": e.Delivery.Attempts, "createdAt": e.CreatedAt, "responseCode": e.ResponseCode, "latencyMs": e.LatencyMs})
    }
    return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, orgID, id string) error {
    m.mu.Lock()
    idx := -1
    for i, e := range m.dlq { if e.ID == id && e.Delivery.OrgID == orgID { idx = i; break } }
    if idx < 0 { m.mu.Unlock(); return ErrNotFound }
    d := m.dlq[idx].Delivery
    m.dlq = append(m.dlq[:idx], m.dlq[idx+1:]...)
    m.mu.Unlock()
    _, err := m.EnqueueWebhook(ctx, orgID, d.SubscriptionID, d.EventType, d.URL, d.Secret, d.Payload)
    return err
}

func (m *Memory) SavePlanMetrics(ctx context.Context, pm model.PlanMetrics) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if pm.CreatedAt == "" { pm.CreatedAt = m.now().UTC().Format(time.RFC3339) }
    items := m.planMx[pm.OrgID]
    for i := range items {
        if items[i].ServiceDay == pm.ServiceDay && items[i].Mode == pm.Mode { items[i] = pm; return nil }
    }
    m.planMx[pm.OrgID] = append(items, pm)
    return nil
}

func (m *Memory) ListPlanMetrics(ctx context.Context, orgID string, day model.Weekday) ([]model.PlanMetrics, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.PlanMetrics{}
    for _, it := range m.planMx[orgID] { if day == "" || it.ServiceDay == day { out = append(out, it) } }
    return out, nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context, orgID string) (*model.OptimizerSettings, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if cfg, ok := m.optCfg[orgID]; ok { return &cfg, nil }
    return nil, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, orgID string, cfg model.OptimizerSettings) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.optCfg[orgID] = cfg
    return nil
}
