package api

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "strconv"
    "strings"
    "time"

    "go.uber.org/zap"

    "poolroute/internal/buildinfo"
    "poolroute/internal/integrations/csvstops"
    "poolroute/internal/logging"
    "poolroute/internal/model"
    "poolroute/internal/planner"
)

func queryLimit(r *http.Request) int {
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { limit = n }
    }
    if limit > 500 { limit = 500 }
    return limit
}

// queryDay parses ?day=; ok is false after a 400 has been written.
func queryDay(w http.ResponseWriter, r *http.Request, required bool) (model.Weekday, bool) {
    v := r.URL.Query().Get("day")
    if v == "" {
        if required { writeProblem(w, http.StatusBadRequest, "Missing day", "day query parameter is required", r.URL.Path); return "", false }
        return "", true
    }
    d, err := model.ParseWeekday(v)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid day", err.Error(), r.URL.Path); return "", false }
    return d, true
}

// StopsHandler handles POST/GET /v1/stops
func (s *Server) StopsHandler(w http.ResponseWriter, r *http.Request) {
    ctx, org := s.withOrg(r)
    switch r.Method {
    case http.MethodPost:
        var req struct {
            Stops []model.Stop `json:"stops" validate:"required,min=1,dive"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := s.validate.Struct(req); err != nil { invalid(w, r, "Invalid stops", err); return }
        if err := checkStops(req.Stops); err != nil { invalid(w, r, "Invalid stops", err); return }
        n, err := s.Store.UpsertStops(ctx, org, req.Stops)
        if err != nil { writeError(w, r, "Save stops failed", err); return }
        writeJSON(w, http.StatusOK, map[string]int{"upserted": n})
    case http.MethodGet:
        day, ok := queryDay(w, r, false)
        if !ok { return }
        items, err := s.Store.ListStops(ctx, org, day)
        if err != nil { writeError(w, r, "List stops failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// StopsImportHandler handles POST /v1/stops/import with a text/csv body.
func (s *Server) StopsImportHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    ctx, org := s.withOrg(r)
    src := csvstops.Adapter{R: http.MaxBytesReader(w, r.Body, 10<<20)}
    batch, err := src.FetchStops(ctx)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid CSV", err.Error(), r.URL.Path); return }
    if err := checkStops(batch.Stops); err != nil { invalid(w, r, "Invalid stops", err); return }
    n := 0
    if len(batch.Stops) > 0 {
        if n, err = s.Store.UpsertStops(ctx, org, batch.Stops); err != nil { writeError(w, r, "Save stops failed", err); return }
    }
    logging.For(ctx, s.Log).Info("stops imported", zap.String("org_id", org), zap.String("source", src.Name()),
        zap.Int("upserted", n), zap.Int("rejected", len(batch.Rejected)))
    writeJSON(w, http.StatusOK, map[string]any{"upserted": n, "rejected": batch.Rejected})
}

func checkStops(stops []model.Stop) error {
    seen := map[string]bool{}
    for i, st := range stops {
        if st.ID == "" { return errors.New("stops[" + strconv.Itoa(i) + "].id is required") }
        if seen[st.ID] { return errors.New("duplicate stop id " + st.ID) }
        seen[st.ID] = true
        if st.ServiceDay != "" && !st.ServiceDay.Valid() { return errors.New("stop " + st.ID + ": invalid serviceDay") }
        for _, d := range st.EligibleDays {
            if !d.Valid() { return errors.New("stop " + st.ID + ": invalid eligible day " + string(d)) }
        }
        if st.Cycle != nil {
            for _, opt := range st.Cycle.Options {
                if len(opt) != st.Cycle.Frequency() { return errors.New("stop " + st.ID + ": cycle patterns must visit the same number of days") }
                for _, d := range opt {
                    if !d.Valid() { return errors.New("stop " + st.ID + ": invalid cycle day " + string(d)) }
                }
            }
        }
        if len(st.VisitDays()) == 0 { return errors.New("stop " + st.ID + ": needs serviceDay, eligibleDays or cycle") }
    }
    return nil
}

// TechniciansHandler handles POST/GET /v1/technicians
func (s *Server) TechniciansHandler(w http.ResponseWriter, r *http.Request) {
    ctx, org := s.withOrg(r)
    switch r.Method {
    case http.MethodPost:
        var req struct {
            Technicians []model.Technician `json:"technicians" validate:"required,min=1,dive"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := s.validate.Struct(req); err != nil { invalid(w, r, "Invalid technicians", err); return }
        for i, t := range req.Technicians {
            if t.ID == "" { invalid(w, r, "Invalid technicians", errors.New("technicians["+strconv.Itoa(i)+"].id is required")); return }
            if t.ShiftEnd <= t.ShiftStart { invalid(w, r, "Invalid technicians", errors.New("technician "+t.ID+": shiftEnd must be after shiftStart")); return }
        }
        n, err := s.Store.UpsertTechnicians(ctx, org, req.Technicians)
        if err != nil { writeError(w, r, "Save technicians failed", err); return }
        writeJSON(w, http.StatusOK, map[string]int{"upserted": n})
    case http.MethodGet:
        items, err := s.Store.ListTechnicians(ctx, org)
        if err != nil { writeError(w, r, "List technicians failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// RoutesIndexHandler handles GET /v1/routes?day=
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    day, ok := queryDay(w, r, true)
    if !ok { return }
    ctx, org := s.withOrg(r)
    routes, err := s.Store.ListRoutes(ctx, org, day)
    if err != nil { writeError(w, r, "List routes failed", err); return }
    writeJSON(w, http.StatusOK, map[string]any{"serviceDay": day, "routes": routes, "summary": model.Summarize(routes, 0, "")})
}

// AdminOptimizerConfigHandler handles GET/PUT /v1/admin/optimizer/config
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
    ctx, org := s.withOrg(r)
    switch r.Method {
    case http.MethodGet:
        cfg, err := s.Store.GetOptimizerConfig(ctx, org)
        if err != nil { writeError(w, r, "Load config failed", err); return }
        if cfg == nil { cfg = &model.OptimizerSettings{} }
        d := s.Defaults
        writeJSON(w, http.StatusOK, map[string]any{
            "config": cfg,
            "defaults": map[string]any{
                "weights":            d.Weights,
                "avgSpeedMph":        d.AvgSpeedMph,
                "imbalanceThreshold": d.ImbalanceThreshold,
                "speed":              model.SpeedQuick,
            },
        })
    case http.MethodPut:
        var body struct {
            Config *model.OptimizerSettings `json:"config" validate:"required"`
        }
        if err := json.NewDecoder(r.Body).Decode(&body); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if err := s.validate.Struct(body); err != nil { invalid(w, r, "Invalid config", err); return }
        if err := s.Store.SaveOptimizerConfig(ctx, org, *body.Config); err != nil { writeError(w, r, "Save failed", err); return }
        logging.For(ctx, s.Log).Info("optimizer config saved", zap.String("org_id", org))
        writeJSON(w, 200, map[string]any{"ok": true, "config": body.Config})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// CyclesAdvanceHandler handles POST /v1/admin/cycles/advance: the weekly rollover of rotating patterns.
func (s *Server) CyclesAdvanceHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    ctx, org := s.withOrg(r)
    moved, err := planner.AdvanceCycles(ctx, s.Store, org)
    if err != nil { writeError(w, r, "Advance cycles failed", err); return }
    items := make([]map[string]any, 0, len(moved))
    for _, st := range moved {
        items = append(items, map[string]any{"stopId": st.ID, "position": st.Cycle.Position, "visitDays": st.Cycle.VisitDays()})
    }
    logging.For(ctx, s.Log).Info("cycles advanced", zap.String("org_id", org), zap.Int("stops", len(moved)))
    writeJSON(w, http.StatusOK, map[string]any{"advanced": len(moved), "items": items})
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?day=
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    day, ok := queryDay(w, r, false)
    if !ok { return }
    ctx, org := s.withOrg(r)
    items, err := s.Store.ListPlanMetrics(ctx, org, day)
    if err != nil { writeError(w, r, "List plan metrics failed", err); return }
    resp := map[string]any{"items": items}
    if s.Runs != nil { resp["recent"] = s.Runs.Get(org, day) }
    writeJSON(w, http.StatusOK, resp)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    ctx, org := s.withOrg(r)
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := s.validate.Struct(req); err != nil { invalid(w, r, "Invalid subscription", err); return }
        req.OrgID = org
        sub, err := s.Store.CreateSubscription(ctx, req)
        if err != nil { writeError(w, r, "Create subscription failed", err); return }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        items, next, err := s.Store.ListSubscriptions(ctx, org, r.URL.Query().Get("cursor"), queryLimit(r))
        if err != nil { writeError(w, r, "List subscriptions failed", err); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if id == "" || strings.Contains(id, "/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    ctx, org := s.withOrg(r)
    if err := s.Store.DeleteSubscription(ctx, org, id); err != nil { writeError(w, r, "Delete subscription failed", err); return }
    w.WriteHeader(204)
}

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    ctx, org := s.withOrg(r)
    items, next, err := s.Store.ListWebhookDeliveries(ctx, org, r.URL.Query().Get("status"), r.URL.Query().Get("cursor"), queryLimit(r))
    if err != nil { writeError(w, r, "List deliveries failed", err); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    ctx, org := s.withOrg(r)
    if err := s.Store.RetryWebhookDelivery(ctx, org, id); err != nil { writeError(w, r, "Retry delivery failed", err); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// WebhookDLQHandler handles GET /v1/admin/webhook-dlq and POST /v1/admin/webhook-dlq/{id}/requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
    ctx, org := s.withOrg(r)
    if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
        items, next, err := s.Store.ListWebhookDLQ(ctx, org, r.URL.Query().Get("cursor"), queryLimit(r))
        if err != nil { writeError(w, r, "List DLQ failed", err); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
        return
    }
    if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
        id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
        if err := s.Store.RequeueWebhookDLQ(ctx, org, id); err != nil { writeError(w, r, "Requeue failed", err); return }
        writeJSON(w, 202, map[string]int{"accepted": 1})
        return
    }
    writeProblem(w, 404, "Not Found", "", r.URL.Path)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
