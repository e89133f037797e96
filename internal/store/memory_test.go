package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"poolroute/internal/model"
)

func TestMemoryStopsFilteredByDay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _ = m.UpsertStops(ctx, "org", []model.Stop{
		{ID: "b", ServiceDay: model.Monday},
		{ID: "a", Cycle: &model.Cycle{Options: [][]model.Weekday{{model.Monday, model.Thursday}}}},
		{ID: "c", ServiceDay: model.Tuesday},
	})
	got, _ := m.ListStops(ctx, "org", model.Monday)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("monday stops %+v", got)
	}
	all, _ := m.ListStops(ctx, "org", "")
	if len(all) != 3 {
		t.Fatalf("all stops %d", len(all))
	}
	if other, _ := m.ListStops(ctx, "other", ""); len(other) != 0 {
		t.Fatal("orgs must be isolated")
	}
}

func TestMemoryReplaceRoutes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first, _ := m.ReplaceRoutes(ctx, "org", model.Monday, []model.Route{{TechnicianID: "t1"}, {TechnicianID: "t2"}})
	if first[0].ID == "" || first[0].ServiceDay != model.Monday {
		t.Fatalf("route not stamped: %+v", first[0])
	}
	_, _ = m.ReplaceRoutes(ctx, "org", model.Tuesday, []model.Route{{TechnicianID: "t1"}})
	_, _ = m.ReplaceRoutes(ctx, "org", model.Monday, []model.Route{{TechnicianID: "t3"}})
	mon, _ := m.ListRoutes(ctx, "org", model.Monday)
	if len(mon) != 1 || mon[0].TechnicianID != "t3" {
		t.Fatalf("monday not replaced: %+v", mon)
	}
	all, _ := m.ListRoutes(ctx, "org", "")
	if len(all) != 2 || all[0].ServiceDay != model.Monday {
		t.Fatalf("week order: %+v", all)
	}
}

func TestMemorySubscriptions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, _ := m.CreateSubscription(ctx, model.SubscriptionRequest{OrgID: "org", URL: "http://a", Events: []string{"routes.optimized"}})
	_, _ = m.CreateSubscription(ctx, model.SubscriptionRequest{OrgID: "org", URL: "http://b", Events: []string{"*"}})
	subs, _ := m.GetSubscriptionsForEvent(ctx, "org", "optimization.failed")
	if len(subs) != 1 || subs[0].URL != "http://b" {
		t.Fatalf("wildcard match: %+v", subs)
	}
	page, next, _ := m.ListSubscriptions(ctx, "org", "", 1)
	if len(page) != 1 || next != a.ID {
		t.Fatalf("page %+v next %q", page, next)
	}
	if err := m.DeleteSubscription(ctx, "org", a.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteSubscription(ctx, "org", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryWebhookLifecycle(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	id, _ := m.EnqueueWebhook(ctx, "org", "sub", "routes.optimized", "http://x", "s", []byte(`{}`))
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due %+v", due)
	}
	next := now.Add(time.Minute)
	_ = m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 3)
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatal("retry scheduled in the future must not be due")
	}
	now = now.Add(2 * time.Minute)
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("retry due %+v", due)
	}
	_ = m.FailWebhookDelivery(ctx, id, "gave up", 500, 3)
	dlq, _, _ := m.ListWebhookDLQ(ctx, "org", "", 10)
	if len(dlq) != 1 || dlq[0]["deliveryId"] != id {
		t.Fatalf("dlq %+v", dlq)
	}
	if err := m.RequeueWebhookDLQ(ctx, "org", dlq[0]["id"].(string)); err != nil {
		t.Fatal(err)
	}
	if dlq, _, _ := m.ListWebhookDLQ(ctx, "org", "", 10); len(dlq) != 0 {
		t.Fatal("requeued entry should leave the DLQ")
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 1 || due[0].ID == id {
		t.Fatalf("requeue should create a fresh delivery: %+v", due)
	}
}

func TestMemoryPlanMetricsAndConfig(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SavePlanMetrics(ctx, model.PlanMetrics{OrgID: "org", ServiceDay: model.Monday, Mode: model.ModeRefine, Iterations: 10})
	_ = m.SavePlanMetrics(ctx, model.PlanMetrics{OrgID: "org", ServiceDay: model.Monday, Mode: model.ModeRefine, Iterations: 20})
	_ = m.SavePlanMetrics(ctx, model.PlanMetrics{OrgID: "org", ServiceDay: model.Tuesday, Mode: model.ModeRefine})
	mon, _ := m.ListPlanMetrics(ctx, "org", model.Monday)
	if len(mon) != 1 || mon[0].Iterations != 20 || mon[0].CreatedAt == "" {
		t.Fatalf("plan metrics %+v", mon)
	}
	cfg, err := m.GetOptimizerConfig(ctx, "org")
	if err != nil || cfg != nil {
		t.Fatalf("unset config should be nil, got %+v", cfg)
	}
	_ = m.SaveOptimizerConfig(ctx, "org", model.OptimizerSettings{AvgSpeedMph: 30})
	if cfg, _ := m.GetOptimizerConfig(ctx, "org"); cfg == nil || cfg.AvgSpeedMph != 30 {
		t.Fatalf("config %+v", cfg)
	}
}
