package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"poolroute/internal/model"
	"poolroute/internal/opt"
	"poolroute/internal/planner"
	"poolroute/internal/store"
	"poolroute/internal/webhooks"
)

type planFunc func(ctx context.Context, req planner.Request) (*planner.Result, error)

func (f planFunc) Run(ctx context.Context, req planner.Request) (*planner.Result, error) { return f(ctx, req) }

func oneRoute(req planner.Request) *planner.Result {
	routes := []model.Route{{TechnicianID: "t1", ServiceDay: req.ServiceDay, Stops: []model.RouteStop{{StopID: "s1", Sequence: 1}}}}
	return &planner.Result{
		Response: model.OptimizeResponse{Routes: routes, Summary: model.Summarize(routes, 0, req.Mode), Unassigned: []model.Unassigned{}},
		Routes:   map[model.Weekday][]model.Route{req.ServiceDay: routes},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) record(_, typ string, _ map[string]any) {
	e.mu.Lock()
	e.events = append(e.events, typ)
	e.mu.Unlock()
}

func (e *eventLog) has(typ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, x := range e.events {
		if x == typ {
			return true
		}
	}
	return false
}

func newRunner(t *testing.T, p Planner) (*Runner, *store.Memory, *eventLog) {
	t.Helper()
	st := store.NewMemory()
	ev := &eventLog{}
	r := &Runner{Planner: p, Store: st, Webhooks: webhooks.NewPublisher(st, nil), Events: ev.record, Workers: 2}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)
	return r, st, ev
}

func wait(t *testing.T, r *Runner, org, id string) model.JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := r.Wait(ctx, org, id)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRunnerPersistsAndNotifies(t *testing.T) {
	r, st, ev := newRunner(t, planFunc(func(_ context.Context, req planner.Request) (*planner.Result, error) { return oneRoute(req), nil }))
	_, _ = st.CreateSubscription(context.Background(), model.SubscriptionRequest{OrgID: "org", URL: "http://hook", Events: []string{webhooks.EventRoutesOptimized}})

	job, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday})
	if err != nil {
		t.Fatal(err)
	}
	if job.State != model.JobQueued {
		t.Fatalf("state %s", job.State)
	}
	done := wait(t, r, "org", job.ID)
	if done.State != model.JobSucceeded || done.Result == nil || done.FinishedAt == "" {
		t.Fatalf("status %+v", done)
	}
	if len(done.Result.Routes) != 1 || done.Result.Routes[0].ID == "" {
		t.Fatalf("result should carry persisted route ids: %+v", done.Result.Routes)
	}
	saved, _ := st.ListRoutes(context.Background(), "org", model.Monday)
	if len(saved) != 1 || saved[0].ID != done.Result.Routes[0].ID {
		t.Fatalf("saved %+v", saved)
	}
	due, _ := st.FetchDueWebhookDeliveries(context.Background(), 10)
	if len(due) != 1 || due[0].EventType != webhooks.EventRoutesOptimized {
		t.Fatalf("webhooks %+v", due)
	}
	for _, typ := range []string{"job.queued", "job.running", "job.succeeded"} {
		if !ev.has(typ) {
			t.Fatalf("missing event %s in %v", typ, ev.events)
		}
	}
}

func TestRunnerSerializesOrgDay(t *testing.T) {
	release := make(chan struct{})
	r, _, _ := newRunner(t, planFunc(func(_ context.Context, req planner.Request) (*planner.Result, error) {
		<-release
		return oneRoute(req), nil
	}))
	ctx := context.Background()
	first, err := r.Submit(ctx, "org", model.OptimizeRequest{Mode: model.ModeFullPerDay, ServiceDay: model.Monday})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit(ctx, "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}); !errors.Is(err, ErrBusy) {
		t.Fatalf("same day: want ErrBusy, got %v", err)
	}
	if _, err := r.Submit(ctx, "org", model.OptimizeRequest{Mode: model.ModeCrossDay}); !errors.Is(err, ErrBusy) {
		t.Fatalf("cross-day overlaps every day: got %v", err)
	}
	other, err := r.Submit(ctx, "other", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday})
	if err != nil {
		t.Fatalf("other org must not be blocked: %v", err)
	}
	close(release)
	wait(t, r, "org", first.ID)
	wait(t, r, "other", other.ID)
	if _, err := r.Submit(ctx, "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}); err != nil {
		t.Fatalf("lock should be released: %v", err)
	}
}

func TestRunnerCrossDayBlocksDays(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r, _, _ := newRunner(t, planFunc(func(_ context.Context, req planner.Request) (*planner.Result, error) {
		<-release
		return &planner.Result{}, nil
	}))
	if _, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeCrossDay}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Friday}); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
}

func TestRunnerCancelRunningKeepsBestSoFar(t *testing.T) {
	started := make(chan struct{})
	r, st, _ := newRunner(t, planFunc(func(ctx context.Context, req planner.Request) (*planner.Result, error) {
		close(started)
		<-ctx.Done()
		return oneRoute(req), nil
	}))
	job, _ := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Tuesday})
	<-started
	if _, err := r.Cancel("org", job.ID); err != nil {
		t.Fatal(err)
	}
	done := wait(t, r, "org", job.ID)
	if done.State != model.JobCancelled || done.Result == nil {
		t.Fatalf("status %+v", done)
	}
	if saved, _ := st.ListRoutes(context.Background(), "org", model.Tuesday); len(saved) != 1 {
		t.Fatal("best-so-far routes should be saved")
	}
}

func TestRunnerCancelQueued(t *testing.T) {
	// Not started: jobs stay queued.
	r := &Runner{Planner: planFunc(func(context.Context, planner.Request) (*planner.Result, error) {
		t.Fatal("cancelled job must not run")
		return nil, nil
	})}
	job, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday})
	if err != nil {
		t.Fatal(err)
	}
	st, err := r.Cancel("org", job.ID)
	if err != nil || st.State != model.JobCancelled {
		t.Fatalf("cancel %+v %v", st, err)
	}
	if _, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}); err != nil {
		t.Fatalf("lock should be released: %v", err)
	}
	if err := r.execute(context.Background(), Task{JobID: job.ID, OrgID: "org", Request: model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}}); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerFailureIsClassified(t *testing.T) {
	r, st, _ := newRunner(t, planFunc(func(context.Context, planner.Request) (*planner.Result, error) {
		return nil, &opt.InfeasibleError{Day: model.Monday, Class: opt.ClassWorkingHours, Detail: "x"}
	}))
	_, _ = st.CreateSubscription(context.Background(), model.SubscriptionRequest{OrgID: "org", URL: "http://hook", Events: []string{"*"}})
	job, _ := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday})
	done := wait(t, r, "org", job.ID)
	if done.State != model.JobFailed || done.ErrorClass != ClassInfeasible || done.Error == "" {
		t.Fatalf("status %+v", done)
	}
	due, _ := st.FetchDueWebhookDeliveries(context.Background(), 10)
	if len(due) != 1 || due[0].EventType != webhooks.EventOptimizationFailed {
		t.Fatalf("webhooks %+v", due)
	}
}

func TestRunnerUnknownJob(t *testing.T) {
	r, _, _ := newRunner(t, planFunc(func(_ context.Context, req planner.Request) (*planner.Result, error) { return oneRoute(req), nil }))
	job, _ := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday})
	if _, err := r.Status("intruder", job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("other org must not see the job: %v", err)
	}
	if _, err := r.Cancel("org", "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("got %v", err)
	}
}

func TestRunnerRejectsInvalidRequests(t *testing.T) {
	r := &Runner{}
	if _, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: "fast"}); err == nil {
		t.Fatal("unknown mode")
	}
	if _, err := r.Submit(context.Background(), "org", model.OptimizeRequest{Mode: model.ModeRefine}); err == nil {
		t.Fatal("missing day")
	}
}

func TestChanQueueFull(t *testing.T) {
	q := NewChanQueue(1)
	if err := q.Enqueue(context.Background(), Task{JobID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), Task{JobID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestRunnerGivesUpJobsAdoptedElsewhere(t *testing.T) {
	q := NewChanQueue(0)
	plan := planFunc(func(_ context.Context, req planner.Request) (*planner.Result, error) { return oneRoute(req), nil })
	clock := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	// a only submits; b shares its queue and runs everything.
	a := &Runner{Planner: plan, Queue: q, QueueTimeout: 10 * time.Minute, now: func() time.Time { return clock }}
	b := &Runner{Planner: plan, Store: store.NewMemory(), Queue: q}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)

	req := model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}
	job, err := a.Submit(ctx, "org", req)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := b.Status("org", job.ID)
		if err == nil && st.State == model.JobSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("adopting instance never finished: %+v %v", st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := a.Submit(ctx, "org", req); !errors.Is(err, ErrBusy) {
		t.Fatalf("lock is held until the queue timeout: %v", err)
	}

	clock = clock.Add(11 * time.Minute)
	st, err := a.Status("org", job.ID)
	if err != nil || st.State != model.JobFailed || st.FinishedAt == "" {
		t.Fatalf("stale queued job should be given up: %+v %v", st, err)
	}
	if _, err := a.Submit(ctx, "org", req); err != nil {
		t.Fatalf("lock should be released after the queue timeout: %v", err)
	}
}

func TestRunnerRefusesAdoptionWhileBusy(t *testing.T) {
	r := &Runner{Planner: planFunc(func(context.Context, planner.Request) (*planner.Result, error) {
		t.Fatal("refused task must not run")
		return nil, nil
	})}
	req := model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}
	if _, err := r.Submit(context.Background(), "org", req); err != nil {
		t.Fatal(err)
	}
	err := r.execute(context.Background(), Task{JobID: "remote", OrgID: "org", Request: req})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy so the broker requeues, got %v", err)
	}
	if _, err := r.Status("org", "remote"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("refused task must not be tracked: %v", err)
	}
}
