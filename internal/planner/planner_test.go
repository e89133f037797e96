package planner

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"poolroute/internal/distance"
	"poolroute/internal/model"
	"poolroute/internal/opt"
	"poolroute/internal/store"
)

var home = model.Coordinate{Lat: 33.45, Lng: -112.07}

func tech(id string) model.Technician {
	h := home
	return model.Technician{ID: id, ShiftStart: model.NewClock(8, 0), ShiftEnd: model.NewClock(17, 0), HomeBase: &h}
}

func stop(id string, day model.Weekday, dLat float64) model.Stop {
	loc := model.Coordinate{Lat: home.Lat + dLat, Lng: home.Lng}
	return model.Stop{ID: id, Location: &loc, ServiceMinutes: 30, ServiceDay: day}
}

func newService(st store.Store) *Service {
	d := DefaultsFromConfig(testOptimizer())
	d.Quick = opt.Options{TimeBudget: time.Minute, MaxIterations: 100, StallLimit: 50}
	return &Service{Store: st, Distance: distance.Haversine{}, Defaults: d, Runs: opt.NewMetricsStore()}
}

func seedStore(t *testing.T, stops []model.Stop, techs []model.Technician) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	if _, err := m.UpsertStops(context.Background(), "org", stops); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpsertTechnicians(context.Background(), "org", techs); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRunSingleDayFromStore(t *testing.T) {
	st := seedStore(t, []model.Stop{
		stop("s1", model.Monday, 0.01), stop("s2", model.Monday, 0.02), stop("s3", model.Monday, 0.03), stop("tue", model.Tuesday, 0.01),
	}, []model.Technician{tech("t1")})
	svc := newService(st)
	res, err := svc.Run(context.Background(), Request{OrgID: "org", JobID: "j1", OptimizeRequest: model.OptimizeRequest{Mode: model.ModeFullPerDay, ServiceDay: model.Monday, Seed: 3}})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Response
	if len(r.Routes) != 1 || r.Routes[0].TotalStops() != 3 || len(r.Unassigned) != 0 {
		t.Fatalf("response %+v", r)
	}
	if r.Summary.Mode != model.ModeFullPerDay || r.Seed != 3 {
		t.Fatalf("summary %+v seed %d", r.Summary, r.Seed)
	}
	if len(res.Routes[model.Monday]) != 1 {
		t.Fatal("monday routes not staged for persistence")
	}
	pm, _ := st.ListPlanMetrics(context.Background(), "org", model.Monday)
	if len(pm) != 1 || pm[0].JobID != "j1" || pm[0].MatrixSource != distance.SourceHaversine || pm[0].Stops != 3 {
		t.Fatalf("plan metrics %+v", pm)
	}
	if recs := svc.Runs.Get("org", model.Monday); len(recs) != 1 {
		t.Fatalf("run records %+v", recs)
	}
}

func TestRunRejectsEmptyInputs(t *testing.T) {
	svc := newService(seedStore(t, []model.Stop{stop("s1", model.Monday, 0.01)}, nil))
	_, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}})
	var empty *opt.EmptyInputError
	if !errors.As(err, &empty) || empty.What != "technicians" {
		t.Fatalf("want technicians error, got %v", err)
	}

	_, err = svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: model.OptimizeRequest{Mode: model.ModeRefine}})
	if err == nil {
		t.Fatal("serviceDay is required outside cross_day")
	}
}

func TestRunSpeedPrecedence(t *testing.T) {
	st := seedStore(t, []model.Stop{stop("s1", model.Monday, 0.1)}, []model.Technician{tech("t1")})
	_ = st.SaveOptimizerConfig(context.Background(), "org", model.OptimizerSettings{AvgSpeedMph: 60})
	svc := newService(st)

	drive := func(req model.OptimizeRequest) float64 {
		res, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: req})
		if err != nil {
			t.Fatal(err)
		}
		return res.Response.Routes[0].Stops[0].DriveFromPrevious
	}
	miles := distance.HaversineMiles(home, model.Coordinate{Lat: home.Lat + 0.1, Lng: home.Lng})
	if got, want := drive(model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday}), miles; math.Abs(got-want) > 0.01 {
		t.Fatalf("org speed: drive %.2f want %.2f", got, want)
	}
	if got, want := drive(model.OptimizeRequest{Mode: model.ModeRefine, ServiceDay: model.Monday, AvgSpeedMph: 30}), miles*2; math.Abs(got-want) > 0.01 {
		t.Fatalf("request speed: drive %.2f want %.2f", got, want)
	}
}

func TestRunInlineSnapshotAndTechFilter(t *testing.T) {
	svc := newService(store.NewMemory())
	req := model.OptimizeRequest{
		Mode: model.ModeFullPerDay, ServiceDay: model.Monday, TechIDs: []string{"t2"},
		Stops:       []model.Stop{stop("a", model.Monday, 0.01), stop("b", model.Monday, -0.01)},
		Technicians: []model.Technician{tech("t1"), tech("t2")},
	}
	res, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: req})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res.Response.Routes {
		if r.TechnicianID != "t2" {
			t.Fatalf("filtered technician used: %s", r.TechnicianID)
		}
	}
}

func TestRunCrossDay(t *testing.T) {
	recurring := func(id string) model.Stop {
		s := stop(id, "", 0.02)
		s.Cycle = &model.Cycle{Options: [][]model.Weekday{{model.Monday, model.Thursday}, {model.Tuesday, model.Friday}}}
		return s
	}
	stops := []model.Stop{recurring("c1"), recurring("c2"), recurring("c3"), recurring("c4"), stop("w1", model.Wednesday, 0.01)}
	st := seedStore(t, stops, []model.Technician{tech("t1")})
	svc := newService(st)
	res, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: model.OptimizeRequest{Mode: model.ModeCrossDay, Seed: 5}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Response.Days) != 5 {
		t.Fatalf("want every horizon day reported, got %d", len(res.Response.Days))
	}
	if len(res.Response.Moves) == 0 || len(res.Moved) != len(res.Response.Moves) {
		t.Fatalf("moves %+v moved %d", res.Response.Moves, len(res.Moved))
	}
	if res.Response.Summary.Mode != model.ModeCrossDay {
		t.Fatal("summary mode")
	}
	visits := 0
	for _, r := range res.Response.Routes {
		visits += r.TotalStops()
	}
	if visits != 9 {
		t.Fatalf("4 twice-weekly stops and 1 weekly stop make 9 visits, got %d", visits)
	}
	if _, ok := res.Routes[model.Tuesday]; !ok {
		t.Fatal("tuesday should be solved after balancing")
	}
}

func TestRunReportsStopsWithoutADay(t *testing.T) {
	svc := newService(store.NewMemory())
	loose := stop("loose", "", 0.02)
	req := model.OptimizeRequest{
		Mode: model.ModeFullPerDay, ServiceDay: model.Monday, Seed: 1,
		Stops:       []model.Stop{stop("a", model.Monday, 0.01), loose, stop("tue", model.Tuesday, 0.01)},
		Technicians: []model.Technician{tech("t1")},
	}
	res, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: req})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Response
	if len(r.Unassigned) != 1 || r.Unassigned[0].StopID != "loose" || r.Unassigned[0].Reason != model.ReasonNotScheduledThisDay {
		t.Fatalf("unassigned %+v", r.Unassigned)
	}
	if r.Summary.TotalStops != 1 || r.Summary.UnassignedCount != 1 {
		t.Fatalf("summary %+v", r.Summary)
	}
}

func TestRunCrossDayReportsStopsOutsideHorizon(t *testing.T) {
	stops := []model.Stop{stop("mon", model.Monday, 0.01), stop("tue", model.Tuesday, 0.01), stop("sat", model.Saturday, 0.01)}
	svc := newService(seedStore(t, stops, []model.Technician{tech("t1")}))
	res, err := svc.Run(context.Background(), Request{OrgID: "org", OptimizeRequest: model.OptimizeRequest{Mode: model.ModeCrossDay}})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Response
	if len(r.Unassigned) != 1 || r.Unassigned[0].StopID != "sat" || r.Unassigned[0].Reason != model.ReasonNotScheduledThisDay {
		t.Fatalf("unassigned %+v", r.Unassigned)
	}
	if !strings.Contains(r.Unassigned[0].Detail, "saturday") {
		t.Fatalf("detail %q", r.Unassigned[0].Detail)
	}
	if r.Summary.TotalStops+r.Summary.UnassignedCount != len(stops) {
		t.Fatalf("every stop must be accounted for: %+v", r.Summary)
	}
	if r.Days[model.Monday].Seed == 0 || r.Days[model.Tuesday].Seed == 0 {
		t.Fatalf("unseeded days should echo their derived seed: %+v", r.Days)
	}
}
