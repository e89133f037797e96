package opt

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"poolroute/internal/model"
)

// loadSolver charges an hour per stop so day loads are easy to reason about.
func loadSolver(calls *sync.Map) DaySolver {
	return func(_ context.Context, day model.Weekday, stops []model.Stop, _ int64) (Assembly, error) {
		n, _ := calls.LoadOrStore(day, new(int))
		*(n.(*int))++
		route := model.Route{TechnicianID: "t1", ServiceDay: day}
		for i, s := range stops {
			route.Stops = append(route.Stops, model.RouteStop{StopID: s.ID, Sequence: i + 1, ServiceMinutes: 60})
		}
		routes := []model.Route{route}
		return Assembly{Routes: routes, Unassigned: []model.Unassigned{}, Summary: model.Summarize(routes, 0, model.ModeCrossDay)}, nil
	}
}

func twiceWeekly(id string, locked bool) model.Stop {
	s := stopAt(id, 0, 0)
	s.ServiceDay = ""
	s.Locked = locked
	s.Cycle = &model.Cycle{Options: [][]model.Weekday{{model.Monday, model.Thursday}, {model.Tuesday, model.Friday}}}
	return s
}

func TestBalancerMovesRecurringStops(t *testing.T) {
	stops := []model.Stop{twiceWeekly("a-locked", true)}
	for i := 0; i < 4; i++ {
		stops = append(stops, twiceWeekly(fmt.Sprintf("c%d", i), false))
	}
	var calls sync.Map
	b := &Balancer{Solve: loadSolver(&calls)}
	res, err := b.Balance(context.Background(), nil, stops, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Moves) != 2 {
		t.Fatalf("want 2 moves, got %+v", res.Moves)
	}
	for _, mv := range res.Moves {
		if mv.StopID == "a-locked" {
			t.Fatal("locked stop moved")
		}
		if len(mv.To) != 2 || mv.To[0] != model.Tuesday {
			t.Fatalf("move %+v", mv)
		}
	}
	for _, s := range res.Stops {
		if s.ID == "a-locked" && s.Cycle.Position != 0 {
			t.Fatal("locked stop's pattern changed")
		}
	}
	if got := len(res.Days[model.Monday].Assembly.Routes[0].Stops); got != 3 {
		t.Fatalf("monday stops %d want 3", got)
	}
	if got := len(res.Days[model.Friday].Assembly.Routes[0].Stops); got != 2 {
		t.Fatalf("friday stops %d want 2", got)
	}
	if _, ok := calls.Load(model.Wednesday); ok {
		t.Fatal("empty wednesday should not be solved")
	}
	if stops[1].Cycle.Position != 0 {
		t.Fatal("input stops must not be mutated")
	}
}

func TestBalancerSkipsBalancedWeek(t *testing.T) {
	stops := []model.Stop{twiceWeekly("a", false)}
	other := twiceWeekly("b", false)
	other.Cycle.Position = 1
	stops = append(stops, other)
	var calls sync.Map
	b := &Balancer{Solve: loadSolver(&calls), Threshold: 0.15}
	res, err := b.Balance(context.Background(), []model.Weekday{model.Monday, model.Tuesday, model.Thursday, model.Friday}, stops, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rounds != 0 || len(res.Moves) != 0 || res.Spread != 0 {
		t.Fatalf("balanced week changed: %+v", res)
	}
}

func TestBalancerIgnoresDaysWithoutTechnicians(t *testing.T) {
	var calls sync.Map
	inner := loadSolver(&calls)
	solver := func(ctx context.Context, day model.Weekday, stops []model.Stop, seed int64) (Assembly, error) {
		if day == model.Tuesday || day == model.Friday {
			return Assembly{}, &EmptyInputError{What: "technicians", Day: day}
		}
		return inner(ctx, day, stops, seed)
	}
	stops := []model.Stop{twiceWeekly("a", false), twiceWeekly("b", false)}
	res, err := (&Balancer{Solve: solver}).Balance(context.Background(), []model.Weekday{model.Monday, model.Tuesday, model.Thursday, model.Friday}, stops, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Moves) != 0 {
		t.Fatalf("stops must not move to days nobody works: %+v", res.Moves)
	}
}

func TestSpreadIsRelativeToMeanLoad(t *testing.T) {
	day := func(minutes float64) DayOutcome {
		return DayOutcome{Assembly: Assembly{Summary: model.Summary{TotalDurationMinutes: minutes}}}
	}
	days := map[model.Weekday]DayOutcome{model.Monday: day(60), model.Tuesday: day(120), model.Wednesday: day(180)}
	// (180-60) / mean 120
	if got := spread([]model.Weekday{model.Monday, model.Tuesday, model.Wednesday}, days); got != 1 {
		t.Fatalf("spread %v want 1", got)
	}
	if got := spread([]model.Weekday{model.Monday}, days); got != 0 {
		t.Fatalf("a single day has no spread, got %v", got)
	}
}
