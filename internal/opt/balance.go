package opt

import (
	"context"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolroute/internal/logging"
	"poolroute/internal/model"
)

// DaySolver solves one day of a horizon. Balance calls it concurrently for different days.
type DaySolver func(ctx context.Context, day model.Weekday, stops []model.Stop, seed int64) (Assembly, error)

// Balancer solves every day of a horizon and then evens out load by moving recurring
// customers to an alternate day pattern between rounds. Locked stops never move.
type Balancer struct {
	Solve DaySolver
	// Threshold is the tolerated relative spread (max-min)/mean of per-day route minutes.
	Threshold float64
	MaxRounds int
	Log       *zap.Logger
}

type DayOutcome struct {
	Stops    []model.Stop
	Assembly Assembly
	Err      error
}

type BalanceResult struct {
	Days   map[model.Weekday]DayOutcome
	Moves  []model.DayMove
	Rounds int
	Spread float64
	// Stops is the final stop set with moved customers' new patterns applied.
	Stops []model.Stop
}

const (
	DefaultImbalanceThreshold = 0.15
	DefaultBalanceRounds      = 3
)

func (b *Balancer) Balance(ctx context.Context, horizon []model.Weekday, stops []model.Stop, seed int64) (*BalanceResult, error) {
	if b.Solve == nil {
		return nil, errors.New("opt: balancer has no day solver")
	}
	if len(horizon) == 0 {
		horizon = model.WorkWeek
	}
	threshold := b.Threshold
	if threshold <= 0 {
		threshold = DefaultImbalanceThreshold
	}
	rounds := b.MaxRounds
	if rounds <= 0 {
		rounds = DefaultBalanceRounds
	}
	log := logging.For(ctx, b.Log)

	working := append([]model.Stop(nil), stops...)
	days := b.solveDays(ctx, horizon, horizon, working, seed, nil)
	res := &BalanceResult{Days: days, Spread: spread(horizon, days)}

	for res.Rounds < rounds && res.Spread > threshold && ctx.Err() == nil {
		heavy, light, ok := extremes(horizon, days)
		if !ok {
			break
		}
		moved, moves, affected := proposeMoves(horizon, working, days, heavy, light)
		if len(moves) == 0 {
			log.Debug("no movable recurring stops", zap.String("heavy", string(heavy)), zap.String("light", string(light)))
			break
		}
		res.Rounds++
		trial := b.solveDays(ctx, horizon, affected, moved, seed, days)
		next := spread(horizon, trial)
		if next >= res.Spread-eps || unassignedCount(trial) > unassignedCount(days) {
			log.Info("balance round rejected", zap.Int("round", res.Rounds),
				zap.Float64("spread", res.Spread), zap.Float64("trial_spread", next))
			break
		}
		log.Info("balance round accepted", zap.Int("round", res.Rounds), zap.Int("moves", len(moves)),
			zap.Float64("spread_before", res.Spread), zap.Float64("spread_after", next))
		working, days = moved, trial
		res.Days, res.Spread = trial, next
		res.Moves = append(res.Moves, moves...)
	}
	res.Stops = working
	return res, nil
}

func daySeed(seed int64, d model.Weekday) int64 {
	if seed == 0 {
		return 0
	}
	return seed + int64(d.Index()+1)
}

// solveDays re-solves the days in which and copies the rest from prev.
func (b *Balancer) solveDays(ctx context.Context, horizon, which []model.Weekday, stops []model.Stop, seed int64, prev map[model.Weekday]DayOutcome) map[model.Weekday]DayOutcome {
	out := make(map[model.Weekday]DayOutcome, len(horizon))
	for d, o := range prev {
		out[d] = o
	}
	results := make([]DayOutcome, len(which))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range which {
		dayStops := model.StopsForDay(stops, d)
		results[i] = DayOutcome{Stops: dayStops, Assembly: Assembly{Routes: []model.Route{}, Unassigned: []model.Unassigned{}}}
		if len(dayStops) == 0 {
			continue
		}
		g.Go(func() error {
			a, err := b.Solve(gctx, d, dayStops, daySeed(seed, d))
			results[i].Assembly, results[i].Err = a, err
			return nil
		})
	}
	_ = g.Wait()
	for i, d := range which {
		out[d] = results[i]
	}
	return out
}

// balanceable excludes days that could not be solved, like days nobody works.
func balanceable(o DayOutcome) bool {
	var empty *EmptyInputError
	if errors.As(o.Err, &empty) && empty.What == "technicians" {
		return false
	}
	return o.Err == nil || len(o.Stops) == 0
}

func load(o DayOutcome) float64 { return o.Assembly.Summary.TotalDurationMinutes }

func spread(horizon []model.Weekday, days map[model.Weekday]DayOutcome) float64 {
	lo, hi, sum, n := math.MaxFloat64, 0.0, 0.0, 0
	for _, d := range horizon {
		o, ok := days[d]
		if !ok || !balanceable(o) {
			continue
		}
		l := load(o)
		lo, hi = math.Min(lo, l), math.Max(hi, l)
		sum += l
		n++
	}
	if n < 2 || sum == 0 {
		return 0
	}
	return (hi - lo) / (sum / float64(n))
}

func extremes(horizon []model.Weekday, days map[model.Weekday]DayOutcome) (heavy, light model.Weekday, ok bool) {
	hi, lo := -1.0, math.MaxFloat64
	for _, d := range horizon {
		o, found := days[d]
		if !found || !balanceable(o) {
			continue
		}
		if l := load(o); l > hi {
			hi, heavy = l, d
		}
		if l := load(o); l < lo {
			lo, light = l, d
		}
	}
	return heavy, light, heavy != "" && light != "" && heavy != light
}

func unassignedCount(days map[model.Weekday]DayOutcome) int {
	n := 0
	for _, o := range days {
		n += len(o.Assembly.Unassigned)
		if o.Err != nil {
			n += len(o.Stops)
		}
	}
	return n
}

// proposeMoves shifts enough movable stops from heavy to light to close about half the gap.
// It returns the new stop set, the moves, and every day whose stop set changed.
func proposeMoves(horizon []model.Weekday, stops []model.Stop, days map[model.Weekday]DayOutcome, heavy, light model.Weekday) ([]model.Stop, []model.DayMove, []model.Weekday) {
	hd := days[heavy]
	perStop := 0.0
	if n := hd.Assembly.Summary.TotalStops; n > 0 {
		perStop = load(hd) / float64(n)
	}
	want := 1
	if perStop > 0 {
		want = max(1, int((load(hd)-load(days[light]))/2/perStop))
	}

	idx := make([]int, len(stops))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return stops[idx[a]].ID < stops[idx[b]].ID })

	out := append([]model.Stop(nil), stops...)
	var moves []model.DayMove
	touched := map[model.Weekday]bool{}
	for _, i := range idx {
		if len(moves) >= want {
			break
		}
		s := stops[i]
		if s.Locked || !s.ScheduledOn(heavy) || s.ScheduledOn(light) {
			continue
		}
		moved, ok := moveStop(s, heavy, light, horizon)
		if !ok {
			continue
		}
		from, to := s.VisitDays(), moved.VisitDays()
		out[i] = moved
		moves = append(moves, model.DayMove{StopID: s.ID, From: from, To: to})
		for _, d := range append(from, to...) {
			touched[d] = true
		}
	}
	var affected []model.Weekday
	for _, d := range horizon {
		if touched[d] {
			affected = append(affected, d)
		}
	}
	return out, moves, affected
}

// moveStop picks an alternate pattern that visits light instead of heavy.
func moveStop(s model.Stop, heavy, light model.Weekday, horizon []model.Weekday) (model.Stop, bool) {
	if s.Cycle != nil && len(s.Cycle.Options) > 1 {
		cur := s.Cycle.VisitDays()
		for p, opt := range s.Cycle.Options {
			if sameDays(opt, cur) || !hasDay(opt, light) || hasDay(opt, heavy) || !allIn(opt, horizon) {
				continue
			}
			c := *s.Cycle
			c.Position = p
			s.Cycle = &c
			return s, true
		}
		return s, false
	}
	if s.Cycle == nil && hasDay(s.Eligible(), light) {
		s.ServiceDay = light
		s.EligibleDays = append([]model.Weekday(nil), s.Eligible()...)
		return s, true
	}
	return s, false
}

func hasDay(days []model.Weekday, d model.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func allIn(days, horizon []model.Weekday) bool {
	for _, d := range days {
		if !hasDay(horizon, d) {
			return false
		}
	}
	return true
}

func sameDays(a, b []model.Weekday) bool {
	if len(a) != len(b) {
		return false
	}
	for _, d := range a {
		if !hasDay(b, d) {
			return false
		}
	}
	return true
}
