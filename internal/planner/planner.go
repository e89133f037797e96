// Package planner runs one optimization request end to end: load inputs, build the
// constraint model, fetch travel data, search, and assemble routes.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"poolroute/internal/config"
	"poolroute/internal/distance"
	"poolroute/internal/logging"
	"poolroute/internal/metrics"
	"poolroute/internal/model"
	"poolroute/internal/opt"
	"poolroute/internal/store"
)

// Defaults are the service-wide settings a request falls back to after the org's saved settings.
type Defaults struct {
	Weights            model.Weights
	Quick              opt.Options
	Thorough           opt.Options
	AvgSpeedMph        float64
	ImbalanceThreshold float64
	BalanceRounds      int
	Horizon            []model.Weekday
	Durations          opt.DurationTable
}

// DefaultsFromConfig converts the optimizer config section.
func DefaultsFromConfig(c config.Optimizer) Defaults {
	d := Defaults{
		Weights:            c.Weights,
		Quick:              opt.Presets(model.SpeedQuick),
		Thorough:           opt.Presets(model.SpeedThorough),
		AvgSpeedMph:        c.AvgSpeedMph,
		ImbalanceThreshold: c.ImbalanceThreshold,
		BalanceRounds:      c.BalanceRounds,
		Horizon:            c.Horizon,
		Durations:          opt.DefaultDurations(),
	}
	if c.QuickBudget > 0 {
		d.Quick.TimeBudget = c.QuickBudget
	}
	if c.QuickIterations > 0 {
		d.Quick.MaxIterations = c.QuickIterations
	}
	if c.ThoroughBudget > 0 {
		d.Thorough.TimeBudget = c.ThoroughBudget
	}
	if c.ThoroughIterations > 0 {
		d.Thorough.MaxIterations = c.ThoroughIterations
	}
	for typ, min := range c.ServiceDurations {
		d.Durations.Base[typ] = min
	}
	if c.DefaultDuration > 0 {
		d.Durations.Default = c.DefaultDuration
	}
	if len(c.DifficultyFactors) == 5 {
		copy(d.Durations.Factors[:], c.DifficultyFactors)
	}
	return d
}

type Service struct {
	Store    store.Store
	Distance distance.Provider
	Defaults Defaults
	// Runs receives each day's search telemetry when set.
	Runs *opt.MetricsStore
	Log  *zap.Logger
}

type Request struct {
	OrgID string
	JobID string
	model.OptimizeRequest
}

type Result struct {
	Response model.OptimizeResponse
	// Routes holds the routes of every successfully solved day, ready to persist.
	Routes map[model.Weekday][]model.Route
	// Moved lists stops whose recurring pattern was changed by balancing.
	Moved []model.Stop
}

// settings is the effective configuration of one run.
type settings struct {
	speed     model.Speed
	options   opt.Options
	avgSpeed  float64
	threshold float64
}

func (s *Service) settings(ctx context.Context, req Request) (settings, error) {
	var org model.OptimizerSettings
	if s.Store != nil {
		saved, err := s.Store.GetOptimizerConfig(ctx, req.OrgID)
		if err != nil {
			return settings{}, fmt.Errorf("load optimizer config: %w", err)
		}
		if saved != nil {
			org = *saved
		}
	}
	st := settings{speed: model.SpeedQuick, avgSpeed: s.Defaults.AvgSpeedMph, threshold: s.Defaults.ImbalanceThreshold}
	if org.Speed != "" {
		st.speed = org.Speed
	}
	if req.Speed != "" {
		st.speed = req.Speed
	}
	st.options = s.Defaults.Quick
	if st.speed == model.SpeedThorough {
		st.options = s.Defaults.Thorough
	}
	if st.options.MaxIterations == 0 && st.options.TimeBudget == 0 {
		st.options = opt.Presets(st.speed)
	}
	st.options.Weights = s.Defaults.Weights
	if org.Weights != nil {
		st.options.Weights = *org.Weights
	}
	if req.Weights != nil {
		st.options.Weights = *req.Weights
	}
	st.options.Seed = req.Seed
	if org.AvgSpeedMph > 0 {
		st.avgSpeed = org.AvgSpeedMph
	}
	if req.AvgSpeedMph > 0 {
		st.avgSpeed = req.AvgSpeedMph
	}
	if org.ImbalanceThreshold > 0 {
		st.threshold = org.ImbalanceThreshold
	}
	return st, nil
}

func (s *Service) inputs(ctx context.Context, req Request) ([]model.Stop, []model.Technician, error) {
	stops, techs := req.Stops, req.Technicians
	if len(stops) == 0 && s.Store != nil {
		var err error
		if stops, err = s.Store.ListStops(ctx, req.OrgID, ""); err != nil {
			return nil, nil, fmt.Errorf("load stops: %w", err)
		}
	}
	if len(techs) == 0 && s.Store != nil {
		var err error
		if techs, err = s.Store.ListTechnicians(ctx, req.OrgID); err != nil {
			return nil, nil, fmt.Errorf("load technicians: %w", err)
		}
	}
	return stops, techs, nil
}

// Run executes req. Empty inputs and whole-day infeasibility come back as
// *opt.EmptyInputError and *opt.InfeasibleError; a cancelled ctx still yields the best
// routes found so far once the distance matrix is in hand.
func (s *Service) Run(ctx context.Context, req Request) (_ *Result, err error) {
	log := logging.For(ctx, s.Log).With(zap.String("org_id", req.OrgID), zap.String("mode", string(req.Mode)))
	defer logging.Time(ctx, log, "planner.Run")(&err)
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.Mode != model.ModeCrossDay && !req.ServiceDay.Valid() {
		return nil, fmt.Errorf("serviceDay is required for mode %s", req.Mode)
	}
	st, err := s.settings(ctx, req)
	if err != nil {
		return nil, err
	}
	stops, techs, err := s.inputs(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.OptimizationDuration.WithLabelValues(string(req.Mode), string(st.speed)).Observe(time.Since(start).Seconds())
	}()

	if req.Mode == model.ModeCrossDay {
		return s.runCrossDay(ctx, log, req, st, stops, techs)
	}
	asm, met, err := s.solveDay(ctx, log, req, st, req.ServiceDay, model.StopsForDay(stops, req.ServiceDay), techs, st.options.Seed)
	if err != nil {
		return nil, err
	}
	// Stops on other days belong to other runs; stops with no day at all are reported here.
	if left := unscheduled(stops, model.Week); len(left) > 0 {
		asm.Unassigned = append(asm.Unassigned, left...)
		asm.Summary.UnassignedCount = len(asm.Unassigned)
	}
	return &Result{
		Response: model.OptimizeResponse{Routes: asm.Routes, Summary: asm.Summary, Unassigned: asm.Unassigned, Seed: met.Seed},
		Routes:   map[model.Weekday][]model.Route{req.ServiceDay: asm.Routes},
	}, nil
}

func (s *Service) solveDay(ctx context.Context, log *zap.Logger, req Request, st settings, day model.Weekday, stops []model.Stop, techs []model.Technician, seed int64) (opt.Assembly, opt.Metrics, error) {
	m, err := opt.Build(opt.BuildInput{Day: day, Mode: req.Mode, Stops: stops, Technicians: techs, TechIDs: req.TechIDs, Durations: s.Defaults.Durations})
	if err != nil {
		return opt.Assembly{}, opt.Metrics{}, err
	}
	if len(m.DroppedTechnicians) > 0 {
		log.Debug("technicians left out", zap.String("day", string(day)), zap.Any("dropped", m.DroppedTechnicians))
	}
	provider := s.Distance
	if provider == nil {
		provider = distance.Haversine{}
	}
	mx, err := provider.Matrix(distance.WithAvgSpeed(ctx, st.avgSpeed), m.Points())
	if err != nil {
		return opt.Assembly{}, opt.Metrics{}, fmt.Errorf("distance matrix for %s: %w", day, err)
	}
	if err := m.SetMatrix(mx); err != nil {
		return opt.Assembly{}, opt.Metrics{}, err
	}
	o := st.options
	o.Seed = seed
	sol, met, err := opt.Solve(ctx, m, o)
	if err != nil {
		return opt.Assembly{}, met, err
	}
	asm := opt.Assemble(sol, m, log)
	asm.Seed = met.Seed
	for i := range asm.Unassigned {
		if asm.Unassigned[i].Day == "" {
			asm.Unassigned[i].Day = day
		}
	}
	log.Info("day optimized", zap.String("day", string(day)), zap.Int("routes", len(asm.Routes)),
		zap.Int("unassigned", len(asm.Unassigned)), zap.Int("iterations", met.Iterations),
		zap.String("stop_reason", met.StopReason), zap.String("matrix_source", mx.Source))

	if s.Runs != nil {
		s.Runs.Record(req.OrgID, day, req.Mode, met)
	}
	if s.Store != nil {
		pm := model.PlanMetrics{
			OrgID: req.OrgID, ServiceDay: day, Mode: req.Mode, JobID: req.JobID, Seed: met.Seed,
			Iterations: met.Iterations, Improvements: met.Improvements, AcceptedWorse: met.AcceptedWorse,
			InitialCost: met.InitialCost, BestCost: met.BestCost, StopReason: met.StopReason, ElapsedMs: met.ElapsedMs,
			MatrixSource: mx.Source, Routes: asm.Summary.TotalRoutes, Stops: asm.Summary.TotalStops, Unassigned: asm.Summary.UnassignedCount,
			DistanceMiles: asm.Summary.TotalDistanceMiles, DurationMinutes: asm.Summary.TotalDurationMinutes,
		}
		// Telemetry must not fail the run.
		if err := s.Store.SavePlanMetrics(ctx, pm); err != nil {
			log.Warn("save plan metrics failed", zap.String("day", string(day)), zap.Error(err))
		}
	}
	return asm, met, nil
}

func (s *Service) runCrossDay(ctx context.Context, log *zap.Logger, req Request, st settings, stops []model.Stop, techs []model.Technician) (*Result, error) {
	horizon := req.Horizon
	if len(horizon) == 0 {
		horizon = s.Defaults.Horizon
	}
	if len(horizon) == 0 {
		horizon = model.WorkWeek
	}
	if len(techs) == 0 {
		return nil, &opt.EmptyInputError{What: "technicians"}
	}
	if len(stops) == 0 {
		return nil, &opt.EmptyInputError{What: "stops"}
	}
	b := &opt.Balancer{
		Threshold: st.threshold,
		MaxRounds: s.Defaults.BalanceRounds,
		Log:       log,
		Solve: func(ctx context.Context, day model.Weekday, dayStops []model.Stop, seed int64) (opt.Assembly, error) {
			asm, _, err := s.solveDay(ctx, log, req, st, day, dayStops, techs, seed)
			return asm, err
		},
	}
	res, err := b.Balance(ctx, horizon, stops, st.options.Seed)
	if err != nil {
		return nil, err
	}

	out := &Result{
		Response: model.OptimizeResponse{Routes: []model.Route{}, Unassigned: []model.Unassigned{}, Days: map[model.Weekday]model.DayResult{}, Moves: res.Moves, Seed: st.options.Seed},
		Routes:   map[model.Weekday][]model.Route{},
	}
	var firstErr error
	for _, d := range horizon {
		o, ok := res.Days[d]
		if !ok {
			continue
		}
		dr := model.DayResult{Routes: o.Assembly.Routes, Summary: o.Assembly.Summary, Unassigned: o.Assembly.Unassigned, Seed: o.Assembly.Seed}
		if dr.Routes == nil {
			dr.Routes = []model.Route{}
		}
		if dr.Unassigned == nil {
			dr.Unassigned = []model.Unassigned{}
		}
		if o.Err != nil {
			dr.Error = o.Err.Error()
			var empty *opt.EmptyInputError
			if errors.As(o.Err, &empty) {
				dr.Unassigned = append(dr.Unassigned, empty.Unassigned...)
			}
			if firstErr == nil {
				firstErr = o.Err
			}
		} else {
			out.Routes[d] = dr.Routes
		}
		out.Response.Days[d] = dr
		out.Response.Routes = append(out.Response.Routes, dr.Routes...)
		out.Response.Unassigned = append(out.Response.Unassigned, dr.Unassigned...)
	}
	if len(out.Routes) == 0 && firstErr != nil {
		return nil, firstErr
	}
	out.Response.Unassigned = append(out.Response.Unassigned, unscheduled(stops, horizon)...)
	out.Response.Summary = model.Summarize(out.Response.Routes, len(out.Response.Unassigned), model.ModeCrossDay)

	moved := map[string]bool{}
	for _, mv := range res.Moves {
		moved[mv.StopID] = true
	}
	for _, s := range res.Stops {
		if moved[s.ID] {
			out.Moved = append(out.Moved, s)
		}
	}
	if len(res.Moves) > 0 {
		log.Info("cross-day balance moved stops", zap.Int("moves", len(res.Moves)), zap.Int("rounds", res.Rounds), zap.Float64("spread", res.Spread))
	}
	return out, nil
}

// unscheduled reports the stops no day in horizon visits so they never drop out of a response.
func unscheduled(stops []model.Stop, horizon []model.Weekday) []model.Unassigned {
	var out []model.Unassigned
	for _, st := range model.Unscheduled(stops, horizon) {
		detail := "no serviceDay, eligibleDays or cycle"
		if days := st.VisitDays(); len(days) > 0 {
			names := make([]string, len(days))
			for i, d := range days {
				names[i] = string(d)
			}
			detail = "scheduled on " + strings.Join(names, ",") + ", outside the planning horizon"
		}
		out = append(out, model.Unassigned{StopID: st.ID, Reason: model.ReasonNotScheduledThisDay, Detail: detail})
	}
	return out
}
