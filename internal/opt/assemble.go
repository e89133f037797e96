package opt

import (
	"math"

	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/metrics"
	"poolroute/internal/model"
)

// Assembly is the caller-facing result for one day.
type Assembly struct {
	Routes     []model.Route
	Unassigned []model.Unassigned
	Summary    model.Summary
	// Seed is the search seed that produced the routes; callers that run the search set it.
	Seed int64
}

// Assemble turns a solution into routes numbered 1..k. Arrival times are recomputed from
// the matrix; an arrival past a window's latest bound is flagged and logged, not dropped.
func Assemble(sol Solution, m *Model, log *zap.Logger) Assembly {
	log = logging.OrNop(log)
	out := Assembly{Routes: []model.Route{}, Unassigned: append(append([]model.Unassigned{}, m.Unassigned...), sol.Unassigned...)}
	for _, plan := range sol.Plans {
		if len(plan.Order) == 0 {
			continue
		}
		veh := m.Vehicles[plan.Vehicle]
		r := model.Route{
			TechnicianID: veh.ID,
			ServiceDay:   m.Day,
			StartTime:    model.Clock(veh.Start),
		}
		t := veh.Start
		prev := veh.StartPoint
		for i, ni := range plan.Order {
			nd := m.Nodes[ni]
			drive := m.minutes(prev, nd.Point)
			t += drive
			rs := model.RouteStop{
				StopID:            nd.StopID,
				Sequence:          i + 1,
				ServiceMinutes:    int(nd.Service),
				DriveFromPrevious: round2(drive),
				MilesFromPrevious: round2(m.miles(prev, nd.Point)),
			}
			if nd.Window != nil {
				if t < float64(nd.Window.Earliest) {
					rs.WaitMinutes = round2(float64(nd.Window.Earliest) - t)
					t = float64(nd.Window.Earliest)
				}
				if t > float64(nd.Window.Latest)+eps {
					rs.SoftViolation = true
					metrics.SoftViolations.Inc()
					log.Error("time window violated after solve",
						zap.String("stop_id", nd.StopID), zap.String("technician_id", veh.ID),
						zap.String("day", string(m.Day)), zap.Float64("arrival_min", t),
						zap.Int("latest_min", int(nd.Window.Latest)))
				}
			}
			rs.EstimatedArrival = model.Clock(math.Ceil(t - eps))
			t += nd.Service
			prev = nd.Point
			r.Stops = append(r.Stops, rs)
		}
		r.Return = &model.Leg{
			DriveMinutes: round2(m.minutes(prev, veh.EndPoint)),
			Miles:        round2(m.miles(prev, veh.EndPoint)),
		}
		if t+m.minutes(prev, veh.EndPoint) > veh.End+eps {
			log.Error("route exceeds working hours after solve",
				zap.String("technician_id", veh.ID), zap.String("day", string(m.Day)))
		}
		out.Routes = append(out.Routes, r)
	}
	for _, u := range out.Unassigned {
		metrics.UnassignedStops.WithLabelValues(u.Reason).Inc()
	}
	out.Summary = model.Summarize(out.Routes, len(out.Unassigned), m.Mode)
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
