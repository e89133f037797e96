package model

import (
	"encoding/json"
	"math"
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Mode selects how much of the existing assignment a run may change.
type Mode string

const (
	ModeRefine     Mode = "refine"
	ModeFullPerDay Mode = "full_per_day"
	ModeCrossDay   Mode = "cross_day"
)

func (m Mode) Valid() bool {
	return m == ModeRefine || m == ModeFullPerDay || m == ModeCrossDay
}

// Speed controls the search budget only.
type Speed string

const (
	SpeedQuick    Speed = "quick"
	SpeedThorough Speed = "thorough"
)

// Unassigned reasons.
const (
	ReasonMissingGeocoding      = "missing_geocoding"
	ReasonInfeasibleWindow      = "infeasible_time_window"
	ReasonExceedsWorkingHours   = "exceeds_working_hours"
	ReasonTechnicianUnavailable = "technician_unavailable"
	ReasonInsufficientCapacity  = "insufficient_capacity"
	ReasonNotScheduledThisDay   = "not_scheduled_this_day"
)

// Stop is one customer visit that needs a technician on a service day.
type Stop struct {
	ID                    string      `json:"id"`
	CustomerID            string      `json:"customerId,omitempty"`
	Address               string      `json:"address,omitempty"`
	Location              *Coordinate `json:"location,omitempty"`
	ServiceType           string      `json:"serviceType,omitempty"`
	Difficulty            int         `json:"difficulty,omitempty"`
	ServiceMinutes        int         `json:"serviceMinutes,omitempty"`
	TimeWindow            *TimeWindow `json:"timeWindow,omitempty"`
	EligibleDays          []Weekday   `json:"eligibleDays,omitempty"`
	ServiceDay            Weekday     `json:"serviceDay,omitempty"`
	Locked                bool        `json:"locked,omitempty"`
	TechnicianID          string      `json:"technicianId,omitempty"`
	PreferredTechnicianID string      `json:"preferredTechnicianId,omitempty"`
	Cycle                 *Cycle      `json:"cycle,omitempty"`
}

// Eligible returns the days the stop may be served on.
func (s Stop) Eligible() []Weekday {
	if len(s.EligibleDays) > 0 {
		return s.EligibleDays
	}
	if s.Cycle != nil {
		return s.Cycle.EligibleDays()
	}
	if s.ServiceDay != "" {
		return []Weekday{s.ServiceDay}
	}
	return nil
}

// VisitDays returns the days the stop is currently scheduled on.
func (s Stop) VisitDays() []Weekday {
	if s.Cycle != nil && len(s.Cycle.Options) > 0 {
		return s.Cycle.VisitDays()
	}
	if s.ServiceDay != "" {
		return []Weekday{s.ServiceDay}
	}
	if len(s.EligibleDays) > 0 {
		return []Weekday{s.EligibleDays[0]}
	}
	return nil
}

func (s Stop) ScheduledOn(d Weekday) bool { return containsDay(s.VisitDays(), d) }

// StopsForDay returns the stops visited on d, preserving input order.
func StopsForDay(stops []Stop, d Weekday) []Stop {
	out := make([]Stop, 0, len(stops))
	for _, s := range stops {
		if s.ScheduledOn(d) {
			out = append(out, s)
		}
	}
	return out
}

// Unscheduled returns the stops none of whose visit days fall in days, preserving input order.
// A stop with no visit day at all is always included.
func Unscheduled(stops []Stop, days []Weekday) []Stop {
	var out []Stop
	for _, s := range stops {
		hit := false
		for _, d := range s.VisitDays() {
			if containsDay(days, d) {
				hit = true
				break
			}
		}
		if !hit {
			out = append(out, s)
		}
	}
	return out
}

// Technician is a vehicle with a driver for one working day.
type Technician struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	ShiftStart     Clock       `json:"shiftStart"`
	ShiftEnd       Clock       `json:"shiftEnd"`
	HomeBase       *Coordinate `json:"homeBase,omitempty"`
	EndLocation    *Coordinate `json:"endLocation,omitempty"`
	MaxStopsPerDay int         `json:"maxStopsPerDay,omitempty"`
	Active         *bool       `json:"active,omitempty"`
	WorkingDays    []Weekday   `json:"workingDays,omitempty"`
}

// IsActive treats an absent flag as active.
func (t Technician) IsActive() bool { return t.Active == nil || *t.Active }

// WorksOn reports whether the technician works on d. An empty WorkingDays means every day.
func (t Technician) WorksOn(d Weekday) bool {
	return len(t.WorkingDays) == 0 || containsDay(t.WorkingDays, d)
}

// End returns where the technician finishes the day.
func (t Technician) End() *Coordinate {
	if t.EndLocation != nil {
		return t.EndLocation
	}
	return t.HomeBase
}

// RouteStop is one stop's placement in a route.
type RouteStop struct {
	StopID            string  `json:"stopId"`
	Sequence          int     `json:"sequence"`
	EstimatedArrival  Clock   `json:"estimatedArrivalTime"`
	WaitMinutes       float64 `json:"waitMinutes,omitempty"`
	ServiceMinutes    int     `json:"estimatedServiceDuration"`
	DriveFromPrevious float64 `json:"driveTimeFromPrevious"`
	MilesFromPrevious float64 `json:"distanceFromPrevious"`
	SoftViolation     bool    `json:"softViolation,omitempty"`
}

// Leg is the drive back to the technician's end location.
type Leg struct {
	DriveMinutes float64 `json:"driveMinutes"`
	Miles        float64 `json:"miles"`
}

// Route is one technician's ordered visits for one day. Totals are derived from Stops and Return.
type Route struct {
	ID           string      `json:"id,omitempty"`
	TechnicianID string      `json:"technicianId"`
	ServiceDay   Weekday     `json:"serviceDay"`
	StartTime    Clock       `json:"startTime"`
	Stops        []RouteStop `json:"stops"`
	Return       *Leg        `json:"returnLeg,omitempty"`
}

func (r Route) TotalStops() int { return len(r.Stops) }

func (r Route) TotalDistanceMiles() float64 {
	total := 0.0
	for _, s := range r.Stops {
		total += s.MilesFromPrevious
	}
	if r.Return != nil {
		total += r.Return.Miles
	}
	return round2(total)
}

func (r Route) TotalDriveMinutes() float64 {
	total := 0.0
	for _, s := range r.Stops {
		total += s.DriveFromPrevious
	}
	if r.Return != nil {
		total += r.Return.DriveMinutes
	}
	return round2(total)
}

// TotalDurationMinutes spans leaving the start location to arriving at the end location.
func (r Route) TotalDurationMinutes() float64 {
	total := 0.0
	for _, s := range r.Stops {
		total += s.DriveFromPrevious + s.WaitMinutes + float64(s.ServiceMinutes)
	}
	if r.Return != nil {
		total += r.Return.DriveMinutes
	}
	return round2(total)
}

func (r Route) SoftViolations() int {
	n := 0
	for _, s := range r.Stops {
		if s.SoftViolation {
			n++
		}
	}
	return n
}

func (r Route) MarshalJSON() ([]byte, error) {
	type plain Route
	return json.Marshal(struct {
		plain
		TotalStops           int     `json:"totalStops"`
		TotalDistanceMiles   float64 `json:"totalDistanceMiles"`
		TotalDriveMinutes    float64 `json:"totalDriveMinutes"`
		TotalDurationMinutes float64 `json:"totalDurationMinutes"`
	}{plain(r), r.TotalStops(), r.TotalDistanceMiles(), r.TotalDriveMinutes(), r.TotalDurationMinutes()})
}

type Unassigned struct {
	StopID string  `json:"stopId"`
	Reason string  `json:"reason"`
	Day    Weekday `json:"serviceDay,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

type Summary struct {
	TotalRoutes          int     `json:"totalRoutes"`
	TotalStops           int     `json:"totalStops"`
	TotalDistanceMiles   float64 `json:"totalDistanceMiles"`
	TotalDurationMinutes float64 `json:"totalDurationMinutes"`
	UnassignedCount      int     `json:"unassignedCount"`
	SoftViolations       int     `json:"softViolations"`
	Mode                 Mode    `json:"optimizationMode"`
}

// Summarize aggregates totals over routes.
func Summarize(routes []Route, unassigned int, mode Mode) Summary {
	s := Summary{TotalRoutes: len(routes), UnassignedCount: unassigned, Mode: mode}
	for _, r := range routes {
		s.TotalStops += r.TotalStops()
		s.TotalDistanceMiles += r.TotalDistanceMiles()
		s.TotalDurationMinutes += r.TotalDurationMinutes()
		s.SoftViolations += r.SoftViolations()
	}
	s.TotalDistanceMiles = round2(s.TotalDistanceMiles)
	s.TotalDurationMinutes = round2(s.TotalDurationMinutes)
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
