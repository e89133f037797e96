package opt

import (
	"fmt"
	"math"

	"poolroute/internal/distance"
	"poolroute/internal/model"
)

// DurationTable turns a stop's service type and difficulty into visit minutes.
type DurationTable struct {
	Base    map[string]int `yaml:"base"`
	Default int            `yaml:"default"`
	// Factors[d-1] multiplies the base for difficulty d (1..5).
	Factors [5]float64 `yaml:"factors"`
}

func DefaultDurations() DurationTable {
	return DurationTable{
		Base: map[string]int{
			"weekly_maintenance": 30,
			"chemical_only":      15,
			"filter_clean":       45,
			"green_to_clean":     120,
			"repair":             60,
		},
		Default: 30,
		Factors: [5]float64{1.0, 1.25, 1.5, 1.75, 2.0},
	}
}

// Minutes is ceil(base × factor). An explicit ServiceMinutes on the stop wins.
func (d DurationTable) Minutes(s model.Stop) int {
	if s.ServiceMinutes > 0 {
		return s.ServiceMinutes
	}
	base, ok := d.Base[s.ServiceType]
	if !ok || base <= 0 {
		base = d.Default
	}
	if base <= 0 {
		base = 30
	}
	diff := s.Difficulty
	if diff < 1 {
		diff = 1
	}
	if diff > 5 {
		diff = 5
	}
	f := d.Factors[diff-1]
	if f <= 0 {
		f = 1
	}
	return int(math.Ceil(float64(base) * f))
}

// Node is one schedulable stop in a Model.
type Node struct {
	StopID  string
	Point   int
	Service float64
	Window  *model.TimeWindow
	// Allowed lists vehicle indexes that may serve the node; nil means any.
	Allowed []int
	// Anchor is the vehicle the stop had before this run, -1 when none.
	Anchor int
}

func (n Node) allows(v int) bool {
	if n.Allowed == nil {
		return true
	}
	for _, a := range n.Allowed {
		if a == v {
			return true
		}
	}
	return false
}

// Vehicle is one technician's shift.
type Vehicle struct {
	ID         string
	Start, End float64
	StartPoint int
	EndPoint   int
	MaxStops   int
}

// Model is the compiled, index-based form of one day's routing problem.
// Stops occupy points 0..n-1; vehicle v starts at n+2v and ends at n+2v+1.
type Model struct {
	Day        model.Weekday
	Mode       model.Mode
	Nodes      []Node
	Vehicles   []Vehicle
	Unassigned []model.Unassigned
	// DroppedTechnicians maps technician id to why it was left out.
	DroppedTechnicians map[string]string

	points []model.Coordinate
	matrix *distance.Matrix
}

// Points returns the coordinates the distance matrix must cover, in index order.
func (m *Model) Points() []model.Coordinate { return append([]model.Coordinate(nil), m.points...) }

// SetMatrix attaches travel data for Points.
func (m *Model) SetMatrix(mx *distance.Matrix) error {
	if mx == nil || mx.Size() != len(m.points) {
		got := 0
		if mx != nil {
			got = mx.Size()
		}
		return fmt.Errorf("opt: matrix covers %d points, model has %d", got, len(m.points))
	}
	m.matrix = mx
	return nil
}

func (m *Model) Matrix() *distance.Matrix { return m.matrix }

func (m *Model) minutes(a, b int) float64 { return m.matrix.Minutes[a][b] }
func (m *Model) miles(a, b int) float64   { return m.matrix.Miles[a][b] }

type BuildInput struct {
	Day         model.Weekday
	Mode        model.Mode
	Stops       []model.Stop
	Technicians []model.Technician
	// TechIDs restricts the technician pool when non-empty.
	TechIDs   []string
	Durations DurationTable
}

// Build compiles one day's inputs into a Model. The mode is consumed here: Refine pins
// each stop to its current technician, Full and CrossDay leave every technician open and
// record the current one as an anchor for the stability penalty.
func Build(in BuildInput) (*Model, error) {
	if !in.Mode.Valid() {
		return nil, fmt.Errorf("opt: unknown mode %q", in.Mode)
	}
	if in.Durations.Factors == ([5]float64{}) {
		in.Durations = DefaultDurations()
	}
	m := &Model{Day: in.Day, Mode: in.Mode, DroppedTechnicians: map[string]string{}}

	filter := map[string]bool{}
	for _, id := range in.TechIDs {
		filter[id] = true
	}
	var techs []model.Technician
	for _, t := range in.Technicians {
		switch {
		case !t.IsActive():
			m.DroppedTechnicians[t.ID] = "inactive"
		case len(filter) > 0 && !filter[t.ID]:
			m.DroppedTechnicians[t.ID] = "filtered"
		case in.Day != "" && !t.WorksOn(in.Day):
			m.DroppedTechnicians[t.ID] = "not_working"
		case t.HomeBase == nil:
			m.DroppedTechnicians[t.ID] = "missing_home_base"
		default:
			techs = append(techs, t)
		}
	}
	if len(techs) == 0 {
		return nil, &EmptyInputError{What: "technicians", Day: in.Day}
	}
	vehicleIdx := make(map[string]int, len(techs))
	for i, t := range techs {
		vehicleIdx[t.ID] = i
	}

	var stops []model.Stop
	for _, s := range in.Stops {
		switch {
		case s.Location == nil:
			m.Unassigned = append(m.Unassigned, model.Unassigned{StopID: s.ID, Reason: model.ReasonMissingGeocoding, Day: in.Day})
		case s.Locked && s.ServiceDay != "" && in.Day != "" && s.ServiceDay != in.Day:
			m.Unassigned = append(m.Unassigned, model.Unassigned{StopID: s.ID, Reason: model.ReasonNotScheduledThisDay, Day: in.Day,
				Detail: "locked to " + string(s.ServiceDay)})
		default:
			stops = append(stops, s)
		}
	}
	if len(stops) == 0 {
		return nil, &EmptyInputError{What: "stops", Day: in.Day, Unassigned: m.Unassigned}
	}

	n := len(stops)
	m.points = make([]model.Coordinate, 0, n+2*len(techs))
	for i, s := range stops {
		m.points = append(m.points, *s.Location)
		node := Node{
			StopID:  s.ID,
			Point:   i,
			Service: float64(in.Durations.Minutes(s)),
			Window:  s.TimeWindow,
			Anchor:  -1,
		}
		current := s.TechnicianID
		if current == "" {
			current = s.PreferredTechnicianID
		}
		if v, ok := vehicleIdx[current]; ok {
			node.Anchor = v
		}
		if in.Mode == model.ModeRefine && current != "" {
			// Ordering-only: the stop stays with its technician or is reported unavailable.
			node.Allowed = []int{}
			if node.Anchor >= 0 {
				node.Allowed = []int{node.Anchor}
			}
		}
		m.Nodes = append(m.Nodes, node)
	}
	for i, t := range techs {
		end := t.End()
		m.points = append(m.points, *t.HomeBase, *end)
		m.Vehicles = append(m.Vehicles, Vehicle{
			ID:         t.ID,
			Start:      float64(t.ShiftStart),
			End:        float64(t.ShiftEnd),
			StartPoint: n + 2*i,
			EndPoint:   n + 2*i + 1,
			MaxStops:   t.MaxStopsPerDay,
		})
	}
	return m, nil
}
