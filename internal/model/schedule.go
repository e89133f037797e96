package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Weekday is a lower-case day name as used on the wire ("monday".."sunday").
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// Week lists days in calendar order starting Monday.
var Week = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// WorkWeek is the default planning horizon for cross-day runs.
var WorkWeek = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday}

// ParseWeekday accepts full names and three-letter abbreviations, any case.
func ParseWeekday(s string) (Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, d := range Week {
		if v == string(d) || (len(v) == 3 && strings.HasPrefix(string(d), v)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("invalid weekday: %q", s)
}

func (d Weekday) Valid() bool { return d.Index() >= 0 }

// Index returns 0 for Monday through 6 for Sunday, -1 when unknown.
func (d Weekday) Index() int {
	for i, w := range Week {
		if w == d {
			return i
		}
	}
	return -1
}

func containsDay(days []Weekday, d Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// Clock is a wall-clock time of day in minutes after midnight.
// It marshals as "HH:MM".
type Clock int

func NewClock(h, m int) Clock { return Clock(h*60 + m) }

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) Minutes() int { return int(c) }

func (c Clock) String() string {
	v := int(c)
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%02d:%02d", v/60, v%60)
}

func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare minutes are accepted too
		var n int
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*c = Clock(n)
		return nil
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Clock) MarshalYAML() (any, error) { return c.String(), nil }

// TimeWindow bounds a visit's arrival. Arriving before Earliest means waiting.
type TimeWindow struct {
	Earliest Clock `json:"earliest"`
	Latest   Clock `json:"latest"`
}

// Cycle is the explicit recurrence state for customers visited more than once a week.
// Options holds the alternative day patterns (for example {mon,thu} and {tue,fri}); Position
// selects the pattern in force this week. When Rotates is set the pattern advances every week so
// visits alternate consistently.
type Cycle struct {
	Options  [][]Weekday `json:"options"`
	Position int         `json:"position"`
	Rotates  bool        `json:"rotates,omitempty"`
}

// VisitDays returns the days the current pattern visits.
func (c Cycle) VisitDays() []Weekday {
	if len(c.Options) == 0 {
		return nil
	}
	p := c.Position % len(c.Options)
	if p < 0 {
		p += len(c.Options)
	}
	return append([]Weekday(nil), c.Options[p]...)
}

// Next returns the cycle state for the following week.
func (c Cycle) Next() Cycle {
	out := Cycle{Options: c.Options, Position: c.Position, Rotates: c.Rotates}
	if c.Rotates && len(c.Options) > 0 {
		out.Position = (c.Position + 1) % len(c.Options)
	}
	return out
}

// EligibleDays is the union of all pattern days, in calendar order.
func (c Cycle) EligibleDays() []Weekday {
	var out []Weekday
	for _, d := range Week {
		for _, opt := range c.Options {
			if containsDay(opt, d) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Frequency is the number of visits per week.
func (c Cycle) Frequency() int { return len(c.VisitDays()) }
