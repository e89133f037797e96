package opt

import (
	"errors"
	"fmt"

	"poolroute/internal/model"
)

// ErrNoMatrix is returned by Solve when the model has no distance matrix attached.
var ErrNoMatrix = errors.New("opt: model has no distance matrix")

// EmptyInputError rejects a run before search: nothing to route or nobody to route it.
// Unassigned carries stops already excluded while building (for example missing geocoding).
type EmptyInputError struct {
	What       string // "technicians" or "stops"
	Day        model.Weekday
	Unassigned []model.Unassigned
}

func (e *EmptyInputError) Error() string {
	if e.Day != "" {
		return fmt.Sprintf("no schedulable %s for %s", e.What, e.Day)
	}
	return "no schedulable " + e.What
}

// Constraint classes reported by InfeasibleError.
const (
	ClassWorkingHours = "working_hours"
	ClassTimeWindows  = "time_windows"
)

// InfeasibleError means no stop of the day could be placed at all.
type InfeasibleError struct {
	Day    model.Weekday
	Class  string
	Detail string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("could not optimize %s: %s infeasible (%s); check time windows and working hours", e.Day, e.Class, e.Detail)
}

// IsInputError reports whether err should be surfaced to callers as a validation problem.
func IsInputError(err error) bool {
	var empty *EmptyInputError
	var inf *InfeasibleError
	return errors.As(err, &empty) || errors.As(err, &inf)
}
