package planner

import (
	"context"
	"fmt"

	"poolroute/internal/model"
	"poolroute/internal/store"
)

// AdvanceCycles rolls every rotating recurrence of org over to next week's pattern and
// saves the changed stops. It returns the stops that moved.
func AdvanceCycles(ctx context.Context, st store.Store, org string) ([]model.Stop, error) {
	stops, err := st.ListStops(ctx, org, "")
	if err != nil {
		return nil, fmt.Errorf("load stops: %w", err)
	}
	var moved []model.Stop
	for _, s := range stops {
		if s.Cycle == nil || !s.Cycle.Rotates || len(s.Cycle.Options) < 2 {
			continue
		}
		next := s.Cycle.Next()
		s.Cycle = &next
		moved = append(moved, s)
	}
	if len(moved) == 0 {
		return nil, nil
	}
	if _, err := st.UpsertStops(ctx, org, moved); err != nil {
		return nil, fmt.Errorf("save rotated stops: %w", err)
	}
	return moved, nil
}
