package planner

import (
	"testing"
	"time"

	"poolroute/internal/config"
	"poolroute/internal/model"
)

func testOptimizer() config.Optimizer {
	return config.Optimizer{AvgSpeedMph: 30, ImbalanceThreshold: 0.15, BalanceRounds: 3, Horizon: model.WorkWeek}
}

func TestDefaultsFromConfig(t *testing.T) {
	c := testOptimizer()
	c.ThoroughBudget = 90 * time.Second
	c.ServiceDurations = map[string]int{"weekly_maintenance": 20}
	c.DifficultyFactors = []float64{1, 1, 1, 1, 3}
	d := DefaultsFromConfig(c)
	if d.Thorough.TimeBudget != 90*time.Second || d.Thorough.MaxIterations != 8000 {
		t.Fatalf("thorough %+v", d.Thorough)
	}
	if d.Quick.TimeBudget != 30*time.Second {
		t.Fatalf("quick %+v", d.Quick)
	}
	if got := d.Durations.Minutes(model.Stop{ServiceType: "weekly_maintenance", Difficulty: 5}); got != 60 {
		t.Fatalf("duration %d", got)
	}
	if got := d.Durations.Minutes(model.Stop{ServiceType: "repair"}); got != 60 {
		t.Fatalf("untouched base %d", got)
	}
}
