// Package distance supplies travel time and distance matrices between coordinates.
package distance

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"poolroute/internal/model"
)

// Matrix sources.
const (
	SourceGoogle    = "google"
	SourceHaversine = "haversine"
	SourceCache     = "cache"
	SourceMixed     = "mixed"
	SourceStatic    = "static"
)

// DefaultSpeedMph is used for straight-line estimates when no speed is configured.
const DefaultSpeedMph = 30.0

var ErrNoPoints = errors.New("distance: no points")

// Matrix holds pairwise travel from row point to column point.
type Matrix struct {
	Minutes [][]float64
	Miles   [][]float64
	Source  string
	// Estimated marks cells filled by a straight-line estimate inside an otherwise
	// road-network matrix. Nil when no cell was estimated.
	Estimated [][]bool
}

func NewMatrix(n int) *Matrix {
	m := &Matrix{Minutes: make([][]float64, n), Miles: make([][]float64, n)}
	for i := 0; i < n; i++ {
		m.Minutes[i] = make([]float64, n)
		m.Miles[i] = make([]float64, n)
	}
	return m
}

func (m *Matrix) Size() int { return len(m.Minutes) }

func (m *Matrix) markEstimated(i, j int) {
	if m.Estimated == nil {
		m.Estimated = make([][]bool, len(m.Minutes))
		for k := range m.Estimated {
			m.Estimated[k] = make([]bool, len(m.Minutes))
		}
	}
	m.Estimated[i][j] = true
}

func (m *Matrix) IsEstimated(i, j int) bool {
	return m.Estimated != nil && m.Estimated[i][j]
}

// Provider returns a full n×n matrix for points. Implementations must not modify points.
type Provider interface {
	Matrix(ctx context.Context, points []model.Coordinate) (*Matrix, error)
}

// HaversineMiles is the great-circle distance in statute miles.
func HaversineMiles(a, b model.Coordinate) float64 {
	const R = 3958.8
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// Haversine estimates travel as great-circle miles at a constant average speed.
type Haversine struct {
	SpeedMph float64
}

func (h Haversine) speed() float64 {
	if h.SpeedMph <= 0 {
		return DefaultSpeedMph
	}
	return h.SpeedMph
}

// Estimate returns (minutes, miles) between two points.
func (h Haversine) Estimate(a, b model.Coordinate) (float64, float64) {
	mi := HaversineMiles(a, b)
	return mi / h.speed() * 60, mi
}

// withContext applies a WithAvgSpeed override carried by ctx.
func (h Haversine) withContext(ctx context.Context) Haversine {
	if mph, ok := ctx.Value(speedKey{}).(float64); ok && mph > 0 {
		h.SpeedMph = mph
	}
	return h
}

func (h Haversine) Matrix(ctx context.Context, points []model.Coordinate) (*Matrix, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	h = h.withContext(ctx)
	m := NewMatrix(len(points))
	m.Source = SourceHaversine
	for i := range points {
		for j := range points {
			if i == j {
				continue
			}
			m.Minutes[i][j], m.Miles[i][j] = h.Estimate(points[i], points[j])
		}
	}
	return m, nil
}

type speedKey struct{}

// WithAvgSpeed overrides the straight-line estimate speed for one run.
func WithAvgSpeed(ctx context.Context, mph float64) context.Context {
	if mph <= 0 {
		return ctx
	}
	return context.WithValue(ctx, speedKey{}, mph)
}

// StaticProvider answers from a pairwise function. It is meant for tests and demos.
type StaticProvider struct {
	Fn    func(a, b model.Coordinate) (minutes, miles float64)
	calls atomic.Int64
}

func (s *StaticProvider) Calls() int { return int(s.calls.Load()) }

func (s *StaticProvider) Matrix(_ context.Context, points []model.Coordinate) (*Matrix, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	s.calls.Add(1)
	m := NewMatrix(len(points))
	m.Source = SourceStatic
	for i := range points {
		for j := range points {
			if i != j {
				m.Minutes[i][j], m.Miles[i][j] = s.Fn(points[i], points[j])
			}
		}
	}
	return m, nil
}
