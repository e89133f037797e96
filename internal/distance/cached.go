package distance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"poolroute/internal/logging"
	"poolroute/internal/metrics"
	"poolroute/internal/model"
)

// CachedProvider answers pairs from Cache and asks Inner only for the points
// involved in misses. Straight-line estimates are never written back.
type CachedProvider struct {
	Inner     Provider
	Cache     Cache
	TTL       time.Duration
	Precision int
	Log       *zap.Logger

	group singleflight.Group
}

func (c *CachedProvider) precision() int {
	if c.Precision <= 0 {
		return DefaultPrecision
	}
	return c.Precision
}

func (c *CachedProvider) Matrix(ctx context.Context, points []model.Coordinate) (*Matrix, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	p := c.precision()
	var sb strings.Builder
	for _, pt := range points {
		fmt.Fprintf(&sb, "%.*f,%.*f;", p, pt.Lat, p, pt.Lng)
	}
	if mph, ok := ctx.Value(speedKey{}).(float64); ok {
		fmt.Fprintf(&sb, "@%g", mph)
	}
	v, err, _ := c.group.Do(sb.String(), func() (any, error) {
		return c.lookup(ctx, points)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Matrix).Clone(), nil
}

func (c *CachedProvider) lookup(ctx context.Context, points []model.Coordinate) (_ *Matrix, err error) {
	log := logging.OrNop(c.Log)
	defer logging.Time(ctx, log, "distance.cached.Matrix")(&err)
	n := len(points)
	p := c.precision()
	keys := make([]string, 0, n*(n-1))
	for i := range points {
		for j := range points {
			if i != j {
				keys = append(keys, PairKey(points[i], points[j], p))
			}
		}
	}
	hits, cerr := c.Cache.GetMany(ctx, keys)
	if cerr != nil {
		// A broken cache degrades to a straight pass-through.
		log.Warn("distance cache read failed", zap.Error(cerr))
		hits = map[string]Entry{}
	}

	m := NewMatrix(n)
	involved := make([]bool, n)
	missing := 0
	for i := range points {
		for j := range points {
			if i == j {
				continue
			}
			if e, ok := hits[PairKey(points[i], points[j], p)]; ok {
				m.Minutes[i][j], m.Miles[i][j] = e.Minutes, e.Miles
				continue
			}
			involved[i], involved[j] = true, true
			missing++
		}
	}
	metrics.DistanceLookups.WithLabelValues("cache").Add(float64(len(keys) - missing))
	if missing == 0 {
		m.Source = SourceCache
		return m, nil
	}

	var idx []int
	var sub []model.Coordinate
	for i, ok := range involved {
		if ok {
			idx = append(idx, i)
			sub = append(sub, points[i])
		}
	}
	inner, err := c.Inner.Matrix(ctx, sub)
	if err != nil {
		return nil, err
	}
	fresh := map[string]Entry{}
	provided, estimated := 0, 0
	for a, i := range idx {
		for b, j := range idx {
			if i == j {
				continue
			}
			key := PairKey(points[i], points[j], p)
			if _, ok := hits[key]; ok {
				continue
			}
			m.Minutes[i][j], m.Miles[i][j] = inner.Minutes[a][b], inner.Miles[a][b]
			if inner.Source == SourceHaversine || inner.IsEstimated(a, b) {
				m.markEstimated(i, j)
				estimated++
				continue
			}
			fresh[key] = Entry{Minutes: inner.Minutes[a][b], Miles: inner.Miles[a][b]}
			provided++
		}
	}
	metrics.DistanceLookups.WithLabelValues("provider").Add(float64(provided))
	metrics.DistanceLookups.WithLabelValues("fallback").Add(float64(estimated))
	if len(fresh) > 0 {
		if err := c.Cache.PutMany(ctx, fresh, c.TTL); err != nil {
			log.Warn("distance cache write failed", zap.Error(err), zap.Int("entries", len(fresh)))
		}
	}
	switch {
	case len(hits) > 0:
		m.Source = SourceMixed
	default:
		m.Source = inner.Source
	}
	return m, nil
}

// Clone returns a deep copy so shared results can be handed to several callers.
func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.Size())
	out.Source = m.Source
	for i := range m.Minutes {
		copy(out.Minutes[i], m.Minutes[i])
		copy(out.Miles[i], m.Miles[i])
	}
	if m.Estimated != nil {
		out.Estimated = make([][]bool, len(m.Estimated))
		for i := range m.Estimated {
			out.Estimated[i] = append([]bool(nil), m.Estimated[i]...)
		}
	}
	return out
}
