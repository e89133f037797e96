package distance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/model"
)

// FallbackProvider tries Primary and answers from Fallback when it errors or
// runs past Budget. A fallback answer keeps its own Source so callers can tell.
type FallbackProvider struct {
	Primary  Provider
	Fallback Provider
	Budget   time.Duration
	Log      *zap.Logger
}

func (f *FallbackProvider) Matrix(ctx context.Context, points []model.Coordinate) (*Matrix, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	if f.Primary != nil {
		pctx := ctx
		if f.Budget > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, f.Budget)
			defer cancel()
		}
		m, err := f.Primary.Matrix(pctx, points)
		if err == nil {
			return m, nil
		}
		// The caller gave up; don't mask that with an estimate.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.For(ctx, f.Log).Warn("distance provider failed, using fallback",
			zap.Error(err), zap.Int("points", len(points)), zap.Duration("budget", f.Budget))
	}
	fb := f.Fallback
	if fb == nil {
		fb = Haversine{}
	}
	return fb.Matrix(ctx, points)
}
