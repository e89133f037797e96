package distance

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"poolroute/internal/logging"
	"poolroute/internal/model"
)

const metersPerMile = 1609.344

// The Distance Matrix API caps a request at 100 elements.
const googleChunk = 10

type GoogleOptions struct {
	APIKey            string
	RequestsPerSecond float64
	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// GoogleProvider queries the Google Maps Distance Matrix API for driving times.
// Elements the API cannot route are filled with a straight-line estimate and marked.
type GoogleProvider struct {
	client   *maps.Client
	limiter  *rate.Limiter
	estimate Haversine
	log      *zap.Logger
}

func NewGoogleProvider(opts GoogleOptions, log *zap.Logger) (*GoogleProvider, error) {
	copts := []maps.ClientOption{maps.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		copts = append(copts, maps.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		copts = append(copts, maps.WithHTTPClient(opts.HTTPClient))
	}
	client, err := maps.NewClient(copts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &GoogleProvider{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     logging.OrNop(log),
	}, nil
}

func (g *GoogleProvider) Matrix(ctx context.Context, points []model.Coordinate) (_ *Matrix, err error) {
	defer logging.Time(ctx, g.log, "distance.google.Matrix")(&err)
	n := len(points)
	if n == 0 {
		return nil, ErrNoPoints
	}
	locs := make([]string, n)
	for i, p := range points {
		locs[i] = fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
	}
	m := NewMatrix(n)
	m.Source = SourceGoogle
	est := g.estimate.withContext(ctx)
	estimated := 0
	for oi := 0; oi < n; oi += googleChunk {
		oe := min(oi+googleChunk, n)
		for di := 0; di < n; di += googleChunk {
			de := min(di+googleChunk, n)
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
				Origins:      locs[oi:oe],
				Destinations: locs[di:de],
				Mode:         maps.TravelModeDriving,
				Units:        maps.UnitsImperial,
			})
			if err != nil {
				return nil, fmt.Errorf("maps api error: %w", err)
			}
			if len(resp.Rows) != oe-oi {
				return nil, fmt.Errorf("maps api: got %d rows, want %d", len(resp.Rows), oe-oi)
			}
			for r, row := range resp.Rows {
				for j := di; j < de; j++ {
					i, c := oi+r, j-di
					if i == j {
						continue
					}
					// short rows and unroutable elements both fall back to an estimate
					if c >= len(row.Elements) || row.Elements[c] == nil || row.Elements[c].Status != "OK" {
						m.Minutes[i][j], m.Miles[i][j] = est.Estimate(points[i], points[j])
						m.markEstimated(i, j)
						estimated++
						continue
					}
					el := row.Elements[c]
					m.Minutes[i][j] = el.Duration.Minutes()
					m.Miles[i][j] = float64(el.Distance.Meters) / metersPerMile
				}
			}
		}
	}
	if estimated > 0 {
		g.log.Warn("maps api could not route some pairs", zap.Int("estimated", estimated), zap.Int("points", n))
	}
	return m, nil
}
