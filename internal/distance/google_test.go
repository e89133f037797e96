package distance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"poolroute/internal/model"
)

func linePoints(n int) []model.Coordinate {
	pts := make([]model.Coordinate, n)
	for i := range pts {
		pts[i] = model.Coordinate{Lat: 33.4 + float64(i)*0.01, Lng: -112.0}
	}
	return pts
}

// fakeMatrixServer answers every pair with 5 minutes and one mile. The unroutable pair gets
// ZERO_RESULTS and shortRows drops each row's last element.
func fakeMatrixServer(t *testing.T, unroutable string, shortRows bool, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/distancematrix/json") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		origins := strings.Split(r.URL.Query().Get("origins"), "|")
		dests := strings.Split(r.URL.Query().Get("destinations"), "|")
		type val struct {
			Value int64  `json:"value"`
			Text  string `json:"text"`
		}
		type element struct {
			Status   string `json:"status"`
			Duration *val   `json:"duration,omitempty"`
			Distance *val   `json:"distance,omitempty"`
		}
		type row struct {
			Elements []element `json:"elements"`
		}
		rows := make([]row, len(origins))
		for i, o := range origins {
			for _, d := range dests {
				if o+"|"+d == unroutable {
					rows[i].Elements = append(rows[i].Elements, element{Status: "ZERO_RESULTS"})
					continue
				}
				rows[i].Elements = append(rows[i].Elements, element{
					Status:   "OK",
					Duration: &val{Value: 300, Text: "5 mins"},
					Distance: &val{Value: 1609, Text: "1.0 mi"},
				})
			}
			if shortRows {
				rows[i].Elements = rows[i].Elements[:len(rows[i].Elements)-1]
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":                "OK",
			"origin_addresses":      origins,
			"destination_addresses": dests,
			"rows":                  rows,
		})
	}))
}

func TestGoogleProviderChunksAndEstimates(t *testing.T) {
	pts := linePoints(12)
	loc := func(p model.Coordinate) string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng) }
	var calls atomic.Int64
	srv := fakeMatrixServer(t, loc(pts[1])+"|"+loc(pts[2]), false, &calls)
	defer srv.Close()

	g, err := NewGoogleProvider(GoogleOptions{APIKey: "AIza-test", BaseURL: srv.URL, HTTPClient: srv.Client(), RequestsPerSecond: 1000}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	m, err := g.Matrix(context.Background(), pts)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("12 points should take 4 requests, got %d", calls.Load())
	}
	if m.Source != SourceGoogle {
		t.Fatalf("source=%s", m.Source)
	}
	if m.Minutes[0][11] != 5 {
		t.Fatalf("minutes[0][11]=%v want 5", m.Minutes[0][11])
	}
	if math.Abs(m.Miles[3][4]-1) > 0.01 {
		t.Fatalf("miles[3][4]=%v want ~1", m.Miles[3][4])
	}
	if !m.IsEstimated(1, 2) || m.IsEstimated(2, 1) {
		t.Fatal("only the unroutable pair should be estimated")
	}
	wantMin, _ := Haversine{}.Estimate(pts[1], pts[2])
	if math.Abs(m.Minutes[1][2]-wantMin) > 1e-9 {
		t.Fatalf("estimated cell=%v want %v", m.Minutes[1][2], wantMin)
	}
	if m.Minutes[5][5] != 0 {
		t.Fatal("diagonal must stay zero")
	}
}

func TestGoogleProviderHonorsCancel(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMatrixServer(t, "", false, &calls)
	defer srv.Close()
	g, err := NewGoogleProvider(GoogleOptions{APIKey: "AIza-test", BaseURL: srv.URL, HTTPClient: srv.Client()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Matrix(ctx, linePoints(3)); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestGoogleProviderEstimatesShortRowsAtRunSpeed(t *testing.T) {
	pts := linePoints(3)
	var calls atomic.Int64
	srv := fakeMatrixServer(t, "", true, &calls)
	defer srv.Close()
	g, err := NewGoogleProvider(GoogleOptions{APIKey: "AIza-test", BaseURL: srv.URL, HTTPClient: srv.Client(), RequestsPerSecond: 1000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g.Matrix(WithAvgSpeed(context.Background(), 60), pts)
	if err != nil {
		t.Fatal(err)
	}
	if m.Minutes[0][1] != 5 || m.IsEstimated(0, 1) {
		t.Fatalf("answered cell: %v", m.Minutes[0][1])
	}
	for i := 0; i < 2; i++ {
		if !m.IsEstimated(i, 2) || m.Minutes[i][2] == 0 {
			t.Fatalf("missing cell [%d][2] should be estimated, got %v", i, m.Minutes[i][2])
		}
		want, _ := Haversine{SpeedMph: 60}.Estimate(pts[i], pts[2])
		if math.Abs(m.Minutes[i][2]-want) > 1e-9 {
			t.Fatalf("cell [%d][2]=%v want %v at 60 mph", i, m.Minutes[i][2], want)
		}
	}
}
