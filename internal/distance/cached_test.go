package distance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"poolroute/internal/model"
)

func gridFn(a, b model.Coordinate) (float64, float64) {
	mi := HaversineMiles(a, b)
	return mi * 2, mi
}

func TestCachedProviderSecondCallHitsCache(t *testing.T) {
	inner := &StaticProvider{Fn: gridFn}
	cp := &CachedProvider{Inner: inner, Cache: NewMemoryCache(), TTL: time.Hour}
	pts := linePoints(4)
	ctx := context.Background()

	first, err := cp.Matrix(ctx, pts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Source != SourceStatic {
		t.Fatalf("first source=%s", first.Source)
	}
	second, err := cp.Matrix(ctx, pts)
	if err != nil {
		t.Fatal(err)
	}
	if inner.Calls() != 1 {
		t.Fatalf("inner called %d times, want 1", inner.Calls())
	}
	if second.Source != SourceCache || second.Minutes[0][3] != first.Minutes[0][3] {
		t.Fatalf("second=%+v", second)
	}

	// One new point only needs the pairs touching it.
	more := append(append([]model.Coordinate{}, pts...), model.Coordinate{Lat: 33.6, Lng: -112.1})
	third, err := cp.Matrix(ctx, more)
	if err != nil {
		t.Fatal(err)
	}
	if third.Source != SourceMixed {
		t.Fatalf("third source=%s", third.Source)
	}
	wantMin, _ := gridFn(more[4], more[1])
	if third.Minutes[4][1] != wantMin {
		t.Fatalf("new pair=%v want %v", third.Minutes[4][1], wantMin)
	}
}

func TestCachedProviderSkipsEstimates(t *testing.T) {
	cache := NewMemoryCache()
	cp := &CachedProvider{Inner: Haversine{}, Cache: cache}
	m, err := cp.Matrix(context.Background(), linePoints(3))
	if err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 0 {
		t.Fatalf("haversine results must not be cached, have %d", cache.Len())
	}
	if !m.IsEstimated(0, 1) {
		t.Fatal("cells from a straight-line source should be marked estimated")
	}
}

type slowProvider struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (s *slowProvider) Matrix(ctx context.Context, pts []model.Coordinate) (*Matrix, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.gate
	return (&StaticProvider{Fn: gridFn}).Matrix(ctx, pts)
}

func TestCachedProviderDedupesConcurrentLookups(t *testing.T) {
	sp := &slowProvider{gate: make(chan struct{})}
	cp := &CachedProvider{Inner: sp, Cache: NewMemoryCache()}
	pts := linePoints(3)
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cp.Matrix(context.Background(), pts)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(sp.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.calls < 1 || sp.calls > 2 {
		t.Fatalf("expected deduplicated calls, got %d", sp.calls)
	}
}

type failingProvider struct{ err error }

func (f failingProvider) Matrix(context.Context, []model.Coordinate) (*Matrix, error) {
	return nil, f.err
}

type blockingProvider struct{}

func (blockingProvider) Matrix(ctx context.Context, _ []model.Coordinate) (*Matrix, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFallbackProvider(t *testing.T) {
	pts := linePoints(3)
	fp := &FallbackProvider{Primary: failingProvider{errors.New("quota")}, Fallback: Haversine{SpeedMph: 25}}
	m, err := fp.Matrix(context.Background(), pts)
	if err != nil {
		t.Fatal(err)
	}
	if m.Source != SourceHaversine {
		t.Fatalf("source=%s", m.Source)
	}

	slow := &FallbackProvider{Primary: blockingProvider{}, Budget: 20 * time.Millisecond}
	m, err = slow.Matrix(context.Background(), pts)
	if err != nil || m.Source != SourceHaversine {
		t.Fatalf("budget overrun should fall back: %v %v", m, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := slow.Matrix(ctx, pts); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should see its own error, got %v", err)
	}
}

func TestHaversineSpeedOverride(t *testing.T) {
	pts := linePoints(2)
	base, _ := Haversine{}.Matrix(context.Background(), pts)
	fast, _ := Haversine{}.Matrix(WithAvgSpeed(context.Background(), 60), pts)
	if math.Abs(fast.Minutes[0][1]*2-base.Minutes[0][1]) > 1e-9 || fast.Miles[0][1] != base.Miles[0][1] {
		t.Fatalf("60 mph should halve minutes: base=%v fast=%v", base.Minutes[0][1], fast.Minutes[0][1])
	}
	if d := HaversineMiles(model.Coordinate{Lat: 0, Lng: 0}, model.Coordinate{Lat: 0, Lng: 1}); d < 69 || d > 69.2 {
		t.Fatalf("one degree of longitude at the equator ~69.1 mi, got %v", d)
	}
}
