package eta

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

var (
	from = models.Coord{Lat: -22.905, Lon: -47.060}
	to   = models.Coord{Lat: -22.91, Lon: -47.05}
)

func TestEstimatorUsesProviderAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":1234.5,"duration":321}]}`)
	}))
	defer srv.Close()

	e := &Estimator{Provider: NewOSRMClient(srv.URL), Cache: NewCache(time.Minute)}
	for i := 0; i < 2; i++ {
		got := e.Estimate(context.Background(), from, to)
		if got.Source != "osrm" || got.DistanceMeters != 1234.5 || got.DurationSeconds != 321 {
			t.Fatalf("unexpected estimate %+v", got)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached second lookup, provider hit %d times", hits.Load())
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()

	e := &Estimator{Provider: NewOSRMClient(srv.URL), SpeedMps: 10}
	got := e.Estimate(context.Background(), from, to)
	if got.Source != "naive" {
		t.Fatalf("expected naive fallback, got %+v", got)
	}
	if got.DurationSeconds != got.DistanceMeters/10 {
		t.Fatalf("duration should follow configured speed: %+v", got)
	}
}

func TestNaiveDefaultsSpeed(t *testing.T) {
	got := Naive(from, from, 0)
	if got.DistanceMeters != 0 || got.DurationSeconds != 0 {
		t.Fatalf("expected zero estimate for same point, got %+v", got)
	}
}
