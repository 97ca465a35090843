package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/courier-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceToSelfIsZero(t *testing.T) {
	points := []models.Coord{
		{Lat: -22.905, Lon: -47.060},
		{Lat: 90, Lon: 180},
		{Lat: -90, Lon: -180},
		{Lat: 43.25, Lon: 76.9},
	}
	for _, p := range points {
		d, err := Distance(p, p)
		if err != nil {
			t.Fatalf("distance(%v): %v", p, err)
		}
		if d != 0 {
			t.Fatalf("distance(%v, %v) = %f, want 0", p, p, d)
		}
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	pairs := [][2]models.Coord{
		{{Lat: -22.905, Lon: -47.060}, {Lat: -22.9, Lon: -47.05}},
		{{Lat: 51.5, Lon: -0.12}, {Lat: 40.7, Lon: -74}},
		{{Lat: 0, Lon: 179.9}, {Lat: 0, Lon: -179.9}},
	}
	for _, p := range pairs {
		ab, err := Distance(p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		ba, err := Distance(p[1], p[0])
		if err != nil {
			t.Fatal(err)
		}
		if ab != ba {
			t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
		}
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// one degree of latitude on the mean-radius sphere
	want := EarthRadiusMeters * math.Pi / 180
	got, err := Distance(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestIsWithinThreshold(t *testing.T) {
	store := models.Coord{Lat: -22.905, Lon: -47.060}
	near := OffsetNorth(store, 250)
	far := OffsetNorth(store, 1000)

	ok, err := IsWithin(near, store, 300)
	if err != nil || !ok {
		t.Fatalf("expected 250m sample within 300m, ok=%v err=%v", ok, err)
	}
	ok, err = IsWithin(far, store, 300)
	if err != nil || ok {
		t.Fatalf("expected 1000m sample outside 300m, ok=%v err=%v", ok, err)
	}
}

func TestInvalidCoordinate(t *testing.T) {
	bad := []models.Coord{
		{Lat: 90.0001, Lon: 0},
		{Lat: -91, Lon: 0},
		{Lat: 0, Lon: 180.5},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
	}
	for _, c := range bad {
		if _, err := Distance(c, models.Coord{}); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("Distance(%v): expected ErrInvalidCoordinate, got %v", c, err)
		}
		if _, err := IsWithin(models.Coord{}, c, 10); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("IsWithin(%v): expected ErrInvalidCoordinate, got %v", c, err)
		}
	}
}

func TestIndexNearbySkipsUnavailableAndSorts(t *testing.T) {
	idx := NewIndex()
	center := models.Coord{Lat: -22.905, Lon: -47.060}
	idx.Upsert(CourierPosition{CourierID: "far", Loc: OffsetNorth(center, 900), Available: true})
	idx.Upsert(CourierPosition{CourierID: "near", Loc: OffsetNorth(center, 100), Available: true})
	idx.Upsert(CourierPosition{CourierID: "busy", Loc: center, Available: false})
	idx.Upsert(CourierPosition{CourierID: "outside", Loc: OffsetNorth(center, 5000), Available: true})

	got := idx.Nearby(center, 1000, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 couriers, got %d", len(got))
	}
	if got[0].CourierID != "near" || got[1].CourierID != "far" {
		t.Fatalf("unexpected order: %s, %s", got[0].CourierID, got[1].CourierID)
	}
}

func TestAntipodalDistanceIsHalfCircumference(t *testing.T) {
	half := math.Pi * EarthRadiusMeters
	for i := 0; i <= 2000; i++ {
		lat := -90 + float64(i)*0.09
		a := models.Coord{Lat: lat, Lon: 10.123}
		b := models.Coord{Lat: -lat, Lon: -169.877}
		d, err := Distance(a, b)
		if err != nil {
			t.Fatalf("distance(%v, %v): %v", a, b, err)
		}
		if math.IsNaN(d) || math.Abs(d-half) > 1 {
			t.Fatalf("distance(%v, %v) = %f, want %f", a, b, d, half)
		}
		if ok, err := IsWithin(a, b, half+1); err != nil || !ok {
			t.Fatalf("antipodal points should be within half the circumference")
		}
	}
}
