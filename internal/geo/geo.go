package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects latitudes outside [-90,90] and longitudes outside [-180,180].
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lat=%f lon=%f", ErrInvalidCoordinate, c.Lat, c.Lon)
	}
	return nil
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b models.Coord) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

// IsWithin reports whether b lies within thresholdMeters of a (inclusive).
func IsWithin(a, b models.Coord, thresholdMeters float64) (bool, error) {
	d, err := Distance(a, b)
	if err != nil {
		return false, err
	}
	return d <= thresholdMeters, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a just outside [0,1] for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// OffsetNorth returns the point lying meters due north of c.
func OffsetNorth(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/EarthRadiusMeters*180/math.Pi, Lon: c.Lon}
}

// CourierPosition is one entry of the courier position index.
type CourierPosition struct {
	CourierID string       `json:"courierId"`
	Loc       models.Coord `json:"loc"`
	Available bool         `json:"available"`
	Distance  float64      `json:"distanceMeters,omitempty"`
	Updated   time.Time    `json:"updated"`
}

// Geo is the position index the gateway keeps for dispatch operators.
type Geo interface {
	Upsert(p CourierPosition)
	Nearby(center models.Coord, radiusMeters float64, limit int) []CourierPosition
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]CourierPosition
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]CourierPosition)}
}

func (g *Index) Upsert(p CourierPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	g.positions[p.CourierID] = p
}

// naive scan; fine for a single gateway instance
func (g *Index) Nearby(center models.Coord, radiusMeters float64, limit int) []CourierPosition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CourierPosition, 0, len(g.positions))
	for _, p := range g.positions {
		if !p.Available {
			continue
		}
		p.Distance = Haversine(center.Lat, center.Lon, p.Loc.Lat, p.Loc.Lon)
		if p.Distance > radiusMeters {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
