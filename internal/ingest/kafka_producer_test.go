package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

func TestLocationMessageKeyedByCourier(t *testing.T) {
	p := geo.CourierPosition{
		CourierID: "c7",
		Loc:       models.Coord{Lat: -22.9, Lon: -47.06},
		Available: true,
		Updated:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	msg, err := LocationMessage(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != "c7" {
		t.Fatalf("expected key c7, got %q", msg.Key)
	}
	var back geo.CourierPosition
	if err := json.Unmarshal(msg.Value, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.CourierID != "c7" || back.Loc != p.Loc || !back.Available {
		t.Fatalf("unexpected payload %+v", back)
	}
}
