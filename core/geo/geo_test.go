package geo

import (
	"math"
	"testing"
)

func TestHaversineMeters(t *testing.T) {
	// Bangalore MG Road to Koramangala, roughly 5.4km.
	d := HaversineMeters(77.6197, 12.9758, 77.6245, 12.9279)
	if math.Abs(d-5350) > 200 {
		t.Fatalf("unexpected distance: %.0fm", d)
	}

	if d := HaversineMeters(77.6, 12.9, 77.6, 12.9); d != 0 {
		t.Fatalf("identical points must be 0m apart, got %f", d)
	}

	// One degree of latitude is close to 111km everywhere.
	d = HaversineMeters(0, 0, 0, 1)
	if math.Abs(d-111195) > 500 {
		t.Fatalf("unexpected meridian distance: %.0fm", d)
	}
}
