package geo_test

import (
	"math"
	"testing"

	"reliefline/internal/domain"
	"reliefline/internal/geo"
)

func TestDistanceSymmetricAndZero(t *testing.T) {
	pairs := []struct {
		a, b domain.Location
	}{
		{domain.Location{Latitude: 37.77, Longitude: -122.42}, domain.Location{Latitude: 37.78, Longitude: -122.43}},
		{domain.Location{Latitude: 0, Longitude: 0}, domain.Location{Latitude: -45.5, Longitude: 170.2}},
		{domain.Location{Latitude: 89.9, Longitude: 179.9}, domain.Location{Latitude: -89.9, Longitude: -179.9}},
	}
	for _, p := range pairs {
		ab, err := geo.Distance(p.a, p.b)
		if err != nil {
			t.Fatalf("distance: %v", err)
		}
		ba, err := geo.Distance(p.b, p.a)
		if err != nil {
			t.Fatalf("distance: %v", err)
		}
		if math.Abs(ab-ba) > 1e-6 {
			t.Fatalf("asymmetric distance: %v vs %v", ab, ba)
		}
		aa, _ := geo.Distance(p.a, p.a)
		if aa != 0 {
			t.Fatalf("d(a,a) = %v, want 0", aa)
		}
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// SF downtown to Berkeley, roughly 17 km as the crow flies.
	sf := domain.Location{Latitude: 37.7749, Longitude: -122.4194}
	berkeley := domain.Location{Latitude: 37.8715, Longitude: -122.2730}
	d, err := geo.Distance(sf, berkeley)
	if err != nil {
		t.Fatal(err)
	}
	if d < 16 || d > 18 {
		t.Fatalf("unexpected distance %v km", d)
	}
}

func TestDistanceRejectsOutOfRange(t *testing.T) {
	ok := domain.Location{Latitude: 10, Longitude: 10}
	bad := []domain.Location{
		{Latitude: 90.1, Longitude: 0},
		{Latitude: -90.1, Longitude: 0},
		{Latitude: 0, Longitude: 180.1},
		{Latitude: 0, Longitude: -180.1},
	}
	for _, b := range bad {
		if _, err := geo.Distance(ok, b); err == nil {
			t.Fatalf("expected error for %+v", b)
		}
		if err := geo.Validate(b); err == nil {
			t.Fatalf("expected validate error for %+v", b)
		}
	}
	if err := geo.Validate(domain.Location{Latitude: 90, Longitude: -180}); err != nil {
		t.Fatalf("boundary coordinates should validate: %v", err)
	}
}
