package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	assert.Zero(t, DistanceKm(Point{Lat: 37.7749, Lng: -122.4194}, Point{Lat: 37.7749, Lng: -122.4194}))
}

func TestHaversineKnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantKm    float64
		tolerance float64
	}{
		{"one hundredth degree of latitude", Point{0, 0}, Point{0.01, 0}, 1.112, 0.001},
		{"New York to Los Angeles", Point{40.7128, -74.0060}, Point{34.0522, -118.2437}, 3944, 50},
		{"antimeridian crossing", Point{0, 179.99}, Point{0, -179.99}, 2.224, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			assert.InDelta(t, tt.wantKm, got, tt.tolerance)
		})
	}
}

func TestHaversineSymmetry(t *testing.T) {
	pairs := [][2]Point{
		{{25.0, 121.0}, {26.0, 122.0}},
		{{-33.8688, 151.2093}, {51.5074, -0.1278}},
		{{37.0, -122.0}, {37.009, -122.0}},
	}
	for _, p := range pairs {
		d1 := DistanceKm(p[0], p[1])
		d2 := DistanceKm(p[1], p[0])
		assert.InDelta(t, d1, d2, 1e-9)
	}
}

func TestPointValid(t *testing.T) {
	assert.True(t, Point{Lat: 0, Lng: 0}.Valid())
	assert.True(t, Point{Lat: -90, Lng: 180}.Valid())
	assert.False(t, Point{Lat: 91, Lng: 0}.Valid())
	assert.False(t, Point{Lat: 0, Lng: -181}.Valid())
	assert.False(t, Point{Lat: math.NaN(), Lng: 0}.Valid())
	assert.False(t, Point{Lat: 0, Lng: math.Inf(1)}.Valid())
}

func TestGeohashPrecision(t *testing.T) {
	h := Geohash(Point{Lat: 37.7749, Lng: -122.4194}, 6)
	assert.Len(t, h, 6)
	assert.Equal(t, "9q8yyk", h)
}
