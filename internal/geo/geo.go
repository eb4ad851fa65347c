package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusKm is the mean earth radius used by every distance computation.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate inside the lat/lng ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Haversine distance in kilometres.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm is Haversine over two points.
func DistanceKm(a, b Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Geohash encodes p at the given precision (6 is roughly a 1.2 km cell).
func Geohash(p Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
