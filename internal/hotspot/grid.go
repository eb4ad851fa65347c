package hotspot

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	// DefaultGridSize is the cell edge in degrees. A degree of longitude
	// shrinks with latitude, so cells are ~1.1 km tall everywhere but only
	// ~1.1 km wide at the equator.
	DefaultGridSize = 0.01
	DefaultMinTrips = 1

	highIntensityTrips   = 20
	mediumIntensityTrips = 10
)

// Cell is one occupied grid cell.
type Cell struct {
	GridX     int64
	GridY     int64
	Center    geo.Point // centroid of the member points
	Count     int
	Intensity models.Intensity
}

type cellKey struct{ x, y int64 }

type accum struct {
	sumLat, sumLng float64
	count          int
}

// Cluster buckets points into gridSize-degree cells and returns every cell
// holding at least minTrips points, in order of first occupancy.
func Cluster(points []geo.Point, gridSize float64, minTrips int) []Cell {
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	cells := make(map[cellKey]*accum)
	var order []cellKey
	for _, p := range points {
		k := cellKey{
			x: int64(math.Floor(p.Lat / gridSize)),
			y: int64(math.Floor(p.Lng / gridSize)),
		}
		a, ok := cells[k]
		if !ok {
			a = &accum{}
			cells[k] = a
			order = append(order, k)
		}
		a.sumLat += p.Lat
		a.sumLng += p.Lng
		a.count++
	}

	out := make([]Cell, 0, len(order))
	for _, k := range order {
		a := cells[k]
		if a.count < minTrips {
			continue
		}
		n := float64(a.count)
		out = append(out, Cell{
			GridX:     k.x,
			GridY:     k.y,
			Center:    geo.Point{Lat: a.sumLat / n, Lng: a.sumLng / n},
			Count:     a.count,
			Intensity: IntensityFor(a.count),
		})
	}
	return out
}

func IntensityFor(count int) models.Intensity {
	switch {
	case count >= highIntensityTrips:
		return models.IntensityHigh
	case count >= mediumIntensityTrips:
		return models.IntensityMedium
	default:
		return models.IntensityLow
	}
}
