package geofence

import (
	"github.com/twpayne/go-geom"

	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/utils"
)

// circularContains reports whether fix lies within the circular geofence's
// radius, along with the great-circle distance to its center in meters.
func circularContains(g models.Geofence, fix models.Location) (bool, float64) {
	distance := utils.HaversineMeters(fix.Latitude, fix.Longitude, g.CenterLatitude, g.CenterLongitude)
	return distance <= g.RadiusM, distance
}

// polygonContains implements ray-casting point-in-polygon membership: a ray
// cast from the query point along increasing longitude crosses an odd
// number of edges iff the point is inside. Horizontal edges never
// contribute a crossing; a query point that lies exactly on an edge is
// treated as inside per the engine's on-edge convention.
//
// Vertices are carried through a go-geom LinearRing built by toRing. The
// trip package's route-deviation geometry does not use go-geom; it works on
// plain []models.Coordinate.
func polygonContains(p models.PolygonGeofence, fix models.Location) bool {
	ring := toRing(p.Vertices)
	n := ring.NumCoords()
	if n < 3 {
		return false
	}

	if onAnyEdge(ring, fix.Latitude, fix.Longitude) {
		return true
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := ring.Coord(i)[0], ring.Coord(i)[1]
		xj, yj := ring.Coord(j)[0], ring.Coord(j)[1]

		if (yi > fix.Latitude) != (yj > fix.Latitude) {
			xIntersect := (xj-xi)*(fix.Latitude-yi)/(yj-yi) + xi
			if fix.Longitude < xIntersect {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// toRing packs polygon vertices (lat, lng) into a go-geom LinearRing using
// (lng, lat) ordinate order, the conventional (x, y) axis order go-geom's
// geometry algorithms expect.
func toRing(vertices []models.Coordinate) *geom.LinearRing {
	flat := make([]float64, 0, len(vertices)*2)
	for _, v := range vertices {
		flat = append(flat, v.Longitude, v.Latitude)
	}
	ring, err := geom.NewLinearRing(geom.XY).SetFlatCoords(flat)
	if err != nil {
		// Caller has already validated vertex count via PolygonGeofence.Validate;
		// a malformed ring here would indicate a programming error upstream.
		return geom.NewLinearRing(geom.XY)
	}
	return ring
}

// onAnyEdge reports whether (lat, lng) lies on any edge of the ring within a
// tiny epsilon, honoring the "on-edge counts as inside" convention.
func onAnyEdge(ring *geom.LinearRing, lat, lng float64) bool {
	const epsilon = 1e-9
	n := ring.NumCoords()
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := ring.Coord(i)[0], ring.Coord(i)[1]
		xj, yj := ring.Coord(j)[0], ring.Coord(j)[1]

		crossProduct := (lng-xi)*(yj-yi) - (lat-yi)*(xj-xi)
		if abs(crossProduct) < epsilon {
			minX, maxX := minmax(xi, xj)
			minY, maxY := minmax(yi, yj)
			if lng >= minX-epsilon && lng <= maxX+epsilon && lat >= minY-epsilon && lat <= maxY+epsilon {
				return true
			}
		}
		j = i
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minmax(a, b float64) (float64, float64) {
	if a < b {
		return a, b
	}
	return b, a
}
