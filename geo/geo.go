// Package geo position helpers shared by the publisher and the live view
package geo

import (
	"errors"
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// earthRadiusMeters mean earth radius used by HaversineMeters
const earthRadiusMeters = 6371000.0

// ErrInvalidCoordinates is returned when the coordinates are out of range
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Position a WGS84 latitude / longitude pair in degrees
type Position struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
}

// String implements fmt.Stringer
func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Latitude, p.Longitude)
}

// Validate check the position is a usable WGS84 coordinate
func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return ErrInvalidCoordinates
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Equal exact comparison of two positions
func (p Position) Equal(other Position) bool {
	return p.Latitude == other.Latitude && p.Longitude == other.Longitude
}

// XY the position as planar coordinates, X is longitude
func (p Position) XY() geom.XY {
	return geom.XY{X: p.Longitude, Y: p.Latitude}
}

// FromXY convert planar coordinates back to a position
func FromXY(xy geom.XY) Position {
	return Position{Latitude: xy.Y, Longitude: xy.X}
}

// Point the position as a 2D point geometry. Fails for non-finite coordinates.
func (p Position) Point() (geom.Point, error) {
	return geom.NewPoint(geom.Coordinates{XY: p.XY(), Type: geom.DimXY})
}

// WKT the position in well-known-text form
func (p Position) WKT() string {
	pt, err := p.Point()
	if err != nil {
		return geom.Point{}.AsText()
	}
	return pt.AsText()
}

// WebMercator project the position into EPSG:3857 meters
func (p Position) WebMercator() (x float64, y float64) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(p.Longitude, p.Latitude, 0)
	return x, y
}

// Lerp linearly interpolate latitude and longitude between start and target.
//
// t is clamped to [0, 1]. At t >= 1 the target is returned exactly.
func Lerp(start, target Position, t float64) Position {
	if t >= 1 {
		return target
	}
	if t <= 0 {
		return start
	}
	from := start.XY()
	return FromXY(from.Add(target.XY().Sub(from).Scale(t)))
}

// HaversineMeters great circle distance between two positions
func HaversineMeters(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
