package geofence

import "math"

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a named axis-aligned rectangle described by a center and
// independent half-widths in latitude and longitude degrees.
// Fields are unexported so a Fence cannot change after construction.
type Fence struct {
	name      string
	center    Point
	radiusLat float64
	radiusLng float64
}

// New builds a fence around center. Negative radii are folded to their
// absolute value.
func New(name string, center Point, radiusLat, radiusLng float64) Fence {
	return Fence{
		name:      name,
		center:    center,
		radiusLat: math.Abs(radiusLat),
		radiusLng: math.Abs(radiusLng),
	}
}

// FromBounds builds a fence from min/max corners.
func FromBounds(name string, latMin, latMax, lngMin, lngMax float64) Fence {
	if latMin > latMax {
		latMin, latMax = latMax, latMin
	}
	if lngMin > lngMax {
		lngMin, lngMax = lngMax, lngMin
	}
	return Fence{
		name:      name,
		center:    Point{Lat: (latMin + latMax) / 2, Lng: (lngMin + lngMax) / 2},
		radiusLat: (latMax - latMin) / 2,
		radiusLng: (lngMax - lngMin) / 2,
	}
}

func (f Fence) Name() string       { return f.name }
func (f Fence) Center() Point      { return f.center }
func (f Fence) RadiusLat() float64 { return f.radiusLat }
func (f Fence) RadiusLng() float64 { return f.radiusLng }

// Contains reports whether p lies inside the rectangle. The boundary is inside.
func (f Fence) Contains(p Point) bool {
	return IsInside(p, f)
}

// IsInside is the free-function form of Fence.Contains.
func IsInside(p Point, f Fence) bool {
	return math.Abs(p.Lat-f.center.Lat) <= f.radiusLat &&
		math.Abs(p.Lng-f.center.Lng) <= f.radiusLng
}
