package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	zone := New("Event Zone A", Point{Lat: 18.5194, Lng: 73.8150}, 0.005, 0.005)

	cases := []struct {
		name string
		p    Point
		want bool
	}{
		{"center", Point{18.5194, 73.8150}, true},
		{"small offset", Point{18.5196, 73.8151}, true},
		{"far away", Point{18.53, 73.82}, false},
		{"lat outside only", Point{18.5300, 73.8150}, false},
		{"lng outside only", Point{18.5194, 73.8300}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, zone.Contains(tc.p))
		})
	}
}

func TestBoundaryIsInside(t *testing.T) {
	// Power-of-two values keep the deltas exact in floating point.
	f := New("grid", Point{Lat: 10, Lng: 20}, 0.5, 0.25)

	assert.True(t, f.Contains(Point{Lat: 10.5, Lng: 20}))
	assert.True(t, f.Contains(Point{Lat: 9.5, Lng: 20.25}))
	assert.True(t, f.Contains(Point{Lat: 10.5, Lng: 19.75}))
	assert.False(t, f.Contains(Point{Lat: 10.5000001, Lng: 20}))
	assert.False(t, f.Contains(Point{Lat: 10, Lng: 20.2500001}))
}

func TestFromBounds(t *testing.T) {
	campus := FromBounds("campus", 18.5150, 18.5230, 73.8120, 73.8190)

	assert.InDelta(t, 18.5190, campus.Center().Lat, 1e-9)
	assert.InDelta(t, 73.8155, campus.Center().Lng, 1e-9)
	assert.InDelta(t, 0.004, campus.RadiusLat(), 1e-9)
	assert.InDelta(t, 0.0035, campus.RadiusLng(), 1e-9)
	assert.True(t, campus.Contains(Point{18.5196, 73.8151}))
	assert.False(t, campus.Contains(Point{18.53, 73.82}))

	swapped := FromBounds("swapped", 18.5230, 18.5150, 73.8190, 73.8120)
	assert.Equal(t, campus.Center(), swapped.Center())
}

func TestIndependentFences(t *testing.T) {
	zone := New("zone", Point{Lat: 18.5194, Lng: 73.8150}, 0.005, 0.005)
	campus := FromBounds("campus", 18.5150, 18.5230, 73.8120, 73.8190)

	// Inside the zone's longitude band but east of the campus edge.
	p := Point{Lat: 18.5194, Lng: 73.8195}
	assert.True(t, zone.Contains(p))
	assert.False(t, campus.Contains(p))
}
