package client

import (
	"time"

	"eventsync/internal/geofence"
	"eventsync/internal/model"
)

// Walk interpolates a path through waypoints with steps samples per leg,
// spaced every tick starting at start. The final waypoint is included once.
func Walk(waypoints []geofence.Point, steps int, start time.Time, tick time.Duration) []model.LocationPoint {
	if len(waypoints) == 0 {
		return nil
	}
	if steps < 1 {
		steps = 1
	}
	out := make([]model.LocationPoint, 0, (len(waypoints)-1)*steps+1)
	at := start
	emit := func(p geofence.Point) {
		out = append(out, model.LocationPoint{Lat: p.Lat, Lng: p.Lng, Timestamp: at.UnixMilli()})
		at = at.Add(tick)
	}
	for i := 0; i+1 < len(waypoints); i++ {
		from, to := waypoints[i], waypoints[i+1]
		for s := 0; s < steps; s++ {
			f := float64(s) / float64(steps)
			emit(geofence.Point{
				Lat: from.Lat + (to.Lat-from.Lat)*f,
				Lng: from.Lng + (to.Lng-from.Lng)*f,
			})
		}
	}
	emit(waypoints[len(waypoints)-1])
	return out
}
