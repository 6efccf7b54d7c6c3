package trip

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Route renders a trip as a GeoJSON feature collection: the sample path as a
// LineString followed by start and (when known) end points.
func Route(t Trip) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	line := make(orb.LineString, 0, len(t.Samples))
	for _, s := range t.Samples {
		line = append(line, orb.Point{s.Longitude, s.Latitude})
	}
	if len(line) >= 2 {
		path := geojson.NewFeature(line)
		path.ID = t.LocalID
		path.Properties["mode"] = string(t.Mode)
		path.Properties["mode_confidence"] = t.ModeConfidence
		path.Properties["distance_km"] = t.DistanceKm
		path.Properties["duration_minutes"] = t.DurationMinutes
		fc.Append(path)
	}

	start := geojson.NewFeature(orb.Point{t.StartLocation.Longitude, t.StartLocation.Latitude})
	start.Properties["kind"] = "start"
	start.Properties["time"] = t.StartTime
	fc.Append(start)

	if t.EndLocation != nil {
		end := geojson.NewFeature(orb.Point{t.EndLocation.Longitude, t.EndLocation.Latitude})
		end.Properties["kind"] = "end"
		end.Properties["time"] = t.EndTime
		fc.Append(end)
	}
	return fc
}
