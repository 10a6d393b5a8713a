package report

import (
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Feature roles stored in the "role" property.
const (
	RoleSample   = "sample"
	RoleResidual = "residual"
	RoleHull     = "inlier_hull"
)

// FeatureCollection converts the report to GeoJSON in image coordinates.
// Every sample becomes a Point at its observed position, valid predictions
// add a LineString from observed to predicted, and three or more inliers
// add their convex hull as a Polygon.
func (r *Report) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range r.Samples {
		observed := orb.Point{s.Observed.X, s.Observed.Y}

		f := geojson.NewFeature(observed)
		f.ID = s.Index
		f.Properties["role"] = RoleSample
		f.Properties["index"] = s.Index
		f.Properties["inlier"] = s.Inlier
		if finiteValue(s.Residual) {
			f.Properties["residual"] = s.Residual
		}
		fc.Append(f)

		if !s.Valid {
			continue
		}
		predicted := orb.Point{s.Predicted.X, s.Predicted.Y}
		line := geojson.NewFeature(orb.LineString{observed, predicted})
		line.Properties["role"] = RoleResidual
		line.Properties["index"] = s.Index
		line.Properties["inlier"] = s.Inlier
		line.Properties["length"] = planar.Distance(observed, predicted)
		fc.Append(line)
	}

	if hull := r.inlierHull(); hull != nil {
		poly := orb.Polygon{hull}
		f := geojson.NewFeature(poly)
		f.Properties["role"] = RoleHull
		f.Properties["inliers"] = r.Inliers()
		f.Properties["area"] = math.Abs(planar.Area(poly))
		fc.Append(f)
	}

	fc.ExtraMembers = geojson.Properties{
		"kind":   r.Kind,
		"method": r.Method,
		"rms":    r.RMS(),
	}
	return fc
}

// WriteGeoJSON writes the feature collection to w.
func (r *Report) WriteGeoJSON(w io.Writer) error {
	data, err := r.FeatureCollection().MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling geojson: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func finiteValue(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
