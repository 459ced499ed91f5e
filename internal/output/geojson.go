package output

import (
	"path/filepath"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"school-gradients/internal/models"
)

func writeGeoJSON(dir string, r *models.Report) error {
	for _, p := range r.Partitions {
		fc := featureCollection(p)
		if err := writeJSONFile(filepath.Join(dir, fileName(p.Name)+".geojson"), fc); err != nil {
			return err
		}
	}
	return nil
}

// featureCollection draws each match as a line between the two schools,
// ranked by position in the partition.
func featureCollection(p models.Partition) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(p.Matches))}
	for i, m := range p.Matches {
		line := geom.NewLineStringFlat(geom.XY, []float64{m.A.Lon, m.A.Lat, m.B.Lon, m.B.Lat})
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry: line,
			Properties: map[string]interface{}{
				"rank":        i + 1,
				"partition":   p.Name,
				"school_1":    m.A,
				"school_2":    m.B,
				"difference":  m.Difference,
				"distance_km": m.DistanceKm,
				"gradient":    m.Gradient,
			},
		})
	}
	return fc
}
