package dataset

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"school-gradients/internal/models"
)

// Exclusion reasons reported by Prepare.
const (
	ReasonMissingID          = "missing identifier"
	ReasonMissingCoordinates = "missing coordinates"
	ReasonInvalidCoordinates = "non-numeric coordinates"
	ReasonCoordinatesRange   = "coordinates out of range"
	ReasonMissingIndex       = "missing index"
	ReasonInvalidIndex       = "non-numeric index"
	ReasonIndexRange         = "index out of range"
	ReasonDuplicateID        = "duplicate identifier"
)

type PrepareOptions struct {
	IndexMin int
	IndexMax int
}

// Prepared is an analysis-ready dataset. Entities keep input order and are
// addressed by position 0..n-1.
type Prepared struct {
	Entities []models.Entity
	Excluded []models.Exclusion
	// Skipped counts records whose category is outside the requested labels.
	Skipped int
}

// NormalizeLabel makes category labels comparable across spelling variants of
// the same text (composed/decomposed umlauts, case, padding).
func NormalizeLabel(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Prepare filters records to the given category labels and coerces them into
// entities. Records without usable coordinates or index are excluded and
// reported, never defaulted.
func Prepare(records []models.RawRecord, labels []string, opts PrepareOptions) (*Prepared, error) {
	if len(labels) == 0 {
		return nil, eris.New("dataset: no category labels given")
	}
	if opts.IndexMin > opts.IndexMax {
		return nil, eris.Errorf("dataset: index range %d..%d is empty", opts.IndexMin, opts.IndexMax)
	}

	accept := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		accept[NormalizeLabel(l)] = struct{}{}
	}

	out := &Prepared{}
	seen := make(map[string]struct{})
	exclude := func(r models.RawRecord, reason string) {
		out.Excluded = append(out.Excluded, models.Exclusion{ID: r.ID, Row: r.Row, Reason: reason})
		zap.L().Warn("dataset: excluding school",
			zap.String("id", r.ID),
			zap.Int("row", r.Row),
			zap.String("reason", reason),
		)
	}

	for _, r := range records {
		if _, ok := accept[NormalizeLabel(r.Category)]; !ok {
			out.Skipped++
			continue
		}

		id := strings.TrimSpace(r.ID)
		if id == "" {
			exclude(r, ReasonMissingID)
			continue
		}

		loc, reason := parseLocation(r.Lat, r.Lon)
		if reason != "" {
			exclude(r, reason)
			continue
		}

		idx, reason := parseIndex(r.Index, opts)
		if reason != "" {
			exclude(r, reason)
			continue
		}

		if _, dup := seen[id]; dup {
			exclude(r, ReasonDuplicateID)
			continue
		}
		seen[id] = struct{}{}

		out.Entities = append(out.Entities, models.Entity{
			ID:       id,
			Name:     strings.TrimSpace(r.Name),
			Category: strings.TrimSpace(r.Category),
			Index:    idx,
			Loc:      loc,
			Address:  strings.TrimSpace(r.Address),
		})
	}

	return out, nil
}

func parseLocation(latStr, lonStr string) (models.Coordinate, string) {
	if strings.TrimSpace(latStr) == "" || strings.TrimSpace(lonStr) == "" {
		return models.Coordinate{}, ReasonMissingCoordinates
	}
	lat, err1 := parseDecimal(latStr)
	lon, err2 := parseDecimal(lonStr)
	if err1 != nil || err2 != nil || !finite(lat) || !finite(lon) {
		return models.Coordinate{}, ReasonInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Coordinate{}, ReasonCoordinatesRange
	}
	return models.Coordinate{Lat: lat, Lon: lon}, ""
}

func parseIndex(s string, opts PrepareOptions) (int, string) {
	if strings.TrimSpace(s) == "" {
		return 0, ReasonMissingIndex
	}
	v, err := parseDecimal(s)
	// Spreadsheet exports turn 5 into "5.0"; a real fraction is not an index level.
	if err != nil || !finite(v) || v != math.Trunc(v) {
		return 0, ReasonInvalidIndex
	}
	if v < float64(opts.IndexMin) || v > float64(opts.IndexMax) {
		return 0, ReasonIndexRange
	}
	return int(v), ""
}

// parseDecimal accepts both "51.43" and "51,43".
func parseDecimal(val string) (float64, error) {
	val = strings.TrimSpace(strings.ReplaceAll(val, ",", "."))
	if val == "" {
		return 0, eris.New("empty")
	}
	return strconv.ParseFloat(val, 64)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
