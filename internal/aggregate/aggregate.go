package aggregate

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"school-gradients/internal/models"
)

// Sort orders matches by gradient, steepest first. The sort is stable, so equal
// gradients keep enumeration order and identical input gives identical output.
func Sort(matches []models.MatchRecord) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Gradient > matches[j].Gradient
	})
}

// TopK returns a single partition holding the k steepest of the already sorted matches.
func TopK(name string, matches []models.MatchRecord, k int) models.Partition {
	if k >= 0 && k < len(matches) {
		matches = matches[:k]
	}
	kept := make([]models.MatchRecord, len(matches))
	copy(kept, matches)
	return models.Partition{
		Name:    name,
		Matches: kept,
		Stats:   Summarize(kept),
	}
}

// Ranges builds contiguous (prev, bound] ranges from increasing upper bounds,
// starting at zero.
func Ranges(bounds []float64) ([]models.DistanceRange, error) {
	ranges := make([]models.DistanceRange, 0, len(bounds))
	lo := 0.0
	for _, hi := range bounds {
		if hi <= lo {
			return nil, eris.Errorf("aggregate: bucket bound %v must be greater than %v", hi, lo)
		}
		ranges = append(ranges, models.DistanceRange{Lo: lo, Hi: hi})
		lo = hi
	}
	return ranges, nil
}

// Buckets splits sorted matches into one partition per distance range, in range
// order. Nothing is truncated. Matches outside every range are counted and
// returned as unbucketed.
func Buckets(group string, matches []models.MatchRecord, ranges []models.DistanceRange) ([]models.Partition, int) {
	parts := make([]models.Partition, len(ranges))
	for i, r := range ranges {
		rng := r
		parts[i] = models.Partition{
			Name:    BucketName(group, r),
			Group:   group,
			Range:   &rng,
			Matches: []models.MatchRecord{},
		}
	}

	unbucketed := 0
	for _, m := range matches {
		placed := false
		for i, r := range ranges {
			if r.Contains(m.EffectiveKm) {
				parts[i].Matches = append(parts[i].Matches, m)
				placed = true
				break
			}
		}
		if !placed {
			unbucketed++
		}
	}

	for i := range parts {
		parts[i].Stats = Summarize(parts[i].Matches)
	}
	return parts, unbucketed
}

// BucketName renders e.g. "grundschulen-0-1km" or "grundschulen-0.5-1.5km".
func BucketName(group string, r models.DistanceRange) string {
	return fmt.Sprintf("%s-%s-%skm", group, formatKm(r.Lo), formatKm(r.Hi))
}

func formatKm(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Summarize computes min, max and mean of distance, difference and gradient.
// An empty input yields all zeros.
func Summarize(matches []models.MatchRecord) models.Stats {
	st := models.Stats{Count: len(matches)}
	if len(matches) == 0 {
		return st
	}

	dist := newAccumulator()
	diff := newAccumulator()
	grad := newAccumulator()
	for _, m := range matches {
		dist.add(m.DistanceKm)
		diff.add(float64(m.Difference))
		grad.add(m.Gradient)
	}

	st.DistanceKm = dist.summary()
	st.Difference = diff.summary()
	st.Gradient = grad.summary()
	return st
}
