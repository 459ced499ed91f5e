package calculator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"school-gradients/internal/models"
)

// ErrPrecondition marks input that preparation should have rejected, such as a
// coordinate that turns a distance into NaN. It aborts the run.
var ErrPrecondition = eris.New("calculator: precondition violated")

type ProgressCallback func(done, total int64)

type Options struct {
	MinDifference int
	// MaxDistanceKm skips pairs farther apart than this. Zero means unbounded.
	MaxDistanceKm float64
	// ZeroFloorKm replaces a distance of exactly zero so the gradient stays finite.
	// Co-located schools therefore get inflated gradients.
	ZeroFloorKm     float64
	IncludeMetadata bool
	Workers         int
	ProgressEvery   int64
	Progress        ProgressCallback
}

type Result struct {
	Matches           []models.MatchRecord
	PairsVisited      int64
	PairsWithinCutoff int64
}

// PairCount returns n(n-1)/2.
func PairCount(n int) int64 {
	if n < 2 {
		return 0
	}
	return int64(n) * int64(n-1) / 2
}

// Compare visits every unordered pair (i, j), i < j, of the prepared entities once
// and returns the pairs whose index difference reaches opts.MinDifference.
// Matches come back in enumeration order regardless of opts.Workers.
func Compare(ctx context.Context, entities []models.Entity, opts Options) (*Result, error) {
	if opts.MaxDistanceKm > 0 && opts.ZeroFloorKm > opts.MaxDistanceKm {
		return nil, eris.Wrapf(ErrPrecondition, "zero floor %v km exceeds the %v km cutoff", opts.ZeroFloorKm, opts.MaxDistanceKm)
	}

	n := len(entities)
	total := PairCount(n)

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	bounds := splitRows(n, workers)

	var (
		visited   atomic.Int64
		lastTick  atomic.Int64
		progMu    sync.Mutex
		buffers   = make([][]models.MatchRecord, len(bounds)-1)
		inCutoffs = make([]int64, len(bounds)-1)
	)

	report := func(done int64) {
		if opts.Progress == nil || opts.ProgressEvery <= 0 {
			return
		}
		tick := done / opts.ProgressEvery
		if tick == lastTick.Load() {
			return
		}
		progMu.Lock()
		defer progMu.Unlock()
		if tick > lastTick.Load() {
			lastTick.Store(tick)
			opts.Progress(done, total)
		}
	}

	// TODO: when MaxDistanceKm is set, bin entities into a lat/lon grid sized to the
	// cutoff and only compare neighbouring cells.
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < len(bounds)-1; w++ {
		w := w
		start, end := bounds[w], bounds[w+1]
		g.Go(func() error {
			var local []models.MatchRecord
			var within int64

			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return eris.Wrap(err, "calculator: compare cancelled")
				}
				a := entities[i]
				for j := i + 1; j < n; j++ {
					m, inCutoff, err := comparePair(a, entities[j], opts)
					if err != nil {
						return err
					}
					if inCutoff {
						within++
					}
					if m != nil {
						local = append(local, *m)
					}
				}
				report(visited.Add(int64(n - 1 - i)))
			}

			buffers[w] = local
			inCutoffs[w] = within
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{PairsVisited: visited.Load()}
	for w := range buffers {
		res.Matches = append(res.Matches, buffers[w]...)
		res.PairsWithinCutoff += inCutoffs[w]
	}

	if opts.Progress != nil {
		opts.Progress(res.PairsVisited, total)
	}
	return res, nil
}

// comparePair applies the cutoff, the zero floor and the difference threshold, in
// that order. The bool reports whether the pair fell inside the distance cutoff.
func comparePair(a, b models.Entity, opts Options) (*models.MatchRecord, bool, error) {
	d := Haversine(a.Loc.Lat, a.Loc.Lon, b.Loc.Lat, b.Loc.Lon)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return nil, false, eris.Wrapf(ErrPrecondition, "distance between %q and %q is %v", a.ID, b.ID, d)
	}
	if opts.MaxDistanceKm > 0 && d > opts.MaxDistanceKm {
		return nil, false, nil
	}
	if d == 0 {
		d = opts.ZeroFloorKm
	}

	diff := a.Index - b.Index
	if diff < 0 {
		diff = -diff
	}
	if diff < opts.MinDifference {
		return nil, true, nil
	}
	if d <= 0 {
		return nil, true, eris.Wrapf(ErrPrecondition, "non-positive effective distance between %q and %q", a.ID, b.ID)
	}

	return &models.MatchRecord{
		A:           summarize(a, opts.IncludeMetadata),
		B:           summarize(b, opts.IncludeMetadata),
		Difference:  diff,
		DistanceKm:  Round2(d),
		Gradient:    Round2(float64(diff) / d),
		EffectiveKm: d,
	}, true, nil
}

func summarize(e models.Entity, withMeta bool) models.EntitySummary {
	s := models.EntitySummary{
		ID:       e.ID,
		Category: e.Category,
		Index:    e.Index,
		Lat:      e.Loc.Lat,
		Lon:      e.Loc.Lon,
	}
	if withMeta {
		s.Name = e.Name
		s.Address = e.Address
	}
	return s
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// splitRows cuts the outer index range [0, n) into at most `workers` contiguous
// chunks holding roughly the same number of pairs. Row i owns n-1-i pairs.
func splitRows(n, workers int) []int {
	if n < 2 || workers <= 1 {
		return []int{0, n}
	}
	total := PairCount(n)
	per := (total + int64(workers) - 1) / int64(workers)

	bounds := []int{0}
	var acc int64
	for i := 0; i < n; i++ {
		acc += int64(n - 1 - i)
		if acc >= per && len(bounds) < workers {
			bounds = append(bounds, i+1)
			acc = 0
		}
	}
	if bounds[len(bounds)-1] != n {
		bounds = append(bounds, n)
	}
	return bounds
}
