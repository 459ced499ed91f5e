package aggregate

import (
	"math"

	"school-gradients/internal/calculator"
	"school-gradients/internal/models"
)

type accumulator struct {
	min, max, sum float64
	n             int
}

func newAccumulator() *accumulator {
	return &accumulator{min: math.Inf(1), max: math.Inf(-1)}
}

func (a *accumulator) add(v float64) {
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
	a.sum += v
	a.n++
}

func (a *accumulator) summary() models.Summary {
	if a.n == 0 {
		return models.Summary{}
	}
	return models.Summary{
		Min:  a.min,
		Max:  a.max,
		Mean: calculator.Round2(a.sum / float64(a.n)),
	}
}
