package correlator

import (
	"math"
	"sort"
	"time"

	"github.com/citypulse/core/types"
)

// alignedPair is one time-aligned observation across two domains.
type alignedPair struct {
	a, b types.DataPoint
}

// alignSeries pairs points from two sorted series whose timestamps fall
// within tolerance of each other. Each point is consumed at most once;
// unalignable points are excluded. Both inputs must be sorted by
// timestamp ascending.
func alignSeries(a, b []types.DataPoint, tolerance time.Duration) []alignedPair {
	var pairs []alignedPair

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		diff := a[i].Timestamp.Sub(b[j].Timestamp)
		switch {
		case diff < -tolerance:
			i++
		case diff > tolerance:
			j++
		default:
			pairs = append(pairs, alignedPair{a: a[i], b: b[j]})
			i++
			j++
		}
	}
	return pairs
}

// pearson computes the Pearson correlation coefficient for two equal
// length samples. Constant-variance input yields 0, not NaN: a flat
// series carries no correlation signal, and one degenerate pair must
// not poison the rest of the matrix.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 || len(x) != len(y) {
		return 0
	}

	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0
	}

	r := cov / math.Sqrt(varX*varY)
	// Guard against floating point drift outside [-1, 1].
	return math.Max(-1, math.Min(1, r))
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// numericVariables collects the numeric field names observed across a
// window of points, sorted so recomputation output is deterministic.
func numericVariables(pts []types.DataPoint) []string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range pts {
		for name, v := range p.Fields {
			if v.IsNumeric() && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// samplesFor extracts the paired numeric samples for one variable pair
// from aligned points, skipping pairs where either side lacks the
// variable.
func samplesFor(pairs []alignedPair, varA, varB string) (x, y []float64) {
	for _, pr := range pairs {
		va, okA := pr.a.Numeric(varA)
		vb, okB := pr.b.Numeric(varB)
		if okA && okB {
			x = append(x, va)
			y = append(y, vb)
		}
	}
	return x, y
}
