package prototype

import (
	"math"
	"slices"

	"github.com/cockroachdb/errors"
)

// Errors for prototype construction
var (
	ErrDegenerateClustering = errors.New("prototype: degenerate clustering")
	ErrDegenerateCentroid   = errors.New("prototype: zero-norm centroid")
)

// Clip bounds of the concentration vector, as percentiles.
const (
	clipLowPercentile  = 10
	clipHighPercentile = 90
)

// EstimateConcentration turns per-cluster squared distances into per-cluster
// temperatures whose mean is baseTemperature.
//
// Clusters with more than one member get mean(√d)/ln(n+10). Clusters with
// zero or one member borrow the largest multi-member value. The vector is
// then clipped to its own [p10, p90] and rescaled.
//
// Example:
//
//	phi, err := EstimateConcentration([][]float64{{1, 1, 1}, {4}, {9, 9}}, 0.2)
//	// phi[1] == max(phi[0], phi[2]) before clipping
func EstimateConcentration(distByCluster [][]float64, baseTemperature float64) ([]float64, error) {
	if baseTemperature <= 0 || math.IsNaN(baseTemperature) || math.IsInf(baseTemperature, 0) {
		return nil, errors.Newf("base temperature must be positive and finite, got %v", baseTemperature)
	}
	k := len(distByCluster)
	if k == 0 {
		return nil, errors.Mark(errors.New("no clusters"), ErrDegenerateClustering)
	}

	density := make([]float64, k)
	multi := make([]bool, k)
	maxMulti := math.Inf(-1)

	// Pass one: multi-member clusters only.
	for i, dist := range distByCluster {
		if len(dist) <= 1 {
			continue
		}
		var sum float64
		for _, d := range dist {
			sum += math.Sqrt(d)
		}
		density[i] = sum / float64(len(dist)) / math.Log(float64(len(dist))+10)
		multi[i] = true
		if density[i] > maxMulti {
			maxMulti = density[i]
		}
	}
	if math.IsInf(maxMulti, -1) {
		return nil, errors.Mark(
			errors.Newf("none of %d clusters has more than one member", k),
			ErrDegenerateClustering)
	}

	// Pass two: singletons and empty clusters.
	for i := range density {
		if !multi[i] {
			density[i] = maxMulti
		}
	}

	lo := Percentile(density, clipLowPercentile)
	hi := Percentile(density, clipHighPercentile)
	var sum float64
	for i, v := range density {
		density[i] = min(max(v, lo), hi)
		sum += density[i]
	}

	mean := sum / float64(k)
	if !(mean > 0) || math.IsInf(mean, 0) {
		return nil, errors.Mark(errors.Newf("concentration mean is %v", mean), ErrDegenerateClustering)
	}
	scale := baseTemperature / mean
	for i := range density {
		density[i] *= scale
		if !(density[i] > 0) || math.IsInf(density[i], 0) {
			return nil, errors.Mark(
				errors.Newf("cluster %d concentration is %v", i, density[i]),
				ErrDegenerateClustering)
		}
	}
	return density, nil
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks (h = (n-1)·p/100). values is not
// modified. An empty slice yields NaN.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p / 100
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
