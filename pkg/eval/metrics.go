package eval

import (
	"math"
	"runtime"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/math/vector"
	"golang.org/x/sync/errgroup"
)

// ErrSilhouetteUndefined is returned when the silhouette coefficient has
// no meaning for the given labelling.
var ErrSilhouetteUndefined = errors.New("eval: silhouette undefined for label count")

// contingency is the co-occurrence table of two labellings.
type contingency struct {
	n      int
	cells  map[[2]int]int
	rows   []int // per truth class
	cols   []int // per predicted cluster
	nRows  int
	nCols  int
	rowIdx map[int]int
	colIdx map[int]int
}

func newContingency(truth, pred []int) contingency {
	c := contingency{
		n:      len(truth),
		cells:  make(map[[2]int]int),
		rowIdx: make(map[int]int),
		colIdx: make(map[int]int),
	}
	for i := range truth {
		r, ok := c.rowIdx[truth[i]]
		if !ok {
			r = len(c.rowIdx)
			c.rowIdx[truth[i]] = r
			c.rows = append(c.rows, 0)
		}
		col, ok := c.colIdx[pred[i]]
		if !ok {
			col = len(c.colIdx)
			c.colIdx[pred[i]] = col
			c.cols = append(c.cols, 0)
		}
		c.cells[[2]int{r, col}]++
		c.rows[r]++
		c.cols[col]++
	}
	c.nRows, c.nCols = len(c.rows), len(c.cols)
	return c
}

func comb2(n int) float64 {
	f := float64(n)
	return f * (f - 1) / 2
}

// AdjustedRandIndex returns the chance-corrected Rand index of pred against
// truth. Identical partitions score 1; independent ones score about 0.
// Mismatched lengths return 0.
func AdjustedRandIndex(truth, pred []int) float64 {
	if len(truth) != len(pred) {
		return 0
	}
	if len(truth) < 2 {
		return 1
	}
	c := newContingency(truth, pred)

	var sumCells, sumRows, sumCols float64
	for _, v := range c.cells {
		sumCells += comb2(v)
	}
	for _, v := range c.rows {
		sumRows += comb2(v)
	}
	for _, v := range c.cols {
		sumCols += comb2(v)
	}

	expected := sumRows * sumCols / comb2(c.n)
	maxIndex := (sumRows + sumCols) / 2
	if maxIndex == expected {
		// Both partitions are trivial (one cluster, or all singletons)
		return 1
	}
	return (sumCells - expected) / (maxIndex - expected)
}

// NormalizedMutualInfo returns the mutual information of the two
// labellings divided by the arithmetic mean of their entropies.
// Mismatched lengths return 0.
func NormalizedMutualInfo(truth, pred []int) float64 {
	if len(truth) != len(pred) {
		return 0
	}
	c := newContingency(truth, pred)
	if (c.nRows == c.nCols && c.nRows <= 1) || c.n == 0 {
		return 1
	}

	n := float64(c.n)
	var mi float64
	for key, v := range c.cells {
		if v == 0 {
			continue
		}
		nij := float64(v)
		a := float64(c.rows[key[0]])
		b := float64(c.cols[key[1]])
		mi += nij / n * math.Log(n*nij/(a*b))
	}
	if mi <= 0 {
		return 0
	}

	normalizer := (entropy(c.rows, n) + entropy(c.cols, n)) / 2
	if normalizer < math.SmallestNonzeroFloat64 {
		normalizer = math.SmallestNonzeroFloat64
	}
	return mi / normalizer
}

func entropy(counts []int, n float64) float64 {
	var h float64
	for _, v := range counts {
		if v == 0 {
			continue
		}
		p := float64(v) / n
		h -= p * math.Log(p)
	}
	return h
}

// Silhouette returns the mean silhouette coefficient of the row-major
// matrix x under labels, using Euclidean distance. Members of singleton
// clusters score 0. The number of distinct labels must lie in [2, N-1].
//
// Cost is O(N²·D); rows are processed concurrently.
func Silhouette(x []float32, dims int, labels []int) (float64, error) {
	if dims <= 0 || len(x)%dims != 0 {
		return 0, errors.Newf("matrix of %d values does not split into rows of %d dims", len(x), dims)
	}
	n := len(x) / dims
	if n != len(labels) {
		return 0, errors.Newf("%d rows but %d labels", n, len(labels))
	}

	// Dense label ids in ascending label order.
	distinct := make(map[int]struct{})
	for _, l := range labels {
		distinct[l] = struct{}{}
	}
	keys := make([]int, 0, len(distinct))
	for l := range distinct {
		keys = append(keys, l)
	}
	sort.Ints(keys)
	k := len(keys)
	if k < 2 || k > n-1 {
		return 0, errors.Mark(
			errors.Newf("%d distinct labels for %d samples, need 2..%d", k, n, n-1),
			ErrSilhouetteUndefined)
	}
	id := make(map[int]int, k)
	for i, l := range keys {
		id[l] = i
	}
	dense := make([]int, n)
	sizes := make([]int, k)
	for i, l := range labels {
		dense[i] = id[l]
		sizes[dense[i]]++
	}

	scores := make([]float64, n)
	row := func(i int) []float32 { return x[i*dims : (i+1)*dims] }

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	const chunk = 64
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			sums := make([]float64, k)
			for i := lo; i < hi; i++ {
				own := dense[i]
				if sizes[own] == 1 {
					scores[i] = 0
					continue
				}
				clear(sums)
				for j := 0; j < n; j++ {
					if j == i {
						continue
					}
					sums[dense[j]] += vector.Euclidean(row(i), row(j))
				}
				a := sums[own] / float64(sizes[own]-1)
				b := math.Inf(1)
				for c := 0; c < k; c++ {
					if c == own {
						continue
					}
					b = min(b, sums[c]/float64(sizes[c]))
				}
				if d := max(a, b); d > 0 {
					scores[i] = (b - a) / d
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total float64
	for _, s := range scores {
		total += s
	}
	return total / float64(n), nil
}
