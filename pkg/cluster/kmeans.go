// Package cluster provides the k-means clustering that turns an embedding
// matrix into prototypes.
//
// A Clusterer runs Nredo restarts of at most Niter Lloyd passes and keeps
// the restart with the lowest objective. The assignment step goes through
// an Index, so the brute-force FlatL2 search used at small N can be swapped for
// a faiss index at scale without touching the algorithm.
//
// Architecture:
//
//	Clusterer.Cluster(x, dims, k, seed)
//	    ├── restart 0..Nredo-1
//	    │     ├── init centroids (random subset | kmeans++)
//	    │     ├── Niter × { Index.Search(x, 1) → update → split empty }
//	    │     └── final Index.Search(x, 1) → objective
//	    ├── keep lowest objective
//	    ├── exact reassignment to the nearest centroid
//	    └── size bounds check (strict | warn | ignore)
//
// Usage:
//
//	c := cluster.NewClusterer(cluster.DefaultParams(), nil, logger)
//	results, err := c.ClusterAll(features.Data, features.Dims, []int{7, 50})
//	if errors.Is(err, cluster.ErrClusteringDegenerate) {
//	    // skip this round
//	}
package cluster

import (
	"math"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/math/vector"
	"github.com/orneryd/clear/pkg/pool"
	"go.uber.org/zap"
)

// Errors for k-means clustering
var (
	ErrInvalidClusterRequest = errors.New("cluster: invalid cluster request")
	ErrClusteringDegenerate  = errors.New("cluster: cluster size bounds violated")
)

// redoSeedStride separates the random streams of successive restarts.
const redoSeedStride = 15486557

// splitEps is the relative perturbation applied when an empty cluster
// steals half of a populated one.
const splitEps = 1.0 / 1024.0

// Result is one k-means clustering of an N×D matrix.
type Result struct {
	K    int
	Dims int

	// Assignments holds the nearest centroid of every sample, in [0, K)
	Assignments []int

	// Distances holds the squared L2 distance of every sample to its centroid
	Distances []float32

	// Centroids is the raw K×D row-major centroid matrix (not normalized)
	Centroids []float32

	// Sizes counts the members of each cluster
	Sizes []int

	Objective  float64
	Iterations int
	BestRedo   int
	Seed       int64
}

// Centroid returns row c of the centroid matrix.
func (r *Result) Centroid(c int) []float32 {
	return r.Centroids[c*r.Dims : (c+1)*r.Dims]
}

// DistancesByCluster groups the per-sample squared distances by assigned
// cluster, preserving sample order inside each cluster.
func (r *Result) DistancesByCluster() [][]float64 {
	out := make([][]float64, r.K)
	for c, size := range r.Sizes {
		out[c] = make([]float64, 0, size)
	}
	for i, c := range r.Assignments {
		out[c] = append(out[c], float64(r.Distances[i]))
	}
	return out
}

// Stats summarizes a clustering for logs and reports.
type Stats struct {
	K          int
	MinSize    int
	MaxSize    int
	AvgSize    float64
	Empty      int
	Objective  float64
	Iterations int
}

// Stats returns size statistics of the result.
func (r *Result) Stats() Stats {
	s := Stats{K: r.K, Objective: r.Objective, Iterations: r.Iterations, MinSize: math.MaxInt}
	total := 0
	for _, size := range r.Sizes {
		total += size
		s.MinSize = min(s.MinSize, size)
		s.MaxSize = max(s.MaxSize, size)
		if size == 0 {
			s.Empty++
		}
	}
	if r.K > 0 {
		s.AvgSize = float64(total) / float64(r.K)
	} else {
		s.MinSize = 0
	}
	return s
}

// Clusterer runs k-means over an embedding matrix. It holds no state
// between calls and is safe for sequential reuse.
type Clusterer struct {
	params  Params
	factory IndexFactory
	log     *zap.SugaredLogger
}

// NewClusterer creates a Clusterer. A nil factory selects the FlatL2
// index; a nil logger selects the package logger.
func NewClusterer(params Params, factory IndexFactory, log *zap.SugaredLogger) *Clusterer {
	params = params.withDefaults()
	if factory == nil {
		factory = FlatL2Factory(params.Parallelism)
	}
	return &Clusterer{params: params, factory: factory, log: logging.Or(log)}
}

// Params returns the effective parameters.
func (c *Clusterer) Params() Params {
	return c.params
}

// ClusterAll clusters x once per requested granularity. Granularity i is
// seeded with Params.Seed+i so every round is reproducible.
func (c *Clusterer) ClusterAll(x []float32, dims int, ks []int) ([]*Result, error) {
	if len(ks) == 0 {
		return nil, errors.Mark(errors.New("no cluster counts requested"), ErrInvalidClusterRequest)
	}
	results := make([]*Result, 0, len(ks))
	for i, k := range ks {
		res, err := c.Cluster(x, dims, k, c.params.Seed+int64(i))
		if err != nil {
			return nil, errors.Wrapf(err, "granularity %d (k=%d)", i, k)
		}
		results = append(results, res)
	}
	return results, nil
}

// Cluster runs k-means with k centroids over the row-major matrix x.
//
// Non-convergence within Niter passes is not an error; the best state found
// is returned. Empty input, k <= 0 and k > N fail with
// ErrInvalidClusterRequest. Size bound violations fail with
// ErrClusteringDegenerate when the policy is strict.
func (c *Clusterer) Cluster(x []float32, dims, k int, seed int64) (*Result, error) {
	n, err := validateRequest(x, dims, k)
	if err != nil {
		return nil, err
	}

	var best *Result
	for redo := 0; redo < c.params.Nredo; redo++ {
		rng := rand.New(rand.NewSource(seed + int64(redo)*redoSeedStride))
		res, err := c.run(x, n, dims, k, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "restart %d", redo)
		}
		res.BestRedo = redo
		c.log.Debugw("kmeans restart finished",
			"k", k, "redo", redo, "objective", res.Objective, "iterations", res.Iterations)
		if best == nil || res.Objective < best.Objective {
			best = res
		}
	}
	best.Seed = seed

	// The ‖x‖²+‖c‖²−2x·c expansion cancels badly for data far from the
	// origin, so the final assignment is the exact nearest centroid.
	best.Objective = 0
	best.Sizes = make([]int, k)
	for i := range best.Assignments {
		a, d := nearestCentroid(x[i*dims:(i+1)*dims], best.Centroids, dims, k)
		best.Assignments[i] = a
		best.Distances[i] = float32(d)
		best.Objective += d
		best.Sizes[a]++
	}

	if err := c.checkSizes(best); err != nil {
		return nil, err
	}
	return best, nil
}

// nearestCentroid returns the index of the centroid closest to row and the
// squared distance to it. Ties go to the lower index.
func nearestCentroid(row, centroids []float32, dims, k int) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c := 0; c < k; c++ {
		if d := vector.SquaredEuclidean(row, centroids[c*dims:(c+1)*dims]); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func validateRequest(x []float32, dims, k int) (int, error) {
	if len(x) == 0 {
		return 0, errors.Mark(errors.New("empty embedding matrix"), ErrInvalidClusterRequest)
	}
	if dims <= 0 || len(x)%dims != 0 {
		return 0, errors.Mark(
			errors.Newf("matrix of %d values does not split into rows of %d dims", len(x), dims),
			ErrInvalidClusterRequest)
	}
	n := len(x) / dims
	if k <= 0 || k > n {
		return 0, errors.Mark(errors.Newf("k=%d outside [1, %d]", k, n), ErrInvalidClusterRequest)
	}
	return n, nil
}

// run performs one restart.
func (c *Clusterer) run(x []float32, n, dims, k int, rng *rand.Rand) (*Result, error) {
	var centroids []float32
	switch c.params.Init {
	case InitKMeansPlusPlus:
		centroids = initKMeansPlusPlus(x, n, dims, k, rng)
	default:
		centroids = initRandom(x, n, dims, k, rng)
	}

	idx, err := c.factory(dims)
	if err != nil {
		return nil, errors.Wrap(err, "create index")
	}
	defer idx.Close()

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	sums := pool.GetFloat64(k * dims)
	defer pool.PutFloat64(sums)
	counts := pool.GetInts(k)
	defer pool.PutInts(counts)

	iterations := 0
	for it := 0; it < c.params.Niter; it++ {
		labels, _, err := search(idx, x, centroids)
		if err != nil {
			return nil, err
		}
		changed := 0
		for i, l := range labels {
			if int(l) != assignments[i] {
				assignments[i] = int(l)
				changed++
			}
		}
		iterations = it + 1
		if changed == 0 {
			break
		}
		updateCentroids(x, dims, assignments, centroids, sums, counts)
		if split := splitEmpty(centroids, counts, dims, n, rng); split > 0 {
			c.log.Debugw("split empty clusters", "k", k, "iteration", it, "count", split)
		}
	}

	labels, dists, err := search(idx, x, centroids)
	if err != nil {
		return nil, err
	}
	res := &Result{
		K:           k,
		Dims:        dims,
		Assignments: make([]int, n),
		Distances:   dists,
		Centroids:   centroids,
		Iterations:  iterations,
	}
	for i, l := range labels {
		res.Assignments[i] = int(l)
		res.Objective += float64(dists[i])
	}
	return res, nil
}

// search loads centroids into idx and returns the nearest centroid of
// every row of x.
func search(idx Index, x, centroids []float32) ([]int64, []float32, error) {
	if err := idx.Reset(); err != nil {
		return nil, nil, errors.Wrap(err, "reset index")
	}
	if err := idx.Add(centroids); err != nil {
		return nil, nil, errors.Wrap(err, "add centroids")
	}
	dists, labels, err := idx.Search(x, 1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "search centroids")
	}
	for i, l := range labels {
		if l < 0 {
			return nil, nil, errors.Newf("index returned no neighbour for row %d", i)
		}
	}
	return labels, dists, nil
}

// initRandom picks k distinct rows uniformly.
func initRandom(x []float32, n, dims, k int, rng *rand.Rand) []float32 {
	centroids := make([]float32, k*dims)
	perm := rng.Perm(n)
	for c := 0; c < k; c++ {
		copy(centroids[c*dims:(c+1)*dims], x[perm[c]*dims:(perm[c]+1)*dims])
	}
	return centroids
}

// initKMeansPlusPlus picks the first centroid uniformly and every further
// one with probability proportional to D(x)².
func initKMeansPlusPlus(x []float32, n, dims, k int, rng *rand.Rand) []float32 {
	centroids := make([]float32, k*dims)
	row := func(i int) []float32 { return x[i*dims : (i+1)*dims] }

	first := rng.Intn(n)
	copy(centroids[:dims], row(first))

	minDistances := make([]float64, n)
	for i := 0; i < n; i++ {
		minDistances[i] = vector.SquaredEuclidean(row(i), centroids[:dims])
	}

	for c := 1; c < k; c++ {
		totalWeight := 0.0
		for _, d := range minDistances {
			totalWeight += d
		}

		selected := n - 1
		if totalWeight == 0 {
			// All remaining points coincide with a centroid
			selected = rng.Intn(n)
		} else {
			target := rng.Float64() * totalWeight
			cumWeight := 0.0
			for i, d := range minDistances {
				cumWeight += d
				if cumWeight >= target {
					selected = i
					break
				}
			}
		}

		newCentroid := centroids[c*dims : (c+1)*dims]
		copy(newCentroid, row(selected))
		for i := 0; i < n; i++ {
			if d := vector.SquaredEuclidean(row(i), newCentroid); d < minDistances[i] {
				minDistances[i] = d
			}
		}
	}
	return centroids
}

// updateCentroids recomputes centroids as the mean of their members using
// pre-allocated buffers. Empty clusters keep their previous position.
func updateCentroids(x []float32, dims int, assignments []int, centroids []float32, sums []float64, counts []int) {
	clear(sums)
	clear(counts)

	for i, c := range assignments {
		counts[c]++
		base := c * dims
		for d, v := range x[i*dims : (i+1)*dims] {
			sums[base+d] += float64(v)
		}
	}

	for c, count := range counts {
		if count == 0 {
			continue
		}
		inv := 1.0 / float64(count)
		for d := 0; d < dims; d++ {
			centroids[c*dims+d] = float32(sums[c*dims+d] * inv)
		}
	}
}

// splitEmpty gives every empty cluster a perturbed copy of a populated
// one, chosen with probability proportional to its size. Returns the number
// of clusters split.
func splitEmpty(centroids []float32, counts []int, dims, n int, rng *rand.Rand) int {
	k := len(counts)
	spare := float64(max(n-k, 1))
	split := 0
	for ci := 0; ci < k; ci++ {
		if counts[ci] != 0 {
			continue
		}
		cj := 0
		for {
			p := float64(counts[cj]-1) / spare
			if rng.Float64() < p {
				break
			}
			cj = (cj + 1) % k
		}

		dst := centroids[ci*dims : (ci+1)*dims]
		src := centroids[cj*dims : (cj+1)*dims]
		copy(dst, src)
		for j := 0; j < dims; j++ {
			if j%2 == 0 {
				dst[j] *= 1 + splitEps
				src[j] *= 1 - splitEps
			} else {
				dst[j] *= 1 - splitEps
				src[j] *= 1 + splitEps
			}
		}

		counts[ci] = counts[cj] / 2
		counts[cj] -= counts[ci]
		split++
	}
	return split
}

// checkSizes applies the size policy to the final clustering.
func (c *Clusterer) checkSizes(r *Result) error {
	if c.params.SizePolicy == SizeIgnore {
		return nil
	}
	lo, hi := c.params.MinPointsPerCentroid, c.params.MaxPointsPerCentroid
	violations := 0
	for _, size := range r.Sizes {
		if size < lo || (hi > 0 && size > hi) {
			violations++
		}
	}
	if violations == 0 {
		return nil
	}

	st := r.Stats()
	if c.params.SizePolicy == SizeStrict {
		return errors.Mark(
			errors.Newf("k=%d: %d clusters outside [%d, %d] points (smallest %d, largest %d)",
				r.K, violations, lo, hi, st.MinSize, st.MaxSize),
			ErrClusteringDegenerate)
	}
	c.log.Warnw("cluster sizes outside bounds",
		"k", r.K, "violations", violations, "min_points", lo, "max_points", hi,
		"smallest", st.MinSize, "largest", st.MaxSize)
	return nil
}
