// Package prototype builds and publishes the per-round prototype context:
// for every granularity, the sample→cluster assignment, the unit-length
// centroids and the per-cluster temperature.
//
// A Context is immutable once published. Each clustering round assembles a
// fresh one and swaps it into a Holder in a single store, so training never
// observes a half-updated set of prototypes.
package prototype

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/math/vector"
)

// Granularity is the prototype set for one requested cluster count.
type Granularity struct {
	K             int         `json:"k"`
	Assignments   []int       `json:"assignments"`
	Centroids     [][]float32 `json:"centroids"`
	Concentration []float64   `json:"concentration"`
}

// Context holds every granularity produced by one clustering round.
type Context struct {
	Epoch         int           `json:"epoch"`
	Granularities []Granularity `json:"granularities"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Ks returns the cluster count of each granularity.
func (c *Context) Ks() []int {
	ks := make([]int, len(c.Granularities))
	for i, g := range c.Granularities {
		ks[i] = g.K
	}
	return ks
}

// NormalizeCentroids splits a raw row-major K×D centroid matrix into unit
// rows. A zero-norm row fails with ErrDegenerateCentroid.
func NormalizeCentroids(raw []float32, k, dims int) ([][]float32, error) {
	if k <= 0 || dims <= 0 || len(raw) != k*dims {
		return nil, errors.Newf("centroid matrix has %d values, want %d×%d", len(raw), k, dims)
	}
	out := make([][]float32, k)
	for c := 0; c < k; c++ {
		row := slices.Clone(raw[c*dims : (c+1)*dims])
		if vector.NormalizeInPlace(row) == 0 {
			return nil, errors.Mark(errors.Newf("centroid %d has zero norm", c), ErrDegenerateCentroid)
		}
		out[c] = row
	}
	return out, nil
}

// Assemble builds a Context from one clustering result per granularity.
// Results are copied; the Context shares no memory with them.
func Assemble(epoch int, results []*cluster.Result, baseTemperature float64) (*Context, error) {
	if len(results) == 0 {
		return nil, errors.New("no clustering results to assemble")
	}
	ctx := &Context{
		Epoch:         epoch,
		Granularities: make([]Granularity, 0, len(results)),
		CreatedAt:     time.Now().UTC(),
	}
	for i, res := range results {
		centroids, err := NormalizeCentroids(res.Centroids, res.K, res.Dims)
		if err != nil {
			return nil, errors.Wrapf(err, "granularity %d (k=%d)", i, res.K)
		}
		phi, err := EstimateConcentration(res.DistancesByCluster(), baseTemperature)
		if err != nil {
			return nil, errors.Wrapf(err, "granularity %d (k=%d)", i, res.K)
		}
		ctx.Granularities = append(ctx.Granularities, Granularity{
			K:             res.K,
			Assignments:   slices.Clone(res.Assignments),
			Centroids:     centroids,
			Concentration: phi,
		})
	}
	return ctx, nil
}

// Holder publishes the current Context to training. The zero value holds
// nothing, meaning pure instance-contrastive loss.
type Holder struct {
	current atomic.Pointer[Context]
}

// Publish replaces the current context wholesale.
func (h *Holder) Publish(c *Context) {
	h.current.Store(c)
}

// Load returns the current context, or nil when none is published.
func (h *Holder) Load() *Context {
	return h.current.Load()
}

// Clear removes the current context.
func (h *Holder) Clear() {
	h.current.Store(nil)
}
