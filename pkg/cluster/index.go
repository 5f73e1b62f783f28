package cluster

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/pool"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"golang.org/x/sync/errgroup"
)

// Index is the nearest-centroid search used by the assignment step.
//
// The contract mirrors a faiss L2 index: vectors are row-major float32,
// Search returns k squared distances and labels per query row, padded with
// +Inf / -1 when fewer than k vectors are stored.
type Index interface {
	Add(x []float32) error
	Search(x []float32, k int64) (distances []float32, labels []int64, err error)
	Reset() error
	Close() error
}

// IndexFactory builds an empty Index of the given dimensionality.
type IndexFactory func(dims int) (Index, error)

var factories = map[string]func(parallelism int) IndexFactory{
	"flat": FlatL2Factory,
}

func registerFactory(name string, f func(parallelism int) IndexFactory) {
	factories[name] = f
}

// FactoryByName resolves a configured index backend. "flat" is always
// available; "faiss" exists only in binaries built with the faiss tag.
func FactoryByName(name string, parallelism int) (IndexFactory, error) {
	if name == "" {
		name = "flat"
	}
	f, ok := factories[name]
	if !ok {
		return nil, errors.WithHint(
			errors.Newf("unknown index backend %q", name),
			"build with -tags faiss to enable the faiss backend")
	}
	return f(parallelism), nil
}

// blockRows is the number of query rows per GEMM tile.
const blockRows = 512

// FlatL2 is a brute-force Index.
//
// Distances use the expansion ‖x‖² + ‖c‖² − 2·x·c with the cross term
// computed as one GEMM per block of query rows. Blocks are searched
// concurrently. The expansion is float32 and loses precision for data far
// from the origin; Clusterer.Cluster reassigns with exact distances after
// the last pass.
type FlatL2 struct {
	dims        int
	parallelism int
	data        []float32
	norms       []float32
}

// NewFlatL2 returns an empty index.
func NewFlatL2(dims, parallelism int) *FlatL2 {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &FlatL2{dims: dims, parallelism: parallelism}
}

// FlatL2Factory returns an IndexFactory producing FlatL2 indexes.
func FlatL2Factory(parallelism int) IndexFactory {
	return func(dims int) (Index, error) {
		if dims <= 0 {
			return nil, errors.Newf("flat index: invalid dimensionality %d", dims)
		}
		return NewFlatL2(dims, parallelism), nil
	}
}

// Len returns the number of stored vectors.
func (f *FlatL2) Len() int {
	return len(f.norms)
}

// Add appends row-major vectors to the index.
func (f *FlatL2) Add(x []float32) error {
	if len(x)%f.dims != 0 {
		return errors.Newf("flat index: %d values is not a multiple of %d dims", len(x), f.dims)
	}
	n := len(x) / f.dims
	f.data = append(f.data, x...)
	for i := 0; i < n; i++ {
		f.norms = append(f.norms, sqNorm32(x[i*f.dims:(i+1)*f.dims]))
	}
	return nil
}

// Search finds the k nearest stored vectors for every query row.
func (f *FlatL2) Search(x []float32, k int64) ([]float32, []int64, error) {
	if k <= 0 {
		return nil, nil, errors.Newf("flat index: k must be positive, got %d", k)
	}
	if len(x)%f.dims != 0 {
		return nil, nil, errors.Newf("flat index: %d values is not a multiple of %d dims", len(x), f.dims)
	}
	nq := len(x) / f.dims
	kk := int(k)
	distances := make([]float32, nq*kk)
	labels := make([]int64, nq*kk)
	for i := range labels {
		labels[i] = -1
		distances[i] = float32(math.Inf(1))
	}
	nb := f.Len()
	if nq == 0 || nb == 0 {
		return distances, labels, nil
	}

	var g errgroup.Group
	g.SetLimit(f.parallelism)
	for lo := 0; lo < nq; lo += blockRows {
		hi := min(lo+blockRows, nq)
		g.Go(func() error {
			f.searchBlock(x, lo, hi, kk, distances, labels)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return distances, labels, nil
}

func (f *FlatL2) searchBlock(x []float32, lo, hi, k int, distances []float32, labels []int64) {
	nb := f.Len()
	rows := hi - lo
	tile := pool.GetFloat32(rows * nb)
	defer pool.PutFloat32(tile)

	a := blas32.General{Rows: rows, Cols: f.dims, Stride: f.dims, Data: x[lo*f.dims : hi*f.dims]}
	b := blas32.General{Rows: nb, Cols: f.dims, Stride: f.dims, Data: f.data}
	c := blas32.General{Rows: rows, Cols: nb, Stride: nb, Data: tile}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)

	for r := 0; r < rows; r++ {
		q := lo + r
		qNorm := sqNorm32(x[q*f.dims : (q+1)*f.dims])
		outD := distances[q*k : (q+1)*k]
		outL := labels[q*k : (q+1)*k]
		dots := tile[r*nb : (r+1)*nb]
		for j, dot := range dots {
			d := qNorm + f.norms[j] - 2*dot
			if d < 0 {
				d = 0
			}
			insertTopK(outD, outL, d, int64(j))
		}
	}
}

// insertTopK keeps dists ascending; ties keep the lower label first.
func insertTopK(dists []float32, labels []int64, d float32, label int64) {
	k := len(dists)
	if d >= dists[k-1] {
		return
	}
	pos := k - 1
	for pos > 0 && dists[pos-1] > d {
		dists[pos] = dists[pos-1]
		labels[pos] = labels[pos-1]
		pos--
	}
	dists[pos] = d
	labels[pos] = label
}

// Reset drops all stored vectors.
func (f *FlatL2) Reset() error {
	f.data = f.data[:0]
	f.norms = f.norms[:0]
	return nil
}

// Close releases the stored vectors.
func (f *FlatL2) Close() error {
	f.data = nil
	f.norms = nil
	return nil
}

func sqNorm32(v []float32) float32 {
	var s float32
	for _, x := range v {
		s += x * x
	}
	return s
}
