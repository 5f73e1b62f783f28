package cluster

import (
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
)

// SizePolicy decides what happens when a final cluster falls outside
// [MinPointsPerCentroid, MaxPointsPerCentroid].
type SizePolicy string

const (
	// SizeStrict fails the clustering with ErrClusteringDegenerate.
	SizeStrict SizePolicy = "strict"
	// SizeWarn logs the violation and returns the clustering.
	SizeWarn SizePolicy = "warn"
	// SizeIgnore returns the clustering without checking.
	SizeIgnore SizePolicy = "ignore"
)

// ParseSizePolicy maps a config string onto a SizePolicy. Empty means strict.
func ParseSizePolicy(s string) (SizePolicy, error) {
	switch SizePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SizeStrict:
		return SizeStrict, nil
	case SizeWarn:
		return SizeWarn, nil
	case SizeIgnore:
		return SizeIgnore, nil
	default:
		return "", errors.Newf("unknown size policy %q (want strict, warn or ignore)", s)
	}
}

// InitMethod selects how each restart seeds its centroids.
type InitMethod string

const (
	// InitRandom picks K distinct training points uniformly.
	InitRandom InitMethod = "random"
	// InitKMeansPlusPlus samples proportional to D(x)².
	InitKMeansPlusPlus InitMethod = "kmeans++"
)

// ParseInitMethod maps a config string onto an InitMethod. Empty means random.
func ParseInitMethod(s string) (InitMethod, error) {
	switch InitMethod(strings.ToLower(strings.TrimSpace(s))) {
	case "", InitRandom:
		return InitRandom, nil
	case InitKMeansPlusPlus, "k-means++":
		return InitKMeansPlusPlus, nil
	default:
		return "", errors.Newf("unknown init method %q (want random or kmeans++)", s)
	}
}

// Params configures a Clusterer. Field names follow the faiss
// ClusteringParameters vocabulary.
//
// Example:
//
//	p := cluster.DefaultParams()
//	p.SizePolicy = cluster.SizeWarn
//	c := cluster.NewClusterer(p, nil, logger)
type Params struct {
	// Niter caps the refinement passes per restart (default: 20)
	Niter int

	// Nredo is the number of restarts; the lowest objective wins (default: 5)
	Nredo int

	// Seed is added to the per-granularity seed used by ClusterAll
	Seed int64

	// MinPointsPerCentroid is the smallest acceptable final cluster (default: 10)
	MinPointsPerCentroid int

	// MaxPointsPerCentroid is the largest acceptable final cluster (default: 1000)
	MaxPointsPerCentroid int

	// SizePolicy controls enforcement of the two bounds above (default: strict)
	SizePolicy SizePolicy

	// Init selects centroid seeding (default: random)
	Init InitMethod

	// Parallelism bounds the assignment workers (default: GOMAXPROCS)
	Parallelism int
}

// DefaultParams returns the clustering parameters used for prototype rounds.
func DefaultParams() Params {
	return Params{
		Niter:                20,
		Nredo:                5,
		Seed:                 0,
		MinPointsPerCentroid: 10,
		MaxPointsPerCentroid: 1000,
		SizePolicy:           SizeStrict,
		Init:                 InitRandom,
		Parallelism:          runtime.GOMAXPROCS(0),
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Niter <= 0 {
		p.Niter = d.Niter
	}
	if p.Nredo <= 0 {
		p.Nredo = d.Nredo
	}
	if p.SizePolicy == "" {
		p.SizePolicy = d.SizePolicy
	}
	if p.Init == "" {
		p.Init = d.Init
	}
	if p.Parallelism <= 0 {
		p.Parallelism = d.Parallelism
	}
	return p
}
