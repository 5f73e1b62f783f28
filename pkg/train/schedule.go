package train

import (
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/prototype"
)

// smallDatasetCells is the cell count below which batch and negative
// counts shrink to the dataset size.
const smallDatasetCells = 512

// ShouldCluster reports whether a clustering round runs before epoch.
func ShouldCluster(epoch, warmupEpochs, saveFreq int) bool {
	if saveFreq <= 0 {
		return false
	}
	return epoch >= warmupEpochs && epoch%saveFreq == 0
}

// LearningRate returns the learning rate for epoch. With cos the rate
// follows a half cosine from base to 0 over epochs; otherwise it drops by
// 10x at every milestone already reached.
func LearningRate(base float64, epoch, epochs int, cos bool, milestones []int) float64 {
	if cos {
		if epochs <= 0 {
			return base
		}
		return base * 0.5 * (1 + math.Cos(math.Pi*float64(epoch)/float64(epochs)))
	}
	lr := base
	for _, m := range milestones {
		if epoch >= m {
			lr *= 0.1
		}
	}
	return lr
}

// IsRoundFailure reports whether err is a clustering failure that skips
// the round instead of aborting training.
func IsRoundFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, cluster.ErrInvalidClusterRequest) ||
		errors.Is(err, cluster.ErrClusteringDegenerate) ||
		errors.Is(err, prototype.ErrDegenerateClustering) ||
		errors.Is(err, prototype.ErrDegenerateCentroid)
}

// AdaptToDataset adjusts cfg to the dataset: small datasets train with the
// whole dataset as one batch and as many negatives as cells, and with
// AutoGranularity the single granularity becomes the number of distinct
// labels. It returns a description of every change made.
func AdaptToDataset(cfg *config.Config, ds embed.Dataset) []string {
	var changes []string
	if n := ds.NumCells(); n < smallDatasetCells {
		if cfg.Training.BatchSize != n {
			changes = append(changes, "batch_size="+strconv.Itoa(n))
			cfg.Training.BatchSize = n
		}
		if cfg.Training.PCLR != n {
			changes = append(changes, "pcl_r="+strconv.Itoa(n))
			cfg.Training.PCLR = n
		}
	}
	if cfg.Training.AutoGranularity {
		k := strconv.Itoa(len(ds.UniqueLabels()))
		if cfg.Clustering.NumCluster != k {
			changes = append(changes, "num_cluster="+k)
			cfg.Clustering.NumCluster = k
		}
	}
	return changes
}

// UnreachableGranularities returns the granularities whose size bounds no
// clustering of numCells rows can satisfy: fewer than k·min_points rows, or
// more than k·max_points. Under the strict size policy every round at such
// a granularity is skipped. Other policies return nil.
func UnreachableGranularities(cfg *config.Config, numCells int) ([]int, error) {
	params, err := cfg.ClusterParams()
	if err != nil {
		return nil, err
	}
	if params.SizePolicy != cluster.SizeStrict {
		return nil, nil
	}
	ks, err := cfg.Granularities()
	if err != nil {
		return nil, err
	}
	var out []int
	for _, k := range ks {
		tooFew := numCells < k*params.MinPointsPerCentroid
		tooMany := params.MaxPointsPerCentroid > 0 && numCells > k*params.MaxPointsPerCentroid
		if tooFew || tooMany {
			out = append(out, k)
		}
	}
	return out, nil
}
