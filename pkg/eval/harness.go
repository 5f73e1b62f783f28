// Package eval scores how well an embedding separates known cell types.
//
// The embedding is clustered with k-means under several seeds and every
// clustering is compared with the ground-truth labels. The best adjusted
// Rand index and the best normalized mutual information are kept
// independently, so they may come from different seeds. The silhouette
// coefficient is computed once on the ground-truth labels and measures
// cohesion of the embedding itself.
//
// Scores are monitoring output only; nothing here feeds back into training.
//
// Example usage:
//
//	scorer := eval.NewScorer(eval.DefaultScorerParams(), logger)
//	score, err := scorer.Score(features.Data, features.Dims, labels, 7)
//	if err != nil {
//	    return err
//	}
//	eval.NewReporter(os.Stdout).PrintCompact(score)
//
// ELI12 (Explain Like I'm 12):
//
// Imagine sorting a pile of mixed-up socks into drawers without looking at
// the tags. Afterwards you peek at the tags and count how often socks that
// belong together ended up in the same drawer. ARI and NMI are two ways of
// doing that count. Silhouette asks a different question: are socks of the
// same kind lying close together at all?
package eval

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/logging"
	"go.uber.org/zap"
)

// SeedRun is the outcome of one k-means seed.
type SeedRun struct {
	Seed int64   `json:"seed"`
	ARI  float64 `json:"ari"`
	NMI  float64 `json:"nmi"`
}

// Score contains the complete evaluation of one embedding.
type Score struct {
	Epoch     int           `json:"epoch"`
	K         int           `json:"k"`
	Samples   int           `json:"samples"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	BestARI     float64 `json:"best_ari"`
	BestARISeed int64   `json:"best_ari_seed"`
	BestNMI     float64 `json:"best_nmi"`
	BestNMISeed int64   `json:"best_nmi_seed"`
	Silhouette  float64 `json:"silhouette"`

	// Per-seed results
	Runs []SeedRun `json:"runs"`

	// Thresholds used for pass/fail
	Thresholds Thresholds `json:"thresholds"`
	Passed     bool       `json:"passed"`
}

// Thresholds define minimum acceptable metric values.
type Thresholds struct {
	ARI        float64 `json:"ari" mapstructure:"ari" yaml:"ari"`
	NMI        float64 `json:"nmi" mapstructure:"nmi" yaml:"nmi"`
	Silhouette float64 `json:"silhouette" mapstructure:"silhouette" yaml:"silhouette"`
}

// DefaultThresholds returns sensible default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ARI:        0.5, // Half of the pair agreement beyond chance
		NMI:        0.5,
		Silhouette: 0.0, // Clusters at least not interleaved
	}
}

// ScorerParams configures the k-means runs behind a Score.
type ScorerParams struct {
	// Seeds is the number of k-means seeds, 0..Seeds-1 (default: 5)
	Seeds int

	// Niter caps Lloyd passes per seed (default: 300)
	Niter int

	// Nredo is the number of restarts per seed (default: 1)
	Nredo int

	// Parallelism bounds the assignment workers (default: GOMAXPROCS)
	Parallelism int
}

// DefaultScorerParams returns the evaluation defaults.
func DefaultScorerParams() ScorerParams {
	return ScorerParams{Seeds: 5, Niter: 300, Nredo: 1}
}

// Scorer evaluates embeddings against ground-truth labels.
type Scorer struct {
	params     ScorerParams
	thresholds Thresholds
	log        *zap.SugaredLogger
	mu         sync.RWMutex
}

// NewScorer creates a Scorer with default thresholds.
func NewScorer(params ScorerParams, log *zap.SugaredLogger) *Scorer {
	d := DefaultScorerParams()
	if params.Seeds <= 0 {
		params.Seeds = d.Seeds
	}
	if params.Niter <= 0 {
		params.Niter = d.Niter
	}
	if params.Nredo <= 0 {
		params.Nredo = d.Nredo
	}
	return &Scorer{params: params, thresholds: DefaultThresholds(), log: logging.Or(log)}
}

// SetThresholds sets the pass/fail thresholds.
func (s *Scorer) SetThresholds(t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
}

// Score clusters x into k groups under every seed and compares each
// clustering with labels.
func (s *Scorer) Score(x []float32, dims int, labels []int, k int) (*Score, error) {
	s.mu.RLock()
	thresholds := s.thresholds
	s.mu.RUnlock()

	if dims <= 0 || len(x) != len(labels)*dims {
		return nil, errors.Newf("matrix of %d values does not match %d labels of %d dims", len(x), len(labels), dims)
	}

	start := time.Now()
	clusterer := cluster.NewClusterer(cluster.Params{
		Niter:       s.params.Niter,
		Nredo:       s.params.Nredo,
		SizePolicy:  cluster.SizeIgnore,
		Init:        cluster.InitKMeansPlusPlus,
		Parallelism: s.params.Parallelism,
	}, nil, s.log)

	score := &Score{
		K:          k,
		Samples:    len(labels),
		Timestamp:  start,
		Runs:       make([]SeedRun, 0, s.params.Seeds),
		Thresholds: thresholds,
	}

	for seed := int64(0); seed < int64(s.params.Seeds); seed++ {
		res, err := clusterer.Cluster(x, dims, k, seed)
		if err != nil {
			return nil, errors.Wrapf(err, "k-means seed %d", seed)
		}
		run := SeedRun{
			Seed: seed,
			ARI:  AdjustedRandIndex(labels, res.Assignments),
			NMI:  NormalizedMutualInfo(labels, res.Assignments),
		}
		score.Runs = append(score.Runs, run)
		if seed == 0 || run.ARI > score.BestARI {
			score.BestARI, score.BestARISeed = run.ARI, seed
		}
		if seed == 0 || run.NMI > score.BestNMI {
			score.BestNMI, score.BestNMISeed = run.NMI, seed
		}
		s.log.Debugw("evaluation seed", "seed", seed, "ari", run.ARI, "nmi", run.NMI)
	}

	sil, err := Silhouette(x, dims, labels)
	if err != nil {
		return nil, errors.Wrap(err, "silhouette")
	}
	score.Silhouette = sil
	score.Passed = score.BestARI >= thresholds.ARI &&
		score.BestNMI >= thresholds.NMI &&
		score.Silhouette >= thresholds.Silhouette
	score.Duration = time.Since(start)
	return score, nil
}
