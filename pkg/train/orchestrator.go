// Package train drives the epoch loop around prototype clustering.
//
// Every SaveFreq epochs (after WarmupEpochs) the orchestrator runs a round
// before training that epoch:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                     Clustering round                          │
//	├──────────────────────────────────────────────────────────────┤
//	│  Collect     momentum encoder, eval mode, batch size × 5      │
//	│  Halve       rows with norm > threshold                       │
//	│  Persist     features_<epoch>.bin + checksum (epoch < max)    │
//	│  ClusterAll  one k-means per granularity                      │
//	│  Assemble    normalised centroids + concentrations            │
//	│  Publish     Holder swap; failures clear it instead           │
//	│  Evaluate    ARI / NMI / silhouette → result.txt              │
//	└──────────────────────────────────────────────────────────────┘
//
// A clustering failure (see IsRoundFailure) never stops training: the
// holder is cleared, the next epochs train without prototypes, and the next
// scheduled round tries again. Encoder, dataset and storage errors abort.
//
// Example:
//
//	o, err := train.New(opts, train.Deps{
//		Encoder:   encoder,
//		EvalData:  ds,
//		Trainer:   trainer,
//		Clusterer: cluster.NewClusterer(params, factory, logger),
//		Scorer:    eval.NewScorer(eval.DefaultScorerParams(), logger),
//		Results:   eval.NewResultsLog(filepath.Join(expDir, "result.txt")),
//	})
//	if err != nil {
//		return err
//	}
//	return o.Run(ctx)
package train

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/metrics"
	"github.com/orneryd/clear/pkg/prototype"
	"github.com/orneryd/clear/pkg/storage"
	"go.uber.org/zap"
)

// EpochInput is everything a Trainer receives for one epoch.
type EpochInput struct {
	Epoch        int
	LearningRate float64
	// Prototypes is nil during warm-up and after a failed round
	Prototypes *prototype.Context
}

// Trainer trains the encoder for one epoch and returns its accuracy in
// percent.
type Trainer interface {
	TrainEpoch(ctx context.Context, in EpochInput) (accuracy float64, err error)
}

// Options controls the epoch loop.
type Options struct {
	Epochs       int
	StartEpoch   int
	BatchSize    int
	LearningRate float64
	Cos          bool
	Schedule     []int
	WarmupEpochs int
	SaveFreq     int
	// MaxEvalEpoch disables feature persistence and evaluation from this
	// epoch on; 0 means never
	MaxEvalEpoch  int
	Temperature   float64
	NormThreshold float64
	Granularities []int
	// EvalK is the evaluation cluster count; 0 uses the number of
	// distinct labels
	EvalK        int
	SaveFeatures bool
	ExpDir       string
}

// OptionsFromConfig maps the training configuration onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	ks, err := cfg.Granularities()
	if err != nil {
		return Options{}, err
	}
	t := cfg.Training
	return Options{
		Epochs:        t.Epochs,
		StartEpoch:    t.StartEpoch,
		BatchSize:     t.BatchSize,
		LearningRate:  t.LearningRate,
		Cos:           t.Cos,
		Schedule:      slices.Clone(t.Schedule),
		WarmupEpochs:  t.WarmupEpochs,
		SaveFreq:      t.SaveFreq,
		MaxEvalEpoch:  t.MaxEvalEpoch,
		Temperature:   t.Temperature,
		NormThreshold: cfg.Clustering.NormThreshold,
		Granularities: ks,
		SaveFeatures:  cfg.Output.SaveFeatures,
		ExpDir:        cfg.Output.ExpDir,
	}, nil
}

// Deps are the collaborators of an Orchestrator. Encoder, EvalData,
// Trainer and Clusterer are required; the rest are optional.
type Deps struct {
	Encoder   embed.Encoder
	EvalData  embed.Dataset
	Trainer   Trainer
	Clusterer *cluster.Clusterer

	Holder   *prototype.Holder
	Scorer   *eval.Scorer
	Results  *eval.ResultsLog
	Reporter *eval.Reporter
	Store    *storage.ArtifactStore
	RunID    string
	Recorder *metrics.Recorder
	Log      *zap.SugaredLogger
}

// RoundReport summarises one clustering round.
type RoundReport struct {
	Epoch      int
	Published  bool
	Reason     string
	Halved     int
	Stats      []cluster.Stats
	Features   *storage.FeatureRecord
	Score      *eval.Score
	Duration   time.Duration
	Prototypes *prototype.Context
}

// Orchestrator runs the epoch loop.
type Orchestrator struct {
	opts Options
	deps Deps
	log  *zap.SugaredLogger

	lastAccuracy float64

	mu      sync.Mutex
	reports []RoundReport
}

// New validates options and dependencies.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Encoder == nil:
		return nil, errors.New("orchestrator needs an encoder")
	case deps.EvalData == nil:
		return nil, errors.New("orchestrator needs an evaluation dataset")
	case deps.Trainer == nil:
		return nil, errors.New("orchestrator needs a trainer")
	case deps.Clusterer == nil:
		return nil, errors.New("orchestrator needs a clusterer")
	case len(opts.Granularities) == 0:
		return nil, errors.New("orchestrator needs at least one granularity")
	case opts.BatchSize <= 0:
		return nil, errors.Newf("batch size must be positive, got %d", opts.BatchSize)
	case opts.Temperature <= 0:
		return nil, errors.Newf("temperature must be positive, got %g", opts.Temperature)
	case opts.SaveFeatures && opts.ExpDir == "":
		return nil, errors.New("saving features needs an experiment directory")
	}
	if opts.NormThreshold <= 0 {
		opts.NormThreshold = embed.DefaultNormThreshold
	}
	if deps.Holder == nil {
		deps.Holder = &prototype.Holder{}
	}
	if deps.Store != nil && deps.RunID == "" {
		return nil, errors.New("artifact store given without a run id")
	}
	return &Orchestrator{opts: opts, deps: deps, log: logging.Or(deps.Log)}, nil
}

// Holder returns the prototype holder the orchestrator publishes to.
func (o *Orchestrator) Holder() *prototype.Holder {
	return o.deps.Holder
}

// Reports returns the rounds run so far.
func (o *Orchestrator) Reports() []RoundReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.reports)
}

// ShouldCluster reports whether a round runs before epoch.
func (o *Orchestrator) ShouldCluster(epoch int) bool {
	return ShouldCluster(epoch, o.opts.WarmupEpochs, o.opts.SaveFreq)
}

func (o *Orchestrator) evalEnabled(epoch int) bool {
	return o.opts.MaxEvalEpoch <= 0 || epoch < o.opts.MaxEvalEpoch
}

// Run trains from StartEpoch to Epochs.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Infow("training started",
		"epochs", o.opts.Epochs,
		"start", o.opts.StartEpoch,
		"granularities", o.opts.Granularities,
		"warmup", o.opts.WarmupEpochs,
		"save_freq", o.opts.SaveFreq)

	for epoch := o.opts.StartEpoch; epoch < o.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.ShouldCluster(epoch) {
			if _, err := o.Round(ctx, epoch); err != nil {
				return errors.Wrapf(err, "clustering round at epoch %d", epoch)
			}
		}

		lr := LearningRate(o.opts.LearningRate, epoch, o.opts.Epochs, o.opts.Cos, o.opts.Schedule)
		acc, err := o.deps.Trainer.TrainEpoch(ctx, EpochInput{
			Epoch:        epoch,
			LearningRate: lr,
			Prototypes:   o.deps.Holder.Load(),
		})
		if err != nil {
			return errors.Wrapf(err, "train epoch %d", epoch)
		}
		o.lastAccuracy = acc
		o.deps.Recorder.ObserveEpoch(epoch, acc)
	}

	o.log.Infow("training finished", "rounds", len(o.Reports()))
	return nil
}

// Round runs one clustering round for epoch. It returns an error only for
// failures that must abort training; clustering failures are reported in
// the RoundReport.
func (o *Orchestrator) Round(ctx context.Context, epoch int) (*RoundReport, error) {
	start := time.Now()
	report := &RoundReport{Epoch: epoch}

	features, labels, err := embed.Collect(ctx, o.deps.Encoder, o.deps.EvalData, o.opts.BatchSize*5)
	if err != nil {
		return nil, errors.Wrap(err, "collect embeddings")
	}
	if avail, err := o.deps.Recorder.SampleMemory(); err == nil {
		o.log.Debugw("embeddings collected", "rows", features.Rows, "dims", features.Dims, "mem_available", avail)
	}

	report.Halved = features.HalveLongRows(o.opts.NormThreshold)
	o.deps.Recorder.RowsHalved(report.Halved)

	if o.opts.SaveFeatures && o.evalEnabled(epoch) {
		rec, err := storage.WriteFeatures(o.opts.ExpDir, epoch, features)
		if err != nil {
			return nil, err
		}
		report.Features = &rec
		if o.deps.Store != nil {
			if err := o.deps.Store.PutFeatureRecord(o.deps.RunID, rec); err != nil {
				return nil, errors.Wrap(err, "record features")
			}
		}
	}

	pctx, stats, err := o.cluster(features, epoch)
	switch {
	case err == nil:
		o.deps.Holder.Publish(pctx)
		report.Published = true
		report.Stats = stats
		report.Prototypes = pctx
		o.log.Infow("prototypes published", "epoch", epoch, "granularities", pctx.Ks(), "halved", report.Halved)
		if o.deps.Store != nil {
			if err := o.deps.Store.PutPrototypes(o.deps.RunID, pctx); err != nil {
				return nil, errors.Wrap(err, "record prototypes")
			}
		}
	case IsRoundFailure(err):
		o.deps.Holder.Clear()
		report.Reason = err.Error()
		o.log.Warnw("clustering round skipped, training without prototypes", "epoch", epoch, "error", err)
	default:
		return nil, err
	}

	if o.deps.Scorer != nil && o.evalEnabled(epoch) {
		if err := o.evaluate(features, labels, report); err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(start)
	if report.Published {
		o.deps.Recorder.RoundPublished(report.Duration, report.Stats)
	} else {
		o.deps.Recorder.RoundSkipped(report.Duration)
	}
	if o.deps.Store != nil {
		status := storage.RoundPublished
		if !report.Published {
			status = storage.RoundSkipped
		}
		err := o.deps.Store.PutRound(o.deps.RunID, storage.RoundRecord{
			Epoch:    epoch,
			Status:   status,
			Reason:   report.Reason,
			Duration: report.Duration,
			At:       time.Now().UTC(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "record round")
		}
	}

	o.mu.Lock()
	o.reports = append(o.reports, *report)
	o.mu.Unlock()
	return report, nil
}

func (o *Orchestrator) cluster(features *embed.Matrix, epoch int) (*prototype.Context, []cluster.Stats, error) {
	results, err := o.deps.Clusterer.ClusterAll(features.Data, features.Dims, o.opts.Granularities)
	if err != nil {
		return nil, nil, err
	}
	pctx, err := prototype.Assemble(epoch, results, o.opts.Temperature)
	if err != nil {
		return nil, nil, err
	}
	stats := make([]cluster.Stats, len(results))
	for i, r := range results {
		stats[i] = r.Stats()
	}
	return pctx, stats, nil
}

// evaluate scores the embedding and appends a results row. Scoring
// problems are logged and skip the row; writing the row must succeed.
func (o *Orchestrator) evaluate(features *embed.Matrix, labels []int, report *RoundReport) error {
	k := o.opts.EvalK
	if k <= 0 {
		k = len(o.deps.EvalData.UniqueLabels())
	}
	score, err := o.deps.Scorer.Score(features.Data, features.Dims, labels, k)
	if err != nil {
		o.log.Warnw("evaluation skipped", "epoch", report.Epoch, "k", k, "error", err)
		return nil
	}
	score.Epoch = report.Epoch
	report.Score = score
	o.deps.Recorder.ObserveScore(score)
	if o.deps.Reporter != nil {
		o.deps.Reporter.PrintCompact(score)
	}

	row := eval.RowFromScore(score, o.lastAccuracy)
	if o.deps.Results != nil {
		if err := o.deps.Results.Append(row); err != nil {
			return err
		}
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.PutResult(o.deps.RunID, row); err != nil {
			return errors.Wrap(err, "record result")
		}
	}
	o.log.Infow("evaluation",
		"epoch", report.Epoch,
		"ari", score.BestARI,
		"nmi", score.BestNMI,
		"silhouette", score.Silhouette,
		"acc", o.lastAccuracy)
	return nil
}
