package train

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/dataset"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/metrics"
	"github.com/orneryd/clear/pkg/prototype"
	"github.com/orneryd/clear/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityEncoder returns its input.
type identityEncoder struct {
	dims int
	err  error
}

func (e *identityEncoder) Encode(_ context.Context, batch [][]float32, _ embed.Mode) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(batch))
	for i, row := range batch {
		out[i] = append([]float32(nil), row...)
	}
	return out, nil
}

func (e *identityEncoder) Dimensions() int { return e.dims }

// recordingTrainer returns 10*epoch as accuracy and remembers its inputs.
type recordingTrainer struct {
	mu     sync.Mutex
	inputs []EpochInput
}

func (r *recordingTrainer) TrainEpoch(_ context.Context, in EpochInput) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return float64(in.Epoch * 10), nil
}

// twoBlobs builds a 2-gene dataset of two tight clusters, perBlob cells
// each, labelled 0 and 1.
func twoBlobs(t *testing.T, perBlob int) *dataset.InMemory {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	centers := [][2]float32{{4, 0}, {0, 4}}
	var samples [][]float32
	var labels []int
	for label, c := range centers {
		for i := 0; i < perBlob; i++ {
			samples = append(samples, []float32{
				c[0] + float32(rng.NormFloat64()*0.3),
				c[1] + float32(rng.NormFloat64()*0.3),
			})
			labels = append(labels, label)
		}
	}
	ds, err := dataset.New(samples, labels)
	require.NoError(t, err)
	return ds
}

func testOptions(dir string) Options {
	return Options{
		Epochs:        4,
		BatchSize:     16,
		LearningRate:  5e-3,
		Cos:           true,
		WarmupEpochs:  1,
		SaveFreq:      1,
		Temperature:   0.2,
		Granularities: []int{2},
		SaveFeatures:  true,
		ExpDir:        dir,
	}
}

func testClusterer() *cluster.Clusterer {
	p := cluster.DefaultParams()
	p.Init = cluster.InitKMeansPlusPlus
	return cluster.NewClusterer(p, nil, nil)
}

func TestShouldCluster(t *testing.T) {
	tests := []struct {
		epoch, warmup, freq int
		want                bool
	}{
		{0, 0, 1, true},
		{4, 5, 1, false},
		{5, 5, 1, true},
		{10, 5, 10, true},
		{15, 5, 10, false},
		{20, 0, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldCluster(tt.epoch, tt.warmup, tt.freq),
			"epoch=%d warmup=%d freq=%d", tt.epoch, tt.warmup, tt.freq)
	}
}

func TestLearningRate(t *testing.T) {
	t.Run("cosine", func(t *testing.T) {
		assert.InDelta(t, 1.0, LearningRate(1, 0, 100, true, nil), 1e-12)
		assert.InDelta(t, 0.5, LearningRate(1, 50, 100, true, nil), 1e-12)
		assert.InDelta(t, 0.0, LearningRate(1, 100, 100, true, nil), 1e-12)
	})

	t.Run("step", func(t *testing.T) {
		milestones := []int{100, 120}
		assert.InDelta(t, 5e-3, LearningRate(5e-3, 99, 200, false, milestones), 1e-15)
		assert.InDelta(t, 5e-4, LearningRate(5e-3, 100, 200, false, milestones), 1e-15)
		assert.InDelta(t, 5e-5, LearningRate(5e-3, 150, 200, false, milestones), 1e-15)
	})
}

func TestIsRoundFailure(t *testing.T) {
	assert.False(t, IsRoundFailure(nil))
	assert.False(t, IsRoundFailure(errors.New("disk full")))
	assert.True(t, IsRoundFailure(errors.Wrap(
		errors.Mark(errors.New("k too large"), cluster.ErrInvalidClusterRequest), "round")))
	assert.True(t, IsRoundFailure(errors.Mark(errors.New("tiny"), cluster.ErrClusteringDegenerate)))
	assert.True(t, IsRoundFailure(errors.Mark(errors.New("singletons"), prototype.ErrDegenerateClustering)))
	assert.True(t, IsRoundFailure(errors.Mark(errors.New("zero"), prototype.ErrDegenerateCentroid)))
}

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter("Acc@Proto")
	m.Update(50, 2)
	m.Update(80, 1)
	assert.Equal(t, 80.0, m.Val)
	assert.Equal(t, 3, m.Count)
	assert.InDelta(t, 60.0, m.Avg, 1e-12)
	assert.Equal(t, "Acc@Proto 80.0000 (60.0000)", m.String())

	m.Update(10, 0)
	assert.Equal(t, 3, m.Count)

	m.Reset()
	assert.Zero(t, m.Avg)
	assert.Zero(t, m.Count)
}

func TestAdaptToDataset(t *testing.T) {
	ds := twoBlobs(t, 20)

	cfg := config.Default()
	changes := AdaptToDataset(cfg, ds)
	assert.Equal(t, []string{"batch_size=40", "pcl_r=40", "num_cluster=2"}, changes)
	assert.Equal(t, 40, cfg.Training.BatchSize)
	assert.Equal(t, 40, cfg.Training.PCLR)
	assert.Equal(t, "2", cfg.Clustering.NumCluster)

	assert.Empty(t, AdaptToDataset(cfg, ds))

	cfg = config.Default()
	cfg.Training.AutoGranularity = false
	cfg.Clustering.NumCluster = "5,10"
	AdaptToDataset(cfg, ds)
	assert.Equal(t, "5,10", cfg.Clustering.NumCluster)
}

func TestUnreachableGranularities(t *testing.T) {
	cfg := config.Default()
	cfg.Clustering.NumCluster = "7,50"

	ks, err := UnreachableGranularities(cfg, 7000)
	require.NoError(t, err)
	assert.Empty(t, ks)

	ks, err = UnreachableGranularities(cfg, 7001)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, ks, "more than k·max_points rows")

	ks, err = UnreachableGranularities(cfg, 300)
	require.NoError(t, err)
	assert.Equal(t, []int{50}, ks, "fewer than k·min_points rows")

	cfg.Clustering.SizePolicy = "warn"
	ks, err = UnreachableGranularities(cfg, 100000)
	require.NoError(t, err)
	assert.Nil(t, ks)

	cfg.Clustering.SizePolicy = "bogus"
	_, err = UnreachableGranularities(cfg, 100)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	ds := twoBlobs(t, 10)
	base := Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  ds,
		Trainer:   &recordingTrainer{},
		Clusterer: testClusterer(),
	}

	_, err := New(testOptions(t.TempDir()), base)
	require.NoError(t, err)

	noTrainer := base
	noTrainer.Trainer = nil
	_, err = New(testOptions(t.TempDir()), noTrainer)
	assert.Error(t, err)

	opts := testOptions("")
	_, err = New(opts, base)
	assert.Error(t, err, "saving features without a directory")

	opts = testOptions(t.TempDir())
	opts.Granularities = nil
	_, err = New(opts, base)
	assert.Error(t, err)

	withStore := base
	store, err := storage.NewArtifactStoreInMemory()
	require.NoError(t, err)
	defer store.Close()
	withStore.Store = store
	_, err = New(testOptions(t.TempDir()), withStore)
	assert.Error(t, err, "store without run id")
}

func TestOrchestrator_Run(t *testing.T) {
	dir := t.TempDir()
	ds := twoBlobs(t, 50)
	trainer := &recordingTrainer{}
	store, err := storage.NewArtifactStoreInMemory()
	require.NoError(t, err)
	defer store.Close()
	recorder := metrics.NewRecorder()

	o, err := New(testOptions(dir), Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  ds,
		Trainer:   trainer,
		Clusterer: testClusterer(),
		Scorer:    eval.NewScorer(eval.ScorerParams{Seeds: 2}, nil),
		Results:   eval.NewResultsLog(filepath.Join(dir, "result.txt")),
		Store:     store,
		RunID:     "run-1",
		Recorder:  recorder,
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))

	t.Run("trainer sees prototypes after warm-up", func(t *testing.T) {
		require.Len(t, trainer.inputs, 4)
		assert.Nil(t, trainer.inputs[0].Prototypes)
		for _, in := range trainer.inputs[1:] {
			require.NotNil(t, in.Prototypes, "epoch %d", in.Epoch)
			assert.Equal(t, in.Epoch, in.Prototypes.Epoch)
			assert.Equal(t, []int{2}, in.Prototypes.Ks())
		}
		assert.Greater(t, trainer.inputs[0].LearningRate, trainer.inputs[3].LearningRate)
	})

	t.Run("rounds", func(t *testing.T) {
		reports := o.Reports()
		require.Len(t, reports, 3)
		for i, r := range reports {
			assert.Equal(t, i+1, r.Epoch)
			assert.True(t, r.Published)
			assert.Equal(t, 100, r.Halved)
			require.NotNil(t, r.Score)
			assert.InDelta(t, 1.0, r.Score.BestARI, 1e-9)
			require.NotNil(t, r.Features)
			_, err := os.Stat(r.Features.Path)
			assert.NoError(t, err)
		}
	})

	t.Run("results carry the previous epoch accuracy", func(t *testing.T) {
		rows, err := eval.ReadResults(filepath.Join(dir, "result.txt"))
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, row := range rows {
			assert.Equal(t, i+1, row.Epoch)
			assert.InDelta(t, 1.0, row.ARI, 1e-9)
			assert.InDelta(t, 1.0, row.NMI, 1e-9)
			assert.Greater(t, row.Silhouette, 0.5)
			assert.Equal(t, float64(i*10), row.Accuracy)
		}

		stored, err := store.Results("run-1")
		require.NoError(t, err)
		assert.Equal(t, rows, stored)
	})

	t.Run("artifacts", func(t *testing.T) {
		rounds, err := store.Rounds("run-1")
		require.NoError(t, err)
		require.Len(t, rounds, 3)
		for _, r := range rounds {
			assert.Equal(t, storage.RoundPublished, r.Status)
		}

		latest, err := store.LatestPrototypes("run-1")
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Epoch)

		recs, err := store.FeatureRecords("run-1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		m, err := storage.ReadFeatures(recs[0])
		require.NoError(t, err)
		assert.Equal(t, 100, m.Rows)
	})
}

func TestOrchestrator_FailedRoundKeepsTraining(t *testing.T) {
	dir := t.TempDir()
	ds := twoBlobs(t, 50)
	trainer := &recordingTrainer{}
	store, err := storage.NewArtifactStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	opts := testOptions(dir)
	opts.Epochs = 3
	opts.Granularities = []int{150}
	holder := &prototype.Holder{}
	holder.Publish(&prototype.Context{Epoch: -1})

	o, err := New(opts, Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  ds,
		Trainer:   trainer,
		Clusterer: testClusterer(),
		Holder:    holder,
		Scorer:    eval.NewScorer(eval.ScorerParams{Seeds: 1}, nil),
		Results:   eval.NewResultsLog(filepath.Join(dir, "result.txt")),
		Store:     store,
		RunID:     "run-1",
	})
	require.NoError(t, err)

	report, err := o.Round(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, report.Published)
	assert.NotEmpty(t, report.Reason)
	assert.Nil(t, holder.Load())
	require.NotNil(t, report.Score, "evaluation still runs")

	require.NoError(t, o.Run(context.Background()))
	require.Len(t, trainer.inputs, 3)
	for _, in := range trainer.inputs {
		assert.Nil(t, in.Prototypes, "epoch %d", in.Epoch)
	}

	rounds, err := store.Rounds("run-1")
	require.NoError(t, err)
	require.NotEmpty(t, rounds)
	for _, r := range rounds {
		assert.Equal(t, storage.RoundSkipped, r.Status)
	}
	_, err = store.LatestPrototypes("run-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestOrchestrator_StrictSizeBoundsSkipRound(t *testing.T) {
	ds := twoBlobs(t, 50)
	p := cluster.DefaultParams()
	p.Init = cluster.InitKMeansPlusPlus
	p.MinPointsPerCentroid = 60

	opts := testOptions(t.TempDir())
	opts.SaveFeatures = false
	o, err := New(opts, Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  ds,
		Trainer:   &recordingTrainer{},
		Clusterer: cluster.NewClusterer(p, nil, nil),
	})
	require.NoError(t, err)

	report, err := o.Round(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, report.Published)
	assert.Nil(t, report.Features)
	assert.Nil(t, report.Score)
	assert.Nil(t, o.Holder().Load())
}

func TestOrchestrator_MaxEvalEpoch(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxEvalEpoch = 2

	o, err := New(opts, Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  twoBlobs(t, 50),
		Trainer:   &recordingTrainer{},
		Clusterer: testClusterer(),
		Scorer:    eval.NewScorer(eval.ScorerParams{Seeds: 1}, nil),
		Results:   eval.NewResultsLog(filepath.Join(dir, "result.txt")),
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	reports := o.Reports()
	require.Len(t, reports, 3)
	assert.NotNil(t, reports[0].Score)
	assert.NotNil(t, reports[0].Features)
	for _, r := range reports[1:] {
		assert.True(t, r.Published, "clustering continues at epoch %d", r.Epoch)
		assert.Nil(t, r.Score, "epoch %d", r.Epoch)
		assert.Nil(t, r.Features, "epoch %d", r.Epoch)
	}

	rows, err := eval.ReadResults(filepath.Join(dir, "result.txt"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOrchestrator_EncoderErrorAborts(t *testing.T) {
	boom := errors.New("encoder exploded")
	trainer := &recordingTrainer{}
	o, err := New(testOptions(t.TempDir()), Deps{
		Encoder:   &identityEncoder{dims: 2, err: boom},
		EvalData:  twoBlobs(t, 10),
		Trainer:   trainer,
		Clusterer: testClusterer(),
	})
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, trainer.inputs, 1, "only the warm-up epoch trained")
}

func TestOrchestrator_Cancelled(t *testing.T) {
	o, err := New(testOptions(t.TempDir()), Deps{
		Encoder:   &identityEncoder{dims: 2},
		EvalData:  twoBlobs(t, 10),
		Trainer:   &recordingTrainer{},
		Clusterer: testClusterer(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, o.Run(ctx), context.Canceled)
}

func TestProbeTrainer(t *testing.T) {
	ds := twoBlobs(t, 50)
	enc := &identityEncoder{dims: 2}
	probe := &ProbeTrainer{Encoder: enc, Data: ds, BatchSize: 32, Negatives: 4, Seed: 1}

	acc, err := probe.TrainEpoch(context.Background(), EpochInput{Epoch: 0})
	require.NoError(t, err)
	assert.Zero(t, acc)

	features, _, err := embed.Collect(context.Background(), enc, ds, 64)
	require.NoError(t, err)
	results, err := testClusterer().ClusterAll(features.Data, features.Dims, []int{2})
	require.NoError(t, err)
	pctx, err := prototype.Assemble(1, results, 0.2)
	require.NoError(t, err)

	acc, err = probe.TrainEpoch(context.Background(), EpochInput{Epoch: 1, Prototypes: pctx})
	require.NoError(t, err)
	assert.Greater(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 100.0)

	_, err = (&ProbeTrainer{Encoder: enc, Data: ds}).TrainEpoch(context.Background(), EpochInput{Prototypes: pctx})
	assert.Error(t, err)
}
