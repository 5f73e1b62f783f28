package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/dataset"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/metrics"
	"github.com/orneryd/clear/pkg/storage"
	"github.com/orneryd/clear/pkg/train"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the training loop with periodic clustering rounds",
		Long: `Load the expression matrix, then train for the configured number of
epochs. After the warm-up, every save_freq epochs the whole dataset is
embedded, clustered at every granularity and the prototypes are published
to training. Evaluation rows are appended to <exp_dir>/result.txt.

The encoder weights are not updated by this command: each epoch only
monitors the ProtoNCE objective of the frozen network against the current
prototypes, so the embedding and its scores do not improve over epochs.`,
		RunE: runTraining,
	}
	runCmd.Flags().String("data", "", "Expression matrix TSV (label column first)")
	runCmd.Flags().String("exp-dir", "", "Experiment output directory")
	runCmd.Flags().Int("epochs", 0, "Number of epochs")
	runCmd.Flags().String("num-cluster", "", "Comma-separated granularities, e.g. 7,50")
	runCmd.Flags().Bool("metrics", false, "Expose Prometheus metrics")
	return runCmd
}

func runTraining(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"data.path":              "data",
		"output.exp_dir":         "exp-dir",
		"training.epochs":        "epochs",
		"clustering.num_cluster": "num-cluster",
		"metrics.enabled":        "metrics",
	})
	if err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Logger

	if cfg.Data.Path == "" {
		return errors.New("no dataset: set data.path or pass --data")
	}
	cfg.ApplyRuntime()

	ds, err := dataset.LoadTSV(cfg.Data.Path, dataset.LoadOptions{Header: cfg.Data.Header})
	if err != nil {
		return err
	}
	if cfg.Data.Name == "" {
		cfg.Data.Name = strings.TrimSuffix(filepath.Base(cfg.Data.Path), filepath.Ext(cfg.Data.Path))
	}
	for _, change := range train.AdaptToDataset(cfg, ds) {
		pterm.Info.Printfln("Adjusted for %d cells: %s", ds.NumCells(), change)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	unreachable, err := train.UnreachableGranularities(cfg, ds.NumCells())
	if err != nil {
		return err
	}
	if len(unreachable) > 0 {
		pterm.Warning.Printfln("%d cells cannot meet the strict size bounds [%d, %d] at k=%s; those rounds will be skipped (set clustering.size_policy or the point bounds)",
			ds.NumCells(), cfg.Clustering.MinPointsPerCentroid, cfg.Clustering.MaxPointsPerCentroid,
			config.FormatGranularities(unreachable))
	}

	fmt.Printf("🚀 Starting clear v%s\n", version)
	fmt.Printf("   Dataset:         %s (%d cells × %d genes, %d types)\n",
		cfg.Data.Name, ds.NumCells(), ds.NumGenes(), len(ds.UniqueLabels()))
	fmt.Printf("   Granularities:   %s\n", cfg.Clustering.NumCluster)
	fmt.Printf("   Experiment dir:  %s\n", cfg.Output.ExpDir)

	if err := cfg.Save(filepath.Join(cfg.Output.ExpDir, "config.yaml")); err != nil {
		return err
	}

	store, err := storage.NewArtifactStoreWithOptions(storage.BadgerOptions{
		DataDir: storeDir(cfg.Output.ExpDir),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	opts, err := train.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	manifest := storage.NewManifest(cfg.Data.Name, ds.NumCells(), ds.NumGenes(), opts.Granularities)
	if yml, err := cfg.YAML(); err == nil {
		manifest.Config = string(yml)
	}
	if err := store.PutManifest(manifest); err != nil {
		return err
	}
	if err := store.PutLabels(manifest.RunID, ds.Labels()); err != nil {
		return err
	}
	fmt.Printf("   Run ID:          %s\n", manifest.RunID)

	encoder, err := buildEncoder(cfg, ds.NumGenes())
	if err != nil {
		return err
	}

	params, err := cfg.ClusterParams()
	if err != nil {
		return err
	}
	factory, err := cluster.FactoryByName(cfg.Clustering.Index, params.Parallelism)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		go func() {
			if err := recorder.Serve(ctx, cfg.Metrics.Address, log); err != nil {
				log.Errorw("metrics endpoint stopped", "error", err)
			}
		}()
	}

	deps := train.Deps{
		Encoder:  encoder,
		EvalData: ds,
		Trainer: &train.ProbeTrainer{
			Encoder:   encoder,
			Data:      ds,
			BatchSize: cfg.Training.BatchSize,
			Negatives: cfg.Training.PCLR,
			Seed:      cfg.Training.Seed,
			Log:       log,
		},
		Clusterer: cluster.NewClusterer(params, factory, log),
		Results:   eval.NewResultsLog(filepath.Join(cfg.Output.ExpDir, "result.txt")),
		Reporter:  eval.NewReporter(os.Stdout),
		Store:     store,
		RunID:     manifest.RunID,
		Recorder:  recorder,
		Log:       log,
	}
	if cfg.Eval.Enabled {
		deps.Scorer = eval.NewScorer(eval.ScorerParams{
			Seeds:       cfg.Eval.Seeds,
			Niter:       cfg.Eval.Niter,
			Parallelism: cfg.Clustering.Parallelism,
		}, log)
		deps.Scorer.SetThresholds(cfg.Eval.Thresholds)
	}

	orch, err := train.New(opts, deps)
	if err != nil {
		return err
	}
	fmt.Println("\n🧬 Training...")
	runErr := orch.Run(ctx)

	printRounds(orch.Reports())
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			pterm.Warning.Println("Interrupted")
			return nil
		}
		return runErr
	}
	if cfg.Model.Path != "" {
		if mlp, ok := encoder.(*embed.MLPEncoder); ok {
			if err := mlp.Save(cfg.Model.Path, cfg.Model.ID); err != nil {
				return err
			}
		}
	}
	pterm.Success.Printfln("Run %s finished, results in %s", manifest.RunID, deps.Results.Path())
	return nil
}

// buildEncoder restores the encoder at model.path when the file exists and
// builds a fresh one otherwise.
func buildEncoder(cfg *config.Config, genes int) (embed.Encoder, error) {
	if p := cfg.Model.Path; p != "" {
		if _, err := os.Stat(p); err == nil {
			pterm.Info.Printfln("Loading encoder from %s", p)
			return embed.LoadMLPEncoder(p, cfg.Model.ID, genes, cfg.Model.LowDim)
		}
	}
	return embed.NewMLPEncoder(genes, cfg.Model.HiddenDim, cfg.Model.LowDim)
}

func printRounds(reports []train.RoundReport) {
	if len(reports) == 0 {
		return
	}
	data := pterm.TableData{{"Epoch", "Status", "Halved", "Granularities", "ARI", "NMI", "Silhouette", "Duration"}}
	for _, r := range reports {
		status := pterm.Green("published")
		if !r.Published {
			status = pterm.Yellow("skipped")
		}
		ks := "-"
		if r.Prototypes != nil {
			ks = config.FormatGranularities(r.Prototypes.Ks())
		}
		ari, nmi, sil := "-", "-", "-"
		if r.Score != nil {
			ari = strconv.FormatFloat(r.Score.BestARI, 'f', 4, 64)
			nmi = strconv.FormatFloat(r.Score.BestNMI, 'f', 4, 64)
			sil = strconv.FormatFloat(r.Score.Silhouette, 'f', 4, 64)
		}
		data = append(data, []string{
			strconv.Itoa(r.Epoch), status, strconv.Itoa(r.Halved), ks, ari, nmi, sil,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	fmt.Println()
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		logging.Logger.Warnw("failed to render rounds", "error", err)
	}
}
