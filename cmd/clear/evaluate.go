package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/dataset"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// errThresholdsNotMet makes the command exit non-zero after printing.
var errThresholdsNotMet = errors.New("evaluation thresholds not met")

func newEvaluateCmd() *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "evaluate [features.bin]",
		Short: "Score a saved feature file against ground-truth labels",
		Long: `Cluster a feature snapshot with k-means under several seeds and report
the best ARI and NMI against the cell-type labels, plus the silhouette of
the labels themselves. Labels come from --labels (the training TSV) or from
the run recorded in the experiment store (--run-id).`,
		Args: cobra.ExactArgs(1),
		RunE: runEvaluate,
	}
	evalCmd.Flags().String("labels", "", "Dataset TSV providing the labels")
	evalCmd.Flags().String("run-id", "", "Read labels of this run from the experiment store")
	evalCmd.Flags().String("exp-dir", "", "Experiment directory holding the store")
	evalCmd.Flags().Int("k", 0, "Cluster count (default: number of distinct labels)")
	evalCmd.Flags().Int("epoch", 0, "Epoch recorded in the score")
	evalCmd.Flags().String("output", "summary", "Output format: summary, detailed, json, compact")
	evalCmd.Flags().String("save", "", "Save the score to a JSON file")
	evalCmd.Flags().String("threshold", "", "Override thresholds (ari=0.5,nmi=0.5,sil=0)")
	return evalCmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"output.exp_dir": "exp-dir",
	})
	if err != nil {
		return err
	}
	defer logging.Sync()

	features, err := storage.ReadFeatureFile(args[0])
	if err != nil {
		return err
	}

	labelsPath, _ := cmd.Flags().GetString("labels")
	runID, _ := cmd.Flags().GetString("run-id")
	var labels []int
	switch {
	case labelsPath != "":
		ds, err := dataset.LoadTSV(labelsPath, dataset.LoadOptions{Header: cfg.Data.Header})
		if err != nil {
			return err
		}
		labels = ds.Labels()
	case runID != "":
		store, err := storage.NewArtifactStore(storeDir(cfg.Output.ExpDir))
		if err != nil {
			return err
		}
		labels, err = store.GetLabels(runID)
		store.Close()
		if err != nil {
			return errors.Wrapf(err, "labels of run %s", runID)
		}
	default:
		return errors.New("pass --labels or --run-id")
	}
	if len(labels) != features.Rows {
		return errors.Newf("%d labels for %d feature rows", len(labels), features.Rows)
	}

	k, _ := cmd.Flags().GetInt("k")
	if k <= 0 {
		k = countDistinct(labels)
	}

	scorer := eval.NewScorer(eval.ScorerParams{
		Seeds:       cfg.Eval.Seeds,
		Niter:       cfg.Eval.Niter,
		Parallelism: cfg.Clustering.Parallelism,
	}, logging.Logger)
	thresholds := cfg.Eval.Thresholds
	if s, _ := cmd.Flags().GetString("threshold"); s != "" {
		if thresholds, err = parseThresholds(s, thresholds); err != nil {
			return err
		}
	}
	scorer.SetThresholds(thresholds)

	fmt.Printf("🔍 Scoring %d × %d features at k=%d...\n", features.Rows, features.Dims, k)
	score, err := scorer.Score(features.Data, features.Dims, labels, k)
	if err != nil {
		return err
	}
	score.Epoch, _ = cmd.Flags().GetInt("epoch")

	reporter := eval.NewReporter(os.Stdout)
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "detailed":
		reporter.PrintSummary(score)
		reporter.PrintDetails(score)
	case "json":
		if err := reporter.PrintJSON(score); err != nil {
			return err
		}
	case "compact":
		reporter.PrintCompact(score)
	default:
		reporter.PrintSummary(score)
	}

	if savePath, _ := cmd.Flags().GetString("save"); savePath != "" {
		if err := reporter.SaveJSON(score, savePath); err != nil {
			pterm.Warning.Printfln("Failed to save results: %v", err)
		} else {
			fmt.Printf("💾 Results saved to %s\n", savePath)
		}
	}

	if !score.Passed {
		return errThresholdsNotMet
	}
	return nil
}

// parseThresholds applies overrides such as "ari=0.6,sil=0.1" to base.
func parseThresholds(s string, base eval.Thresholds) (eval.Thresholds, error) {
	t := base
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return base, errors.Newf("threshold %q is not name=value", pair)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return base, errors.Wrapf(err, "threshold %q", pair)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ari":
			t.ARI = val
		case "nmi":
			t.NMI = val
		case "sil", "silhouette":
			t.Silhouette = val
		default:
			return base, errors.Newf("unknown threshold %q", name)
		}
	}
	return t, nil
}

func countDistinct(labels []int) int {
	seen := make(map[int]struct{}, len(labels))
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	return len(seen)
}
