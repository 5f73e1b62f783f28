package main

import (
	"strconv"
	"time"

	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in an experiment directory",
		Long: `Without --run-id, list every run in the experiment store. With --run-id,
show the clustering rounds and evaluation rows of that run.`,
		RunE: runRuns,
	}
	runsCmd.Flags().String("exp-dir", "", "Experiment directory holding the store")
	runsCmd.Flags().String("run-id", "", "Show the rounds and results of one run")
	return runsCmd
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"output.exp_dir": "exp-dir",
	})
	if err != nil {
		return err
	}
	defer logging.Sync()

	store, err := storage.NewArtifactStore(storeDir(cfg.Output.ExpDir))
	if err != nil {
		return err
	}
	defer store.Close()

	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		return listRuns(store)
	}
	return showRun(store, runID)
}

func listRuns(store *storage.ArtifactStore) error {
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs recorded")
		return nil
	}
	data := pterm.TableData{{"Run ID", "Dataset", "Cells", "Genes", "Granularities", "Created"}}
	for _, m := range runs {
		data = append(data, []string{
			m.RunID, m.Dataset,
			strconv.Itoa(m.NumCells), strconv.Itoa(m.NumGenes),
			config.FormatGranularities(m.Granularities),
			m.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func showRun(store *storage.ArtifactStore, runID string) error {
	m, err := store.GetManifest(runID)
	if err != nil {
		return err
	}
	pterm.DefaultHeader.Printfln("%s on %s (%d cells)", m.RunID, m.Dataset, m.NumCells)

	rounds, err := store.Rounds(runID)
	if err != nil {
		return err
	}
	roundData := pterm.TableData{{"Epoch", "Status", "Duration", "Reason"}}
	for _, r := range rounds {
		roundData = append(roundData, []string{
			strconv.Itoa(r.Epoch), string(r.Status), r.Duration.Round(time.Millisecond).String(), r.Reason,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(roundData).Render(); err != nil {
		return err
	}

	results, err := store.Results(runID)
	if err != nil {
		return err
	}
	resultData := pterm.TableData{{"Epoch", "ARI", "NMI", "Silhouette", "Acc"}}
	for _, r := range results {
		resultData = append(resultData, []string{
			strconv.Itoa(r.Epoch),
			strconv.FormatFloat(r.ARI, 'f', 4, 64),
			strconv.FormatFloat(r.NMI, 'f', 4, 64),
			strconv.FormatFloat(r.Silhouette, 'f', 4, 64),
			strconv.FormatFloat(r.Accuracy, 'f', 2, 64),
		})
	}
	pterm.Println()
	return pterm.DefaultTable.WithHasHeader().WithData(resultData).Render()
}
