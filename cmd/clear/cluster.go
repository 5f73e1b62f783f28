package main

import (
	"fmt"
	"strconv"

	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/orneryd/clear/pkg/prototype"
	"github.com/orneryd/clear/pkg/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newClusterCmd() *cobra.Command {
	clusterCmd := &cobra.Command{
		Use:   "cluster [features.bin]",
		Short: "Run one clustering round on a saved feature file",
		Long: `Cluster a feature snapshot written by "clear run" at every configured
granularity and print cluster sizes, objectives and the estimated
concentrations. Nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: runCluster,
	}
	clusterCmd.Flags().String("num-cluster", "", "Comma-separated granularities, e.g. 7,50")
	clusterCmd.Flags().String("size-policy", "", "Cluster size policy: strict, warn or ignore")
	clusterCmd.Flags().Bool("halve", false, "Halve rows longer than clustering.norm_threshold first")
	return clusterCmd
}

func runCluster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"clustering.num_cluster": "num-cluster",
		"clustering.size_policy": "size-policy",
	})
	if err != nil {
		return err
	}
	defer logging.Sync()

	features, err := storage.ReadFeatureFile(args[0])
	if err != nil {
		return err
	}
	if halve, _ := cmd.Flags().GetBool("halve"); halve {
		n := features.HalveLongRows(cfg.Clustering.NormThreshold)
		pterm.Info.Printfln("Halved %d of %d rows", n, features.Rows)
	}

	ks, err := cfg.Granularities()
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

	fmt.Printf("🔍 Clustering %d × %d features at k=%s (%s)\n",
		features.Rows, features.Dims, config.FormatGranularities(ks), params.SizePolicy)
	results, err := cluster.NewClusterer(params, factory, logging.Logger).ClusterAll(features.Data, features.Dims, ks)
	if err != nil {
		return err
	}
	pctx, err := prototype.Assemble(0, results, cfg.Training.Temperature)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"k", "Iterations", "Objective", "Min", "Max", "Avg", "Empty", "φ min", "φ p50", "φ max"}}
	for i, res := range results {
		st := res.Stats()
		phi := pctx.Granularities[i].Concentration
		data = append(data, []string{
			strconv.Itoa(st.K),
			strconv.Itoa(st.Iterations),
			strconv.FormatFloat(st.Objective, 'f', 3, 64),
			strconv.Itoa(st.MinSize),
			strconv.Itoa(st.MaxSize),
			strconv.FormatFloat(st.AvgSize, 'f', 1, 64),
			strconv.Itoa(st.Empty),
			strconv.FormatFloat(prototype.Percentile(phi, 0), 'f', 4, 64),
			strconv.FormatFloat(prototype.Percentile(phi, 50), 'f', 4, 64),
			strconv.FormatFloat(prototype.Percentile(phi, 100), 'f', 4, 64),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
