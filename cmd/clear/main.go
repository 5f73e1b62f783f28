// Package main provides the clear CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/orneryd/clear/pkg/config"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// storeDirName is the artifact store directory inside the experiment
// directory.
const storeDirName = "store"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clear",
		Short: "CLEAR - prototype contrastive learning for single-cell RNA-seq",
		Long: `CLEAR learns cell embeddings with instance and prototype contrastive
losses. Every few epochs it clusters the embedding of the whole dataset at
one or more granularities and trains against the resulting prototypes.

Features:
  • Multi-granularity k-means with cluster size bounds
  • Per-cluster concentration (temperature) estimation
  • ARI / NMI / silhouette monitoring against known cell types
  • Feature snapshots and run metadata in a BadgerDB store
  • Prometheus metrics endpoint`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clear v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newClusterCmd())
	rootCmd.AddCommand(newEvaluateCmd())
	rootCmd.AddCommand(newRunsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, environment overrides and any flags
// bound in binds (viper key → flag name), then initializes logging.
func loadConfig(cmd *cobra.Command, binds map[string]string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(path)
	if err != nil {
		return nil, err
	}
	for key, flag := range binds {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("logging.level", f.Value.String())
	}
	if f := cmd.Flags().Lookup("log-json"); f != nil && f.Changed {
		v.Set("logging.json", true)
	}

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func storeDir(expDir string) string {
	return filepath.Join(expDir, storeDirName)
}
