package main

import (
	"path/filepath"
	"testing"

	"github.com/orneryd/clear/pkg/eval"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseThresholds(t *testing.T) {
	base := eval.DefaultThresholds()

	got, err := parseThresholds("ari=0.7, sil=0.1", base)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.ARI)
	assert.Equal(t, base.NMI, got.NMI)
	assert.Equal(t, 0.1, got.Silhouette)

	got, err = parseThresholds("NMI=0.9,silhouette=-0.2", base)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.NMI)
	assert.Equal(t, -0.2, got.Silhouette)

	for _, bad := range []string{"ari", "ari=high", "mrr=0.5"} {
		_, err := parseThresholds(bad, base)
		assert.Error(t, err, bad)
	}
}

func TestCountDistinct(t *testing.T) {
	assert.Equal(t, 3, countDistinct([]int{2, 0, 2, 1, 0}))
	assert.Equal(t, 0, countDistinct(nil))
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("log-json", false, "")
	cmd.Flags().String("exp-dir", "", "")
	cmd.Flags().Int("epochs", 0, "")

	dir := filepath.Join(t.TempDir(), "exp")
	require.NoError(t, cmd.Flags().Parse([]string{"--exp-dir", dir, "--log-level", "warn"}))

	cfg, err := loadConfig(cmd, map[string]string{
		"output.exp_dir":  "exp-dir",
		"training.epochs": "epochs",
	})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Output.ExpDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Training.Epochs, "unchanged flags keep the default")
	assert.Equal(t, filepath.Join(dir, "store"), storeDir(cfg.Output.ExpDir))
}

func TestRunCmd_Help(t *testing.T) {
	cmd := newRunCmd()
	assert.Contains(t, cmd.Long, "encoder weights are not updated")
	for _, name := range []string{"data", "exp-dir", "epochs", "num-cluster", "metrics"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
