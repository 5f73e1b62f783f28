// Package config loads the training configuration.
//
// Configuration comes from three layers, lowest precedence first: built-in
// defaults, an optional YAML file, and environment variables prefixed with
// CLEAR_ (nested keys joined by underscores). The effective configuration is
// written back into the experiment directory so every run records exactly
// what it used.
//
// Example Usage:
//
//	cfg, err := config.Load("clear.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	cfg.ApplyRuntime()
//
// Environment Variables:
//   - CLEAR_DATA_PATH="./pbmc.tsv"
//   - CLEAR_TRAINING_EPOCHS=200
//   - CLEAR_TRAINING_BATCH_SIZE=256
//   - CLEAR_CLUSTERING_NUM_CLUSTER="7,50,100"
//   - CLEAR_CLUSTERING_SIZE_POLICY="warn"
//   - CLEAR_OUTPUT_EXP_DIR="experiment_pcl"
//   - CLEAR_LOGGING_LEVEL="debug"
//   - CLEAR_MEMORY_RUNTIME_LIMIT="2GB"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/pool"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CLEAR"

// Config holds the complete configuration of a training run.
//
// Configuration is organized into logical sections:
//   - Data: expression matrix location
//   - Model: encoder shape and optional pretrained weights
//   - Training: epoch loop, learning rate schedule and ProtoNCE settings
//   - Clustering: granularities and k-means parameters
//   - Eval: monitoring k-means and pass/fail thresholds
//   - Output: experiment directory
//   - Logging, Metrics, Memory: ambient settings
type Config struct {
	Data       DataConfig       `mapstructure:"data" yaml:"data"`
	Model      ModelConfig      `mapstructure:"model" yaml:"model"`
	Training   TrainingConfig   `mapstructure:"training" yaml:"training"`
	Clustering ClusteringConfig `mapstructure:"clustering" yaml:"clustering"`
	Eval       EvalConfig       `mapstructure:"eval" yaml:"eval"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
}

// DataConfig locates the expression matrix.
type DataConfig struct {
	// Path to a TSV file: label in the first column, one gene per further column
	Path string `mapstructure:"path" yaml:"path"`
	// Name identifies the dataset in the run manifest
	Name string `mapstructure:"name" yaml:"name"`
	// Header skips the first line of the TSV
	Header bool `mapstructure:"header" yaml:"header"`
}

// ModelConfig describes the encoder.
type ModelConfig struct {
	HiddenDim int `mapstructure:"hidden_dim" yaml:"hidden_dim"`
	// LowDim is the embedding dimension (default 128)
	LowDim int `mapstructure:"low_dim" yaml:"low_dim"`
	// Path to a saved encoder; empty builds a fresh one
	Path string `mapstructure:"path" yaml:"path"`
	ID   string `mapstructure:"id" yaml:"id"`
}

// TrainingConfig controls the epoch loop.
type TrainingConfig struct {
	Epochs       int     `mapstructure:"epochs" yaml:"epochs"`
	StartEpoch   int     `mapstructure:"start_epoch" yaml:"start_epoch"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	// Cos selects the cosine schedule; otherwise Schedule milestones apply
	Cos      bool  `mapstructure:"cos" yaml:"cos"`
	Schedule []int `mapstructure:"schedule" yaml:"schedule"`
	// WarmupEpochs train with InfoNCE only before the first clustering round
	WarmupEpochs int `mapstructure:"warmup_epochs" yaml:"warmup_epochs"`
	// SaveFreq is the clustering/evaluation period in epochs
	SaveFreq int `mapstructure:"save_freq" yaml:"save_freq"`
	// MaxEvalEpoch stops feature persistence from this epoch on
	MaxEvalEpoch int `mapstructure:"max_eval_epoch" yaml:"max_eval_epoch"`
	// Temperature is the base ProtoNCE temperature
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	// PCLR is the number of negative prototypes per granularity
	PCLR int   `mapstructure:"pcl_r" yaml:"pcl_r"`
	Seed int64 `mapstructure:"seed" yaml:"seed"`
	// AutoGranularity replaces the granularities with the number of
	// distinct labels in the dataset
	AutoGranularity bool `mapstructure:"auto_granularity" yaml:"auto_granularity"`
}

// ClusteringConfig configures prototype rounds.
type ClusteringConfig struct {
	// NumCluster is a comma-separated list of granularities, e.g. "7,50"
	NumCluster           string  `mapstructure:"num_cluster" yaml:"num_cluster"`
	Niter                int     `mapstructure:"niter" yaml:"niter"`
	Nredo                int     `mapstructure:"nredo" yaml:"nredo"`
	MinPointsPerCentroid int     `mapstructure:"min_points_per_centroid" yaml:"min_points_per_centroid"`
	MaxPointsPerCentroid int     `mapstructure:"max_points_per_centroid" yaml:"max_points_per_centroid"`
	SizePolicy           string  `mapstructure:"size_policy" yaml:"size_policy"`
	Init                 string  `mapstructure:"init" yaml:"init"`
	Index                string  `mapstructure:"index" yaml:"index"`
	Parallelism          int     `mapstructure:"parallelism" yaml:"parallelism"`
	NormThreshold        float64 `mapstructure:"norm_threshold" yaml:"norm_threshold"`
}

// EvalConfig configures monitoring.
type EvalConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Seeds      int             `mapstructure:"seeds" yaml:"seeds"`
	Niter      int             `mapstructure:"niter" yaml:"niter"`
	Thresholds eval.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
}

// OutputConfig locates run artifacts.
type OutputConfig struct {
	ExpDir       string `mapstructure:"exp_dir" yaml:"exp_dir"`
	SaveFeatures bool   `mapstructure:"save_features" yaml:"save_features"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// MemoryConfig holds Go runtime and buffer pool tuning.
type MemoryConfig struct {
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT), e.g. "2GB";
	// empty or "unlimited" leaves the runtime default
	RuntimeLimit string `mapstructure:"runtime_limit" yaml:"runtime_limit"`
	// GCPercent controls GC aggressiveness (GOGC)
	GCPercent   int  `mapstructure:"gc_percent" yaml:"gc_percent"`
	PoolEnabled bool `mapstructure:"pool_enabled" yaml:"pool_enabled"`
	// PoolMaxSize is the largest scratch buffer (in elements) kept for reuse
	PoolMaxSize int `mapstructure:"pool_max_size" yaml:"pool_max_size"`
}

// SetDefaults registers every default on v. Every key must have a default
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data.path", "")
	v.SetDefault("data.name", "")
	v.SetDefault("data.header", true)

	v.SetDefault("model.hidden_dim", 256)
	v.SetDefault("model.low_dim", 128)
	v.SetDefault("model.path", "")
	v.SetDefault("model.id", "clear-encoder")

	v.SetDefault("training.epochs", 100)
	v.SetDefault("training.start_epoch", 0)
	v.SetDefault("training.batch_size", 512)
	v.SetDefault("training.learning_rate", 5e-3)
	v.SetDefault("training.cos", false)
	v.SetDefault("training.schedule", []int{100, 120})
	v.SetDefault("training.warmup_epochs", 5)
	v.SetDefault("training.save_freq", 10)
	v.SetDefault("training.max_eval_epoch", 300)
	v.SetDefault("training.temperature", 0.2)
	v.SetDefault("training.pcl_r", 1024)
	v.SetDefault("training.seed", 0)
	v.SetDefault("training.auto_granularity", true)

	p := cluster.DefaultParams()
	v.SetDefault("clustering.num_cluster", "7")
	v.SetDefault("clustering.niter", p.Niter)
	v.SetDefault("clustering.nredo", p.Nredo)
	v.SetDefault("clustering.min_points_per_centroid", p.MinPointsPerCentroid)
	v.SetDefault("clustering.max_points_per_centroid", p.MaxPointsPerCentroid)
	v.SetDefault("clustering.size_policy", string(p.SizePolicy))
	v.SetDefault("clustering.init", string(p.Init))
	v.SetDefault("clustering.index", "flat")
	v.SetDefault("clustering.parallelism", 0)
	v.SetDefault("clustering.norm_threshold", 1.5)

	e := eval.DefaultScorerParams()
	t := eval.DefaultThresholds()
	v.SetDefault("eval.enabled", true)
	v.SetDefault("eval.seeds", e.Seeds)
	v.SetDefault("eval.niter", e.Niter)
	v.SetDefault("eval.thresholds.ari", t.ARI)
	v.SetDefault("eval.thresholds.nmi", t.NMI)
	v.SetDefault("eval.thresholds.silhouette", t.Silhouette)

	v.SetDefault("output.exp_dir", "experiment_pcl")
	v.SetDefault("output.save_features", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")

	v.SetDefault("memory.runtime_limit", "")
	v.SetDefault("memory.gc_percent", 100)
	v.SetDefault("memory.pool_enabled", true)
	v.SetDefault("memory.pool_max_size", 1<<24)
}

// NewViper returns a viper instance with defaults and CLEAR_ environment
// binding. When path is non-empty the YAML file is read as well.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return v, nil
}

// Load reads defaults, the optional YAML file at path and environment
// overrides into a Config.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals a prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Default returns the built-in configuration without file or environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always decode.
		panic(err)
	}
	return cfg
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	t := c.Training
	switch {
	case t.Epochs <= 0:
		return errors.Newf("invalid epochs: %d", t.Epochs)
	case t.StartEpoch < 0 || t.StartEpoch > t.Epochs:
		return errors.Newf("invalid start epoch %d for %d epochs", t.StartEpoch, t.Epochs)
	case t.BatchSize <= 0:
		return errors.Newf("invalid batch size: %d", t.BatchSize)
	case t.LearningRate <= 0:
		return errors.Newf("invalid learning rate: %g", t.LearningRate)
	case t.WarmupEpochs < 0:
		return errors.Newf("invalid warmup epochs: %d", t.WarmupEpochs)
	case t.SaveFreq <= 0:
		return errors.Newf("invalid save frequency: %d", t.SaveFreq)
	case t.Temperature <= 0:
		return errors.Newf("invalid temperature: %g", t.Temperature)
	case t.PCLR < 0:
		return errors.Newf("invalid pcl_r: %d", t.PCLR)
	}

	if c.Model.LowDim <= 0 || c.Model.HiddenDim <= 0 {
		return errors.Newf("invalid model dims: hidden %d, low %d", c.Model.HiddenDim, c.Model.LowDim)
	}

	cl := c.Clustering
	if _, err := ParseGranularities(cl.NumCluster); err != nil {
		return err
	}
	if _, err := cluster.ParseSizePolicy(cl.SizePolicy); err != nil {
		return err
	}
	if _, err := cluster.ParseInitMethod(cl.Init); err != nil {
		return err
	}
	if _, err := cluster.FactoryByName(cl.Index, 1); err != nil {
		return err
	}
	if cl.Niter < 0 || cl.Nredo < 0 {
		return errors.Newf("invalid k-means iterations: niter %d, nredo %d", cl.Niter, cl.Nredo)
	}
	if cl.MaxPointsPerCentroid > 0 && cl.MinPointsPerCentroid > cl.MaxPointsPerCentroid {
		return errors.Newf("min points per centroid %d exceeds max %d",
			cl.MinPointsPerCentroid, cl.MaxPointsPerCentroid)
	}
	if cl.NormThreshold <= 0 {
		return errors.Newf("invalid norm threshold: %g", cl.NormThreshold)
	}

	if c.Eval.Enabled && c.Eval.Seeds <= 0 {
		return errors.Newf("invalid eval seeds: %d", c.Eval.Seeds)
	}
	if c.Output.ExpDir == "" {
		return errors.New("output.exp_dir must be set")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics enabled but no address provided")
	}
	if c.Memory.GCPercent == 0 || c.Memory.GCPercent < -1 {
		return errors.Newf("invalid gc percent: %d", c.Memory.GCPercent)
	}
	return nil
}

// Granularities parses Clustering.NumCluster.
func (c *Config) Granularities() ([]int, error) {
	return ParseGranularities(c.Clustering.NumCluster)
}

// ClusterParams converts the clustering section into k-means parameters.
func (c *Config) ClusterParams() (cluster.Params, error) {
	policy, err := cluster.ParseSizePolicy(c.Clustering.SizePolicy)
	if err != nil {
		return cluster.Params{}, err
	}
	method, err := cluster.ParseInitMethod(c.Clustering.Init)
	if err != nil {
		return cluster.Params{}, err
	}
	return cluster.Params{
		Niter:                c.Clustering.Niter,
		Nredo:                c.Clustering.Nredo,
		Seed:                 c.Training.Seed,
		MinPointsPerCentroid: c.Clustering.MinPointsPerCentroid,
		MaxPointsPerCentroid: c.Clustering.MaxPointsPerCentroid,
		SizePolicy:           policy,
		Init:                 method,
		Parallelism:          c.Clustering.Parallelism,
	}, nil
}

// ParseGranularities parses a comma-separated list of positive cluster
// counts such as "7,50,100".
func ParseGranularities(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ks := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid granularity %q", p)
		}
		if k <= 0 {
			return nil, errors.Newf("granularity must be positive, got %d", k)
		}
		ks = append(ks, k)
	}
	if len(ks) == 0 {
		return nil, errors.Newf("no granularities in %q", s)
	}
	return ks, nil
}

// FormatGranularities is the inverse of ParseGranularities.
func FormatGranularities(ks []int) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save writes the configuration as YAML to path, creating parent
// directories.
func (c *Config) Save(path string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// String returns a short representation suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Data: %s, Epochs: %d, Batch: %d, Clusters: %s, Policy: %s, ExpDir: %s}",
		c.Data.Path, c.Training.Epochs, c.Training.BatchSize,
		c.Clustering.NumCluster, c.Clustering.SizePolicy, c.Output.ExpDir,
	)
}

// ApplyRuntime applies the memory section to the Go runtime and the
// scratch buffer pool. Should be called early in main() before heavy
// allocations.
func (c *Config) ApplyRuntime() {
	if limit := parseMemorySize(c.Memory.RuntimeLimit); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if c.Memory.GCPercent != 100 && c.Memory.GCPercent != 0 {
		debug.SetGCPercent(c.Memory.GCPercent)
	}
	pool.Configure(pool.PoolConfig{
		Enabled: c.Memory.PoolEnabled,
		MaxSize: c.Memory.PoolMaxSize,
	})
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
