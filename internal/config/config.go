// Package config resolves substrate configuration from the environment and
// an optional loom.yaml file. Precedence: environment variables, then file,
// then defaults. The resolved Config is passed down explicitly; there are no
// package-level config globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Known embedding models and their dimensions. EMBED_DIM overrides.
var embedderDims = map[string]int{
	"mxbai-embed-large": 1024,
	"nomic-embed-text":  768,
	"all-minilm":        384,
}

// Config is the resolved substrate configuration.
type Config struct {
	// StateDir is the base directory for per-project databases.
	StateDir string

	// EmbedderURL is the embedding endpoint; empty disables vector search
	// (find falls back to FTS).
	EmbedderURL string

	// EmbedderModel names the embedding model and implies EmbedDim.
	EmbedderModel string

	// EmbedDim is the embedding dimension.
	EmbedDim int

	// AnthropicAPIKey enables the production analyzer when set.
	AnthropicAPIKey string

	// AnalyzerModel names the analyzer model.
	AnalyzerModel string

	// RateLimitDisabled turns off per-(agent, endpoint) token buckets.
	RateLimitDisabled bool

	// ReservationSweepInterval is how often the TTL sweeper runs.
	ReservationSweepInterval time.Duration

	// TombstoneTTL is how long hive tombstones are retained for merge
	// reconciliation.
	TombstoneTTL time.Duration

	// EmbedderTimeout bounds one embedder call.
	EmbedderTimeout time.Duration

	// AnalyzerTimeout bounds one analyzer call.
	AnalyzerTimeout time.Duration

	// SubscriberBuffer is the bounded per-consumer event queue size.
	SubscriberBuffer int

	// ChunkLimit is the max content length embedded in one call; longer
	// content is chunked with ChunkOverlap and the vectors averaged.
	ChunkLimit   int
	ChunkOverlap int

	// LogLevel is the zerolog level name.
	LogLevel string
}

// Load resolves configuration. If cfgFile is empty, loom.yaml is looked up
// in the working directory and $HOME/.loom/.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("embedder_url", "")
	v.SetDefault("embedder_model", "nomic-embed-text")
	v.SetDefault("embed_dim", 0)
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("analyzer_model", "claude-sonnet-4-5")
	v.SetDefault("rate_limit_disabled", false)
	v.SetDefault("reservation_sweep_interval_ms", 60000)
	v.SetDefault("hive_tombstone_ttl_days", 30)
	v.SetDefault("embedder_timeout_ms", 10000)
	v.SetDefault("analyzer_timeout_ms", 30000)
	v.SetDefault("subscriber_buffer", 1024)
	v.SetDefault("chunk_limit", 24000)
	v.SetDefault("chunk_overlap", 200)
	v.SetDefault("log_level", "info")

	// Well-known environment names, bound without the LOOM_ prefix.
	for key, env := range map[string]string{
		"state_dir":                     "STATE_DIR",
		"embedder_url":                  "EMBEDDER_URL",
		"embedder_model":                "EMBEDDER_MODEL",
		"embed_dim":                     "EMBED_DIM",
		"anthropic_api_key":             "ANTHROPIC_API_KEY",
		"rate_limit_disabled":           "RATE_LIMIT_DISABLED",
		"reservation_sweep_interval_ms": "RESERVATION_SWEEP_INTERVAL_MS",
		"hive_tombstone_ttl_days":       "HIVE_TOMBSTONE_TTL_DAYS",
		"log_level":                     "LOOM_LOG_LEVEL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".loom"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		StateDir:                 v.GetString("state_dir"),
		EmbedderURL:              strings.TrimRight(v.GetString("embedder_url"), "/"),
		EmbedderModel:            v.GetString("embedder_model"),
		EmbedDim:                 v.GetInt("embed_dim"),
		AnthropicAPIKey:          v.GetString("anthropic_api_key"),
		AnalyzerModel:            v.GetString("analyzer_model"),
		RateLimitDisabled:        v.GetBool("rate_limit_disabled"),
		ReservationSweepInterval: time.Duration(v.GetInt64("reservation_sweep_interval_ms")) * time.Millisecond,
		TombstoneTTL:             time.Duration(v.GetInt("hive_tombstone_ttl_days")) * 24 * time.Hour,
		EmbedderTimeout:          time.Duration(v.GetInt64("embedder_timeout_ms")) * time.Millisecond,
		AnalyzerTimeout:          time.Duration(v.GetInt64("analyzer_timeout_ms")) * time.Millisecond,
		SubscriberBuffer:         v.GetInt("subscriber_buffer"),
		ChunkLimit:               v.GetInt("chunk_limit"),
		ChunkOverlap:             v.GetInt("chunk_overlap"),
		LogLevel:                 v.GetString("log_level"),
	}

	if cfg.EmbedDim == 0 {
		if dim, ok := embedderDims[cfg.EmbedderModel]; ok {
			cfg.EmbedDim = dim
		} else {
			cfg.EmbedDim = 768
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("embed_dim must be positive (got %d)", c.EmbedDim)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive (got %d)", c.SubscriberBuffer)
	}
	if c.ChunkOverlap >= c.ChunkLimit {
		return fmt.Errorf("chunk_overlap %d must be smaller than chunk_limit %d", c.ChunkOverlap, c.ChunkLimit)
	}
	return nil
}

// defaultStateDir places project databases under the user's home directory,
// falling back to a relative directory for constrained environments.
func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".loom", "state")
	}
	return ".loom-state"
}

// errorsAs is a local alias so the viper sentinel check reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok { //nolint:errorlint // viper returns this unwrapped
		*target = e
		return true
	}
	return false
}
