package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config holds all recall configuration. Values come from defaults, then the
// TOML config file, then RECALL_* environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind" env:"RECALL_BIND"`
	Port int    `mapstructure:"port" env:"RECALL_PORT"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" env:"RECALL_DB_PATH"` // resolved at runtime via store.DefaultDBPath() when empty
}

type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider" env:"RECALL_EMBEDDING_PROVIDER"` // "auto", "ollama", "tfidf"
	OllamaURL   string        `mapstructure:"ollama_url" env:"RECALL_OLLAMA_URL"`
	Model       string        `mapstructure:"model" env:"RECALL_EMBEDDING_MODEL"`
	Timeout     time.Duration `mapstructure:"timeout" env:"RECALL_EMBEDDING_TIMEOUT"`
	Concurrency int           `mapstructure:"concurrency" env:"RECALL_EMBEDDING_CONCURRENCY"`
	BatchSize   int           `mapstructure:"batch_size" env:"RECALL_EMBEDDING_BATCH_SIZE"`
	CacheSize   int64         `mapstructure:"cache_size" env:"RECALL_EMBEDDING_CACHE_SIZE"`
}

type EngineConfig struct {
	DecayRatePerHour  float64 `mapstructure:"decay_rate_per_hour" env:"RECALL_DECAY_RATE_PER_HOUR"`
	MergeThreshold    float64 `mapstructure:"merge_threshold" env:"RECALL_MERGE_THRESHOLD"`
	UsefulThreshold   float64 `mapstructure:"useful_threshold" env:"RECALL_USEFUL_THRESHOLD"`
	ReinforceBoost    float64 `mapstructure:"reinforce_boost" env:"RECALL_REINFORCE_BOOST"`
	LinkFanout        int     `mapstructure:"link_fanout" env:"RECALL_LINK_FANOUT"`
	LinkWorkers       int     `mapstructure:"link_workers" env:"RECALL_LINK_WORKERS"`
	LinkQueue         int     `mapstructure:"link_queue" env:"RECALL_LINK_QUEUE"`
	MaxDepth          int     `mapstructure:"max_depth" env:"RECALL_MAX_DEPTH"`
	CoRetrievalWeight float64 `mapstructure:"co_retrieval_weight" env:"RECALL_CO_RETRIEVAL_WEIGHT"`
}

// ScheduleConfig holds cron expressions; empty disables the job.
type ScheduleConfig struct {
	Decay       string `mapstructure:"decay" env:"RECALL_SCHEDULE_DECAY"`
	Consolidate string `mapstructure:"consolidate" env:"RECALL_SCHEDULE_CONSOLIDATE"`
}

type LogConfig struct {
	Level string `mapstructure:"level" env:"RECALL_LOG_LEVEL"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedding: EmbeddingConfig{
			Provider:    "auto",
			OllamaURL:   "http://localhost:11434",
			Model:       "nomic-embed-text",
			Timeout:     30 * time.Second,
			Concurrency: 2,
			BatchSize:   32,
			CacheSize:   4096,
		},
		Engine: EngineConfig{
			DecayRatePerHour:  0.01,
			MergeThreshold:    0.85,
			UsefulThreshold:   0.35,
			ReinforceBoost:    0.02,
			LinkFanout:        5,
			LinkWorkers:       2,
			LinkQueue:         256,
			MaxDepth:          3,
			CoRetrievalWeight: 0.1,
		},
		Schedule: ScheduleConfig{
			Decay:       "0 * * * *",
			Consolidate: "30 3 * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultDir returns ~/.recall.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall"), nil
}

// Load reads configuration. An explicit path must exist; without one,
// ~/.recall/config.toml is used when present.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := DefaultDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Embedding.Provider {
	case "auto", "ollama", "tfidf":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q must be auto, ollama or tfidf", c.Embedding.Provider))
	}
	if c.Embedding.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("embedding.concurrency must be > 0"))
	}
	if c.Engine.MergeThreshold <= 0.5 || c.Engine.MergeThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.merge_threshold %v must be in (0.5, 1]", c.Engine.MergeThreshold))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
