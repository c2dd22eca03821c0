package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Cohere     CohereConfig     `yaml:"cohere" mapstructure:"cohere"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	BrightData BrightDataConfig `yaml:"brightdata" mapstructure:"brightdata"`
	Fit        FitConfig        `yaml:"fit" mapstructure:"fit"`
	Rerank     RerankConfig     `yaml:"rerank" mapstructure:"rerank"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Cleanup    CleanupConfig    `yaml:"cleanup" mapstructure:"cleanup"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres stage-document store.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxConns    int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32         `yaml:"min_conns" mapstructure:"min_conns"`
}

// SearchConfig configures the creator index and query expansion.
type SearchConfig struct {
	BaseURL         string    `yaml:"base_url" mapstructure:"base_url"`
	Key             string    `yaml:"key" mapstructure:"key"`
	Collection      string    `yaml:"collection" mapstructure:"collection"`
	ResultsPerQuery int       `yaml:"results_per_query" mapstructure:"results_per_query"`
	TopN            int       `yaml:"top_n" mapstructure:"top_n"`
	Alphas          []float64 `yaml:"alphas" mapstructure:"alphas"`
	ExpandedQueries int       `yaml:"expanded_queries" mapstructure:"expanded_queries"`
	ExpansionTries  int       `yaml:"expansion_tries" mapstructure:"expansion_tries"`
	Concurrency     int       `yaml:"concurrency" mapstructure:"concurrency"`
}

// CohereConfig holds Cohere API settings for embeddings and reranking.
type CohereConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	EmbedModel  string `yaml:"embed_model" mapstructure:"embed_model"`
	RerankModel string `yaml:"rerank_model" mapstructure:"rerank_model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	ExpansionModel string `yaml:"expansion_model" mapstructure:"expansion_model"`
	FitModel       string `yaml:"fit_model" mapstructure:"fit_model"`
}

// BrightDataConfig configures the snapshot enrichment provider.
type BrightDataConfig struct {
	Key          string            `yaml:"key" mapstructure:"key"`
	BaseURL      string            `yaml:"base_url" mapstructure:"base_url"`
	DatasetIDs   map[string]string `yaml:"dataset_ids" mapstructure:"dataset_ids"`
	ChunkSize    int               `yaml:"chunk_size" mapstructure:"chunk_size"`
	PollInterval time.Duration     `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout  time.Duration     `yaml:"poll_timeout" mapstructure:"poll_timeout"`
}

// FitConfig configures LLM fit scoring.
type FitConfig struct {
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxPosts       int     `yaml:"max_posts" mapstructure:"max_posts"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// RerankConfig configures the optional rerank pass.
type RerankConfig struct {
	TopK int    `yaml:"top_k" mapstructure:"top_k"`
	Mode string `yaml:"mode" mapstructure:"mode"`
}

// PipelineConfig configures orchestration defaults.
type PipelineConfig struct {
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit     int `yaml:"max_limit" mapstructure:"max_limit"`
}

// CleanupConfig configures the expired-document sweeper.
type CleanupConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxDocs      int           `yaml:"max_docs" mapstructure:"max_docs"`
	MaxPipelines int           `yaml:"max_pipelines" mapstructure:"max_pipelines"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int    `yaml:"port" mapstructure:"port"`
	AuthToken      string `yaml:"auth_token" mapstructure:"auth_token"`
	LocalEmulation bool   `yaml:"local_emulation" mapstructure:"local_emulation"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.ttl", "1h")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("search.collection", "creators")
	v.SetDefault("search.results_per_query", 500)
	v.SetDefault("search.top_n", 1000)
	v.SetDefault("search.alphas", []float64{0.2, 0.5, 0.8})
	v.SetDefault("search.expanded_queries", 12)
	v.SetDefault("search.expansion_tries", 3)
	v.SetDefault("search.concurrency", 8)
	v.SetDefault("cohere.embed_model", "embed-english-v3.0")
	v.SetDefault("cohere.rerank_model", "rerank-v3.5")
	v.SetDefault("anthropic.expansion_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.fit_model", "claude-haiku-4-5-20251001")
	v.SetDefault("brightdata.base_url", "https://api.brightdata.com/datasets/v3")
	v.SetDefault("brightdata.chunk_size", 50)
	v.SetDefault("brightdata.poll_interval", "30s")
	v.SetDefault("brightdata.poll_timeout", "30m")
	v.SetDefault("fit.concurrency", 64)
	v.SetDefault("fit.max_posts", 6)
	v.SetDefault("fit.max_attempts", 3)
	v.SetDefault("fit.requests_per_sec", 8)
	v.SetDefault("rerank.top_k", 200)
	v.SetDefault("rerank.mode", "bio")
	v.SetDefault("pipeline.default_limit", 50)
	v.SetDefault("pipeline.max_limit", 1000)
	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.max_docs", 500)
	v.SetDefault("cleanup.max_pipelines", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
