// Package hmlrconfig loads the engine's configuration from environment
// variables (with an optional local .env file) and an optional YAML
// overlay, mirroring the layered configuration convention used across this
// codebase's services.
package hmlrconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
)

// StoreConfig configures the KV backend (C1).
type StoreConfig struct {
	Backend string `yaml:"backend"` // "postgres" | "memory"
	DSN     string `yaml:"dsn"`
}

// VectorConfig configures the VectorIndex (C2) backend and dual-model
// option.
type VectorConfig struct {
	Backend        string `yaml:"backend"` // "kv" | "qdrant"
	QdrantDSN      string `yaml:"qdrant_dsn,omitempty"`
	QdrantCollection string `yaml:"qdrant_collection,omitempty"`
	WriteModel     string `yaml:"write_model"`
	WriteModelDims int    `yaml:"write_model_dims"`
	ReadModel      string `yaml:"read_model"`
	ReadModelDims  int    `yaml:"read_model_dims"`
}

// SameDims reports whether the dual-model configuration shares one
// dimension, per §4.1's dual-model option.
func (v VectorConfig) SameDims() bool { return v.WriteModelDims == v.ReadModelDims }

// LLMConfig selects and configures the LlmClient provider.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // "openai" | "anthropic" | "google"
	APIKey       string `yaml:"api_key"`
	MainModel    string `yaml:"main_model"`
	NanoModel    string `yaml:"nano_model"`
	BaseURL      string `yaml:"base_url,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EmbeddingConfig configures the raw HTTP embedding client.
type EmbeddingConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key,omitempty"`
	APIHeader  string `yaml:"api_header,omitempty"`
}

// GovernorConfig holds the Governor's tunable thresholds (§4.5).
type GovernorConfig struct {
	TaskTimeout   time.Duration `yaml:"task_timeout"`   // T_gov, default 5s
	MemTopK       int           `yaml:"mem_top_k"`       // k_mem
	MemThreshold  float32       `yaml:"mem_threshold"`   // theta_mem
	DossierTopK   int           `yaml:"dossier_top_k"`
	DossierThreshold float32    `yaml:"dossier_threshold"` // theta_dos, default 0.4
}

// DossierRouterConfig holds the multi-vector voting thresholds (§4.8).
type DossierRouterConfig struct {
	VoteThreshold   float32 `yaml:"vote_threshold"`   // theta_dos, default 0.4 — collects votes during Route, same retrieval threshold Retrieve uses
	MatchHitCount   int     `yaml:"match_hit_count"`  // H_match, default 2
	MatchSimilarity float32 `yaml:"match_similarity"` // theta_match, default 0.5 — gates max_similarity only, after voting
}

// GardenerConfig selects the pending-gardening queue backend.
type GardenerConfig struct {
	QueueBackend string `yaml:"queue_backend"` // "channel" | "kafka"
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `yaml:"kafka_topic,omitempty"`
	AutoCloseAfterDayBoundary bool `yaml:"auto_close_after_day_boundary"` // open question, resolved default-off
}

// CacheConfig configures the optional Redis-backed Governor cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr,omitempty"`
	TTL     time.Duration `yaml:"ttl"`
}

// ProvenanceConfig configures the best-effort ClickHouse provenance mirror.
type ProvenanceConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn,omitempty"`
}

// ArchiveConfig configures the S3 cold-storage export.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket,omitempty"`
	Region          string        `yaml:"region,omitempty"`
	RetentionWindow time.Duration `yaml:"retention_window"`
}

// Config is the engine's single top-level configuration value.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	LogPath         string `yaml:"log_path,omitempty"`
	DBPath          string `yaml:"db_path"`           // HMLR_DB_PATH
	WindowStatePath string `yaml:"window_state_path"` // HMLR_WINDOW_STATE_PATH
	ProfilePath     string `yaml:"profile_path"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"` // T_drain, default 30s

	Store    StoreConfig    `yaml:"store"`
	Vector   VectorConfig   `yaml:"vector"`
	LLM      LLMConfig      `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Governor GovernorConfig `yaml:"governor"`
	Dossier  DossierRouterConfig `yaml:"dossier"`
	Gardener GardenerConfig `yaml:"gardener"`
	Cache    CacheConfig    `yaml:"cache"`
	Provenance ProvenanceConfig `yaml:"provenance"`
	Archive  ArchiveConfig  `yaml:"archive"`

	OtelEndpoint string `yaml:"otel_endpoint,omitempty"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogLevel:        "info",
		DBPath:          home + "/.hmlr/cognitive_lattice_memory.db",
		WindowStatePath: home + "/.hmlr/sliding_window_state.json",
		ProfilePath:     home + "/.hmlr/user_profile.json",
		DrainTimeout:    30 * time.Second,
		Store:           StoreConfig{Backend: "memory"},
		Vector: VectorConfig{
			Backend:        "kv",
			WriteModel:     "text-embedding-large",
			WriteModelDims: 1024,
			ReadModel:      "text-embedding-small",
			ReadModelDims:  384,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			MainModel:      "gpt-4.1",
			NanoModel:      "gpt-4.1-nano",
			RequestTimeout: 30 * time.Second,
		},
		Governor: GovernorConfig{
			TaskTimeout:      5 * time.Second,
			MemTopK:          8,
			MemThreshold:     0.35,
			DossierTopK:      5,
			DossierThreshold: 0.4,
		},
		Dossier: DossierRouterConfig{
			VoteThreshold:   0.4,
			MatchHitCount:   2,
			MatchSimilarity: 0.5,
		},
		Gardener: GardenerConfig{
			QueueBackend:              "channel",
			AutoCloseAfterDayBoundary: false,
		},
		Cache: CacheConfig{TTL: 2 * time.Minute},
	}
}

// Load resolves the process configuration: defaults, overlaid by an optional
// YAML file, overlaid by environment variables and a local .env file.
// Returns ConfigurationError (fatal, per the error taxonomy) the moment a
// required field is missing or inconsistent.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, hmlrerrors.NewConfigurationError("yaml", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, hmlrerrors.NewConfigurationError("yaml", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HMLR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HMLR_WINDOW_STATE_PATH"); v != "" {
		cfg.WindowStatePath = v
	}
	if v := os.Getenv("HMLR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Backend = "postgres"
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && cfg.LLM.Provider == "google" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := os.Getenv("HMLR_VECTOR_BACKEND"); v != "" {
		cfg.Vector.Backend = v
	}
	if v := os.Getenv("HMLR_GOVERNOR_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Governor.TaskTimeout = time.Duration(n) * time.Second
		}
	}
}

func validate(cfg Config) error {
	if cfg.Vector.Backend != "kv" && cfg.Vector.Backend != "qdrant" {
		return hmlrerrors.NewConfigurationError("vector.backend", fmt.Errorf("unsupported backend %q", cfg.Vector.Backend))
	}
	if cfg.Vector.Backend == "qdrant" && cfg.Vector.QdrantDSN == "" {
		return hmlrerrors.NewConfigurationError("vector.qdrant_dsn", fmt.Errorf("required when vector.backend=qdrant"))
	}
	if !cfg.Vector.SameDims() {
		// Allowed by §4.1, but reads and writes must then pin the same
		// model: cmd/hmlrd binds the read path to the write model whenever
		// SameDims is false, so nothing is rejected here.
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.DSN == "" {
		return hmlrerrors.NewConfigurationError("store.dsn", fmt.Errorf("required when store.backend=postgres"))
	}
	if cfg.LLM.Provider == "" {
		return hmlrerrors.NewConfigurationError("llm.provider", fmt.Errorf("must not be empty"))
	}
	return nil
}
