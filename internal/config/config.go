// Package config provides hierarchical configuration loading for Wisp.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload support.
// Services that hold pointers into the Config (e.g., &cfg.Retrieval) will see
// updated values after a reload because fields are swapped in-place.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML path
// used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is preserved.
// Fields that cannot be hot-reloaded (Server.Port, Store.Path) are logged as
// warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.Port != h.cfg.Server.Port {
		slog.Warn("config reload: server.port changed but requires restart",
			"old", h.cfg.Server.Port, "new", newCfg.Server.Port)
	}
	if newCfg.Store.Path != h.cfg.Store.Path {
		slog.Warn("config reload: store.path changed but requires restart",
			"old", h.cfg.Store.Path, "new", newCfg.Store.Path)
	}
	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the Wisp service.
type Config struct {
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Logging    Logging    `yaml:"logging"`
	Breaker    Breaker    `yaml:"breaker"`
	Fetcher    Fetcher    `yaml:"fetcher"`
	Enrichment Enrichment `yaml:"enrichment"`
	Backlink   Backlink   `yaml:"backlink"`
	Retrieval  Retrieval  `yaml:"retrieval"`
	Gateway    Gateway    `yaml:"gateway"`
	Extraction Extraction `yaml:"extraction"`
	Tokens     Tokens     `yaml:"tokens"`
}

// Server holds HTTP gateway server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Store holds SQLite store configuration (spec.md §4.1).
type Store struct {
	Path        string        `yaml:"path"`          // single logical database file
	BusyTimeout time.Duration `yaml:"busy_timeout"`  // 30s lock timeout
	VecPath     string        `yaml:"vec_path"`       // optional sqlite-vec extension path, SQLITE_VEC_PATH overrides
	CacheSizeMB int           `yaml:"cache_size_mb"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds per-source circuit breaker configuration used by the
// enrichment workers when calling out through the HTTP Fetcher.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Fetcher holds default HTTP Fetcher behaviour (spec.md §4.2).
type Fetcher struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// Enrichment holds per-source enrichment worker configuration (spec.md §4.3).
type Enrichment struct {
	GitHubToken          string        `yaml:"github_token" json:"-"`
	LibrariesIOAPIKey    string        `yaml:"libraries_io_api_key" json:"-"`
	Clean                bool          `yaml:"clean"` // retry permanent_failure rows too
	CommitBatchSize      int           `yaml:"commit_batch_size"`
	GitHubDelay          time.Duration `yaml:"github_delay"`
	NPMDelay             time.Duration `yaml:"npm_delay"`
	PyPIDelay            time.Duration `yaml:"pypi_delay"`
	DockerDelay          time.Duration `yaml:"docker_delay"`
	LibrariesIODelay     time.Duration `yaml:"libraries_io_delay"`
	ConfigReferenceDelay time.Duration `yaml:"config_reference_delay"`
	GitHubStaleAfter     time.Duration `yaml:"github_stale_after"`     // 7 days
	PackageStaleAfter    time.Duration `yaml:"package_stale_after"`    // 1 day
	DependentsStaleAfter time.Duration `yaml:"dependents_stale_after"` // 7 days
}

// Backlink holds backlink scorer fan-out configuration (spec.md §4.4, §5).
type Backlink struct {
	MetadataFanout int `yaml:"metadata_fanout"` // bounded worker pool size, default 10
}

// Retrieval holds hybrid retriever configuration (spec.md §4.7).
type Retrieval struct {
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	CandidateWindow int    `yaml:"candidate_window"` // top-200 per spec
	RelevanceFloor float64 `yaml:"relevance_floor"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	RelevanceWeight float64 `yaml:"relevance_weight"`
	QualityWeight  float64 `yaml:"quality_weight"`
}

// Gateway holds invocation gateway configuration (spec.md §4.8).
type Gateway struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Extraction holds tool-listing extraction worker configuration
// (SPEC_FULL.md Part D.1).
type Extraction struct {
	SessionTimeout time.Duration `yaml:"session_timeout"` // bounds initialize+list_tools+list_resources+list_prompts
	Clean          bool          `yaml:"clean"`            // retry permanent_failure rows too
}

// Tokens holds the path to the local API keys file (spec.md §6).
type Tokens struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "*",
		},
		Store: Store{
			Path:        "data/wisp.db",
			BusyTimeout: 30 * time.Second,
			VecPath:     "",
			CacheSizeMB: 64,
		},
		Logging: Logging{
			Level:   "info",
			Service: "wisp",
			Async:   true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Fetcher: Fetcher{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Enrichment: Enrichment{
			CommitBatchSize:      10,
			GitHubDelay:          500 * time.Millisecond,
			NPMDelay:             200 * time.Millisecond,
			PyPIDelay:            200 * time.Millisecond,
			DockerDelay:          300 * time.Millisecond,
			LibrariesIODelay:     1500 * time.Millisecond,
			ConfigReferenceDelay: 500 * time.Millisecond,
			GitHubStaleAfter:     7 * 24 * time.Hour,
			PackageStaleAfter:    24 * time.Hour,
			DependentsStaleAfter: 7 * 24 * time.Hour,
		},
		Backlink: Backlink{
			MetadataFanout: 10,
		},
		Retrieval: Retrieval{
			DefaultLimit:    20,
			MaxLimit:        100,
			CandidateWindow: 200,
			RelevanceFloor:  0.3,
			SemanticWeight:  0.7,
			KeywordWeight:   0.3,
			RelevanceWeight: 0.8,
			QualityWeight:   0.2,
		},
		Gateway: Gateway{
			CallTimeout: 60 * time.Second,
		},
		Extraction: Extraction{
			SessionTimeout: 45 * time.Second,
		},
		Tokens: Tokens{
			Path: ".tokens",
		},
	}
}
