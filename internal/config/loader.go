package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "wisp.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	StorePath  *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("wisp", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	storePath := fs.String("db", "", "path to the SQLite database file")

	if args == nil {
		args = os.Args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "db":
			flags.StorePath = storePath
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.StorePath != nil {
		cfg.Store.Path = *flags.StorePath
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty env
// values override the current config. GITHUB_TOKEN, LIBRARIES_IO_API_KEY
// and SQLITE_VEC_PATH are read under those names; every other setting read
// here uses a WISP_-prefixed name.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "WISP_PORT")
	setString(&cfg.Server.CORSOrigin, "WISP_CORS_ORIGIN")
	setString(&cfg.Store.Path, "WISP_DB_PATH")
	setDuration(&cfg.Store.BusyTimeout, "WISP_DB_BUSY_TIMEOUT")
	setString(&cfg.Store.VecPath, "SQLITE_VEC_PATH")
	setString(&cfg.Logging.Level, "WISP_LOG_LEVEL")
	setString(&cfg.Logging.Service, "WISP_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "WISP_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "WISP_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "WISP_BREAKER_TIMEOUT")
	setDuration(&cfg.Fetcher.Timeout, "WISP_FETCH_TIMEOUT")
	setInt(&cfg.Fetcher.MaxRetries, "WISP_FETCH_MAX_RETRIES")
	setDuration(&cfg.Fetcher.BaseDelay, "WISP_FETCH_BASE_DELAY")
	setString(&cfg.Enrichment.GitHubToken, "GITHUB_TOKEN")
	setString(&cfg.Enrichment.LibrariesIOAPIKey, "LIBRARIES_IO_API_KEY")
	setBool(&cfg.Enrichment.Clean, "WISP_ENRICH_CLEAN")
	setInt(&cfg.Enrichment.CommitBatchSize, "WISP_ENRICH_COMMIT_BATCH")
	setInt(&cfg.Backlink.MetadataFanout, "WISP_BACKLINK_FANOUT")
	setInt(&cfg.Retrieval.DefaultLimit, "WISP_RETRIEVAL_DEFAULT_LIMIT")
	setInt(&cfg.Retrieval.MaxLimit, "WISP_RETRIEVAL_MAX_LIMIT")
	setFloat64(&cfg.Retrieval.RelevanceFloor, "WISP_RETRIEVAL_RELEVANCE_FLOOR")
	setDuration(&cfg.Gateway.CallTimeout, "WISP_GATEWAY_CALL_TIMEOUT")
	setString(&cfg.Tokens.Path, "WISP_TOKENS_PATH")
}

// validate checks that required fields are set and config is self-consistent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Retrieval.MaxLimit < 1 {
		return errors.New("retrieval.max_limit must be >= 1")
	}
	if cfg.Retrieval.DefaultLimit < 1 || cfg.Retrieval.DefaultLimit > cfg.Retrieval.MaxLimit {
		return errors.New("retrieval.default_limit must be between 1 and retrieval.max_limit")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
