// Command wispctl runs Wisp's offline batch pipeline: extraction,
// enrichment, backlink scoring, market ranking, and index building
// (spec.md §4.3-§4.7), each as its own subcommand against the shared
// SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/localembed"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/logger"
	"github.com/wisp-mcp/wisp/internal/service/backlink"
	"github.com/wisp-mcp/wisp/internal/service/enrich"
	"github.com/wisp-mcp/wisp/internal/service/extract"
	"github.com/wisp-mcp/wisp/internal/service/index"
	"github.com/wisp-mcp/wisp/internal/service/rank"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := dispatch(os.Args[1], os.Args[2:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wispctl <extract|enrich|backlink|rank|index> [flags]")
}

func dispatch(cmd string, args []string) error {
	switch cmd {
	case "extract":
		return runExtract(args)
	case "enrich":
		return runEnrich(args)
	case "backlink":
		return runBacklink(args)
	case "rank":
		return runRank(args)
	case "index":
		return runIndex(args)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

// bootstrap loads config from the given YAML path, builds the configured
// logger, and opens+migrates the SQLite store shared by every subcommand.
func bootstrap(ctx context.Context, configPath string) (*config.Config, *sqlite.Store, *sqlite.DB, func(), error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)

	db, err := sqlite.Open(cfg.Store)
	if err != nil {
		closer.Close()
		return nil, nil, nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		closer.Close()
		return nil, nil, nil, nil, fmt.Errorf("migrations: %w", err)
	}

	cleanup := func() {
		db.Close()
		closer.Close()
	}
	return cfg, sqlite.NewStore(db), db, cleanup, nil
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	clean := fs.Bool("clean", false, "retry servers with a prior permanent_failure")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, store, _, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	servers, err := store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	names := make([]string, len(servers))
	for i, s := range servers {
		names[i] = s.Name
	}

	timeout := cfg.Extraction.SessionTimeout
	worker := extract.New(store, slog.Default(), timeout, *clean || cfg.Extraction.Clean)
	return worker.Run(ctx, names)
}

func runEnrich(args []string) error {
	fs := flag.NewFlagSet("enrich", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	source := fs.String("source", "all", "one of: config-references, dependents, npm, pypi, docker, github, glama, service-cost, all")
	clean := fs.Bool("clean", false, "retry servers with a prior permanent_failure")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, store, _, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	enrichCfg := cfg.Enrichment
	if *clean {
		enrichCfg.Clean = true
	}

	runner := enrich.New(store, fetch.New(nil), slog.Default(), enrichCfg, cfg.Fetcher, cfg.Breaker)

	sources := map[string]func(context.Context) error{
		"config-references": runner.RunConfigReferences,
		"dependents":        runner.RunDependents,
		"npm":               runner.RunNPM,
		"pypi":              runner.RunPyPI,
		"docker":            runner.RunDocker,
		"github":            runner.RunGitHub,
		"glama":             runner.RunGlama,
		"service-cost":      runner.RunServiceCost,
	}

	if *source == "all" {
		for _, name := range []string{"config-references", "dependents", "npm", "pypi", "docker", "github", "glama", "service-cost"} {
			slog.Info("enrich: running source", "source", name)
			if err := sources[name](ctx); err != nil {
				return fmt.Errorf("enrich %s: %w", name, err)
			}
		}
		return nil
	}

	run, ok := sources[*source]
	if !ok {
		return fmt.Errorf("unknown enrichment source %q", *source)
	}
	return run(ctx)
}

func runBacklink(args []string) error {
	fs := flag.NewFlagSet("backlink", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, store, _, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	scorer := backlink.New(store, fetch.New(nil), slog.Default(), cfg.Backlink, cfg.Fetcher, cfg.Enrichment.GitHubToken, cfg.Breaker)
	return scorer.Run(ctx)
}

func runRank(args []string) error {
	fs := flag.NewFlagSet("rank", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	_, store, _, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ranker := rank.New(store)
	return ranker.Run(ctx)
}

func runIndex(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	embed := fs.Bool("embed", true, "also compute embeddings for tools missing one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	_, store, _, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	embedder := localembed.New(0, slog.Default())
	builder := index.New(store, embedder, slog.Default())

	if err := builder.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	if !*embed {
		return nil
	}
	if err := builder.UpdateEmbeddings(ctx); err != nil {
		if strings.Contains(err.Error(), "vector extension not available") {
			slog.Warn("index: vector extension unavailable, skipping embeddings")
			return nil
		}
		return fmt.Errorf("update embeddings: %w", err)
	}
	return nil
}
