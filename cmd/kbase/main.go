// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	kbase "github.com/poiesic/kbase"
	"github.com/poiesic/kbase/config"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/reembed"
	"github.com/poiesic/kbase/search"
	"github.com/poiesic/kbase/server"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kbase",
		Usage: "Knowledge base ingestion and hybrid retrieval service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   "kbase.yaml",
				EnvVars: []string{"KBASE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file if it exists",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Override the configured data directory",
				EnvVars: []string{"KBASE_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				EnvVars: []string{"KBASE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log output format (text, json)",
				EnvVars: []string{"KBASE_LOG_FORMAT"},
			},
		},
		Before: before,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the freshness sweeper",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Usage:   "Override the configured listen address",
						EnvVars: []string{"KBASE_LISTEN"},
					},
				},
			},
			{
				Name:      "ingest",
				Usage:     "Ingest a file of documents, one per line, or a JSON ingest request",
				ArgsUsage: "<file>",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "datasource",
						Aliases: []string{"d"},
						Usage:   "Datasource the documents belong to",
					},
					&cli.StringFlag{
						Name:  "ingestor",
						Usage: "Ingestor id recorded on each document",
						Value: "cli",
					},
					&cli.StringFlag{
						Name:  "id-prefix",
						Usage: "Prefix of generated document ids",
						Value: "line",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of documents per ingestion job",
						Value: 100,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Expire documents after this long",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Read the file as a JSON ingest request",
					},
				},
			},
			{
				Name:   "reembed",
				Usage:  "Recompute the embedding of every stored chunk",
				Action: reembedCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of chunks to process in each batch",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N chunks",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum retry attempts for failed operations",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				},
			},
			{
				Name:   "prune",
				Usage:  "Run one freshness sweep and print the report",
				Action: pruneCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Only list expired documents",
					},
				},
			},
			{
				Name:   "reconcile",
				Usage:  "Compare a datasource's graph documents across both stores",
				Action: reconcileCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "datasource",
						Aliases:  []string{"d"},
						Usage:    "Datasource to scan",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "repair",
						Usage: "Delete documents found in only one store",
					},
				},
			},
			{
				Name:      "query",
				Usage:     "Run a hybrid search",
				ArgsUsage: "<query text>",
				Action:    queryCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of results",
						Value: search.DefaultLimit,
					},
					&cli.StringFlag{
						Name:  "ranker",
						Usage: "Ranker preset (semantic, keyword)",
						Value: search.RankerSemantic,
					},
					&cli.Float64Flag{
						Name:  "threshold",
						Usage: "Drop results scoring below this value",
					},
					&cli.StringFlag{
						Name:  "datasource",
						Usage: "Only search this datasource",
					},
					&cli.BoolFlag{
						Name:  "explain",
						Usage: "Print retrieval details to stderr",
					},
				},
			},
		},
	}
}

func before(c *cli.Context) error {
	if err := config.LoadEnv(c.String("env-file")); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return setupLogger(cfg.LogLevel, cfg.LogFormat)
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, cfg.Validate()
}

func openEngine(c *cli.Context, cfg *config.Config) (*kbase.Engine, error) {
	e, err := kbase.Open(c.Context, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	return e, nil
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("error closing knowledge base", "err", err)
		}
	}()

	srv, err := server.New(engine)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Listen)
	})
	g.Go(func() error {
		return engine.RunFreshness(ctx)
	})
	return g.Wait()
}

func reembedCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	reembedder, err := engine.NewReembedder(reembedConfig, os.Stderr)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Data directory: %s\n", cfg.DataDir)
	fmt.Fprintf(os.Stderr, "Embedding host: %s\n", cfg.Embedder.Host)
	fmt.Fprintf(os.Stderr, "Embedding model: %s\n", cfg.Embedder.Model)
	fmt.Fprintln(os.Stderr)

	report, err := reembedder.Run(c.Context)
	if err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	return printJSON(report)
}

func pruneCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("dry-run") {
		cfg.Freshness.Mode = "flag"
	}

	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Sweep(c.Context)
	if err != nil {
		return fmt.Errorf("freshness sweep failed: %w", err)
	}
	return printJSON(report)
}

func reconcileCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Reconcile(c.Context, c.String("datasource"), c.Bool("repair"))
	if err != nil {
		return fmt.Errorf("consistency scan failed: %w", err)
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Consistent() && !c.Bool("repair") {
		return cli.Exit("stores are inconsistent", 2)
	}
	return nil
}

func queryCommand(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return fmt.Errorf("query text is required")
	}
	weights, err := search.Preset(c.String("ranker"))
	if err != nil {
		return err
	}
	req := search.Request{
		Query:               text,
		Limit:               c.Int("limit"),
		SimilarityThreshold: c.Float64("threshold"),
		Weights:             weights,
	}
	if ds := c.String("datasource"); ds != "" {
		req.Filters = []core.Filter{core.DatasourceFilter{DatasourceID: ds}}
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var results []*core.SearchResult
	if c.Bool("explain") {
		results, err = engine.QueryWithMonitor(c.Context, req, &explainMonitor{w: os.Stderr})
	} else {
		results, err = engine.Query(c.Context, req)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Found %d hits\n", len(results))
	for i, hit := range results {
		fmt.Printf("%d: %s [%0.3f dense=%0.3f sparse=%0.3f]\n", i, hit.Chunk.ChunkID, hit.Score, hit.DenseScore, hit.SparseScore)
		fmt.Printf("   %s\n", preview(hit.Chunk.Text, 120))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func setupLogger(levelStr, format string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
