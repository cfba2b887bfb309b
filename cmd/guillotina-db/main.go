// Command guillotina-db administers a guillotina object database: it creates the
// schema and root container, purges trashed objects and reports counts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/storage/memory"
	"github.com/plone/guillotina-sub001/storage/postgres"
)

func main() {
	if err := newApp().Run(os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "guillotina-db: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "guillotina-db",
		Usage: "Administer a guillotina object database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration",
				EnvVars: []string{"GUILLOTINA_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Override the storage type (postgresql, cockroach, memory)",
			},
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "Override the storage DSN",
				EnvVars: []string{"GUILLOTINA_DSN"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"GUILLOTINA_LOG_LEVEL"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create tables, indexes and the root container",
				Action: initCommand,
			},
			{
				Name:   "vacuum",
				Usage:  "Purge trashed objects and orphaned blob stubs",
				Action: vacuumCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "lock-ttl",
						Usage: "How long the vacuum lock is held when the cache is redis",
						Value: vacuumLockTTL,
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait for a running vacuum to finish instead of failing",
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print object counts and tid positions",
				Action: statsCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "type",
						Usage: "Also count resources of this type (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "prometheus",
						Usage: "Print in Prometheus text format",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Walk the tree from the root and decode every object",
				Action: checkCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "page-size",
						Usage: "Children fetched per query",
						Value: 100,
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	level := guillotina.LogLevel()
	level.Set(guillotina.ParseLogLevel(c.String("log-level")))
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)
	return nil
}

// loadConfig reads --config when given and applies the command line overrides.
func loadConfig(c *cli.Context) (*guillotina.Config, error) {
	cfg := guillotina.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = guillotina.LoadConfig(path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if v := c.String("storage"); v != "" {
		cfg.Storage.Type = v
	}
	if v := c.String("dsn"); v != "" {
		cfg.Storage.DSN = v
	}
	return cfg, cfg.Validate()
}

func storageRegistry() (*guillotina.StorageRegistry, error) {
	reg := guillotina.NewStorageRegistry()
	if err := memory.Register(reg); err != nil {
		return nil, err
	}
	if err := postgres.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// openStorage builds and initializes the configured storage. The caller finalizes it.
func openStorage(ctx context.Context, cfg *guillotina.Config) (guillotina.Storage, error) {
	reg, err := storageRegistry()
	if err != nil {
		return nil, err
	}
	st, err := reg.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Initialize(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
