package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/reader-progress-sync/internal/api"
	"github.com/drallgood/reader-progress-sync/internal/config"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/server"
	"github.com/drallgood/reader-progress-sync/internal/stats"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "reader-progress-sync",
		Usage:   "Sync e-reader progress files and manage the book library",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override the log format (json, console)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server, the download queue and the trash purger",
				Action: serve,
			},
			{
				Name:  "stats",
				Usage: "Print reading activity as JSON",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: fmt.Sprintf("Window length in days (%d-%d, 0 for the configured default)", stats.MinDays, stats.MaxDays),
					},
				},
				Action: printStats,
			},
			{
				Name:   "purge-trash",
				Usage:  "Delete trashed books whose retention has ended",
				Action: purgeTrash,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, c.App.Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// setup loads the configuration, installs the global logger and wires the services.
func setup(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := c.String("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logger.ForceSetup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Configuration loaded", map[string]interface{}{
		"version":       version,
		"database_type": cfg.Database.Type,
		"storage_root":  cfg.Storage.Root,
		"metadata":      cfg.Metadata.Enabled,
	})
	return newApp(cfg, log)
}

func serve(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	cfg := a.cfg

	if cfg.BookSource.BaseURL == "" {
		log.Warn("book_source.base_url is not set, queued downloads will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := a.newQueue()
	defer q.Close()

	handler := api.NewHandler(a.sync, a.library, a.stats, q, log)
	srv := server.New(server.Options{
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler, a.db, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	startTrashPurger(ctx, a, cfg.Trash.PurgeInterval)

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		log.Error("Fatal error occurred", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("Initiating graceful shutdown...", map[string]interface{}{
		"timeout": cfg.Server.ShutdownTimeout.String(),
	})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Shutdown completed")
	return nil
}

// startTrashPurger purges expired trash once at startup and then every interval until ctx ends.
func startTrashPurger(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		a.log.Info("Periodic trash purge is disabled")
		return
	}

	purge := func() {
		if _, err := a.library.PurgeExpiredTrash(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Trash purge failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		purge()
		for {
			select {
			case <-ticker.C:
				purge()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func printStats(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	activity, err := a.stats.GetReadingActivity(c.Context, c.Int("days"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(activity)
}

func purgeTrash(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	purged, err := a.library.PurgeExpiredTrash(c.Context)
	fmt.Fprintf(c.App.Writer, "purged %d book(s)\n", len(purged))
	return err
}
