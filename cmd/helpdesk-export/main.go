package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/helpdesk-exporter/internal/config"
	"github.com/Sternrassler/helpdesk-exporter/internal/exporter"
	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/Sternrassler/helpdesk-exporter/pkg/metrics"
	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var version = "dev"

type options struct {
	configPath  string
	tickets     bool
	users       bool
	outputDir   string
	logLevel    string
	logPretty   bool
	metricsAddr string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "helpdesk-export: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "helpdesk-export",
		Short: "Export helpdesk tickets and users to JSON snapshots",
		Long: `helpdesk-export walks the paginated tickets and users collections of a
helpdesk account, attaches every ticket's comments and writes tickets.json
and users.json.

Credentials and tuning come from the config file (TOML, or YAML for .yaml/.yml)
and HELPDESK_* environment variables. Without --tickets or --users both are
exported.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to config file")
	flags.BoolVar(&opts.tickets, "tickets", false, "Export tickets with their comments")
	flags.BoolVar(&opts.users, "users", false, "Export users")
	flags.StringVar(&opts.outputDir, "output-dir", "", "Directory for snapshot files (overrides output.dir)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides logging.level)")
	flags.BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable log output")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

// loadConfig loads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.Output.Dir = opts.outputDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.Logging.Pretty = opts.logPretty
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logger := logging.Setup(logCfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Listen(cfg.Metrics.Addr, logger)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		metricsCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Serve(metricsCtx); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	exp, cleanup, err := exporter.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := exp.Run(ctx, exporter.Selection{Tickets: opts.tickets, Users: opts.users})
	if err != nil {
		return err
	}

	for _, r := range result.Resources {
		event := logger.Info().
			Str("run_id", result.RunID).
			Str("resource", r.Resource).
			Int("records", r.Records).
			Int("page_errors", r.PageErrors).
			Bool("complete", r.Complete).
			Str("snapshot", r.Snapshot)
		if r.Enrichment != nil {
			event = event.
				Int("enriched", r.Enrichment.Enriched).
				Int("enrich_failed", len(r.Enrichment.Failed)).
				Int("enrich_skipped", r.Enrichment.Skipped)
		}
		event.Msg("Exported")
	}
	return nil
}
