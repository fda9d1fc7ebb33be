package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/systemshift/provprune/internal/server/config"
	"github.com/systemshift/provprune/internal/server/store"
)

// RootOptions holds global flags and the configuration loaded from them
type RootOptions struct {
	ConfigPath string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand creates the root command for the provprune CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "provprune",
		Short: "provprune - provenance node SHOW/HIDE classification",
		Long: `Classifies provenance-graph nodes as worth showing or hiding.

Jobs are submitted over HTTP, run one at a time, and their results are
cached per node version until they expire.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			opts.cfg = cfg
			opts.logger = cfg.Logger()
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewResetCacheCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// openStore opens the result store selected by the configuration
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
			MaxConnLifetime: cfg.Store.MaxConnLifetime,
			MaxConnIdleTime: cfg.Store.MaxConnIdleTime,
			DialTimeout:     cfg.Store.DialTimeout,
		}, store.WithLogger(logger))
	default:
		return store.OpenSQLite(ctx, cfg.Store.SQLitePath, store.WithLogger(logger))
	}
}
