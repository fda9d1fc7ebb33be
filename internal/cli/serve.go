package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/provprune/internal/server/api"
	"github.com/systemshift/provprune/internal/server/export"
	"github.com/systemshift/provprune/internal/server/graph"
	"github.com/systemshift/provprune/internal/server/jobs"
	"github.com/systemshift/provprune/internal/server/model"
	"github.com/systemshift/provprune/internal/server/notify"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the classification HTTP service",
		Long: `Run the HTTP service.

Routes:
  POST /classify
  GET  /job-action?id=<jobID>&action=status|results|stop
  GET  /job-export?id=<jobID>
  GET  /reset-cache
  GET  /health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				rootOpts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rootOpts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, opts *RootOptions) error {
	cfg, logger := opts.cfg, opts.logger

	classifier, err := model.Load(cfg.Model.Path)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer st.Close()

	g, err := graph.New(ctx, graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	}, logger)
	if err != nil {
		return err
	}
	defer g.Close(context.Background())
	logger.Info("connected to neo4j", "uri", cfg.Neo4j.URI)

	dispatchOpts := []jobs.Option{
		jobs.WithTTL(cfg.Cache.TTL),
		jobs.WithJobTimeout(cfg.Jobs.Timeout),
		jobs.WithLogger(logger),
	}
	if cfg.Notify.WebhookURL != "" {
		dispatchOpts = append(dispatchOpts, jobs.WithNotifier(
			notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout, notify.WithLogger(logger)),
		))
	}
	dispatcher := jobs.NewDispatcher(jobs.Deps{
		Store:      st,
		Graph:      g,
		Extractor:  g,
		Classifier: classifier,
	}, dispatchOpts...)
	if _, err := dispatcher.Recover(ctx); err != nil {
		return err
	}

	apiServer := api.New(dispatcher, export.NewService(st, logger), map[string]api.Pinger{
		"store": st,
		"neo4j": g,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting provprune server", "addr", cfg.Server.Addr, "model", classifier.Name(), "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("stopping jobs", "error", err)
	}
	logger.Info("server exited")
	return nil
}
