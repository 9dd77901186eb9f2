package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stresslab/internal/api"
	"stresslab/internal/metrics"
	"stresslab/internal/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, map[string]string{
			"listen":       "listen",
			"api_key":      "api-key",
			"store.driver": "store",
			"store.path":   "store-path",
		})
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		opts := managerOptions(cfg, store, log)
		opts.Metrics = metrics.New(reg)
		manager := runner.NewManager(opts)

		auth, err := api.NewAuth(cfg.APIKey, cfg.AllowedIPs, cfg.Auth.RateLimit, cfg.Auth.RateWindow)
		if err != nil {
			return err
		}
		if cfg.APIKey == "" {
			log.Warn().Msg("api_key is empty, the API accepts unauthenticated requests")
		}

		srv := api.New(api.Options{
			Manager:  manager,
			History:  store,
			Gatherer: reg,
			Auth:     auth,
			Logger:   log,
		})
		httpServer := &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			log.Info().
				Str("listen", cfg.Listen).
				Str("store", cfg.Store.Driver).
				Int("max_concurrency", cfg.Limits.MaxConcurrency).
				Msg("stresslab API listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error { return manager.Janitor(gctx, time.Minute) })
		g.Go(func() error { return srv.Janitor(gctx, cfg.Auth.RateWindow) })
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Int("active_runs", len(manager.Active())).Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := httpServer.Shutdown(shutdownCtx)
			manager.Close()
			return err
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8000", "listen address")
	serveCmd.Flags().String("api-key", "", "API key required on every request")
	serveCmd.Flags().String("store", "bolt", "persistence driver (bolt, sqlite, none)")
	serveCmd.Flags().String("store-path", "", "store file (default ~/.stresslab/stresslab.db)")
}
