package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/server"
	"github.com/Kitware/nrtk-explorer-sub000/internal/session"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		addr        string
		metricsAddr string
		datasetPath string
		models      []string
		numImages   int
		repository  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the explorer API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("dataset") {
				cfg.Datasets.Default = datasetPath
			}
			if cmd.Flags().Changed("models") {
				cfg.Inference.Models = models
			}
			if cmd.Flags().Changed("num-images") {
				cfg.Datasets.NumImages = numImages
			}
			if cmd.Flags().Changed("repository") {
				cfg.Datasets.Repository = repository
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			m := metrics.New()
			var workerArgs []string
			if path := ctx.configPath(); path != "" {
				workerArgs = append(workerArgs, "--config", path)
			}
			detectors, err := session.Detectors(cfg.Inference, workerArgs, m)
			if err != nil {
				return err
			}
			sess, err := session.New(session.Options{Config: *cfg, Detectors: detectors, Metrics: m})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			defer sess.Close()

			if cfg.Datasets.Default != "" {
				if err := sess.LoadDataset(cfg.Datasets.Default); err != nil {
					logger.Error("Main", "Initial dataset: %v", err)
				}
			}

			if cfg.Server.MetricsAddr != "" {
				go func() {
					logger.Info("Main", "Metrics listening on %s", cfg.Server.MetricsAddr)
					if err := m.StartServer(cfg.Server.MetricsAddr); err != nil {
						logger.Error("Main", "Metrics server: %v", err)
					}
				}()
			}

			srv := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: server.NewServer(server.Config{
					ServeMetrics: cfg.Server.MetricsAddr == "",
				}, sess, m).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Main", "Explorer listening on %s", cfg.Server.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-runCtx.Done():
			}

			logger.Info("Main", "Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Main", "Error during shutdown: %v", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Dedicated metrics listen address (empty serves /metrics on --addr)")
	cmd.Flags().StringVarP(&datasetPath, "dataset", "d", "", "Dataset to load at startup")
	cmd.Flags().StringSliceVarP(&models, "models", "m", nil, "Detection models")
	cmd.Flags().IntVarP(&numImages, "num-images", "n", 0, "Working set size (0 selects every image)")
	cmd.Flags().StringVarP(&repository, "repository", "r", "", "Directory exported datasets are written to")
	return cmd
}
