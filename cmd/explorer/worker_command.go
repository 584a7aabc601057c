package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Kitware/nrtk-explorer-sub000/internal/broker"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/session"
)

// newWorkerCommand runs one detection model for a parent explorer process.
// Requests arrive on stdin and replies leave on stdout, so logs must stay on
// stderr.
func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve model predictions over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := ctx.initLogger(cfg, os.Stderr); err != nil {
				return err
			}
			logger.Info("Worker", "Worker started (pid %d)", os.Getpid())

			factory := session.LocalDetectors(cfg.Inference, metrics.New())
			return broker.NewWorker(factory).Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
