package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/server"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve scans over HTTP and WebSocket",
		Long: `Serve exposes:
  GET  /health
  POST /api/npm/scan   {"packageName": "...", "version": "..."}
  GET  /ws             WebSocket with progress, result and review messages`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f := a.fetcher()
			scan := server.ScannerFunc(func(ctx context.Context, name, version string) (models.AnalysisResult, *parser.Manifest, error) {
				return f.Inspect(ctx, a.analyzer, name, version)
			})

			opts := []server.Option{server.WithLogger(a.logger.Named("server"))}
			reviewer, err := a.reviewer()
			if err != nil {
				return fmt.Errorf("failed to create reviewer: %w", err)
			}
			if reviewer != nil {
				opts = append(opts, server.WithReviewer(reviewer))
			}

			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			a.logger.Info("Scanning packages from registry", zap.String("registry", f.BaseURL), zap.Bool("review", reviewer != nil))
			return server.New(scan, opts...).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().Int("port", 8080, "port to listen on")
	a.bind("server.port", cmd.Flags().Lookup("port"))
	return cmd
}
