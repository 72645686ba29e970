package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/pipeline"
	"github.com/bdougie/lobbycam/internal/server"
)

var autostartURL string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, transcoder supervisor and frame capture",
	Long: `serve starts the HTTP API on the configured port. Streaming starts when a
client posts an RTSP URL to /api/stream/start, or immediately with --rtsp-url.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&autostartURL, "rtsp-url", os.Getenv("RTSP_URL"), "start streaming this source at boot")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(cfg, nil, nil, logger, metrics.New())
	if err != nil {
		return err
	}
	if err := p.Connect(ctx); err != nil {
		logger.Warn("mqtt emitter unavailable, continuing without it", "error", err)
	}

	srv := server.New(p, server.Config{
		StreamDir:  cfg.Paths.StreamDir,
		CaptureDir: cfg.Paths.CaptureDir,
	}, logger)

	if autostartURL != "" {
		if _, err := p.Start(ctx, autostartURL); err != nil {
			logger.Error("autostart failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Addr(), cfg.Server.ShutdownTimeout())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping pipeline")
		p.Close()
		return nil
	})

	logger.Info("lobbycam started",
		"addr", cfg.Addr(),
		"mode", cfg.Analysis.Mode,
		"scenario", p.Scenarios.Active().ID,
		"interval", cfg.Capture.Interval(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("lobbycam stopped")
	return nil
}
