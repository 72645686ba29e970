// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bdougie/lobbycam/internal/pipeline"
)

// Config holds the directories served as static content
type Config struct {
	StreamDir  string
	CaptureDir string
}

type Server struct {
	pipeline *pipeline.Pipeline
	engine   *gin.Engine
	logger   *slog.Logger
}

func New(p *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline: p,
		engine:   gin.New(),
		logger:   logger.With("component", "server"),
	}

	s.engine.Use(s.requestLogger(), gin.CustomRecovery(s.recovered))
	s.engine.Use(cors.Default())

	s.engine.Static("/stream", cfg.StreamDir)
	s.engine.Static("/captures", cfg.CaptureDir)

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok", "message": "Server is running"})
	})
	s.engine.GET("/metrics", gin.WrapH(p.Metrics.Handler()))

	streamAPI := s.engine.Group("/api/stream")
	streamAPI.POST("/start", s.startStream)
	streamAPI.POST("/stop", s.stopStream)
	streamAPI.GET("/status", s.streamStatus)

	analysis := s.engine.Group("/api/analysis")
	analysis.GET("/frames", s.listFrames)
	analysis.GET("/frames/:id", s.getFrame)
	analysis.GET("/scenarios", s.listScenarios)
	analysis.GET("/scenarios/active", s.activeScenario)
	analysis.POST("/scenarios/switch", s.switchScenario)
	analysis.GET("/model-mode", s.getModelMode)
	analysis.POST("/model-mode", s.setModelMode)

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down within timeout
func (s *Server) Run(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) recovered(c *gin.Context, err any) {
	s.logger.Error("panic while handling request", "path", c.Request.URL.Path, "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": fmt.Sprint(err),
	})
}

// requestLogger logs API calls. Static files and status polling go to debug.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		level := slog.LevelInfo
		if !strings.HasPrefix(path, "/api/") || path == "/api/stream/status" {
			level = slog.LevelDebug
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
