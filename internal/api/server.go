// Package api assembles the HTTP surface of the service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/teampulse/pulse-ai/internal/api/handlers/chat"
	"github.com/teampulse/pulse-ai/internal/api/handlers/management"
	"github.com/teampulse/pulse-ai/internal/telemetry"
)

const shutdownGrace = 30 * time.Second

// Server owns the gin engine and the listening http.Server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
}

// NewServer mounts the chat routes at the root, management under
// /v0/management, /healthz and /metrics. mgmt may be nil.
func NewServer(addr, serviceName string, chatHandler *chat.Handler, mgmt *management.Handler) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), telemetry.GinMiddleware(serviceName), requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler.Register(engine)
	if mgmt != nil {
		group := engine.Group("/v0/management")
		mgmt.Register(group)
	}

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	log.Info("shutting down API server")
	return s.srv.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("request served")
	}
}
