// Package dashboard hosts the JSON status endpoints: liveness, pipeline
// status and recent data-quality findings.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketpipe/config"
	"marketpipe/internal/consumer"
	"marketpipe/internal/migrator"
	"marketpipe/internal/monitor"
	"marketpipe/internal/publisher"
	"marketpipe/logger"
)

// Server hosts the Gin-powered status endpoints. Any dependency may be nil
// when the corresponding component is not running in this process.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	publisher  *publisher.Publisher
	consumer   *consumer.Consumer
	migrator   *migrator.Migrator
	monitor    *monitor.Monitor
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs the status server when the dashboard is enabled.
// When disabled the returned server is nil and safe to Run.
func NewServer(cfg config.DashboardConfig, pub *publisher.Publisher, cons *consumer.Consumer, mig *migrator.Migrator, mon *monitor.Monitor) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:       cfg,
		log:       logger.GetLogger(),
		publisher: pub,
		consumer:  cons,
		migrator:  mig,
		monitor:   mon,
		startedAt: time.Now().UTC(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	_ = router.SetTrustedProxies(nil)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		payload := gin.H{
			"app":          appName,
			"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
			"data_quality": string(monitor.SeverityOK),
		}
		if s.monitor != nil {
			payload["data_quality"] = string(s.monitor.WorstSeverity())
		}
		if s.publisher != nil {
			payload["publisher"] = s.publisher.Stats()
		}
		if s.consumer != nil {
			payload["consumer"] = s.consumer.Stats()
		}
		if s.migrator != nil {
			payload["migration_cycles"] = s.migrator.LastReports()
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/findings", func(c *gin.Context) {
		var findings []monitor.Finding
		if s.monitor != nil {
			findings = s.monitor.Findings()
		}
		c.JSON(http.StatusOK, gin.H{"findings": findings})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
