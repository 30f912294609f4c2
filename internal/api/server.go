// Package api serves the management surface of a sync node: status, peers,
// security, conflicts, partitions and recovery control. It is separate from
// the peer wire protocol and is meant for operators, not for other nodes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/conflict"
	"github.com/tichaonax/go-sync-infra/internal/partition"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
)

// Server is the management API keeping handles to every component it exposes.
type Server struct {
	echo *echo.Echo
	cfg  config.Management

	nodeID    string
	store     storage.Store
	security  *security.Manager
	discovery *peer.Discovery
	resolver  *conflict.Resolver
	engine    *syncer.Engine
	detector  *partition.Detector
	recovery  *partition.RecoveryManager
}

// NewServer mounts all management routes.
func NewServer(
	nodeID string,
	cfg config.Management,
	store storage.Store,
	securityManager *security.Manager,
	discovery *peer.Discovery,
	resolver *conflict.Resolver,
	engine *syncer.Engine,
	detector *partition.Detector,
	recovery *partition.RecoveryManager,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		cfg:       cfg,
		nodeID:    nodeID,
		store:     store,
		security:  securityManager,
		discovery: discovery,
		resolver:  resolver,
		engine:    engine,
		detector:  detector,
		recovery:  recovery,
	}

	e.GET("/-/healthy", s.getHealthy)
	e.GET("/-/ready", s.getReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")

	v1.GET("/sync/status", s.getSyncStatus)
	v1.GET("/sync/sessions", s.getSyncSessions)
	v1.POST("/sync/trigger", s.postSyncTrigger)

	v1.GET("/events/:eventId", s.getEvent)

	v1.GET("/peers", s.getPeers)
	v1.POST("/peers", s.postPeer)
	v1.DELETE("/peers/:nodeId", s.deletePeer)

	v1.GET("/security/stats", s.getSecurityStats)
	v1.GET("/security/audits", s.getSecurityAudits)
	v1.GET("/security/sessions", s.getSecuritySessions)
	v1.DELETE("/security/sessions/:sessionId", s.deleteSecuritySession)
	v1.POST("/security/rotate-key", s.postRotateKey)

	v1.GET("/conflicts", s.getConflicts)
	v1.GET("/conflicts/stats", s.getConflictStats)
	v1.GET("/conflicts/pending", s.getPendingConflicts)

	v1.GET("/partitions", s.getPartitions)
	v1.GET("/partitions/:partitionId", s.getPartition)

	v1.GET("/recoveries", s.getRecoveries)
	v1.GET("/recoveries/metrics", s.getRecoveryMetrics)
	v1.GET("/recoveries/:sessionId", s.getRecovery)
	v1.POST("/recoveries", s.postRecovery)
	v1.DELETE("/recoveries/:sessionId", s.deleteRecovery)

	return s
}

// Start runs the management server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Management server shutdown failed")
		}
	}()

	log.Info().Str("address", s.cfg.ListenAddress).Msg("Starting management server")
	if err := s.echo.Start(s.cfg.ListenAddress); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "management server failed")
	}
	return nil
}

func (s *Server) getHealthy(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) getReady(c echo.Context) error {
	// Readiness is storage reachability: a node that cannot load its own
	// audit log cannot serve anything useful.
	if _, err := s.store.ListAudits(c.Request().Context(), 1); err != nil {
		return c.String(http.StatusServiceUnavailable, "storage unavailable")
	}
	return c.String(http.StatusOK, "ready")
}
