package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/partition"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
)

// syncStatusResponse is the operator-facing health snapshot of this node.
type syncStatusResponse struct {
	NodeID          string       `json:"nodeId"`
	Stats           syncer.Stats `json:"stats"`
	DiscoveredPeers int          `json:"discoveredPeers"`
	LastSyncByPeer  map[string]time.Time `json:"lastSyncByPeer"`
}

func (s *Server) getSyncStatus(c echo.Context) error {
	ctx := c.Request().Context()

	peers := s.discovery.GetDiscoveredPeers()
	lastSync := make(map[string]time.Time, len(peers))
	for _, p := range peers {
		t, err := s.engine.GetLastSyncTime(ctx, p.NodeID)
		if err != nil {
			continue
		}
		lastSync[p.NodeID] = t
	}

	return c.JSON(http.StatusOK, syncStatusResponse{
		NodeID:          s.nodeID,
		Stats:           s.engine.GetSyncStats(),
		DiscoveredPeers: len(peers),
		LastSyncByPeer:  lastSync,
	})
}

func (s *Server) getSyncSessions(c echo.Context) error {
	sessions, err := s.store.ListSyncSessions(c.Request().Context(), limitParam(c, 50))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) postSyncTrigger(c echo.Context) error {
	results := s.engine.SyncWithAllPeers(c.Request().Context())
	return c.JSON(http.StatusOK, results)
}

// getEvent returns one raw event from the replicated log, e.g. to inspect
// the winner or loser recorded on a conflict.
func (s *Server) getEvent(c echo.Context) error {
	event, err := s.store.GetEvent(c.Request().Context(), c.Param("eventId"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, event)
}

func (s *Server) getPeers(c echo.Context) error {
	includeStale, _ := strconv.ParseBool(c.QueryParam("includeStale"))
	if includeStale {
		return c.JSON(http.StatusOK, s.discovery.GetAllPeers())
	}
	return c.JSON(http.StatusOK, s.discovery.GetDiscoveredPeers())
}

func (s *Server) postPeer(c echo.Context) error {
	var info peer.PeerInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if info.NodeID == "" || info.Address == "" || info.Port == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "nodeId, address and port are required")
	}
	s.discovery.AddPeer(info)
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) deletePeer(c echo.Context) error {
	s.discovery.RemovePeer(c.Param("nodeId"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getSecurityStats(c echo.Context) error {
	stats, err := s.security.GetSecurityStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) getSecurityAudits(c echo.Context) error {
	audits, err := s.security.GetAuditLogs(c.Request().Context(), limitParam(c, 100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, audits)
}

// securitySessionResponse redacts key material before it leaves the node.
type securitySessionResponse struct {
	SessionID     string    `json:"sessionId"`
	SourceNodeID  string    `json:"sourceNodeId"`
	TargetNodeID  string    `json:"targetNodeId"`
	EstablishedAt time.Time `json:"establishedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

func (s *Server) getSecuritySessions(c echo.Context) error {
	sessions, err := s.security.GetActiveSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]securitySessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, securitySessionResponse{
			SessionID:     session.SessionID,
			SourceNodeID:  session.SourceNodeID,
			TargetNodeID:  session.TargetNodeID,
			EstablishedAt: session.EstablishedAt,
			ExpiresAt:     session.ExpiresAt,
			LastActivity:  session.LastActivity,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSecuritySession(c echo.Context) error {
	err := s.security.RevokeSession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, security.ErrSessionInvalid) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) postRotateKey(c echo.Context) error {
	// The new key is returned exactly once so the operator can distribute it
	// to the other nodes. It is not persisted anywhere readable.
	newKey, err := s.security.RotateRegistrationKey(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"registrationKey": newKey})
}

func (s *Server) getConflicts(c echo.Context) error {
	conflicts, err := s.store.ListConflicts(c.Request().Context(), limitParam(c, 100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conflicts)
}

func (s *Server) getConflictStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.resolver.GetConflictStats())
}

func (s *Server) getPendingConflicts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.resolver.PendingConflicts())
}

func (s *Server) getPartitions(c echo.Context) error {
	includeResolved, _ := strconv.ParseBool(c.QueryParam("includeResolved"))

	var (
		partitions []*storage.PartitionInfo
		err        error
	)
	if includeResolved {
		partitions, err = s.detector.GetPartitionHistory(c.Request().Context())
	} else {
		partitions, err = s.detector.GetActivePartitions(c.Request().Context())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, partitions)
}

func (s *Server) getPartition(c echo.Context) error {
	info, err := s.store.GetPartition(c.Request().Context(), c.Param("partitionId"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "partition not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

// initiateRecoveryRequest starts healing a partition.
type initiateRecoveryRequest struct {
	PartitionID string `json:"partitionId"`
	Strategy    string `json:"strategy"`
}

func (s *Server) postRecovery(c echo.Context) error {
	var req initiateRecoveryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PartitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "partitionId is required")
	}
	strategy := storage.RecoveryStrategy(req.Strategy)
	if strategy == "" {
		strategy = storage.RecoveryAuto
	}

	session, err := s.recovery.InitiateRecovery(c.Request().Context(), req.PartitionID, strategy)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "partition not found")
		}
		if errors.Is(err, partition.ErrRecoveryInProgress) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, session)
}

func (s *Server) getRecoveries(c echo.Context) error {
	sessions, err := s.recovery.ListRecoverySessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getRecovery(c echo.Context) error {
	session, err := s.recovery.GetRecoverySession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "recovery session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) deleteRecovery(c echo.Context) error {
	err := s.recovery.CancelRecovery(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getRecoveryMetrics(c echo.Context) error {
	metrics, err := s.recovery.GetRecoveryMetrics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, metrics)
}

func limitParam(c echo.Context, fallback int) int {
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			return limit
		}
	}
	return fallback
}
