package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/conflict"
	"github.com/tichaonax/go-sync-infra/internal/partition"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

const apiTestKey = "api-registration-key"

type apiHarness struct {
	server   *Server
	store    *storage.MemoryStore
	security *security.Manager
	clock    *time2.MockClock
	engine   *syncer.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	hub := transport.NewLoopback()
	clock := time2.NewMockClock(time.Now())

	securityCfg := config.Security{
		SessionTimeout:       30 * time.Minute,
		TokenDuration:        time.Hour,
		MaxFailedAttempts:    5,
		RateLimitWindow:      15 * time.Minute,
		RateLimitMaxRequests: 100,
		EnableEncryption:     true,
		EnableSignatures:     true,
	}
	syncCfg := config.Sync{
		SyncInterval:       30 * time.Second,
		RequestTimeout:     5 * time.Second,
		MaxEventRetries:    2,
		MaxBackoff:         5 * time.Minute,
		MaxConcurrentSyncs: 2,
	}

	newNode := func(nodeID string) (*storage.MemoryStore, *security.Manager, *peer.Discovery, *conflict.Resolver, *syncer.Engine, *syncer.Signer) {
		store := storage.NewMemoryStore()
		signer, err := syncer.NewSigner(nodeID)
		require.NoError(t, err)
		manager := security.NewManager(nodeID, securityCfg, apiTestKey, store, nil, clock)
		registry := peer.NewRegistry(5*time.Minute, clock)
		discovery := peer.NewDiscovery(
			peer.Announcement{NodeID: nodeID, Address: "127.0.0.1", Port: 8745, NodeName: nodeID},
			registry, nil, config.Discovery{},
		)
		resolver := conflict.NewResolver(nodeID, store)
		engine := syncer.NewEngine(nodeID, apiTestKey, syncCfg, securityCfg, store, manager, discovery, resolver, hub, signer, clock)
		hub.Register(nodeID, engine)
		return store, manager, discovery, resolver, engine, signer
	}

	storeA, managerA, discoveryA, resolverA, engineA, signerA := newNode("node-a")
	_, _, discoveryB, _, _, signerB := newNode("node-b")

	discoveryA.AddPeer(peer.PeerInfo{NodeID: "node-b", Address: "127.0.0.1", Port: 8745, NodeName: "node-b", PublicKey: signerB.PublicKey()})
	discoveryB.AddPeer(peer.PeerInfo{NodeID: "node-a", Address: "127.0.0.1", Port: 8745, NodeName: "node-a", PublicKey: signerA.PublicKey()})

	detector := partition.NewDetector("node-a", storeA, discoveryA, clock)
	recovery := partition.NewRecoveryManager(storeA, engineA, discoveryA, detector, nil, clock)
	t.Cleanup(recovery.Stop)

	server := NewServer("node-a", config.Management{ListenAddress: "127.0.0.1:0"}, storeA, managerA, discoveryA, resolverA, engineA, detector, recovery)

	return &apiHarness{
		server:   server,
		store:    storeA,
		security: managerA,
		clock:    clock,
		engine:   engineA,
	}
}

func (h *apiHarness) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(http.MethodGet, "/-/healthy", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(http.MethodGet, "/-/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPeerEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(http.MethodGet, "/api/v1/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []peer.PeerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "node-b", peers[0].NodeID)

	rec = h.request(http.MethodPost, "/api/v1/peers", `{"nodeId":"node-c","address":"10.0.0.3","port":8745}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = h.request(http.MethodPost, "/api/v1/peers", `{"address":"10.0.0.4"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(http.MethodDelete, "/api/v1/peers/node-c", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.request(http.MethodGet, "/api/v1/peers", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	assert.Len(t, peers, 1)
}

func TestSyncStatusAndTrigger(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	_, err := h.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{}`))
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	rec := h.request(http.MethodPost, "/api/v1/sync/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results []syncer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].EventsPushed)

	rec = h.request(http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.JSONEq(t, `"node-a"`, string(status["nodeId"]))
	assert.JSONEq(t, `1`, string(status["discoveredPeers"]))

	rec = h.request(http.MethodGet, "/api/v1/sync/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []storage.SyncSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.NotEmpty(t, sessions)
	assert.Equal(t, storage.SyncSessionCompleted, sessions[0].Status)
}

func TestEventLookupEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	event, err := h.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{"name":"a"}`))
	require.NoError(t, err)

	rec := h.request(http.MethodGet, "/api/v1/events/"+event.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.SyncEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Hash, got.Hash)

	rec = h.request(http.MethodGet, "/api/v1/events/event-unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurityEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	token, err := h.security.AuthenticatePeer(ctx, "node-b", apiTestKey, "10.0.0.2")
	require.NoError(t, err)
	session, err := h.security.EstablishSecureSession(ctx, "node-b", token.Token)
	require.NoError(t, err)

	rec := h.request(http.MethodGet, "/api/v1/security/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), session.SessionID)
	// key material never leaves the node
	assert.NotContains(t, rec.Body.String(), "EncryptionKey")
	assert.NotContains(t, rec.Body.String(), "SigningKey")

	rec = h.request(http.MethodGet, "/api/v1/security/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(http.MethodGet, "/api/v1/security/audits", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(http.MethodDelete, "/api/v1/security/sessions/"+session.SessionID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.request(http.MethodDelete, "/api/v1/security/sessions/session-unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(http.MethodPost, "/api/v1/security/rotate-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated["registrationKey"])
	assert.NotEqual(t, apiTestKey, rotated["registrationKey"])
}

func TestConflictEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	for _, path := range []string{
		"/api/v1/conflicts",
		"/api/v1/conflicts/stats",
		"/api/v1/conflicts/pending",
	} {
		rec := h.request(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestPartitionAndRecoveryEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	info := &storage.PartitionInfo{
		PartitionID:   "partition-api-test",
		PartitionType: storage.PartitionNetworkDisconnection,
		AffectedPeers: []storage.AffectedPeer{{NodeID: "node-b", NodeName: "node-b"}},
		DetectedAt:    time.Now(),
		Severity:      storage.SeverityMedium,
		FailureCount:  3,
	}
	require.NoError(t, h.store.SavePartition(ctx, info))

	rec := h.request(http.MethodGet, "/api/v1/partitions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var partitions []storage.PartitionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &partitions))
	require.Len(t, partitions, 1)

	rec = h.request(http.MethodGet, "/api/v1/partitions/partition-api-test", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.request(http.MethodGet, "/api/v1/partitions/partition-unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(http.MethodPost, "/api/v1/recoveries", `{"partitionId":"partition-api-test"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var session storage.RecoverySession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, storage.RecoveryAuto, session.Strategy, "strategy defaults to AUTO")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := h.store.GetRecoverySession(ctx, session.SessionID)
		require.NoError(t, err)
		if stored.Status != storage.RecoveryRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = h.request(http.MethodGet, "/api/v1/recoveries/"+session.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var final storage.RecoverySession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, storage.RecoveryCompleted, final.Status)

	rec = h.request(http.MethodGet, "/api/v1/recoveries", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.request(http.MethodGet, "/api/v1/recoveries/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(http.MethodGet, "/api/v1/recoveries/recovery-unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.request(http.MethodDelete, "/api/v1/recoveries/recovery-unknown", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.request(http.MethodPost, "/api/v1/recoveries", `{"strategy":"AUTO"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.request(http.MethodPost, "/api/v1/recoveries", `{"partitionId":"partition-unknown"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
