package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/conflict"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

const recoveryMeshKey = "mesh-registration-key"

type recoveryNode struct {
	id        string
	store     *storage.MemoryStore
	signer    *syncer.Signer
	discovery *peer.Discovery
	engine    *syncer.Engine
}

func newRecoveryNode(t *testing.T, nodeID string, hub *transport.Loopback, clock time2.Clock) *recoveryNode {
	t.Helper()

	store := storage.NewMemoryStore()
	signer, err := syncer.NewSigner(nodeID)
	require.NoError(t, err)

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

	manager := security.NewManager(nodeID, securityCfg, recoveryMeshKey, store, nil, clock)
	registry := peer.NewRegistry(5*time.Minute, clock)
	discovery := peer.NewDiscovery(
		peer.Announcement{NodeID: nodeID, Address: "127.0.0.1", Port: 8745, NodeName: nodeID},
		registry, nil, config.Discovery{},
	)
	resolver := conflict.NewResolver(nodeID, store)

	engine := syncer.NewEngine(
		nodeID, recoveryMeshKey, syncCfg, securityCfg,
		store, manager, discovery, resolver, hub, signer, clock,
	)
	hub.Register(nodeID, engine)

	return &recoveryNode{id: nodeID, store: store, signer: signer, discovery: discovery, engine: engine}
}

func newRecoveryMesh(t *testing.T) (*recoveryNode, *recoveryNode, *transport.Loopback, *time2.MockClock) {
	t.Helper()

	hub := transport.NewLoopback()
	clock := time2.NewMockClock(time.Now())

	a := newRecoveryNode(t, "node-a", hub, clock)
	b := newRecoveryNode(t, "node-b", hub, clock)

	a.discovery.AddPeer(peer.PeerInfo{NodeID: b.id, Address: "127.0.0.1", Port: 8745, NodeName: b.id, PublicKey: b.signer.PublicKey()})
	b.discovery.AddPeer(peer.PeerInfo{NodeID: a.id, Address: "127.0.0.1", Port: 8745, NodeName: a.id, PublicKey: a.signer.PublicKey()})

	return a, b, hub, clock
}

func savePartitionFor(t *testing.T, store storage.PartitionStore, peerNodeID string) *storage.PartitionInfo {
	t.Helper()
	partition := &storage.PartitionInfo{
		PartitionID:   "partition-" + peerNodeID,
		PartitionType: storage.PartitionNetworkDisconnection,
		AffectedPeers: []storage.AffectedPeer{{NodeID: peerNodeID, NodeName: peerNodeID}},
		DetectedAt:    time.Now(),
		Severity:      storage.SeverityMedium,
		FailureCount:  3,
	}
	require.NoError(t, store.SavePartition(context.Background(), partition))
	return partition
}

func waitForTerminal(t *testing.T, m *RecoveryManager, sessionID string) *storage.RecoverySession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := m.GetRecoverySession(context.Background(), sessionID)
		require.NoError(t, err)
		if session.Status != storage.RecoveryRunning {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recovery session never reached a terminal state")
	return nil
}

func TestRecoveryHealsPartitionedPeer(t *testing.T) {
	ctx := context.Background()
	a, b, _, clock := newRecoveryMesh(t)

	event, err := a.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)

	partition := savePartitionFor(t, a.store, "node-b")
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)
	assert.Equal(t, storage.RecoveryRunning, session.Status)

	final := waitForTerminal(t, manager, session.SessionID)
	assert.Equal(t, storage.RecoveryCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.EndedAt)

	seen, err := b.store.HasEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestForceResyncRecoversWhatIncrementalSyncCannot(t *testing.T) {
	ctx := context.Background()
	a, b, _, clock := newRecoveryMesh(t)

	event, err := a.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)

	// a corrupted checkpoint hides the event from incremental sync
	require.NoError(t, a.store.SetLastSync(ctx, "node-b", clock.Now()))

	partition := savePartitionFor(t, a.store, "node-b")
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)
	final := waitForTerminal(t, manager, session.SessionID)
	assert.Equal(t, storage.RecoveryFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "diverges")

	session, err = manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryForceResync)
	require.NoError(t, err)
	final = waitForTerminal(t, manager, session.SessionID)
	assert.Equal(t, storage.RecoveryCompleted, final.Status)

	seen, err := b.store.HasEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestFailedVerificationOpensInconsistencyPartition(t *testing.T) {
	ctx := context.Background()
	a, _, _, clock := newRecoveryMesh(t)

	_, err := a.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)

	// a corrupted checkpoint hides the event, so AUTO recovery syncs nothing
	// and the checksums still disagree afterwards
	require.NoError(t, a.store.SetLastSync(ctx, "node-b", clock.Now()))

	partition := savePartitionFor(t, a.store, "node-b")
	detector := NewDetector("node-a", a.store, a.discovery, clock)
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, detector, nil, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)
	final := waitForTerminal(t, manager, session.SessionID)
	require.Equal(t, storage.RecoveryFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "diverges")

	active, err := detector.GetActivePartitions(ctx)
	require.NoError(t, err)

	var inconsistency *storage.PartitionInfo
	for _, info := range active {
		if info.PartitionType == storage.PartitionDataInconsistency {
			inconsistency = info
		}
	}
	require.NotNil(t, inconsistency, "divergence must surface as a partition")
	assert.Equal(t, storage.SeverityCritical, inconsistency.Severity)
	require.Len(t, inconsistency.AffectedPeers, 1)
	assert.Equal(t, "node-b", inconsistency.AffectedPeers[0].NodeID)
	require.NotEmpty(t, inconsistency.ErrorMessages)
	assert.Contains(t, inconsistency.ErrorMessages[0], "diverges")
}

// memoryLocks is an in-process Locker standing in for the redis one.
type memoryLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryLocks() *memoryLocks {
	return &memoryLocks{held: make(map[string]bool)}
}

func (l *memoryLocks) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memoryLocks) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func TestConcurrentRecoveriesForSamePartitionAreRejected(t *testing.T) {
	ctx := context.Background()
	a, _, hub, clock := newRecoveryMesh(t)

	// node-b never answers, so the first session stays running
	hub.Register("node-b", blockedWire{})

	locks := newMemoryLocks()
	partition := savePartitionFor(t, a.store, "node-b")
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, locks, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)

	_, err = manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	assert.ErrorIs(t, err, ErrRecoveryInProgress)

	// a second node sharing the lock backend is rejected too
	other := NewRecoveryManager(a.store, a.engine, a.discovery, nil, locks, clock)
	defer other.Stop()
	_, err = other.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	assert.ErrorIs(t, err, ErrRecoveryInProgress)

	require.NoError(t, manager.CancelRecovery(ctx, session.SessionID))
	final := waitForTerminal(t, manager, session.SessionID)
	require.Equal(t, storage.RecoveryCancelled, final.Status)

	// the guard lifts with the session
	session, err = manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)
	require.NoError(t, manager.CancelRecovery(ctx, session.SessionID))
	waitForTerminal(t, manager, session.SessionID)
}

// blockedWire hangs every inbound call until its context is cancelled.
type blockedWire struct{}

func (blockedWire) HandleAuthenticate(ctx context.Context, _ string, _ *transport.AuthenticateRequest) (*transport.AuthenticateResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedWire) HandleEstablishSession(ctx context.Context, _ *transport.EstablishSessionRequest) (*transport.EstablishSessionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedWire) HandleFetchEvents(ctx context.Context, _ *transport.FetchEventsRequest) (*transport.FetchEventsResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedWire) HandlePushEvents(ctx context.Context, _ *transport.PushEventsRequest) (*transport.PushEventsResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedWire) HandleChecksum(ctx context.Context, _ *transport.ChecksumRequest) (*transport.ChecksumResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecoveryCancellation(t *testing.T) {
	ctx := context.Background()
	a, _, hub, clock := newRecoveryMesh(t)

	// node-b accepts connections but never answers
	hub.Register("node-b", blockedWire{})

	partition := savePartitionFor(t, a.store, "node-b")
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)

	require.NoError(t, manager.CancelRecovery(ctx, session.SessionID))

	final := waitForTerminal(t, manager, session.SessionID)
	assert.Equal(t, storage.RecoveryCancelled, final.Status)
	assert.Less(t, final.Progress, 100)

	// a terminal session cannot be cancelled twice
	assert.ErrorIs(t, manager.CancelRecovery(ctx, session.SessionID), ErrRecoveryNotRunning)
}

func TestInitiateRecoveryValidation(t *testing.T) {
	ctx := context.Background()
	a, _, _, clock := newRecoveryMesh(t)
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)

	_, err := manager.InitiateRecovery(ctx, "partition-unknown", storage.RecoveryAuto)
	assert.Error(t, err)

	partition := savePartitionFor(t, a.store, "node-b")
	_, err = manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryStrategy("REBOOT"))
	assert.Error(t, err)

	resolvedAt := time.Now()
	partition.IsResolved = true
	partition.ResolvedAt = &resolvedAt
	require.NoError(t, a.store.UpdatePartition(ctx, partition))
	_, err = manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	assert.Error(t, err)
}

func TestRecoveryFailsWhenPeerIsUnknown(t *testing.T) {
	ctx := context.Background()
	a, _, _, clock := newRecoveryMesh(t)

	partition := savePartitionFor(t, a.store, "node-ghost")
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)
	defer manager.Stop()

	session, err := manager.InitiateRecovery(ctx, partition.PartitionID, storage.RecoveryAuto)
	require.NoError(t, err)

	final := waitForTerminal(t, manager, session.SessionID)
	assert.Equal(t, storage.RecoveryFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no affected peer")
}

func TestCancelUnknownRecovery(t *testing.T) {
	a, _, _, clock := newRecoveryMesh(t)
	manager := NewRecoveryManager(a.store, a.engine, a.discovery, nil, nil, clock)

	err := manager.CancelRecovery(context.Background(), "recovery-unknown")
	assert.ErrorIs(t, err, ErrRecoveryNotRunning)
}

func TestRecoveryMetricsAggregation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Now())
	manager := NewRecoveryManager(store, nil, nil, nil, nil, clock)

	started := time.Now().Add(-time.Hour)
	ended := started.Add(2 * time.Minute)
	seed := []*storage.RecoverySession{
		{SessionID: "recovery-1", PartitionID: "partition-1", Strategy: storage.RecoveryAuto, Status: storage.RecoveryCompleted, StartedAt: started, EndedAt: &ended, Progress: 100},
		{SessionID: "recovery-2", PartitionID: "partition-2", Strategy: storage.RecoveryAuto, Status: storage.RecoveryFailed, StartedAt: started, EndedAt: &ended, ErrorMessage: "push to peer node-b failed: connection refused"},
		{SessionID: "recovery-3", PartitionID: "partition-3", Strategy: storage.RecoveryForceResync, Status: storage.RecoveryFailed, StartedAt: started, EndedAt: &ended, ErrorMessage: "fetch from peer node-c failed: connection refused"},
		{SessionID: "recovery-4", PartitionID: "partition-4", Strategy: storage.RecoveryAuto, Status: storage.RecoveryCancelled, StartedAt: started, EndedAt: &ended},
		{SessionID: "recovery-5", PartitionID: "partition-5", Strategy: storage.RecoveryAuto, Status: storage.RecoveryRunning, StartedAt: started},
	}
	for _, session := range seed {
		require.NoError(t, store.SaveRecoverySession(ctx, session))
	}

	metrics, err := manager.GetRecoveryMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, metrics.TotalSessions)
	assert.Equal(t, 1, metrics.Running)
	assert.Equal(t, 1, metrics.Completed)
	assert.Equal(t, 2, metrics.Failed)
	assert.Equal(t, 1, metrics.Cancelled)
	assert.InDelta(t, 0.25, metrics.SuccessRate, 0.0001)
	assert.Equal(t, 2*time.Minute, metrics.AverageDuration)
	assert.Equal(t, map[string]int{"connection refused": 2}, metrics.CommonFailureReasons)
}
