package partition

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/metrics"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
)

// Recovery step names as they appear on the session record.
const (
	stepConnecting         = "connecting"
	stepExchangingEvents   = "exchanging events"
	stepResolvingConflicts = "resolving conflicts"
	stepVerifying          = "verifying"
)

// ErrRecoveryNotRunning means the session is unknown or already terminal.
var ErrRecoveryNotRunning = errors.New("recovery session not running")

// ErrRecoveryInProgress means another session is already healing the
// partition, either in this process or on a node sharing the lock backend.
var ErrRecoveryInProgress = errors.New("recovery already running for partition")

// recoveryLockTTL bounds how long a crashed node can hold a recovery lock.
const recoveryLockTTL = 10 * time.Minute

// InconsistencyReporter records a peer whose event history diverged from
// ours. The detector opens a critical partition for such peers.
type InconsistencyReporter interface {
	ReportInconsistency(ctx context.Context, peerNodeID, detail string) error
}

// Locker serializes recovery attempts across nodes sharing a cache backbone.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Metrics summarizes recovery activity for operators.
type Metrics struct {
	TotalSessions        int            `json:"totalSessions"`
	Running              int            `json:"running"`
	Completed            int            `json:"completed"`
	Failed               int            `json:"failed"`
	Cancelled            int            `json:"cancelled"`
	SuccessRate          float64        `json:"successRate"`
	AverageDuration      time.Duration  `json:"averageDuration"`
	CommonFailureReasons map[string]int `json:"commonFailureReasons"`
}

// RecoveryManager heals detected partitions by driving the sync engine
// through a tracked, cancellable session. Progress only moves forward while
// a session runs; cancellation is cooperative and takes effect at step
// boundaries.
type RecoveryManager struct {
	store     storage.PartitionStore
	engine    *syncer.Engine
	discovery *peer.Discovery
	reporter  InconsistencyReporter // may be nil
	locks     Locker                // may be nil
	clock     time2.Clock

	mu     sync.Mutex
	active map[string]context.CancelFunc
	busy   map[string]struct{} // partition IDs with a running session
	wg     sync.WaitGroup
}

// NewRecoveryManager creates a recovery manager over the engine. A failed
// verification is reported to reporter so the divergence shows up as a
// partition. locks guards against concurrent recoveries of the same
// partition across nodes; nil limits the guard to this process.
func NewRecoveryManager(
	store storage.PartitionStore,
	engine *syncer.Engine,
	discovery *peer.Discovery,
	reporter InconsistencyReporter,
	locks Locker,
	clock time2.Clock,
) *RecoveryManager {
	return &RecoveryManager{
		store:     store,
		engine:    engine,
		discovery: discovery,
		reporter:  reporter,
		locks:     locks,
		clock:     clock,
		active:    make(map[string]context.CancelFunc),
		busy:      make(map[string]struct{}),
	}
}

// InitiateRecovery starts a recovery session for the partition and returns
// immediately; the session runs in the background. AUTO replays events from
// the per-peer checkpoint, FORCE_RESYNC ignores checkpoints and replays full
// history.
func (m *RecoveryManager) InitiateRecovery(ctx context.Context, partitionID string, strategy storage.RecoveryStrategy) (*storage.RecoverySession, error) {
	partition, err := m.store.GetPartition(ctx, partitionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load partition")
	}
	if partition.IsResolved {
		return nil, errors.Errorf("partition %s is already resolved", partitionID)
	}
	if strategy != storage.RecoveryAuto && strategy != storage.RecoveryForceResync {
		return nil, errors.Errorf("unknown recovery strategy %q", strategy)
	}

	m.mu.Lock()
	if _, running := m.busy[partitionID]; running {
		m.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	m.busy[partitionID] = struct{}{}
	m.mu.Unlock()

	if m.locks != nil {
		acquired, err := m.locks.AcquireLock(ctx, "recovery:"+partitionID, recoveryLockTTL)
		if err != nil || !acquired {
			m.mu.Lock()
			delete(m.busy, partitionID)
			m.mu.Unlock()
			if err != nil {
				return nil, errors.Wrap(err, "failed to acquire recovery lock")
			}
			return nil, ErrRecoveryInProgress
		}
	}

	session := &storage.RecoverySession{
		SessionID:   "recovery-" + uuid.New().String(),
		PartitionID: partitionID,
		Strategy:    strategy,
		StartedAt:   m.clock.Now(),
		Status:      storage.RecoveryRunning,
		CurrentStep: stepConnecting,
	}
	if err := m.store.SaveRecoverySession(ctx, session); err != nil {
		m.releasePartition(partitionID)
		return nil, errors.Wrap(err, "failed to save recovery session")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active[session.SessionID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx, session, partition)

	log.Info().
		Str("session_id", session.SessionID).
		Str("partition_id", partitionID).
		Str("strategy", string(strategy)).
		Msg("Recovery session started")

	return session, nil
}

// CancelRecovery requests cancellation of a running session. The session
// transitions to CANCELLED at its next step boundary; already-terminal
// sessions return ErrRecoveryNotRunning.
func (m *RecoveryManager) CancelRecovery(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	cancel, ok := m.active[sessionID]
	m.mu.Unlock()

	if !ok {
		return ErrRecoveryNotRunning
	}
	cancel()

	log.Info().Str("session_id", sessionID).Msg("Recovery cancellation requested")
	return nil
}

// GetRecoverySession returns one session record.
func (m *RecoveryManager) GetRecoverySession(ctx context.Context, sessionID string) (*storage.RecoverySession, error) {
	return m.store.GetRecoverySession(ctx, sessionID)
}

// ListRecoverySessions returns every session record.
func (m *RecoveryManager) ListRecoverySessions(ctx context.Context) ([]*storage.RecoverySession, error) {
	return m.store.ListRecoverySessions(ctx)
}

// GetRecoveryMetrics aggregates session history into operator metrics.
func (m *RecoveryManager) GetRecoveryMetrics(ctx context.Context) (*Metrics, error) {
	sessions, err := m.store.ListRecoverySessions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recovery sessions")
	}

	out := &Metrics{CommonFailureReasons: make(map[string]int)}
	var totalDuration time.Duration
	var ended int

	for _, session := range sessions {
		out.TotalSessions++
		switch session.Status {
		case storage.RecoveryRunning:
			out.Running++
		case storage.RecoveryCompleted:
			out.Completed++
		case storage.RecoveryFailed:
			out.Failed++
			if session.ErrorMessage != "" {
				out.CommonFailureReasons[failureReason(session.ErrorMessage)]++
			}
		case storage.RecoveryCancelled:
			out.Cancelled++
		}
		if session.EndedAt != nil {
			totalDuration += session.EndedAt.Sub(session.StartedAt)
			ended++
		}
	}

	if ended > 0 {
		out.AverageDuration = totalDuration / time.Duration(ended)
	}
	if finished := out.Completed + out.Failed + out.Cancelled; finished > 0 {
		out.SuccessRate = float64(out.Completed) / float64(finished)
	}
	return out, nil
}

// Stop cancels all running sessions and waits for their goroutines.
func (m *RecoveryManager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *RecoveryManager) run(ctx context.Context, session *storage.RecoverySession, partition *storage.PartitionInfo) {
	defer m.wg.Done()

	targets := make([]peer.PeerInfo, 0, len(partition.AffectedPeers))
	var missing []string
	for _, affected := range partition.AffectedPeers {
		if info, ok := m.discovery.GetPeer(affected.NodeID); ok {
			targets = append(targets, info)
		} else {
			missing = append(missing, affected.NodeID)
		}
	}

	if !m.advance(ctx, session, stepConnecting, 10) {
		return
	}
	if len(targets) == 0 {
		m.finishFailed(session, errors.Errorf("no affected peer found in registry: %s", strings.Join(missing, ", ")))
		return
	}

	if !m.advance(ctx, session, stepExchangingEvents, 25) {
		return
	}

	var conflictsResolved int
	span := 70 - 25
	for i, target := range targets {
		result, err := m.exchange(ctx, target, session.Strategy)
		if err != nil {
			if ctx.Err() != nil {
				m.finishCancelled(session)
				return
			}
			m.finishFailed(session, errors.Wrapf(err, "sync with peer %s failed", target.NodeID))
			return
		}
		conflictsResolved += result.ConflictsResolved

		progress := 25 + span*(i+1)/len(targets)
		if !m.advance(ctx, session, stepExchangingEvents, progress) {
			return
		}
	}

	// Conflicts resolve inline during the exchange; the step exists so
	// operators can see where a session died.
	if !m.advance(ctx, session, stepResolvingConflicts, 80) {
		return
	}

	if !m.advance(ctx, session, stepVerifying, 90) {
		return
	}
	for _, target := range targets {
		match, err := m.engine.VerifyPeerChecksum(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				m.finishCancelled(session)
				return
			}
			m.finishFailed(session, errors.Wrapf(err, "verification against peer %s failed", target.NodeID))
			return
		}
		if !match {
			cause := errors.Errorf("event history still diverges from peer %s", target.NodeID)
			if m.reporter != nil {
				if err := m.reporter.ReportInconsistency(context.Background(), target.NodeID, cause.Error()); err != nil {
					log.Warn().Err(err).Str("peer", target.NodeID).Msg("Failed to report data inconsistency")
				}
			}
			m.finishFailed(session, cause)
			return
		}
	}

	m.finishCompleted(session, conflictsResolved)
}

func (m *RecoveryManager) exchange(ctx context.Context, target peer.PeerInfo, strategy storage.RecoveryStrategy) (syncer.Result, error) {
	if strategy == storage.RecoveryForceResync {
		return m.engine.ResyncPeer(ctx, target)
	}
	return m.engine.SyncWithPeer(ctx, target)
}

// advance moves the session to the step and progress, persisting the change.
// Progress never decreases. Returns false when the session was cancelled.
func (m *RecoveryManager) advance(ctx context.Context, session *storage.RecoverySession, step string, progress int) bool {
	if ctx.Err() != nil {
		m.finishCancelled(session)
		return false
	}

	session.CurrentStep = step
	if progress > session.Progress {
		session.Progress = progress
	}
	if err := m.store.UpdateRecoverySession(context.Background(), session); err != nil {
		log.Warn().Err(err).Str("session_id", session.SessionID).Msg("Failed to persist recovery progress")
	}
	return true
}

func (m *RecoveryManager) finishCompleted(session *storage.RecoverySession, conflictsResolved int) {
	session.Status = storage.RecoveryCompleted
	session.Progress = 100
	session.CurrentStep = stepVerifying
	ended := m.clock.Now()
	session.EndedAt = &ended
	m.persistTerminal(session)

	metrics.RecoverySessions.WithLabelValues(string(storage.RecoveryCompleted)).Inc()
	log.Info().
		Str("session_id", session.SessionID).
		Str("partition_id", session.PartitionID).
		Int("conflicts_resolved", conflictsResolved).
		Dur("duration", ended.Sub(session.StartedAt)).
		Msg("Recovery session completed")
}

func (m *RecoveryManager) finishFailed(session *storage.RecoverySession, cause error) {
	session.Status = storage.RecoveryFailed
	session.ErrorMessage = cause.Error()
	ended := m.clock.Now()
	session.EndedAt = &ended
	m.persistTerminal(session)

	metrics.RecoverySessions.WithLabelValues(string(storage.RecoveryFailed)).Inc()
	log.Error().Err(cause).
		Str("session_id", session.SessionID).
		Str("partition_id", session.PartitionID).
		Msg("Recovery session failed")
}

func (m *RecoveryManager) finishCancelled(session *storage.RecoverySession) {
	session.Status = storage.RecoveryCancelled
	ended := m.clock.Now()
	session.EndedAt = &ended
	m.persistTerminal(session)

	metrics.RecoverySessions.WithLabelValues(string(storage.RecoveryCancelled)).Inc()
	log.Info().
		Str("session_id", session.SessionID).
		Str("partition_id", session.PartitionID).
		Int("progress", session.Progress).
		Msg("Recovery session cancelled")
}

// persistTerminal retires the session: its cancel handle and partition guard
// are released before the terminal state is written, so a caller observing
// the outcome can immediately start a new attempt.
func (m *RecoveryManager) persistTerminal(session *storage.RecoverySession) {
	m.mu.Lock()
	if cancel, ok := m.active[session.SessionID]; ok {
		delete(m.active, session.SessionID)
		cancel()
	}
	m.mu.Unlock()
	m.releasePartition(session.PartitionID)

	if err := m.store.UpdateRecoverySession(context.Background(), session); err != nil {
		log.Error().Err(err).Str("session_id", session.SessionID).Msg("Failed to persist recovery outcome")
	}
}

func (m *RecoveryManager) releasePartition(partitionID string) {
	m.mu.Lock()
	delete(m.busy, partitionID)
	m.mu.Unlock()

	if m.locks != nil {
		if err := m.locks.ReleaseLock(context.Background(), "recovery:"+partitionID); err != nil {
			log.Warn().Err(err).Str("partition_id", partitionID).Msg("Failed to release recovery lock")
		}
	}
}

// failureReason buckets error messages so metrics group similar failures.
// The error chain's innermost message is the most stable key.
func failureReason(message string) string {
	if idx := strings.LastIndex(message, ": "); idx >= 0 {
		return message[idx+2:]
	}
	return message
}
