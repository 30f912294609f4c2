package partition

import (
	"context"
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
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

const (
	// openThreshold is how many consecutive failures open a partition.
	openThreshold = 3
	// unreachableThreshold escalates the partition type to PEER_UNREACHABLE.
	unreachableThreshold = 5
	// mediumFailures and mediumDuration bound the LOW severity band.
	mediumFailures = 5
	mediumDuration = 10 * time.Minute
	// maxStoredErrors caps the error messages kept on a partition record.
	maxStoredErrors = 10
)

var _ syncer.Observer = (*Detector)(nil)

// peerFailureState tracks one peer's failure streak and its open partition.
type peerFailureState struct {
	consecutive    int
	firstFailureAt time.Time
	partitionID    string
}

// Detector watches sync outcomes and turns failure streaks into partition
// records. It observes the engine; it never initiates traffic of its own.
type Detector struct {
	nodeID    string
	store     storage.PartitionStore
	discovery *peer.Discovery
	clock     time2.Clock

	mu      sync.Mutex
	tracked map[string]*peerFailureState
}

// NewDetector creates a detector persisting partitions through store.
func NewDetector(nodeID string, store storage.PartitionStore, discovery *peer.Discovery, clock time2.Clock) *Detector {
	return &Detector{
		nodeID:    nodeID,
		store:     store,
		discovery: discovery,
		clock:     clock,
		tracked:   make(map[string]*peerFailureState),
	}
}

// OnSyncFailed records a failed attempt against the peer. Once the streak
// crosses the open threshold a partition record is created; further failures
// update its count, may escalate its type and severity, but never create a
// second record for the same streak.
func (d *Detector) OnSyncFailed(peerNodeID string, syncErr error) {
	ctx := context.Background()
	now := d.clock.Now()

	d.mu.Lock()
	state, ok := d.tracked[peerNodeID]
	if !ok {
		state = &peerFailureState{firstFailureAt: now}
		d.tracked[peerNodeID] = state
	}
	state.consecutive++

	if state.consecutive < openThreshold {
		d.mu.Unlock()
		return
	}

	partitionType := classify(syncErr, state.consecutive)
	severity := d.severityLocked(state, partitionType, now)
	partitionID := state.partitionID
	consecutive := state.consecutive
	d.mu.Unlock()

	if partitionID == "" {
		d.openPartition(ctx, peerNodeID, partitionType, severity, consecutive, syncErr, now)
		return
	}
	d.updatePartition(ctx, partitionID, partitionType, severity, consecutive, syncErr)
}

// OnSyncSucceeded clears the peer's failure streak and resolves its open
// partition, if any.
func (d *Detector) OnSyncSucceeded(peerNodeID string, _ syncer.Result) {
	d.clearPeer(peerNodeID)
}

func (d *Detector) clearPeer(peerNodeID string) {
	ctx := context.Background()

	d.mu.Lock()
	state, ok := d.tracked[peerNodeID]
	if !ok {
		d.mu.Unlock()
		return
	}
	partitionID := state.partitionID
	delete(d.tracked, peerNodeID)
	d.mu.Unlock()

	if partitionID == "" {
		return
	}
	d.resolvePartition(ctx, partitionID, peerNodeID)
}

// ReportInconsistency opens a critical partition immediately. Divergent event
// histories are never a transient condition, so no failure streak is waited
// for.
func (d *Detector) ReportInconsistency(ctx context.Context, peerNodeID, detail string) error {
	now := d.clock.Now()

	d.mu.Lock()
	state, ok := d.tracked[peerNodeID]
	if !ok {
		state = &peerFailureState{firstFailureAt: now}
		d.tracked[peerNodeID] = state
	}
	if state.partitionID != "" {
		partitionID := state.partitionID
		consecutive := state.consecutive
		d.mu.Unlock()
		d.updatePartition(ctx, partitionID, storage.PartitionDataInconsistency, storage.SeverityCritical, consecutive, errors.New(detail))
		return nil
	}
	d.mu.Unlock()

	d.openPartition(ctx, peerNodeID, storage.PartitionDataInconsistency, storage.SeverityCritical, 1, errors.New(detail), now)
	return nil
}

// GetActivePartitions returns unresolved partitions.
func (d *Detector) GetActivePartitions(ctx context.Context) ([]*storage.PartitionInfo, error) {
	return d.store.ListPartitions(ctx, false)
}

// GetPartitionHistory returns all partitions, resolved ones included.
func (d *Detector) GetPartitionHistory(ctx context.Context) ([]*storage.PartitionInfo, error) {
	return d.store.ListPartitions(ctx, true)
}

// ConsecutiveFailures returns the peer's current failure streak.
func (d *Detector) ConsecutiveFailures(peerNodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.tracked[peerNodeID]; ok {
		return state.consecutive
	}
	return 0
}

func (d *Detector) openPartition(ctx context.Context, peerNodeID string, partitionType storage.PartitionType, severity storage.PartitionSeverity, failureCount int, syncErr error, now time.Time) {
	nodeName := peerNodeID
	if info, ok := d.discovery.GetPeer(peerNodeID); ok && info.NodeName != "" {
		nodeName = info.NodeName
	}

	partition := &storage.PartitionInfo{
		PartitionID:   "partition-" + uuid.New().String(),
		PartitionType: partitionType,
		AffectedPeers: []storage.AffectedPeer{{NodeID: peerNodeID, NodeName: nodeName}},
		DetectedAt:    now,
		Severity:      severity,
		FailureCount:  failureCount,
		ErrorMessages: []string{syncErr.Error()},
	}
	if err := d.store.SavePartition(ctx, partition); err != nil {
		log.Error().Err(err).Str("peer", peerNodeID).Msg("Failed to persist partition")
		return
	}

	d.mu.Lock()
	if state, ok := d.tracked[peerNodeID]; ok {
		state.partitionID = partition.PartitionID
	}
	d.mu.Unlock()

	metrics.ActivePartitions.Inc()
	log.Warn().
		Str("partition_id", partition.PartitionID).
		Str("peer", peerNodeID).
		Str("type", string(partitionType)).
		Str("severity", string(severity)).
		Int("failures", failureCount).
		Msg("Partition detected")
}

func (d *Detector) updatePartition(ctx context.Context, partitionID string, partitionType storage.PartitionType, severity storage.PartitionSeverity, failureCount int, syncErr error) {
	partition, err := d.store.GetPartition(ctx, partitionID)
	if err != nil {
		log.Warn().Err(err).Str("partition_id", partitionID).Msg("Failed to load partition for update")
		return
	}

	partition.FailureCount = failureCount
	if escalatesType(partition.PartitionType, partitionType) {
		partition.PartitionType = partitionType
	}
	if severityRank(severity) > severityRank(partition.Severity) {
		partition.Severity = severity
	}
	partition.ErrorMessages = append(partition.ErrorMessages, syncErr.Error())
	if len(partition.ErrorMessages) > maxStoredErrors {
		partition.ErrorMessages = partition.ErrorMessages[len(partition.ErrorMessages)-maxStoredErrors:]
	}

	if err := d.store.UpdatePartition(ctx, partition); err != nil {
		log.Warn().Err(err).Str("partition_id", partitionID).Msg("Failed to update partition")
	}
}

func (d *Detector) resolvePartition(ctx context.Context, partitionID, peerNodeID string) {
	partition, err := d.store.GetPartition(ctx, partitionID)
	if err != nil {
		log.Warn().Err(err).Str("partition_id", partitionID).Msg("Failed to load partition for resolution")
		return
	}
	if partition.IsResolved {
		return
	}

	partition.IsResolved = true
	resolvedAt := d.clock.Now()
	partition.ResolvedAt = &resolvedAt
	if err := d.store.UpdatePartition(ctx, partition); err != nil {
		log.Warn().Err(err).Str("partition_id", partitionID).Msg("Failed to persist partition resolution")
		return
	}

	metrics.ActivePartitions.Dec()
	log.Info().
		Str("partition_id", partitionID).
		Str("peer", peerNodeID).
		Msg("Partition resolved")
}

// severityLocked computes severity from the peer's streak and the mesh-wide
// failure spread. Callers hold d.mu.
func (d *Detector) severityLocked(state *peerFailureState, partitionType storage.PartitionType, now time.Time) storage.PartitionSeverity {
	if partitionType == storage.PartitionDataInconsistency {
		return storage.SeverityCritical
	}

	affected := 0
	for _, other := range d.tracked {
		if other.consecutive >= openThreshold {
			affected++
		}
	}
	meshSize := len(d.discovery.GetAllPeers())

	switch {
	case meshSize > 0 && affected*2 >= meshSize:
		return storage.SeverityCritical
	case affected >= 2:
		return storage.SeverityHigh
	case state.consecutive >= mediumFailures || now.Sub(state.firstFailureAt) >= mediumDuration:
		return storage.SeverityMedium
	default:
		return storage.SeverityLow
	}
}

// classify maps a sync error and streak length to a partition type.
func classify(syncErr error, consecutive int) storage.PartitionType {
	if consecutive >= unreachableThreshold {
		return storage.PartitionPeerUnreachable
	}
	if errors.Is(syncErr, transport.ErrUnreachable) || errors.Is(syncErr, transport.ErrTimeout) {
		return storage.PartitionNetworkDisconnection
	}
	return storage.PartitionSyncFailure
}

// escalatesType allows type transitions that add information and forbids
// downgrades back to a weaker classification.
func escalatesType(current, next storage.PartitionType) bool {
	if current == storage.PartitionDataInconsistency {
		return false
	}
	if next == storage.PartitionDataInconsistency || next == storage.PartitionPeerUnreachable {
		return true
	}
	return false
}

func severityRank(severity storage.PartitionSeverity) int {
	switch severity {
	case storage.SeverityLow:
		return 0
	case storage.SeverityMedium:
		return 1
	case storage.SeverityHigh:
		return 2
	case storage.SeverityCritical:
		return 3
	default:
		return 0
	}
}
