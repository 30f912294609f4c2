package conflict

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/storage"
)

// StrategyTimestampWins is the default (and currently only) strategy: the
// later event wins whole-record; exact timestamp ties break deterministically
// on node ID so every node converges without coordination.
const StrategyTimestampWins = "timestamp_wins"

// ErrResolutionFailed means the conflict could not be resolved automatically.
// The conflicting pair is queued for manual review; data is never dropped.
var ErrResolutionFailed = errors.New("conflict resolution failed")

// Resolution is the outcome of resolving one conflicting event pair.
type Resolution struct {
	Strategy   string
	Winner     *storage.SyncEvent
	MergedData []byte
}

// PendingConflict is a conflicting pair awaiting manual review.
type PendingConflict struct {
	Local  *storage.SyncEvent
	Remote *storage.SyncEvent
	Reason string
}

// Stats is a snapshot of resolver activity.
type Stats struct {
	TotalConflicts    int `json:"totalConflicts"`
	ResolvedConflicts int `json:"resolvedConflicts"`
	PendingConflicts  int `json:"pendingConflicts"`
}

// Resolver decides the winning value when two nodes mutate the same record.
type Resolver struct {
	nodeID string
	store  storage.ConflictStore

	mu      sync.Mutex
	stats   Stats
	pending []PendingConflict
}

// NewResolver creates a resolver writing resolution records through store.
func NewResolver(nodeID string, store storage.ConflictStore) *Resolver {
	return &Resolver{nodeID: nodeID, store: store}
}

// ResolveConflict picks the winner between two events targeting the same
// (tableName, recordId). MergedData is the winner's data: field-level merges
// are not configured, whole-record overwrite applies.
func (r *Resolver) ResolveConflict(ctx context.Context, local, remote *storage.SyncEvent) (*Resolution, error) {
	r.mu.Lock()
	r.stats.TotalConflicts++
	r.mu.Unlock()

	if reason := malformed(local, remote); reason != "" {
		r.mu.Lock()
		r.pending = append(r.pending, PendingConflict{Local: local, Remote: remote, Reason: reason})
		r.stats.PendingConflicts++
		r.mu.Unlock()

		log.Warn().Str("reason", reason).Msg("Conflict queued for manual review")
		return nil, errors.Wrap(ErrResolutionFailed, reason)
	}

	winner := pickWinner(local, remote)

	record := &storage.ConflictRecord{
		ConflictID:         "conflict-" + uuid.New().String(),
		ConflictType:       string(local.EventType) + "/" + string(remote.EventType),
		TableName:          local.TableName,
		RecordID:           local.RecordID,
		ResolutionStrategy: StrategyTimestampWins,
		AutoResolved:       true,
		ResolvedBy:         r.nodeID,
		WinnerEventID:      winner.ID,
		DetectedAt:         winner.Timestamp,
	}
	if err := r.store.SaveConflict(ctx, record); err != nil {
		log.Warn().Err(err).Str("conflict_id", record.ConflictID).Msg("Failed to persist conflict record")
	}

	r.mu.Lock()
	r.stats.ResolvedConflicts++
	r.mu.Unlock()

	log.Debug().
		Str("table", local.TableName).
		Str("record_id", local.RecordID).
		Str("winner_event_id", winner.ID).
		Str("winner_node_id", winner.NodeID).
		Msg("Conflict resolved")

	return &Resolution{
		Strategy:   StrategyTimestampWins,
		Winner:     winner,
		MergedData: winner.Data,
	}, nil
}

// GetConflictStats returns a snapshot of resolver counters.
func (r *Resolver) GetConflictStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// PendingConflicts returns the pairs queued for manual review.
func (r *Resolver) PendingConflicts() []PendingConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingConflict, len(r.pending))
	copy(out, r.pending)
	return out
}

// pickWinner implements timestamp_wins with the node-ID tiebreak. The result
// is a pure function of its inputs: same inputs, same winner, on every node.
func pickWinner(local, remote *storage.SyncEvent) *storage.SyncEvent {
	switch {
	case remote.Timestamp.After(local.Timestamp):
		return remote
	case local.Timestamp.After(remote.Timestamp):
		return local
	case remote.NodeID > local.NodeID:
		return remote
	default:
		return local
	}
}

func malformed(local, remote *storage.SyncEvent) string {
	switch {
	case local == nil || remote == nil:
		return "missing event"
	case local.ID == "" || remote.ID == "":
		return "event missing id"
	case local.Timestamp.IsZero() || remote.Timestamp.IsZero():
		return "event timestamp not comparable"
	case local.TableName != remote.TableName || local.RecordID != remote.RecordID:
		return "events target different records"
	default:
		return ""
	}
}
