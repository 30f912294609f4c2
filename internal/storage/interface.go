package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("record not found")
)

// EventStore persists the replicated event log plus per-peer sync
// checkpoints. Append is idempotent on event ID.
type EventStore interface {
	AppendEvent(ctx context.Context, event *SyncEvent) error
	HasEvent(ctx context.Context, eventID string) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*SyncEvent, error)
	// LatestEventFor returns the most recent event applied for the record,
	// or ErrNotFound when the record has never been touched.
	LatestEventFor(ctx context.Context, tableName, recordID string) (*SyncEvent, error)
	// EventsSince returns events with timestamp strictly greater than since,
	// ordered by timestamp ascending.
	EventsSince(ctx context.Context, since time.Time) ([]*SyncEvent, error)
	IncrementEventRetry(ctx context.Context, eventID string) (int, error)
	MarkEventFailed(ctx context.Context, eventID string) error

	GetLastSync(ctx context.Context, peerNodeID string) (time.Time, error)
	SetLastSync(ctx context.Context, peerNodeID string, t time.Time) error
}

// SyncSessionStore persists per-attempt sync session records.
type SyncSessionStore interface {
	SaveSyncSession(ctx context.Context, session *SyncSession) error
	UpdateSyncSession(ctx context.Context, session *SyncSession) error
	ListSyncSessions(ctx context.Context, limit int) ([]*SyncSession, error)
}

// SecurityStore persists auth tokens, security sessions and the audit log.
type SecurityStore interface {
	SaveAuthToken(ctx context.Context, token *AuthToken) error
	GetAuthToken(ctx context.Context, tokenID string) (*AuthToken, error)
	InvalidateAuthToken(ctx context.Context, tokenID string) error
	DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int, error)

	SaveSecuritySession(ctx context.Context, session *SecuritySession) error
	GetSecuritySession(ctx context.Context, sessionID string) (*SecuritySession, error)
	UpdateSecuritySession(ctx context.Context, session *SecuritySession) error
	ListSecuritySessions(ctx context.Context) ([]*SecuritySession, error)
	DeleteExpiredSecuritySessions(ctx context.Context, now time.Time) (int, error)

	AppendAudit(ctx context.Context, audit *SecurityAudit) error
	ListAudits(ctx context.Context, limit int) ([]*SecurityAudit, error)
}

// ConflictStore persists resolution records.
type ConflictStore interface {
	SaveConflict(ctx context.Context, record *ConflictRecord) error
	ListConflicts(ctx context.Context, limit int) ([]*ConflictRecord, error)
}

// PartitionStore persists detected partitions and recovery sessions.
type PartitionStore interface {
	SavePartition(ctx context.Context, partition *PartitionInfo) error
	UpdatePartition(ctx context.Context, partition *PartitionInfo) error
	GetPartition(ctx context.Context, partitionID string) (*PartitionInfo, error)
	ListPartitions(ctx context.Context, includeResolved bool) ([]*PartitionInfo, error)

	SaveRecoverySession(ctx context.Context, session *RecoverySession) error
	UpdateRecoverySession(ctx context.Context, session *RecoverySession) error
	GetRecoverySession(ctx context.Context, sessionID string) (*RecoverySession, error)
	ListRecoverySessions(ctx context.Context) ([]*RecoverySession, error)
}

// Store is the full persistence contract the sync core depends on. The core
// never assumes a specific engine; memory, redis-backed and postgres
// implementations all satisfy it.
type Store interface {
	EventStore
	SyncSessionStore
	SecurityStore
	ConflictStore
	PartitionStore
}
