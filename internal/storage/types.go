package storage

import "time"

// EventType is the kind of local mutation a SyncEvent carries.
type EventType string

const (
	EventTypeCreate EventType = "CREATE"
	EventTypeUpdate EventType = "UPDATE"
	EventTypeDelete EventType = "DELETE"
)

// SyncEvent is one immutable replicated mutation. Hash is the content digest
// of the event fields and Signature is the origin node's signature over Hash.
type SyncEvent struct {
	ID         string
	NodeID     string
	EventType  EventType
	TableName  string
	RecordID   string
	Timestamp  time.Time
	Data       []byte
	Hash       string
	Signature  string
	RetryCount int
	Failed     bool
}

// AuthToken is issued by the security manager on successful authentication.
type AuthToken struct {
	TokenID   string
	NodeID    string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	IsValid   bool
}

// SecuritySession is a keyed channel between two authenticated nodes.
// EncryptionKey and SigningKey are independent of the registration key, so
// rotating the registration key never breaks an open session mid-transfer.
type SecuritySession struct {
	SessionID     string
	SourceNodeID  string
	TargetNodeID  string
	AuthToken     string
	EstablishedAt time.Time
	ExpiresAt     time.Time
	LastActivity  time.Time
	IsValid       bool
	EncryptionKey []byte
	SigningKey    []byte
}

// SyncSessionStatus is the terminal-once-ended state of a sync attempt.
type SyncSessionStatus string

const (
	SyncSessionRunning   SyncSessionStatus = "RUNNING"
	SyncSessionCompleted SyncSessionStatus = "COMPLETED"
	SyncSessionFailed    SyncSessionStatus = "FAILED"
	SyncSessionCancelled SyncSessionStatus = "CANCELLED"
)

// SyncSession records one sync attempt with a peer.
type SyncSession struct {
	SessionID         string
	SourceNodeID      string
	TargetNodeID      string
	Status            SyncSessionStatus
	StartedAt         time.Time
	EndedAt           *time.Time
	EventsTransferred int
	ParticipantNodes  []string
	ErrorMessage      string
}

// ConflictRecord is written whenever two events target the same
// (tableName, recordId) with divergent data.
type ConflictRecord struct {
	ConflictID         string
	ConflictType       string
	TableName          string
	RecordID           string
	ResolutionStrategy string
	AutoResolved       bool
	ResolvedBy         string
	WinnerEventID      string
	DetectedAt         time.Time
}

// PartitionType classifies a detected breakdown between nodes.
type PartitionType string

const (
	PartitionNetworkDisconnection PartitionType = "NETWORK_DISCONNECTION"
	PartitionSyncFailure          PartitionType = "SYNC_FAILURE"
	PartitionPeerUnreachable      PartitionType = "PEER_UNREACHABLE"
	PartitionDataInconsistency    PartitionType = "DATA_INCONSISTENCY"
)

// PartitionSeverity escalates with failure count and spread.
type PartitionSeverity string

const (
	SeverityLow      PartitionSeverity = "LOW"
	SeverityMedium   PartitionSeverity = "MEDIUM"
	SeverityHigh     PartitionSeverity = "HIGH"
	SeverityCritical PartitionSeverity = "CRITICAL"
)

// AffectedPeer identifies one peer caught in a partition.
type AffectedPeer struct {
	NodeID   string
	NodeName string
}

// PartitionInfo is created when failure thresholds are crossed and flips
// IsResolved once every affected peer syncs successfully again.
type PartitionInfo struct {
	PartitionID   string
	PartitionType PartitionType
	AffectedPeers []AffectedPeer
	DetectedAt    time.Time
	Severity      PartitionSeverity
	IsResolved    bool
	ResolvedAt    *time.Time
	FailureCount  int
	ErrorMessages []string
}

// RecoveryStatus is the lifecycle state of a recovery session.
type RecoveryStatus string

const (
	RecoveryRunning   RecoveryStatus = "RUNNING"
	RecoveryCompleted RecoveryStatus = "COMPLETED"
	RecoveryFailed    RecoveryStatus = "FAILED"
	RecoveryCancelled RecoveryStatus = "CANCELLED"
)

// RecoveryStrategy selects how a partition is healed.
type RecoveryStrategy string

const (
	// RecoveryAuto delegates to the sync engine's normal retry/backoff.
	RecoveryAuto RecoveryStrategy = "AUTO"
	// RecoveryForceResync ignores checkpoints and replays full history.
	RecoveryForceResync RecoveryStrategy = "FORCE_RESYNC"
)

// RecoverySession is a tracked, cancellable attempt to heal a partition.
// Progress is 0-100 and non-decreasing while the session is RUNNING.
type RecoverySession struct {
	SessionID    string
	PartitionID  string
	Strategy     RecoveryStrategy
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       RecoveryStatus
	Progress     int
	CurrentStep  string
	ErrorMessage string
}

// SecurityAudit is an append-only record of a security-relevant event.
type SecurityAudit struct {
	AuditID      string
	NodeID       string
	EventType    string
	Timestamp    time.Time
	SourceIP     string
	TargetNodeID string
	ErrorMessage string
	Metadata     map[string]string
}
