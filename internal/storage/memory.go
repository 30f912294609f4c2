package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs single-node
// development setups and the test suites.
type MemoryStore struct {
	mu sync.RWMutex

	events      map[string]*SyncEvent
	eventOrder  []string
	latestByKey map[string]*SyncEvent
	lastSync    map[string]time.Time

	syncSessions []*SyncSession

	authTokens       map[string]*AuthToken
	securitySessions map[string]*SecuritySession
	audits           []*SecurityAudit

	conflicts []*ConflictRecord

	partitions map[string]*PartitionInfo
	recoveries map[string]*RecoverySession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:           make(map[string]*SyncEvent),
		latestByKey:      make(map[string]*SyncEvent),
		lastSync:         make(map[string]time.Time),
		authTokens:       make(map[string]*AuthToken),
		securitySessions: make(map[string]*SecuritySession),
		partitions:       make(map[string]*PartitionInfo),
		recoveries:       make(map[string]*RecoverySession),
	}
}

func recordKey(tableName, recordID string) string {
	return tableName + "/" + recordID
}

// supersedes orders events the same way conflict resolution does: later
// timestamp wins, exact ties break on the higher node ID. Replication is
// therefore order-independent.
func supersedes(candidate, current *SyncEvent) bool {
	if candidate.Timestamp.After(current.Timestamp) {
		return true
	}
	if candidate.Timestamp.Equal(current.Timestamp) {
		return candidate.NodeID > current.NodeID
	}
	return false
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.ID]; ok {
		return nil // idempotent append
	}

	copied := *event
	s.events[event.ID] = &copied
	s.eventOrder = append(s.eventOrder, event.ID)

	key := recordKey(event.TableName, event.RecordID)
	if latest, ok := s.latestByKey[key]; !ok || supersedes(&copied, latest) {
		s.latestByKey[key] = &copied
	}

	return nil
}

func (s *MemoryStore) HasEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (*SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s *MemoryStore) LatestEventFor(_ context.Context, tableName, recordID string) (*SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.latestByKey[recordKey(tableName, recordID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s *MemoryStore) EventsSince(_ context.Context, since time.Time) ([]*SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SyncEvent, 0)
	for _, id := range s.eventOrder {
		event := s.events[id]
		if event.Timestamp.After(since) {
			copied := *event
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) IncrementEventRetry(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return 0, ErrNotFound
	}
	event.RetryCount++
	return event.RetryCount, nil
}

func (s *MemoryStore) MarkEventFailed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	event.Failed = true
	return nil
}

func (s *MemoryStore) GetLastSync(_ context.Context, peerNodeID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync[peerNodeID], nil
}

func (s *MemoryStore) SetLastSync(_ context.Context, peerNodeID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync[peerNodeID] = t
	return nil
}

func (s *MemoryStore) SaveSyncSession(_ context.Context, session *SyncSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.syncSessions = append(s.syncSessions, &copied)
	return nil
}

func (s *MemoryStore) UpdateSyncSession(_ context.Context, session *SyncSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.syncSessions {
		if existing.SessionID == session.SessionID {
			copied := *session
			s.syncSessions[i] = &copied
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListSyncSessions(_ context.Context, limit int) ([]*SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.syncSessions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*SyncSession, 0, n)
	// most recent first
	for i := len(s.syncSessions) - 1; i >= 0 && len(out) < n; i-- {
		copied := *s.syncSessions[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) SaveAuthToken(_ context.Context, token *AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.authTokens[token.TokenID] = &copied
	return nil
}

func (s *MemoryStore) GetAuthToken(_ context.Context, tokenID string) (*AuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.authTokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *token
	return &copied, nil
}

func (s *MemoryStore) InvalidateAuthToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.authTokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	token.IsValid = false
	return nil
}

func (s *MemoryStore) DeleteExpiredAuthTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, token := range s.authTokens {
		if now.After(token.ExpiresAt) {
			delete(s.authTokens, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveSecuritySession(_ context.Context, session *SecuritySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.securitySessions[session.SessionID] = &copied
	return nil
}

func (s *MemoryStore) GetSecuritySession(_ context.Context, sessionID string) (*SecuritySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.securitySessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) UpdateSecuritySession(_ context.Context, session *SecuritySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.securitySessions[session.SessionID]; !ok {
		return ErrNotFound
	}
	copied := *session
	s.securitySessions[session.SessionID] = &copied
	return nil
}

func (s *MemoryStore) ListSecuritySessions(_ context.Context) ([]*SecuritySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SecuritySession, 0, len(s.securitySessions))
	for _, session := range s.securitySessions {
		copied := *session
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpiredSecuritySessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.securitySessions {
		if now.After(session.ExpiresAt) {
			delete(s.securitySessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, audit *SecurityAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *audit
	s.audits = append(s.audits, &copied)
	return nil
}

func (s *MemoryStore) ListAudits(_ context.Context, limit int) ([]*SecurityAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.audits)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*SecurityAudit, 0, n)
	for i := len(s.audits) - 1; i >= 0 && len(out) < n; i-- {
		copied := *s.audits[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) SaveConflict(_ context.Context, record *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.conflicts = append(s.conflicts, &copied)
	return nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, limit int) ([]*ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.conflicts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*ConflictRecord, 0, n)
	for i := len(s.conflicts) - 1; i >= 0 && len(out) < n; i-- {
		copied := *s.conflicts[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) SavePartition(_ context.Context, partition *PartitionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *partition
	s.partitions[partition.PartitionID] = &copied
	return nil
}

func (s *MemoryStore) UpdatePartition(_ context.Context, partition *PartitionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition.PartitionID]; !ok {
		return ErrNotFound
	}
	copied := *partition
	s.partitions[partition.PartitionID] = &copied
	return nil
}

func (s *MemoryStore) GetPartition(_ context.Context, partitionID string) (*PartitionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partition, ok := s.partitions[partitionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *partition
	return &copied, nil
}

func (s *MemoryStore) ListPartitions(_ context.Context, includeResolved bool) ([]*PartitionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PartitionInfo, 0, len(s.partitions))
	for _, partition := range s.partitions {
		if !includeResolved && partition.IsResolved {
			continue
		}
		copied := *partition
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) SaveRecoverySession(_ context.Context, session *RecoverySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.recoveries[session.SessionID] = &copied
	return nil
}

func (s *MemoryStore) UpdateRecoverySession(_ context.Context, session *RecoverySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recoveries[session.SessionID]; !ok {
		return ErrNotFound
	}
	copied := *session
	s.recoveries[session.SessionID] = &copied
	return nil
}

func (s *MemoryStore) GetRecoverySession(_ context.Context, sessionID string) (*RecoverySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.recoveries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) ListRecoverySessions(_ context.Context) ([]*RecoverySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RecoverySession, 0, len(s.recoveries))
	for _, session := range s.recoveries {
		copied := *session
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
