package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed store on an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_events (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		data BYTEA,
		hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_events_record ON sync_events (table_name, record_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_events_ts ON sync_events (ts)`,
	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		peer_node_id TEXT PRIMARY KEY,
		last_sync TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_sessions (
		session_id TEXT PRIMARY KEY,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		events_transferred INT NOT NULL DEFAULT 0,
		participant_nodes TEXT[],
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		token_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		token TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		is_valid BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS security_sessions (
		session_id TEXT PRIMARY KEY,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		auth_token TEXT NOT NULL,
		established_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL,
		is_valid BOOLEAN NOT NULL DEFAULT TRUE,
		encryption_key BYTEA,
		signing_key BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS security_audits (
		audit_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		source_ip TEXT NOT NULL DEFAULT '',
		target_node_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS conflict_records (
		conflict_id TEXT PRIMARY KEY,
		conflict_type TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		resolution_strategy TEXT NOT NULL,
		auto_resolved BOOLEAN NOT NULL,
		resolved_by TEXT NOT NULL,
		winner_event_id TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS partitions (
		partition_id TEXT PRIMARY KEY,
		partition_type TEXT NOT NULL,
		affected_peers JSONB NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		severity TEXT NOT NULL,
		is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at TIMESTAMPTZ,
		failure_count INT NOT NULL DEFAULT 0,
		error_messages TEXT[]
	)`,
	`CREATE TABLE IF NOT EXISTS recovery_sessions (
		session_id TEXT PRIMARY KEY,
		partition_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		progress INT NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	)`,
}

// Migrate creates the schema when missing. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to run migration")
		}
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *SyncEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_events (id, node_id, event_type, table_name, record_id, ts, data, hash, signature, retry_count, failed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.NodeID, string(event.EventType), event.TableName, event.RecordID,
		event.Timestamp, event.Data, event.Hash, event.Signature, event.RetryCount, event.Failed)
	return errors.Wrap(err, "failed to append event")
}

func (s *PostgresStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_events WHERE id = $1)`, eventID).Scan(&exists)
	return exists, errors.Wrap(err, "failed to check event")
}

func (s *PostgresStore) scanEvent(row interface{ Scan(...interface{}) error }) (*SyncEvent, error) {
	var event SyncEvent
	var eventType string
	err := row.Scan(&event.ID, &event.NodeID, &eventType, &event.TableName, &event.RecordID,
		&event.Timestamp, &event.Data, &event.Hash, &event.Signature, &event.RetryCount, &event.Failed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to scan event")
	}
	event.EventType = EventType(eventType)
	return &event, nil
}

const eventColumns = `id, node_id, event_type, table_name, record_id, ts, data, hash, signature, retry_count, failed`

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*SyncEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events WHERE id = $1`, eventID)
	return s.scanEvent(row)
}

func (s *PostgresStore) LatestEventFor(ctx context.Context, tableName, recordID string) (*SyncEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE table_name = $1 AND record_id = $2
		 ORDER BY ts DESC, node_id DESC LIMIT 1`, tableName, recordID)
	return s.scanEvent(row)
}

func (s *PostgresStore) EventsSince(ctx context.Context, since time.Time) ([]*SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events WHERE ts > $1 ORDER BY ts ASC`, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	var out []*SyncEvent
	for rows.Next() {
		event, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate events")
}

func (s *PostgresStore) IncrementEventRetry(ctx context.Context, eventID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sync_events SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`,
		eventID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, errors.Wrap(err, "failed to increment retry count")
}

func (s *PostgresStore) MarkEventFailed(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_events SET failed = TRUE WHERE id = $1`, eventID)
	if err != nil {
		return errors.Wrap(err, "failed to mark event failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLastSync(ctx context.Context, peerNodeID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync FROM sync_checkpoints WHERE peer_node_id = $1`, peerNodeID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil // never synced
	}
	return t, errors.Wrap(err, "failed to get checkpoint")
}

func (s *PostgresStore) SetLastSync(ctx context.Context, peerNodeID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_checkpoints (peer_node_id, last_sync) VALUES ($1, $2)
		 ON CONFLICT (peer_node_id) DO UPDATE SET last_sync = EXCLUDED.last_sync`,
		peerNodeID, t)
	return errors.Wrap(err, "failed to set checkpoint")
}

func (s *PostgresStore) SaveSyncSession(ctx context.Context, session *SyncSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (session_id, source_node_id, target_node_id, status, started_at, ended_at, events_transferred, participant_nodes, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		session.SessionID, session.SourceNodeID, session.TargetNodeID, string(session.Status),
		session.StartedAt, session.EndedAt, session.EventsTransferred,
		pq.Array(session.ParticipantNodes), session.ErrorMessage)
	return errors.Wrap(err, "failed to save sync session")
}

func (s *PostgresStore) UpdateSyncSession(ctx context.Context, session *SyncSession) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_sessions SET status = $2, ended_at = $3, events_transferred = $4, error_message = $5
		 WHERE session_id = $1`,
		session.SessionID, string(session.Status), session.EndedAt,
		session.EventsTransferred, session.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, "failed to update sync session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSyncSessions(ctx context.Context, limit int) ([]*SyncSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, source_node_id, target_node_id, status, started_at, ended_at, events_transferred, participant_nodes, error_message
		 FROM sync_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sync sessions")
	}
	defer rows.Close()

	var out []*SyncSession
	for rows.Next() {
		var session SyncSession
		var status string
		var participants pq.StringArray
		if err := rows.Scan(&session.SessionID, &session.SourceNodeID, &session.TargetNodeID, &status,
			&session.StartedAt, &session.EndedAt, &session.EventsTransferred, &participants, &session.ErrorMessage); err != nil {
			return nil, errors.Wrap(err, "failed to scan sync session")
		}
		session.Status = SyncSessionStatus(status)
		session.ParticipantNodes = participants
		out = append(out, &session)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate sync sessions")
}

func (s *PostgresStore) SaveAuthToken(ctx context.Context, token *AuthToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token_id, node_id, token, issued_at, expires_at, is_valid)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		token.TokenID, token.NodeID, token.Token, token.IssuedAt, token.ExpiresAt, token.IsValid)
	return errors.Wrap(err, "failed to save auth token")
}

func (s *PostgresStore) GetAuthToken(ctx context.Context, tokenID string) (*AuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_id, node_id, token, issued_at, expires_at, is_valid
		 FROM auth_tokens WHERE token_id = $1`, tokenID)

	var token AuthToken
	err := row.Scan(&token.TokenID, &token.NodeID, &token.Token, &token.IssuedAt, &token.ExpiresAt, &token.IsValid)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get auth token")
	}
	return &token, nil
}

func (s *PostgresStore) InvalidateAuthToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET is_valid = FALSE WHERE token_id = $1`, tokenID)
	if err != nil {
		return errors.Wrap(err, "failed to invalidate auth token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired auth tokens")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) SaveSecuritySession(ctx context.Context, session *SecuritySession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_sessions (session_id, source_node_id, target_node_id, auth_token, established_at, expires_at, last_activity, is_valid, encryption_key, signing_key)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		session.SessionID, session.SourceNodeID, session.TargetNodeID, session.AuthToken,
		session.EstablishedAt, session.ExpiresAt, session.LastActivity, session.IsValid,
		session.EncryptionKey, session.SigningKey)
	return errors.Wrap(err, "failed to save security session")
}

func (s *PostgresStore) GetSecuritySession(ctx context.Context, sessionID string) (*SecuritySession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, source_node_id, target_node_id, auth_token, established_at, expires_at, last_activity, is_valid, encryption_key, signing_key
		 FROM security_sessions WHERE session_id = $1`, sessionID)

	var session SecuritySession
	err := row.Scan(&session.SessionID, &session.SourceNodeID, &session.TargetNodeID, &session.AuthToken,
		&session.EstablishedAt, &session.ExpiresAt, &session.LastActivity, &session.IsValid,
		&session.EncryptionKey, &session.SigningKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get security session")
	}
	return &session, nil
}

func (s *PostgresStore) UpdateSecuritySession(ctx context.Context, session *SecuritySession) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_sessions SET last_activity = $2, is_valid = $3 WHERE session_id = $1`,
		session.SessionID, session.LastActivity, session.IsValid)
	if err != nil {
		return errors.Wrap(err, "failed to update security session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSecuritySessions(ctx context.Context) ([]*SecuritySession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, source_node_id, target_node_id, auth_token, established_at, expires_at, last_activity, is_valid, encryption_key, signing_key
		 FROM security_sessions`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query security sessions")
	}
	defer rows.Close()

	var out []*SecuritySession
	for rows.Next() {
		var session SecuritySession
		if err := rows.Scan(&session.SessionID, &session.SourceNodeID, &session.TargetNodeID, &session.AuthToken,
			&session.EstablishedAt, &session.ExpiresAt, &session.LastActivity, &session.IsValid,
			&session.EncryptionKey, &session.SigningKey); err != nil {
			return nil, errors.Wrap(err, "failed to scan security session")
		}
		out = append(out, &session)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate security sessions")
}

func (s *PostgresStore) DeleteExpiredSecuritySessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired security sessions")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, audit *SecurityAudit) error {
	metadata, err := json.Marshal(audit.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_audits (audit_id, node_id, event_type, ts, source_ip, target_node_id, error_message, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		audit.AuditID, audit.NodeID, audit.EventType, audit.Timestamp,
		audit.SourceIP, audit.TargetNodeID, audit.ErrorMessage, metadata)
	return errors.Wrap(err, "failed to append audit")
}

func (s *PostgresStore) ListAudits(ctx context.Context, limit int) ([]*SecurityAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT audit_id, node_id, event_type, ts, source_ip, target_node_id, error_message, metadata
		 FROM security_audits ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audits")
	}
	defer rows.Close()

	var out []*SecurityAudit
	for rows.Next() {
		var audit SecurityAudit
		var metadata []byte
		if err := rows.Scan(&audit.AuditID, &audit.NodeID, &audit.EventType, &audit.Timestamp,
			&audit.SourceIP, &audit.TargetNodeID, &audit.ErrorMessage, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit")
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &audit.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal audit metadata")
			}
		}
		out = append(out, &audit)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate audits")
}

func (s *PostgresStore) SaveConflict(ctx context.Context, record *ConflictRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_records (conflict_id, conflict_type, table_name, record_id, resolution_strategy, auto_resolved, resolved_by, winner_event_id, detected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		record.ConflictID, record.ConflictType, record.TableName, record.RecordID,
		record.ResolutionStrategy, record.AutoResolved, record.ResolvedBy,
		record.WinnerEventID, record.DetectedAt)
	return errors.Wrap(err, "failed to save conflict record")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, limit int) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conflict_id, conflict_type, table_name, record_id, resolution_strategy, auto_resolved, resolved_by, winner_event_id, detected_at
		 FROM conflict_records ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query conflicts")
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		var record ConflictRecord
		if err := rows.Scan(&record.ConflictID, &record.ConflictType, &record.TableName, &record.RecordID,
			&record.ResolutionStrategy, &record.AutoResolved, &record.ResolvedBy,
			&record.WinnerEventID, &record.DetectedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan conflict record")
		}
		out = append(out, &record)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate conflicts")
}

func (s *PostgresStore) SavePartition(ctx context.Context, partition *PartitionInfo) error {
	peers, err := json.Marshal(partition.AffectedPeers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal affected peers")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO partitions (partition_id, partition_type, affected_peers, detected_at, severity, is_resolved, resolved_at, failure_count, error_messages)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		partition.PartitionID, string(partition.PartitionType), peers, partition.DetectedAt,
		string(partition.Severity), partition.IsResolved, partition.ResolvedAt,
		partition.FailureCount, pq.Array(partition.ErrorMessages))
	return errors.Wrap(err, "failed to save partition")
}

func (s *PostgresStore) UpdatePartition(ctx context.Context, partition *PartitionInfo) error {
	peers, err := json.Marshal(partition.AffectedPeers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal affected peers")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE partitions SET affected_peers = $2, severity = $3, is_resolved = $4, resolved_at = $5, failure_count = $6, error_messages = $7
		 WHERE partition_id = $1`,
		partition.PartitionID, peers, string(partition.Severity), partition.IsResolved,
		partition.ResolvedAt, partition.FailureCount, pq.Array(partition.ErrorMessages))
	if err != nil {
		return errors.Wrap(err, "failed to update partition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanPartition(row interface{ Scan(...interface{}) error }) (*PartitionInfo, error) {
	var partition PartitionInfo
	var partitionType, severity string
	var peers []byte
	var messages pq.StringArray
	err := row.Scan(&partition.PartitionID, &partitionType, &peers, &partition.DetectedAt,
		&severity, &partition.IsResolved, &partition.ResolvedAt, &partition.FailureCount, &messages)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to scan partition")
	}
	partition.PartitionType = PartitionType(partitionType)
	partition.Severity = PartitionSeverity(severity)
	partition.ErrorMessages = messages
	if err := json.Unmarshal(peers, &partition.AffectedPeers); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal affected peers")
	}
	return &partition, nil
}

const partitionColumns = `partition_id, partition_type, affected_peers, detected_at, severity, is_resolved, resolved_at, failure_count, error_messages`

func (s *PostgresStore) GetPartition(ctx context.Context, partitionID string) (*PartitionInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+partitionColumns+` FROM partitions WHERE partition_id = $1`, partitionID)
	return s.scanPartition(row)
}

func (s *PostgresStore) ListPartitions(ctx context.Context, includeResolved bool) ([]*PartitionInfo, error) {
	query := `SELECT ` + partitionColumns + ` FROM partitions`
	if !includeResolved {
		query += ` WHERE is_resolved = FALSE`
	}
	query += ` ORDER BY detected_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query partitions")
	}
	defer rows.Close()

	var out []*PartitionInfo
	for rows.Next() {
		partition, err := s.scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, partition)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate partitions")
}

func (s *PostgresStore) SaveRecoverySession(ctx context.Context, session *RecoverySession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_sessions (session_id, partition_id, strategy, started_at, ended_at, status, progress, current_step, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		session.SessionID, session.PartitionID, string(session.Strategy), session.StartedAt,
		session.EndedAt, string(session.Status), session.Progress, session.CurrentStep, session.ErrorMessage)
	return errors.Wrap(err, "failed to save recovery session")
}

func (s *PostgresStore) UpdateRecoverySession(ctx context.Context, session *RecoverySession) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recovery_sessions SET ended_at = $2, status = $3, progress = $4, current_step = $5, error_message = $6
		 WHERE session_id = $1`,
		session.SessionID, session.EndedAt, string(session.Status), session.Progress,
		session.CurrentStep, session.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, "failed to update recovery session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanRecovery(row interface{ Scan(...interface{}) error }) (*RecoverySession, error) {
	var session RecoverySession
	var strategy, status string
	err := row.Scan(&session.SessionID, &session.PartitionID, &strategy, &session.StartedAt,
		&session.EndedAt, &status, &session.Progress, &session.CurrentStep, &session.ErrorMessage)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to scan recovery session")
	}
	session.Strategy = RecoveryStrategy(strategy)
	session.Status = RecoveryStatus(status)
	return &session, nil
}

const recoveryColumns = `session_id, partition_id, strategy, started_at, ended_at, status, progress, current_step, error_message`

func (s *PostgresStore) GetRecoverySession(ctx context.Context, sessionID string) (*RecoverySession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_sessions WHERE session_id = $1`, sessionID)
	return s.scanRecovery(row)
}

func (s *PostgresStore) ListRecoverySessions(ctx context.Context) ([]*RecoverySession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_sessions ORDER BY started_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recovery sessions")
	}
	defer rows.Close()

	var out []*RecoverySession
	for rows.Next() {
		session, err := s.scanRecovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate recovery sessions")
}
