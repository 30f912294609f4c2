package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/storage"
)

// Audit event types written by the manager.
const (
	AuditAuthSuccess        = "AUTH_SUCCESS"
	AuditAuthFailed         = "AUTH_FAILED"
	AuditAuthRateLimited    = "AUTH_RATE_LIMITED"
	AuditSessionEstablished = "SESSION_ESTABLISHED"
	AuditSessionRevoked     = "SESSION_REVOKED"
	AuditSessionExpired     = "SESSION_EXPIRED"
	AuditKeyRotated         = "KEY_ROTATED"
)

// Stats is a snapshot of security activity counters.
type Stats struct {
	TotalAuthentications      int `json:"totalAuthentications"`
	SuccessfulAuthentications int `json:"successfulAuthentications"`
	FailedAuthentications     int `json:"failedAuthentications"`
	RateLimitedAttempts       int `json:"rateLimitedAttempts"`
	ActiveSessions            int `json:"activeSessions"`
	ExpiredSessionsCleaned    int `json:"expiredSessionsCleaned"`
	TokensIssued              int `json:"tokensIssued"`
	TokensCleaned             int `json:"tokensCleaned"`
	KeyRotations              int `json:"keyRotations"`
	SecurityIncidents         int `json:"securityIncidents"`
}

// Manager issues and validates auth tokens and session keys, enforces rate
// limits and writes the security audit trail. All failures are reported as
// errors, never panics; a failed authentication cannot take the node down.
type Manager struct {
	nodeID string
	cfg    config.Security

	store storage.SecurityStore
	cache *storage.RedisStore // optional hot cache, may be nil
	clock time2.Clock

	tokens   *TokenManager
	requests *requestLimiter
	failures *failureTracker

	mu    sync.Mutex
	stats Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a security manager. cache may be nil when redis is not
// configured; the durable store is authoritative either way.
func NewManager(nodeID string, cfg config.Security, registrationKey string, store storage.SecurityStore, cache *storage.RedisStore, clock time2.Clock) *Manager {
	return &Manager{
		nodeID:   nodeID,
		cfg:      cfg,
		store:    store,
		cache:    cache,
		clock:    clock,
		tokens:   NewTokenManager(registrationKey, nodeID, cfg.TokenDuration),
		requests: newRequestLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		failures: newFailureTracker(cfg.MaxFailedAttempts, cfg.RateLimitWindow),
	}
}

// AuthenticatePeer validates the shared registration key for the peer and
// issues an auth token. Failed attempts count against the peer's failure
// budget; once exhausted, attempts fail fast with ErrRateLimited regardless
// of key correctness. An audit record is written either way.
func (m *Manager) AuthenticatePeer(ctx context.Context, nodeID, registrationKey, sourceIP string) (*storage.AuthToken, error) {
	now := m.clock.Now()

	m.mu.Lock()
	m.stats.TotalAuthentications++
	m.mu.Unlock()

	if !m.requests.Allow(nodeID) || m.failures.Exceeded(nodeID, now) {
		m.mu.Lock()
		m.stats.RateLimitedAttempts++
		m.stats.SecurityIncidents++
		m.mu.Unlock()

		m.audit(ctx, AuditAuthRateLimited, nodeID, sourceIP, ErrRateLimited.Error(), nil)
		return nil, ErrRateLimited
	}

	if subtle.ConstantTimeCompare([]byte(registrationKey), m.tokens.CurrentKey()) != 1 {
		m.failures.Record(nodeID, now)

		m.mu.Lock()
		m.stats.FailedAuthentications++
		m.mu.Unlock()

		m.audit(ctx, AuditAuthFailed, nodeID, sourceIP, ErrAuthenticationFailed.Error(), nil)
		return nil, ErrAuthenticationFailed
	}

	tokenID := "token-" + uuid.New().String()
	signed, expiresAt, err := m.tokens.Generate(nodeID, tokenID, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate auth token")
	}

	token := &storage.AuthToken{
		TokenID:   tokenID,
		NodeID:    nodeID,
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		IsValid:   true,
	}

	if err := m.store.SaveAuthToken(ctx, token); err != nil {
		return nil, errors.Wrap(err, "failed to save auth token")
	}

	m.failures.Reset(nodeID)

	m.mu.Lock()
	m.stats.SuccessfulAuthentications++
	m.stats.TokensIssued++
	m.mu.Unlock()

	m.audit(ctx, AuditAuthSuccess, nodeID, sourceIP, "", map[string]string{"token_id": token.TokenID})

	return token, nil
}

// EstablishSecureSession exchanges a currently-valid auth token for a keyed
// session. Session keys are independent of the registration key. The token
// is consumed on redemption; replaying it cannot open a second session.
func (m *Manager) EstablishSecureSession(ctx context.Context, nodeID, authToken string) (*storage.SecuritySession, error) {
	claims, err := m.tokens.Validate(authToken)
	if err != nil {
		m.audit(ctx, AuditAuthFailed, nodeID, "", "invalid auth token", nil)
		return nil, errors.Wrap(ErrAuthenticationFailed, err.Error())
	}
	if claims.NodeID != nodeID {
		m.audit(ctx, AuditAuthFailed, nodeID, "", "token node mismatch", nil)
		return nil, errors.Wrap(ErrAuthenticationFailed, "token was issued to a different node")
	}

	stored, err := m.store.GetAuthToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.audit(ctx, AuditAuthFailed, nodeID, "", "unknown auth token", nil)
			return nil, errors.Wrap(ErrAuthenticationFailed, "unknown auth token")
		}
		return nil, errors.Wrap(err, "failed to load auth token")
	}
	if !stored.IsValid {
		m.mu.Lock()
		m.stats.SecurityIncidents++
		m.mu.Unlock()

		m.audit(ctx, AuditAuthFailed, nodeID, "", "auth token already redeemed", map[string]string{"token_id": stored.TokenID})
		return nil, errors.Wrap(ErrAuthenticationFailed, "auth token already redeemed")
	}

	keys, err := NewSessionKeys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive session keys")
	}

	now := m.clock.Now()
	session := &storage.SecuritySession{
		SessionID:     "session-" + uuid.New().String(),
		SourceNodeID:  nodeID,
		TargetNodeID:  m.nodeID,
		AuthToken:     authToken,
		EstablishedAt: now,
		ExpiresAt:     now.Add(m.cfg.SessionTimeout),
		LastActivity:  now,
		IsValid:       true,
		EncryptionKey: keys.EncryptionKey,
		SigningKey:    keys.SigningKey,
	}

	if err := m.store.SaveSecuritySession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "failed to save security session")
	}
	m.cacheSession(ctx, session)

	if err := m.store.InvalidateAuthToken(ctx, stored.TokenID); err != nil {
		log.Warn().Err(err).Str("token_id", stored.TokenID).Msg("Failed to consume auth token")
	}

	m.audit(ctx, AuditSessionEstablished, nodeID, "", "", map[string]string{"session_id": session.SessionID, "token_id": stored.TokenID})

	log.Debug().
		Str("session_id", session.SessionID).
		Str("source_node_id", nodeID).
		Time("expires_at", session.ExpiresAt).
		Msg("Secure session established")

	return session, nil
}

// ValidateSession checks validity and hard expiry, refreshing LastActivity on
// success. ExpiresAt is never extended: traffic alone cannot keep a session
// alive.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (*storage.SecuritySession, error) {
	session, err := m.getSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, errors.Wrap(err, "failed to load session")
	}

	if !session.IsValid {
		return nil, ErrSessionInvalid
	}

	now := m.clock.Now()
	if now.After(session.ExpiresAt) {
		session.IsValid = false
		if err := m.store.UpdateSecuritySession(ctx, session); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist session expiry")
		}
		m.dropCachedSession(ctx, sessionID)
		m.audit(ctx, AuditSessionExpired, session.SourceNodeID, "", "", map[string]string{"session_id": sessionID})
		return nil, ErrSessionExpired
	}

	session.LastActivity = now
	if err := m.store.UpdateSecuritySession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "failed to refresh session activity")
	}
	m.cacheSession(ctx, session)

	return session, nil
}

// EncryptData encrypts and signs data under the session's keys.
func (m *Manager) EncryptData(ctx context.Context, sessionID string, data []byte) (*Envelope, error) {
	session, err := m.ValidateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return EncryptPayload(&SessionKeys{EncryptionKey: session.EncryptionKey, SigningKey: session.SigningKey}, data)
}

// DecryptData verifies and decrypts an envelope. It fails closed: a bad
// signature or an invalid/expired session returns an error, never partial
// data.
func (m *Manager) DecryptData(ctx context.Context, sessionID string, envelope *Envelope) ([]byte, error) {
	session, err := m.ValidateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := DecryptPayload(&SessionKeys{EncryptionKey: session.EncryptionKey, SigningKey: session.SigningKey}, envelope)
	if err != nil {
		m.mu.Lock()
		m.stats.SecurityIncidents++
		m.mu.Unlock()
		return nil, err
	}
	return data, nil
}

// RotateRegistrationKey swaps in a fresh registration key. Tokens issued
// under the prior key stop validating immediately; open security sessions
// carry their own keys and stay usable until their own expiry.
func (m *Manager) RotateRegistrationKey(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate registration key")
	}
	newKey := hex.EncodeToString(buf)
	m.tokens.Rotate(newKey)

	m.mu.Lock()
	m.stats.KeyRotations++
	m.mu.Unlock()

	m.audit(ctx, AuditKeyRotated, m.nodeID, "", "", nil)
	log.Info().Str("node_id", m.nodeID).Msg("Registration key rotated")

	return newKey, nil
}

// RevokeSession invalidates a session immediately.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	session, err := m.getSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionInvalid
		}
		return errors.Wrap(err, "failed to load session")
	}

	session.IsValid = false
	if err := m.store.UpdateSecuritySession(ctx, session); err != nil {
		return errors.Wrap(err, "failed to revoke session")
	}
	m.dropCachedSession(ctx, sessionID)

	m.audit(ctx, AuditSessionRevoked, session.SourceNodeID, "", "", map[string]string{"session_id": sessionID})
	return nil
}

// GetActiveSessions returns sessions that are valid and not past expiry.
func (m *Manager) GetActiveSessions(ctx context.Context) ([]*storage.SecuritySession, error) {
	sessions, err := m.store.ListSecuritySessions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	now := m.clock.Now()
	active := make([]*storage.SecuritySession, 0, len(sessions))
	for _, session := range sessions {
		if session.IsValid && now.Before(session.ExpiresAt) {
			active = append(active, session)
		}
	}
	return active, nil
}

// CleanupExpiredTokens sweeps tokens and sessions past their expiry. It is
// best-effort and idempotent; a partial failure leaves the next sweep to
// finish the job.
func (m *Manager) CleanupExpiredTokens(ctx context.Context) {
	now := m.clock.Now()

	tokens, err := m.store.DeleteExpiredAuthTokens(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to sweep expired auth tokens")
	}

	sessions, err := m.store.DeleteExpiredSecuritySessions(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to sweep expired security sessions")
	}

	if tokens > 0 || sessions > 0 {
		m.mu.Lock()
		m.stats.TokensCleaned += tokens
		m.stats.ExpiredSessionsCleaned += sessions
		m.mu.Unlock()

		log.Debug().
			Int("tokens_removed", tokens).
			Int("sessions_removed", sessions).
			Msg("Expired credentials swept")
	}
}

// GetAuditLogs returns the most recent audit records.
func (m *Manager) GetAuditLogs(ctx context.Context, limit int) ([]*storage.SecurityAudit, error) {
	return m.store.ListAudits(ctx, limit)
}

// GetSecurityStats returns a snapshot of the activity counters.
func (m *Manager) GetSecurityStats(ctx context.Context) (Stats, error) {
	active, err := m.GetActiveSessions(ctx)
	if err != nil {
		return Stats{}, err
	}

	m.mu.Lock()
	snapshot := m.stats
	m.mu.Unlock()
	snapshot.ActiveSessions = len(active)
	return snapshot, nil
}

// Start launches the background cleanup sweep and, when enabled, periodic
// key rotation.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		cleanup := time.NewTicker(m.cfg.CleanupInterval)
		defer cleanup.Stop()

		var rotation <-chan time.Time
		if m.cfg.KeyRotationEnabled {
			ticker := time.NewTicker(m.cfg.KeyRotationInterval)
			defer ticker.Stop()
			rotation = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanup.C:
				m.CleanupExpiredTokens(ctx)
			case <-rotation:
				if _, err := m.RotateRegistrationKey(ctx); err != nil {
					log.Error().Err(err).Msg("Scheduled key rotation failed")
				}
			}
		}
	}()
}

// Stop halts the background sweeps.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Manager) getSession(ctx context.Context, sessionID string) (*storage.SecuritySession, error) {
	if m.cache != nil {
		if session, err := m.cache.GetSession(ctx, sessionID); err == nil {
			return session, nil
		}
	}
	return m.store.GetSecuritySession(ctx, sessionID)
}

func (m *Manager) cacheSession(ctx context.Context, session *storage.SecuritySession) {
	if m.cache == nil {
		return
	}
	ttl := session.ExpiresAt.Sub(m.clock.Now())
	if ttl <= 0 {
		return
	}
	if err := m.cache.SaveSession(ctx, session, ttl); err != nil {
		log.Warn().Err(err).Str("session_id", session.SessionID).Msg("Failed to cache session")
	}
}

func (m *Manager) dropCachedSession(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.DeleteSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to drop cached session")
	}
}

func (m *Manager) audit(ctx context.Context, eventType, nodeID, sourceIP, errorMessage string, metadata map[string]string) {
	record := &storage.SecurityAudit{
		AuditID:      "audit-" + uuid.New().String(),
		NodeID:       nodeID,
		EventType:    eventType,
		Timestamp:    m.clock.Now(),
		SourceIP:     sourceIP,
		TargetNodeID: m.nodeID,
		ErrorMessage: errorMessage,
		Metadata:     metadata,
	}
	if err := m.store.AppendAudit(ctx, record); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to write security audit record")
	}
}
