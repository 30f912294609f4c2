package security

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/storage"
)

const testRegistrationKey = "0123456789abcdef0123456789abcdef"

func testSecurityConfig() config.Security {
	return config.Security{
		SessionTimeout:       30 * time.Minute,
		TokenDuration:        time.Hour,
		MaxFailedAttempts:    3,
		RateLimitWindow:      15 * time.Minute,
		RateLimitMaxRequests: 100,
		EnableEncryption:     true,
		EnableSignatures:     true,
		CleanupInterval:      5 * time.Minute,
	}
}

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore, *time2.MockClock) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Now())
	manager := NewManager("node-local", testSecurityConfig(), testRegistrationKey, store, nil, clock)
	return manager, store, clock
}

func TestAuthenticatePeerSuccess(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "node-remote", token.NodeID)
	assert.NotEmpty(t, token.Token)
	assert.True(t, token.IsValid)

	audits, err := manager.GetAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	assert.Equal(t, AuditAuthSuccess, audits[0].EventType)
	assert.Equal(t, "10.0.0.2", audits[0].SourceIP)
}

func TestAuthenticatePeerWrongKey(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", "wrong-key", "10.0.0.2")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Nil(t, token)

	audits, err := manager.GetAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	assert.Equal(t, AuditAuthFailed, audits[0].EventType)
}

func TestAuthenticatePeerFailsFastOnceBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := manager.AuthenticatePeer(ctx, "node-remote", "wrong-key", "")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	}

	// the correct key is irrelevant once the failure budget is spent
	_, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	assert.ErrorIs(t, err, ErrRateLimited)

	// other peers are not affected
	_, err = manager.AuthenticatePeer(ctx, "node-other", testRegistrationKey, "")
	assert.NoError(t, err)
}

func TestFailureBudgetResetsOnSuccess(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	for i := 0; i < 2; i++ {
		_, err := manager.AuthenticatePeer(ctx, "node-remote", "wrong-key", "")
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}
	_, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)

	// budget is whole again
	for i := 0; i < 2; i++ {
		_, err := manager.AuthenticatePeer(ctx, "node-remote", "wrong-key", "")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	}
}

func TestEstablishSecureSession(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)

	session, err := manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)
	assert.Len(t, session.EncryptionKey, 32)
	assert.Len(t, session.SigningKey, 32)
	assert.Equal(t, "node-remote", session.SourceNodeID)
	assert.Equal(t, "node-local", session.TargetNodeID)

	// the token binds to its node
	_, err = manager.EstablishSecureSession(ctx, "node-impostor", token.Token)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	manager, store, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)

	_, err = manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	// redemption consumes the stored token
	stored, err := store.GetAuthToken(ctx, token.TokenID)
	require.NoError(t, err)
	assert.False(t, stored.IsValid)

	// replaying it cannot open a second session
	_, err = manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	stats, err := manager.GetSecurityStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SecurityIncidents)

	audits, err := manager.GetAuditLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, AuditAuthFailed, audits[0].EventType)
	assert.Contains(t, audits[0].ErrorMessage, "redeemed")
}

func TestSessionHardExpiry(t *testing.T) {
	ctx := context.Background()
	manager, _, clock := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)
	session, err := manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	// activity never extends the expiry deadline
	clock.Advance(20 * time.Minute)
	_, err = manager.ValidateSession(ctx, session.SessionID)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = manager.ValidateSession(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// expiry is terminal
	clock.Advance(-15 * time.Minute)
	_, err = manager.ValidateSession(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestEncryptDecryptThroughSession(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)
	session, err := manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	envelope, err := manager.EncryptData(ctx, session.SessionID, []byte("payload"))
	require.NoError(t, err)

	data, err := manager.DecryptData(ctx, session.SessionID, envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	envelope.Ciphertext[0] ^= 0xff
	_, err = manager.DecryptData(ctx, session.SessionID, envelope)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	stats, err := manager.GetSecurityStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SecurityIncidents)
}

func TestKeyRotationInvalidatesTokensButNotSessions(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)
	session, err := manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	newKey, err := manager.RotateRegistrationKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, testRegistrationKey, newKey)

	// tokens signed under the old key stop working immediately
	_, err = manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// the open session carries its own keys and survives
	_, err = manager.ValidateSession(ctx, session.SessionID)
	assert.NoError(t, err)

	// the new key authenticates
	_, err = manager.AuthenticatePeer(ctx, "node-other", newKey, "")
	assert.NoError(t, err)
}

func TestRevokeSession(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)
	session, err := manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	require.NoError(t, manager.RevokeSession(ctx, session.SessionID))
	_, err = manager.ValidateSession(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	assert.ErrorIs(t, manager.RevokeSession(ctx, "session-unknown"), ErrSessionInvalid)
}

func TestCleanupExpiredTokens(t *testing.T) {
	ctx := context.Background()
	manager, _, clock := newTestManager(t)

	token, err := manager.AuthenticatePeer(ctx, "node-remote", testRegistrationKey, "")
	require.NoError(t, err)
	_, err = manager.EstablishSecureSession(ctx, "node-remote", token.Token)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	manager.CleanupExpiredTokens(ctx)

	stats, err := manager.GetSecurityStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TokensCleaned)
	assert.Equal(t, 1, stats.ExpiredSessionsCleaned)
	assert.Equal(t, 0, stats.ActiveSessions)
}
