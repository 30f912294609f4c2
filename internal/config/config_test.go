package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultServerConfigFromEnv(t *testing.T) {
	cfg := DefaultServerConfigFromEnv()

	assert.Equal(t, "sync-node", cfg.Node.NodeName)
	assert.Equal(t, 8745, cfg.Node.Port)
	assert.Equal(t, 30*time.Minute, cfg.Security.SessionTimeout)
	assert.Equal(t, 5, cfg.Security.MaxFailedAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Security.RateLimitWindow)
	assert.True(t, cfg.Security.EnableEncryption)
	assert.True(t, cfg.Security.EnableSignatures)
	assert.Equal(t, 30*time.Second, cfg.Sync.SyncInterval)
	assert.Equal(t, 5, cfg.Sync.MaxEventRetries)
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxBackoff)
	assert.Equal(t, 4, cfg.Sync.MaxConcurrentSyncs)
	assert.Equal(t, time.Minute, cfg.Discovery.AnnounceInterval)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, ":8746", cfg.Management.ListenAddress)
}

func TestServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_NODE_ID", "node-test")
	t.Setenv("SYNC_PORT", "9900")
	t.Setenv("SYNC_SESSION_TIMEOUT", "10m")
	t.Setenv("SYNC_ENABLE_ENCRYPTION", "false")
	t.Setenv("SYNC_STATIC_PEERS", "node-b@10.0.0.2:8745,node-c@10.0.0.3:8745")

	cfg := DefaultServerConfigFromEnv()

	assert.Equal(t, "node-test", cfg.Node.NodeID)
	assert.Equal(t, 9900, cfg.Node.Port)
	assert.Equal(t, 10*time.Minute, cfg.Security.SessionTimeout)
	assert.False(t, cfg.Security.EnableEncryption)
	assert.Equal(t, []string{"node-b@10.0.0.2:8745", "node-c@10.0.0.3:8745"}, cfg.Discovery.StaticPeers)
}

func TestServerConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SYNC_PORT", "not-a-number")
	t.Setenv("SYNC_SESSION_TIMEOUT", "soon")

	cfg := DefaultServerConfigFromEnv()

	assert.Equal(t, 8745, cfg.Node.Port)
	assert.Equal(t, 30*time.Minute, cfg.Security.SessionTimeout)
}
