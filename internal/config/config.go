package config

import (
	"time"

	"github.com/tichaonax/go-sync-infra/internal/util"
)

// Node holds the identity and wire settings of this sync node.
type Node struct {
	NodeID          string
	NodeName        string
	RegistrationKey string
	SigningKeySeed  string
	ListenAddress   string
	Port            int
	AdvertiseHost   string
}

// Security holds authentication, session and key-rotation settings.
type Security struct {
	SessionTimeout       time.Duration
	TokenDuration        time.Duration
	MaxFailedAttempts    int
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	KeyRotationEnabled   bool
	KeyRotationInterval  time.Duration
	EnableEncryption     bool
	EnableSignatures     bool
	CleanupInterval      time.Duration
}

// Sync holds replication scheduler settings.
type Sync struct {
	SyncInterval       time.Duration
	RequestTimeout     time.Duration
	MaxEventRetries    int
	MaxBackoff         time.Duration
	MaxConcurrentSyncs int
}

// Discovery holds peer discovery settings.
type Discovery struct {
	AnnounceInterval time.Duration
	StalenessWindow  time.Duration
	StaticPeers      []string
}

// Redis holds the optional session-cache / announce-channel backend settings.
type Redis struct {
	Enabled bool
	URL     string
}

// Database holds the optional durable store settings.
type Database struct {
	Enabled bool
	DSN     string
}

// Management holds the admin/observability API settings.
type Management struct {
	ListenAddress string
}

// Server is the central configuration struct keeping all component settings.
type Server struct {
	Node       Node
	Security   Security
	Sync       Sync
	Discovery  Discovery
	Redis      Redis
	Database   Database
	Management Management
}

// DefaultServerConfigFromEnv returns the server config populated from the
// environment, falling back to development defaults.
func DefaultServerConfigFromEnv() Server {
	return Server{
		Node: Node{
			NodeID:          util.GetEnv("SYNC_NODE_ID", ""),
			NodeName:        util.GetEnv("SYNC_NODE_NAME", "sync-node"),
			RegistrationKey: util.GetEnv("SYNC_REGISTRATION_KEY", ""),
			SigningKeySeed:  util.GetEnv("SYNC_SIGNING_KEY", ""),
			ListenAddress:   util.GetEnv("SYNC_LISTEN_ADDRESS", "0.0.0.0"),
			Port:            util.GetEnvAsInt("SYNC_PORT", 8745),
			AdvertiseHost:   util.GetEnv("SYNC_ADVERTISE_HOST", ""),
		},
		Security: Security{
			SessionTimeout:       util.GetEnvAsDuration("SYNC_SESSION_TIMEOUT", 30*time.Minute),
			TokenDuration:        util.GetEnvAsDuration("SYNC_TOKEN_DURATION", 1*time.Hour),
			MaxFailedAttempts:    util.GetEnvAsInt("SYNC_MAX_FAILED_ATTEMPTS", 5),
			RateLimitWindow:      util.GetEnvAsDuration("SYNC_RATE_LIMIT_WINDOW", 15*time.Minute),
			RateLimitMaxRequests: util.GetEnvAsInt("SYNC_RATE_LIMIT_MAX_REQUESTS", 100),
			KeyRotationEnabled:   util.GetEnvAsBool("SYNC_KEY_ROTATION_ENABLED", false),
			KeyRotationInterval:  util.GetEnvAsDuration("SYNC_KEY_ROTATION_INTERVAL", 24*time.Hour),
			EnableEncryption:     util.GetEnvAsBool("SYNC_ENABLE_ENCRYPTION", true),
			EnableSignatures:     util.GetEnvAsBool("SYNC_ENABLE_SIGNATURES", true),
			CleanupInterval:      util.GetEnvAsDuration("SYNC_SECURITY_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Sync: Sync{
			SyncInterval:       util.GetEnvAsDuration("SYNC_INTERVAL", 30*time.Second),
			RequestTimeout:     util.GetEnvAsDuration("SYNC_REQUEST_TIMEOUT", 10*time.Second),
			MaxEventRetries:    util.GetEnvAsInt("SYNC_MAX_EVENT_RETRIES", 5),
			MaxBackoff:         util.GetEnvAsDuration("SYNC_MAX_BACKOFF", 5*time.Minute),
			MaxConcurrentSyncs: util.GetEnvAsInt("SYNC_MAX_CONCURRENT_SYNCS", 4),
		},
		Discovery: Discovery{
			AnnounceInterval: util.GetEnvAsDuration("SYNC_ANNOUNCE_INTERVAL", 1*time.Minute),
			StalenessWindow:  util.GetEnvAsDuration("SYNC_PEER_STALENESS_WINDOW", 5*time.Minute),
			StaticPeers:      util.GetEnvAsStringSlice("SYNC_STATIC_PEERS", nil),
		},
		Redis: Redis{
			Enabled: util.GetEnvAsBool("SYNC_REDIS_ENABLED", false),
			URL:     util.GetEnv("SYNC_REDIS_URL", "redis://localhost:6379/0"),
		},
		Database: Database{
			Enabled: util.GetEnvAsBool("SYNC_DATABASE_ENABLED", false),
			DSN:     util.GetEnv("SYNC_DATABASE_DSN", ""),
		},
		Management: Management{
			ListenAddress: util.GetEnv("SYNC_MANAGEMENT_LISTEN_ADDRESS", ":8746"),
		},
	}
}
