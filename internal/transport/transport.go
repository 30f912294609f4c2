package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
)

var (
	// ErrUnreachable means the peer could not be contacted at all.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrTimeout means the peer did not answer within the request deadline.
	ErrTimeout = errors.New("peer request timed out")
)

// AuthenticateRequest proves membership of the sync mesh.
type AuthenticateRequest struct {
	NodeID          string `json:"nodeId"`
	RegistrationKey string `json:"registrationKey"`
}

// AuthenticateResponse carries the issued auth token.
type AuthenticateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EstablishSessionRequest exchanges an auth token for session keys.
type EstablishSessionRequest struct {
	NodeID    string `json:"nodeId"`
	AuthToken string `json:"authToken"`
}

// EstablishSessionResponse carries the session identity and symmetric keys.
// The transport is assumed to be a secure channel; key escrow beyond it is
// out of scope at this layer.
type EstablishSessionResponse struct {
	SessionID     string    `json:"sessionId"`
	EncryptionKey []byte    `json:"encryptionKey"`
	SigningKey    []byte    `json:"signingKey"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// FetchEventsRequest asks for events newer than Since.
type FetchEventsRequest struct {
	SessionID string    `json:"sessionId"`
	Since     time.Time `json:"since"`
}

// FetchEventsResponse returns events either in the clear or as an encrypted
// envelope, depending on the serving node's encryption setting.
type FetchEventsResponse struct {
	Events   []*storage.SyncEvent `json:"events,omitempty"`
	Envelope *security.Envelope   `json:"envelope,omitempty"`
}

// PushEventsRequest delivers local events the peer is missing.
type PushEventsRequest struct {
	SessionID string               `json:"sessionId"`
	Events    []*storage.SyncEvent `json:"events,omitempty"`
	Envelope  *security.Envelope   `json:"envelope,omitempty"`
}

// PushEventsResponse reports what the peer did with the delivery.
type PushEventsResponse struct {
	Applied           int `json:"applied"`
	ConflictsResolved int `json:"conflictsResolved"`
}

// ChecksumRequest asks for a digest of the peer's event history after Since,
// used to detect silent divergence.
type ChecksumRequest struct {
	SessionID string    `json:"sessionId"`
	Since     time.Time `json:"since"`
}

// ChecksumResponse carries the digest and the number of events it covers.
type ChecksumResponse struct {
	Checksum   string `json:"checksum"`
	EventCount int    `json:"eventCount"`
}

// Client is the outbound half of the peer wire protocol. Implementations
// must honor context deadlines; a stalled peer is a failure, not a block.
type Client interface {
	Authenticate(ctx context.Context, target peer.PeerInfo, req *AuthenticateRequest) (*AuthenticateResponse, error)
	EstablishSession(ctx context.Context, target peer.PeerInfo, req *EstablishSessionRequest) (*EstablishSessionResponse, error)
	FetchEvents(ctx context.Context, target peer.PeerInfo, req *FetchEventsRequest) (*FetchEventsResponse, error)
	PushEvents(ctx context.Context, target peer.PeerInfo, req *PushEventsRequest) (*PushEventsResponse, error)
	Checksum(ctx context.Context, target peer.PeerInfo, req *ChecksumRequest) (*ChecksumResponse, error)
}

// Handler is the inbound half, implemented by the node core and mounted by
// a serving transport.
type Handler interface {
	HandleAuthenticate(ctx context.Context, sourceIP string, req *AuthenticateRequest) (*AuthenticateResponse, error)
	HandleEstablishSession(ctx context.Context, req *EstablishSessionRequest) (*EstablishSessionResponse, error)
	HandleFetchEvents(ctx context.Context, req *FetchEventsRequest) (*FetchEventsResponse, error)
	HandlePushEvents(ctx context.Context, req *PushEventsRequest) (*PushEventsResponse, error)
	HandleChecksum(ctx context.Context, req *ChecksumRequest) (*ChecksumResponse, error)
}
