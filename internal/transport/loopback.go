package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/peer"
)

// Loopback is an in-memory wire used by tests and single-process topologies.
// Nodes register their handlers on a shared hub; calls route by node ID.
// Individual peers can be marked unreachable to exercise failure paths.
type Loopback struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	unreachable map[string]bool
}

// NewLoopback creates an empty hub.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers:    make(map[string]Handler),
		unreachable: make(map[string]bool),
	}
}

// Register mounts a node's handler on the hub.
func (l *Loopback) Register(nodeID string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = handler
}

// SetUnreachable toggles simulated unreachability for a node.
func (l *Loopback) SetUnreachable(nodeID string, unreachable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unreachable[nodeID] = unreachable
}

func (l *Loopback) route(nodeID string) (Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.unreachable[nodeID] {
		return nil, errors.Wrapf(ErrUnreachable, "peer %s", nodeID)
	}
	handler, ok := l.handlers[nodeID]
	if !ok {
		return nil, errors.Wrapf(ErrUnreachable, "peer %s not registered", nodeID)
	}
	return handler, nil
}

func (l *Loopback) Authenticate(ctx context.Context, target peer.PeerInfo, req *AuthenticateRequest) (*AuthenticateResponse, error) {
	handler, err := l.route(target.NodeID)
	if err != nil {
		return nil, err
	}
	return handler.HandleAuthenticate(ctx, "127.0.0.1", req)
}

func (l *Loopback) EstablishSession(ctx context.Context, target peer.PeerInfo, req *EstablishSessionRequest) (*EstablishSessionResponse, error) {
	handler, err := l.route(target.NodeID)
	if err != nil {
		return nil, err
	}
	return handler.HandleEstablishSession(ctx, req)
}

func (l *Loopback) FetchEvents(ctx context.Context, target peer.PeerInfo, req *FetchEventsRequest) (*FetchEventsResponse, error) {
	handler, err := l.route(target.NodeID)
	if err != nil {
		return nil, err
	}
	return handler.HandleFetchEvents(ctx, req)
}

func (l *Loopback) PushEvents(ctx context.Context, target peer.PeerInfo, req *PushEventsRequest) (*PushEventsResponse, error) {
	handler, err := l.route(target.NodeID)
	if err != nil {
		return nil, err
	}
	return handler.HandlePushEvents(ctx, req)
}

func (l *Loopback) Checksum(ctx context.Context, target peer.PeerInfo, req *ChecksumRequest) (*ChecksumResponse, error) {
	handler, err := l.route(target.NodeID)
	if err != nil {
		return nil, err
	}
	return handler.HandleChecksum(ctx, req)
}
