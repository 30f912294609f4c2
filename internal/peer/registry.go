package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
)

// Registry is the known-peer table. Peers unseen beyond the staleness window
// are excluded from GetDiscoveredPeers but kept until explicitly removed so
// operators can inspect history.
type Registry struct {
	mu              sync.RWMutex
	peers           map[string]*PeerInfo
	stalenessWindow time.Duration
	clock           time2.Clock
}

// NewRegistry creates an empty registry.
func NewRegistry(stalenessWindow time.Duration, clock time2.Clock) *Registry {
	return &Registry{
		peers:           make(map[string]*PeerInfo),
		stalenessWindow: stalenessWindow,
		clock:           clock,
	}
}

// Upsert adds or refreshes a peer, updating LastSeen. Returns true when the
// peer was previously unknown.
func (r *Registry) Upsert(peer PeerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer.LastSeen = r.clock.Now()
	existing, known := r.peers[peer.NodeID]
	if known {
		// keep a previously pinned public key if the announcement omits one
		if peer.PublicKey == "" {
			peer.PublicKey = existing.PublicKey
		}
	}
	r.peers[peer.NodeID] = &peer
	return !known
}

// Remove deletes a peer from the registry entirely.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// Get returns a copy of the peer, or false when unknown.
func (r *Registry) Get(nodeID string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	return *peer, true
}

// Discovered returns the peers seen within the staleness window, ordered by
// node ID for stable iteration.
func (r *Registry) Discovered() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock.Now().Add(-r.stalenessWindow)
	out := make([]PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.LastSeen.After(cutoff) {
			out = append(out, *peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// All returns every registered peer including stale ones.
func (r *Registry) All() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
