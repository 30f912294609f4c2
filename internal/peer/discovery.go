package peer

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/storage"
)

// announceChannel is the shared discovery channel name.
const announceChannel = "peer-announce"

// Announcer is the discovery transport: broadcast self, listen for others.
type Announcer interface {
	Announce(ctx context.Context, announcement *Announcement) error
	Listen(ctx context.Context) (<-chan *Announcement, error)
}

// RedisAnnouncer announces over the shared redis pub/sub channel.
type RedisAnnouncer struct {
	store *storage.RedisStore
}

// NewRedisAnnouncer creates an announcer over the redis backbone.
func NewRedisAnnouncer(store *storage.RedisStore) *RedisAnnouncer {
	return &RedisAnnouncer{store: store}
}

func (a *RedisAnnouncer) Announce(ctx context.Context, announcement *Announcement) error {
	return a.store.PublishMessage(ctx, announceChannel, announcement)
}

func (a *RedisAnnouncer) Listen(ctx context.Context) (<-chan *Announcement, error) {
	raw, err := a.store.SubscribeMessages(ctx, announceChannel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to announce channel")
	}

	out := make(chan *Announcement)
	go func() {
		defer close(out)
		for payload := range raw {
			var announcement Announcement
			if err := json.Unmarshal(payload, &announcement); err != nil {
				log.Warn().Err(err).Msg("Dropping malformed peer announcement")
				continue
			}
			select {
			case out <- &announcement:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Discovery maintains the known-peer registry: announces this node and folds
// announcements and static configuration into the registry.
type Discovery struct {
	self      Announcement
	registry  *Registry
	announcer Announcer // may be nil when only static peers are configured
	cfg       config.Discovery

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscovery creates the discovery service for this node.
func NewDiscovery(self Announcement, registry *Registry, announcer Announcer, cfg config.Discovery) *Discovery {
	return &Discovery{
		self:      self,
		registry:  registry,
		announcer: announcer,
		cfg:       cfg,
	}
}

// AnnounceSelf broadcasts this node's identity on the discovery channel.
func (d *Discovery) AnnounceSelf(ctx context.Context) error {
	if d.announcer == nil {
		return nil
	}
	if err := d.announcer.Announce(ctx, &d.self); err != nil {
		return errors.Wrap(err, "failed to announce self")
	}
	return nil
}

// DiscoverPeers returns the peers recently seen on the discovery channel or
// configured statically, deduplicated by node ID.
func (d *Discovery) DiscoverPeers(ctx context.Context) ([]PeerInfo, error) {
	if err := d.AnnounceSelf(ctx); err != nil {
		log.Warn().Err(err).Msg("Announce failed during discovery")
	}
	return d.registry.Discovered(), nil
}

// AddPeer registers a peer explicitly (static peer lists, admin action).
func (d *Discovery) AddPeer(peer PeerInfo) {
	if d.registry.Upsert(peer) {
		log.Info().
			Str("node_id", peer.NodeID).
			Str("address", peer.Address).
			Int("port", peer.Port).
			Msg("Peer added to registry")
	}
}

// RemovePeer deletes a peer from the registry.
func (d *Discovery) RemovePeer(nodeID string) {
	d.registry.Remove(nodeID)
	log.Info().Str("node_id", nodeID).Msg("Peer removed from registry")
}

// GetDiscoveredPeers returns the current non-stale registry snapshot used by
// the sync engine to select targets.
func (d *Discovery) GetDiscoveredPeers() []PeerInfo {
	return d.registry.Discovered()
}

// GetAllPeers returns every registered peer, stale ones included.
func (d *Discovery) GetAllPeers() []PeerInfo {
	return d.registry.All()
}

// GetPeer returns the registry entry for a node.
func (d *Discovery) GetPeer(nodeID string) (PeerInfo, bool) {
	return d.registry.Get(nodeID)
}

// Start seeds static peers, begins the announce ticker and the listen loop.
func (d *Discovery) Start(ctx context.Context) error {
	for _, raw := range d.cfg.StaticPeers {
		peer, err := ParseStaticPeer(raw)
		if err != nil {
			log.Warn().Err(err).Str("peer", raw).Msg("Skipping malformed static peer")
			continue
		}
		d.AddPeer(peer)
	}

	if d.announcer == nil {
		log.Info().Msg("No discovery channel configured, using static peers only")
		return nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	announcements, err := d.announcer.Listen(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start announcement listener")
	}

	go func() {
		defer close(d.done)

		ticker := time.NewTicker(d.cfg.AnnounceInterval)
		defer ticker.Stop()

		if err := d.AnnounceSelf(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial announce failed")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.AnnounceSelf(ctx); err != nil {
					log.Warn().Err(err).Msg("Periodic announce failed")
				}
			case announcement, ok := <-announcements:
				if !ok {
					return
				}
				if announcement.NodeID == "" || announcement.NodeID == d.self.NodeID {
					continue
				}
				d.AddPeer(PeerInfo{
					NodeID:    announcement.NodeID,
					Address:   announcement.Address,
					Port:      announcement.Port,
					NodeName:  announcement.NodeName,
					PublicKey: announcement.PublicKey,
				})
			}
		}
	}()

	return nil
}

// Stop halts the announce/listen loops.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// ParseStaticPeer parses "nodeId@host:port" entries from configuration.
func ParseStaticPeer(raw string) (PeerInfo, error) {
	idx := strings.Index(raw, "@")
	if idx <= 0 {
		return PeerInfo{}, errors.Errorf("static peer %q must be nodeId@host:port", raw)
	}
	nodeID := raw[:idx]

	host, portStr, err := net.SplitHostPort(raw[idx+1:])
	if err != nil {
		return PeerInfo{}, errors.Wrapf(err, "static peer %q has invalid host:port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerInfo{}, errors.Wrapf(err, "static peer %q has invalid port", raw)
	}

	return PeerInfo{
		NodeID:   nodeID,
		Address:  host,
		Port:     port,
		NodeName: nodeID,
	}, nil
}
