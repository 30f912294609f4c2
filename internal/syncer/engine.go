package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/conflict"
	"github.com/tichaonax/go-sync-infra/internal/metrics"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

// sessionRenewalMargin renews a peer session slightly before its expiry so a
// round never starts on a session about to die mid-transfer.
const sessionRenewalMargin = 30 * time.Second

// Stats is a snapshot of engine activity counters.
type Stats struct {
	SyncRounds        int       `json:"syncRounds"`
	SyncErrors        int       `json:"syncErrors"`
	EventsApplied     int       `json:"eventsApplied"`
	EventsPushed      int       `json:"eventsPushed"`
	EventsRejected    int       `json:"eventsRejected"`
	ConflictsResolved int       `json:"conflictsResolved"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
}

// Result summarizes one completed sync round with a peer.
type Result struct {
	PeerNodeID        string `json:"peerNodeId"`
	EventsFetched     int    `json:"eventsFetched"`
	EventsApplied     int    `json:"eventsApplied"`
	EventsPushed      int    `json:"eventsPushed"`
	ConflictsResolved int    `json:"conflictsResolved"`
}

// Observer is notified after every sync attempt. The partition detector hangs
// off this interface; the engine itself never interprets failures.
type Observer interface {
	OnSyncSucceeded(peerNodeID string, result Result)
	OnSyncFailed(peerNodeID string, err error)
}

// peerState is the engine's per-peer memory: the cached secure session and
// the failure backoff gate.
type peerState struct {
	sessionID           string
	keys                *security.SessionKeys
	sessionExpiresAt    time.Time
	consecutiveFailures int
	nextAttempt         time.Time
}

// Engine replicates the local event log with every discovered peer and folds
// remote events into local state. It also serves the inbound half of the
// wire protocol, so two engines can sync with each other directly.
type Engine struct {
	nodeID          string
	registrationKey string
	cfg             config.Sync
	securityCfg     config.Security

	store     storage.Store
	security  *security.Manager
	discovery *peer.Discovery
	resolver  *conflict.Resolver
	client    transport.Client
	signer    *Signer
	clock     time2.Clock

	mu        sync.Mutex
	stats     Stats
	peers     map[string]*peerState
	observers []Observer
}

// NewEngine wires the sync engine. The client is the outbound transport;
// mounting the engine as a transport.Handler is the caller's job.
func NewEngine(
	nodeID, registrationKey string,
	cfg config.Sync,
	securityCfg config.Security,
	store storage.Store,
	securityManager *security.Manager,
	discovery *peer.Discovery,
	resolver *conflict.Resolver,
	client transport.Client,
	signer *Signer,
	clock time2.Clock,
) *Engine {
	return &Engine{
		nodeID:          nodeID,
		registrationKey: registrationKey,
		cfg:             cfg,
		securityCfg:     securityCfg,
		store:           store,
		security:        securityManager,
		discovery:       discovery,
		resolver:        resolver,
		client:          client,
		signer:          signer,
		clock:           clock,
		peers:           make(map[string]*peerState),
	}
}

// AddObserver registers a sync outcome observer.
func (e *Engine) AddObserver(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// RecordLocalEvent appends a signed event for a local mutation. This is the
// entry point the owning application calls whenever it writes a record.
func (e *Engine) RecordLocalEvent(ctx context.Context, eventType storage.EventType, tableName, recordID string, data []byte) (*storage.SyncEvent, error) {
	event := e.signer.NewEvent(eventType, tableName, recordID, data, e.clock.Now())
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, errors.Wrap(err, "failed to append local event")
	}
	return event, nil
}

// SyncWithPeer runs one full sync round with the peer: fetch what the peer
// has that we don't, apply it, then push what we have that the peer doesn't.
// The per-peer checkpoint only advances on success.
func (e *Engine) SyncWithPeer(ctx context.Context, target peer.PeerInfo) (Result, error) {
	since, err := e.store.GetLastSync(ctx, target.NodeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, errors.Wrap(err, "failed to load sync checkpoint")
	}
	return e.syncSince(ctx, target, since)
}

// ResyncPeer ignores the checkpoint and replays full history both ways. Used
// by partition recovery when incremental sync cannot be trusted.
func (e *Engine) ResyncPeer(ctx context.Context, target peer.PeerInfo) (Result, error) {
	return e.syncSince(ctx, target, time.Time{})
}

func (e *Engine) syncSince(ctx context.Context, target peer.PeerInfo, since time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout*4)
	defer cancel()

	now := e.clock.Now()
	record := &storage.SyncSession{
		SessionID:        "sync-" + uuid.New().String(),
		SourceNodeID:     e.nodeID,
		TargetNodeID:     target.NodeID,
		Status:           storage.SyncSessionRunning,
		StartedAt:        now,
		ParticipantNodes: []string{e.nodeID, target.NodeID},
	}
	if err := e.store.SaveSyncSession(ctx, record); err != nil {
		log.Warn().Err(err).Str("peer", target.NodeID).Msg("Failed to record sync session start")
	}

	result, err := e.runRound(ctx, target, since)

	ended := e.clock.Now()
	record.EndedAt = &ended
	if err != nil {
		record.Status = storage.SyncSessionFailed
		record.ErrorMessage = err.Error()
		e.recordFailure(target.NodeID, ended)
		metrics.SyncAttempts.WithLabelValues("failure").Inc()

		if updateErr := e.store.UpdateSyncSession(ctx, record); updateErr != nil {
			log.Warn().Err(updateErr).Str("peer", target.NodeID).Msg("Failed to record sync session failure")
		}
		e.notifyFailure(target.NodeID, err)

		log.Warn().Err(err).Str("peer", target.NodeID).Msg("Sync round failed")
		return Result{}, err
	}

	record.Status = storage.SyncSessionCompleted
	record.EventsTransferred = result.EventsApplied + result.EventsPushed
	if updateErr := e.store.UpdateSyncSession(ctx, record); updateErr != nil {
		log.Warn().Err(updateErr).Str("peer", target.NodeID).Msg("Failed to record sync session completion")
	}

	// The checkpoint is the round's start time, so events written on the peer
	// while the round ran are picked up next time instead of skipped.
	if err := e.store.SetLastSync(ctx, target.NodeID, now); err != nil {
		log.Warn().Err(err).Str("peer", target.NodeID).Msg("Failed to advance sync checkpoint")
	}

	e.recordSuccess(target.NodeID, result, ended)
	metrics.SyncAttempts.WithLabelValues("success").Inc()
	e.notifySuccess(target.NodeID, result)

	log.Debug().
		Str("peer", target.NodeID).
		Int("events_fetched", result.EventsFetched).
		Int("events_applied", result.EventsApplied).
		Int("events_pushed", result.EventsPushed).
		Int("conflicts_resolved", result.ConflictsResolved).
		Msg("Sync round completed")

	return result, nil
}

func (e *Engine) runRound(ctx context.Context, target peer.PeerInfo, since time.Time) (Result, error) {
	state, err := e.ensureSession(ctx, target)
	if err != nil {
		return Result{}, err
	}

	result := Result{PeerNodeID: target.NodeID}

	fetched, err := e.fetchRemoteEvents(ctx, target, state, since)
	if err != nil {
		e.dropSession(target.NodeID)
		return Result{}, err
	}
	result.EventsFetched = len(fetched)

	for _, event := range fetched {
		applied, resolved, err := e.ProcessIncomingEvent(ctx, event)
		if err != nil {
			if errors.Is(err, ErrEventRejected) {
				continue
			}
			return Result{}, err
		}
		if applied {
			result.EventsApplied++
		}
		if resolved {
			result.ConflictsResolved++
		}
	}

	pushed, resolved, err := e.pushLocalEvents(ctx, target, state, since)
	if err != nil {
		e.dropSession(target.NodeID)
		return Result{}, err
	}
	result.EventsPushed = pushed
	result.ConflictsResolved += resolved

	return result, nil
}

// ensureSession returns a valid secure session with the peer, authenticating
// and establishing a fresh one when none is cached or the cached one is close
// to expiry.
func (e *Engine) ensureSession(ctx context.Context, target peer.PeerInfo) (*peerState, error) {
	now := e.clock.Now()

	e.mu.Lock()
	state, ok := e.peers[target.NodeID]
	if ok && state.sessionID != "" && now.Add(sessionRenewalMargin).Before(state.sessionExpiresAt) {
		e.mu.Unlock()
		return state, nil
	}
	e.mu.Unlock()

	auth, err := e.client.Authenticate(ctx, target, &transport.AuthenticateRequest{
		NodeID:          e.nodeID,
		RegistrationKey: e.registrationKey,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "authentication with peer %s failed", target.NodeID)
	}

	established, err := e.client.EstablishSession(ctx, target, &transport.EstablishSessionRequest{
		NodeID:    e.nodeID,
		AuthToken: auth.Token,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "session establishment with peer %s failed", target.NodeID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok = e.peers[target.NodeID]
	if !ok {
		state = &peerState{}
		e.peers[target.NodeID] = state
	}
	state.sessionID = established.SessionID
	state.sessionExpiresAt = established.ExpiresAt
	state.keys = &security.SessionKeys{
		EncryptionKey: established.EncryptionKey,
		SigningKey:    established.SigningKey,
	}

	log.Debug().
		Str("peer", target.NodeID).
		Str("session_id", state.sessionID).
		Time("expires_at", state.sessionExpiresAt).
		Msg("Secure session established with peer")

	return state, nil
}

func (e *Engine) fetchRemoteEvents(ctx context.Context, target peer.PeerInfo, state *peerState, since time.Time) ([]*storage.SyncEvent, error) {
	resp, err := e.client.FetchEvents(ctx, target, &transport.FetchEventsRequest{
		SessionID: state.sessionID,
		Since:     since,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch from peer %s failed", target.NodeID)
	}

	if resp.Envelope == nil {
		return resp.Events, nil
	}

	payload, err := security.DecryptPayload(state.keys, resp.Envelope)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open event envelope from peer %s", target.NodeID)
	}
	var events []*storage.SyncEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, errors.Wrapf(err, "failed to decode events from peer %s", target.NodeID)
	}
	return events, nil
}

func (e *Engine) pushLocalEvents(ctx context.Context, target peer.PeerInfo, state *peerState, since time.Time) (int, int, error) {
	events, err := e.outboundEvents(ctx, target.NodeID, since)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	req := &transport.PushEventsRequest{SessionID: state.sessionID}
	if e.securityCfg.EnableEncryption {
		payload, err := json.Marshal(events)
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to encode outbound events")
		}
		envelope, err := security.EncryptPayload(state.keys, payload)
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to seal outbound events")
		}
		req.Envelope = envelope
	} else {
		req.Events = events
	}

	resp, err := e.client.PushEvents(ctx, target, req)
	if err != nil {
		e.recordDeliveryFailure(ctx, events)
		return 0, 0, errors.Wrapf(err, "push to peer %s failed", target.NodeID)
	}

	return resp.Applied, resp.ConflictsResolved, nil
}

// outboundEvents selects the local events the peer is missing: everything
// after since, except events the peer originated itself and events retired
// after exhausting their delivery budget.
func (e *Engine) outboundEvents(ctx context.Context, peerNodeID string, since time.Time) ([]*storage.SyncEvent, error) {
	events, err := e.store.EventsSince(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outbound events")
	}
	out := make([]*storage.SyncEvent, 0, len(events))
	for _, event := range events {
		if event.Failed || event.NodeID == peerNodeID {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

// recordDeliveryFailure charges one retry to every event in the failed batch
// and retires events that exhausted their budget.
func (e *Engine) recordDeliveryFailure(ctx context.Context, events []*storage.SyncEvent) {
	for _, event := range events {
		count, err := e.store.IncrementEventRetry(ctx, event.ID)
		if err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to record event retry")
			continue
		}
		if count >= e.cfg.MaxEventRetries {
			if err := e.store.MarkEventFailed(ctx, event.ID); err != nil {
				log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to retire event")
				continue
			}
			log.Error().
				Str("event_id", event.ID).
				Int("retries", count).
				Msg("Event retired after exhausting delivery retries")
		}
	}
}

// ProcessIncomingEvent verifies, deduplicates and applies one remote event.
// It returns whether the event was applied and whether a conflict was
// resolved along the way. Verification failures return ErrEventRejected.
func (e *Engine) ProcessIncomingEvent(ctx context.Context, event *storage.SyncEvent) (bool, bool, error) {
	if err := e.verifyEvent(event); err != nil {
		e.mu.Lock()
		e.stats.EventsRejected++
		e.mu.Unlock()
		metrics.EventsRejected.Inc()

		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("origin", event.NodeID).
			Msg("Rejected incoming event")
		return false, false, err
	}

	seen, err := e.store.HasEvent(ctx, event.ID)
	if err != nil {
		return false, false, errors.Wrap(err, "failed to check event")
	}
	if seen {
		return false, false, nil
	}

	latest, err := e.store.LatestEventFor(ctx, event.TableName, event.RecordID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return false, false, errors.Wrap(err, "failed to load current record state")
		}
		latest = nil
	}

	// A strictly newer event supersedes cleanly. Anything else targeting an
	// already-written record is a concurrent write and goes through conflict
	// resolution.
	if latest != nil && !event.Timestamp.After(latest.Timestamp) {
		resolution, err := e.resolver.ResolveConflict(ctx, latest, event)
		if err != nil {
			return false, false, err
		}
		if err := e.store.AppendEvent(ctx, event); err != nil {
			return false, false, errors.Wrap(err, "failed to append event")
		}

		e.mu.Lock()
		e.stats.ConflictsResolved++
		e.mu.Unlock()
		metrics.ConflictsResolved.Inc()

		applied := resolution.Winner.ID == event.ID
		if applied {
			e.mu.Lock()
			e.stats.EventsApplied++
			e.mu.Unlock()
			metrics.EventsApplied.Inc()
		}
		return applied, true, nil
	}

	if err := e.store.AppendEvent(ctx, event); err != nil {
		return false, false, errors.Wrap(err, "failed to append event")
	}

	e.mu.Lock()
	e.stats.EventsApplied++
	e.mu.Unlock()
	metrics.EventsApplied.Inc()

	return true, false, nil
}

// verifyEvent checks the content hash always, and the origin signature when
// signatures are enabled and the origin's key is pinned in the registry. An
// origin that never announced a key cannot be verified; such events pass the
// hash check only.
func (e *Engine) verifyEvent(event *storage.SyncEvent) error {
	if err := VerifyEventHash(event); err != nil {
		return err
	}
	if !e.securityCfg.EnableSignatures {
		return nil
	}
	if event.NodeID == e.nodeID {
		return VerifyEventSignature(event, e.signer.PublicKey())
	}
	origin, ok := e.discovery.GetPeer(event.NodeID)
	if !ok || origin.PublicKey == "" {
		log.Debug().
			Str("event_id", event.ID).
			Str("origin", event.NodeID).
			Msg("No pinned key for event origin, skipping signature check")
		return nil
	}
	return VerifyEventSignature(event, origin.PublicKey)
}

// SyncWithAllPeers runs sync rounds against every discovered peer with
// bounded concurrency, skipping peers still inside their backoff window.
// Per-peer failures are reported in the results, never propagated: one dead
// peer cannot stop the rest of the mesh from syncing.
func (e *Engine) SyncWithAllPeers(ctx context.Context) []Result {
	peers := e.discovery.GetDiscoveredPeers()
	now := e.clock.Now()

	targets := make([]peer.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.NodeID == e.nodeID {
			continue
		}
		if e.inBackoff(p.NodeID, now) {
			log.Debug().Str("peer", p.NodeID).Msg("Peer in backoff, skipping this round")
			continue
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return nil
	}

	limit := e.cfg.MaxConcurrentSyncs
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	results := make([]Result, len(targets))
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target peer.PeerInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := e.SyncWithPeer(ctx, target)
			if err != nil {
				results[i] = Result{PeerNodeID: target.NodeID}
				return
			}
			results[i] = result
		}(i, target)
	}
	wg.Wait()

	return results
}

// VerifyPeerChecksum compares event history digests with the peer. A mismatch
// means the logs diverged silently; the partition detector treats that as a
// data inconsistency.
func (e *Engine) VerifyPeerChecksum(ctx context.Context, target peer.PeerInfo) (bool, error) {
	state, err := e.ensureSession(ctx, target)
	if err != nil {
		return false, err
	}

	resp, err := e.client.Checksum(ctx, target, &transport.ChecksumRequest{
		SessionID: state.sessionID,
		Since:     time.Time{},
	})
	if err != nil {
		e.dropSession(target.NodeID)
		return false, errors.Wrapf(err, "checksum request to peer %s failed", target.NodeID)
	}

	local, _, err := e.historyChecksum(ctx, time.Time{})
	if err != nil {
		return false, err
	}
	return local == resp.Checksum, nil
}

// historyChecksum digests the event log after since. Hashes are sorted before
// digesting so the result is independent of arrival order.
func (e *Engine) historyChecksum(ctx context.Context, since time.Time) (string, int, error) {
	events, err := e.store.EventsSince(ctx, since)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to load events for checksum")
	}

	hashes := make([]string, 0, len(events))
	for _, event := range events {
		hashes = append(hashes, event.Hash)
	}
	sort.Strings(hashes)

	h := sha256.New()
	for _, hash := range hashes {
		h.Write([]byte(hash))
	}
	return hex.EncodeToString(h.Sum(nil)), len(events), nil
}

// GetLastSyncTime returns the per-peer checkpoint.
func (e *Engine) GetLastSyncTime(ctx context.Context, peerNodeID string) (time.Time, error) {
	return e.store.GetLastSync(ctx, peerNodeID)
}

// GetSyncStats returns a snapshot of engine counters.
func (e *Engine) GetSyncStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ConsecutiveFailures returns how many sync attempts against the peer have
// failed in a row.
func (e *Engine) ConsecutiveFailures(peerNodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.peers[peerNodeID]; ok {
		return state.consecutiveFailures
	}
	return 0
}

func (e *Engine) inBackoff(peerNodeID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.peers[peerNodeID]
	return ok && now.Before(state.nextAttempt)
}

func (e *Engine) recordFailure(peerNodeID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.peers[peerNodeID]
	if !ok {
		state = &peerState{}
		e.peers[peerNodeID] = state
	}
	state.consecutiveFailures++

	// Exponential backoff doubling per consecutive failure, capped.
	backoff := e.cfg.SyncInterval << uint(state.consecutiveFailures-1)
	if backoff > e.cfg.MaxBackoff || backoff <= 0 {
		backoff = e.cfg.MaxBackoff
	}
	state.nextAttempt = now.Add(backoff)

	e.stats.SyncRounds++
	e.stats.SyncErrors++
}

func (e *Engine) recordSuccess(peerNodeID string, result Result, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.peers[peerNodeID]
	if !ok {
		state = &peerState{}
		e.peers[peerNodeID] = state
	}
	state.consecutiveFailures = 0
	state.nextAttempt = time.Time{}

	e.stats.SyncRounds++
	e.stats.EventsPushed += result.EventsPushed
	e.stats.LastSyncTime = now
}

func (e *Engine) dropSession(peerNodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.peers[peerNodeID]; ok {
		state.sessionID = ""
		state.keys = nil
		state.sessionExpiresAt = time.Time{}
	}
}

func (e *Engine) notifySuccess(peerNodeID string, result Result) {
	e.mu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, observer := range observers {
		observer.OnSyncSucceeded(peerNodeID, result)
	}
}

func (e *Engine) notifyFailure(peerNodeID string, err error) {
	e.mu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, observer := range observers {
		observer.OnSyncFailed(peerNodeID, err)
	}
}
