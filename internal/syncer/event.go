package syncer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/storage"
)

// ErrEventRejected means an incoming event failed hash or signature
// verification and was dropped without being applied.
var ErrEventRejected = errors.New("event rejected")

// ComputeEventHash digests the identifying fields of an event. Every node
// computes the same hash for the same event, so a payload altered in transit
// no longer matches.
func ComputeEventHash(event *storage.SyncEvent) string {
	h := sha256.New()
	h.Write([]byte(event.NodeID))
	h.Write([]byte{'|'})
	h.Write([]byte(event.EventType))
	h.Write([]byte{'|'})
	h.Write([]byte(event.TableName))
	h.Write([]byte{'|'})
	h.Write([]byte(event.RecordID))
	h.Write([]byte{'|'})
	h.Write([]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write(event.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Signer holds this node's event signing identity. The public key travels in
// peer announcements; peers pin it and verify every event the node originates.
type Signer struct {
	nodeID string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// NewSigner generates a fresh ed25519 keypair for the node.
func NewSigner(nodeID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate signing keypair")
	}
	return &Signer{nodeID: nodeID, priv: priv, pub: pub}, nil
}

// NewSignerFromSeed restores a signer from a persisted hex-encoded 32-byte
// seed, so a node keeps its signing identity across restarts.
func NewSignerFromSeed(nodeID, seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, errors.Wrap(err, "signing key seed is not valid hex")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		nodeID: nodeID,
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
	}, nil
}

// Seed returns the hex-encoded seed for persisting the signing identity.
func (s *Signer) Seed() string {
	return hex.EncodeToString(s.priv.Seed())
}

// PublicKey returns the announceable verification key.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// NewEvent builds a hashed and signed event for a local mutation.
func (s *Signer) NewEvent(eventType storage.EventType, tableName, recordID string, data []byte, now time.Time) *storage.SyncEvent {
	event := &storage.SyncEvent{
		ID:        "event-" + uuid.New().String(),
		NodeID:    s.nodeID,
		EventType: eventType,
		TableName: tableName,
		RecordID:  recordID,
		Timestamp: now.UTC(),
		Data:      data,
	}
	event.Hash = ComputeEventHash(event)
	event.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(event.Hash)))
	return event
}

// VerifyEventHash recomputes the content digest and rejects a mismatch.
func VerifyEventHash(event *storage.SyncEvent) error {
	if ComputeEventHash(event) != event.Hash {
		return errors.Wrapf(ErrEventRejected, "event %s hash mismatch", event.ID)
	}
	return nil
}

// VerifyEventSignature checks the origin node's signature over the event hash
// against its pinned public key.
func VerifyEventSignature(event *storage.SyncEvent, publicKey string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.Wrapf(ErrEventRejected, "event %s: origin public key unusable", event.ID)
	}
	sig, err := base64.StdEncoding.DecodeString(event.Signature)
	if err != nil {
		return errors.Wrapf(ErrEventRejected, "event %s: signature not decodable", event.ID)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(event.Hash), sig) {
		return errors.Wrapf(ErrEventRejected, "event %s: signature verification failed", event.ID)
	}
	return nil
}
