package peer

import "time"

// PeerInfo describes one known sync node. The registry owns these records
// exclusively; everyone else gets copies.
type PeerInfo struct {
	NodeID    string    `json:"nodeId"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	NodeName  string    `json:"nodeName"`
	PublicKey string    `json:"publicKey,omitempty"` // base64 ed25519, verifies event signatures
	LastSeen  time.Time `json:"lastSeen"`
}

// Announcement is the discovery-channel payload a node broadcasts about
// itself.
type Announcement struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	NodeName  string `json:"nodeName"`
	PublicKey string `json:"publicKey,omitempty"`
}
