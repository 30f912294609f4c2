// Package sync is the Go client for a sync node's management API. It is the
// integration surface for operator tooling and for applications embedding
// sync control.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/storage"
)

// Client talks to one node's management listener.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a management client for the node at baseURL, e.g.
// "http://10.0.0.5:8746".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Status is the node's sync health snapshot.
type Status struct {
	NodeID          string               `json:"nodeId"`
	DiscoveredPeers int                  `json:"discoveredPeers"`
	LastSyncByPeer  map[string]time.Time `json:"lastSyncByPeer"`
}

// GetStatus returns the node's current sync status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/api/v1/sync/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerSync runs an immediate sync round against all discovered peers.
func (c *Client) TriggerSync(ctx context.Context) error {
	return c.post(ctx, "/api/v1/sync/trigger", nil, nil)
}

// ListPartitions returns unresolved partitions.
func (c *Client) ListPartitions(ctx context.Context) ([]*storage.PartitionInfo, error) {
	var out []*storage.PartitionInfo
	if err := c.get(ctx, "/api/v1/partitions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InitiateRecovery starts healing a partition with the given strategy.
func (c *Client) InitiateRecovery(ctx context.Context, partitionID string, strategy storage.RecoveryStrategy) (*storage.RecoverySession, error) {
	body := map[string]string{
		"partitionId": partitionID,
		"strategy":    string(strategy),
	}
	var out storage.RecoverySession
	if err := c.post(ctx, "/api/v1/recoveries", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecovery returns one recovery session.
func (c *Client) GetRecovery(ctx context.Context, sessionID string) (*storage.RecoverySession, error) {
	var out storage.RecoverySession
	if err := c.get(ctx, "/api/v1/recoveries/"+sessionID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRecovery requests cancellation of a running recovery session.
func (c *Client) CancelRecovery(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/recoveries/"+sessionID, nil, nil)
}

// RotateRegistrationKey rotates the node's registration key and returns the
// new key for distribution to the rest of the mesh.
func (c *Client) RotateRegistrationKey(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.post(ctx, "/api/v1/security/rotate-key", nil, &out); err != nil {
		return "", err
	}
	return out["registrationKey"], nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "management request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("management API returned %d: %s", resp.StatusCode, string(payload))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
