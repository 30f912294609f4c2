package syncer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tichaonax/go-sync-infra/internal/metrics"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

// The engine serves the inbound half of the wire protocol itself, so a node
// is symmetric: the same core both initiates rounds and answers them.
var _ transport.Handler = (*Engine)(nil)

// HandleAuthenticate validates the peer's registration key and issues a token.
func (e *Engine) HandleAuthenticate(ctx context.Context, sourceIP string, req *transport.AuthenticateRequest) (*transport.AuthenticateResponse, error) {
	token, err := e.security.AuthenticatePeer(ctx, req.NodeID, req.RegistrationKey, sourceIP)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, err
	}
	return &transport.AuthenticateResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// HandleEstablishSession exchanges a valid token for a keyed session.
func (e *Engine) HandleEstablishSession(ctx context.Context, req *transport.EstablishSessionRequest) (*transport.EstablishSessionResponse, error) {
	session, err := e.security.EstablishSecureSession(ctx, req.NodeID, req.AuthToken)
	if err != nil {
		return nil, err
	}
	return &transport.EstablishSessionResponse{
		SessionID:     session.SessionID,
		EncryptionKey: session.EncryptionKey,
		SigningKey:    session.SigningKey,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// HandleFetchEvents returns the local events the caller is missing, sealed
// under the session keys when encryption is enabled.
func (e *Engine) HandleFetchEvents(ctx context.Context, req *transport.FetchEventsRequest) (*transport.FetchEventsResponse, error) {
	session, err := e.security.ValidateSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	events, err := e.outboundEvents(ctx, session.SourceNodeID, req.Since)
	if err != nil {
		return nil, err
	}

	if !e.securityCfg.EnableEncryption {
		return &transport.FetchEventsResponse{Events: events}, nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode events")
	}
	envelope, err := security.EncryptPayload(&security.SessionKeys{
		EncryptionKey: session.EncryptionKey,
		SigningKey:    session.SigningKey,
	}, payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to seal events")
	}
	return &transport.FetchEventsResponse{Envelope: envelope}, nil
}

// HandlePushEvents applies events delivered by the caller. Rejected events
// are skipped, not fatal: the rest of the batch still lands.
func (e *Engine) HandlePushEvents(ctx context.Context, req *transport.PushEventsRequest) (*transport.PushEventsResponse, error) {
	session, err := e.security.ValidateSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	events := req.Events
	if req.Envelope != nil {
		payload, err := security.DecryptPayload(&security.SessionKeys{
			EncryptionKey: session.EncryptionKey,
			SigningKey:    session.SigningKey,
		}, req.Envelope)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil, errors.Wrap(err, "failed to decode pushed events")
		}
	}

	resp := &transport.PushEventsResponse{}
	for _, event := range events {
		applied, resolved, err := e.ProcessIncomingEvent(ctx, event)
		if err != nil {
			if errors.Is(err, ErrEventRejected) {
				continue
			}
			return nil, err
		}
		if applied {
			resp.Applied++
		}
		if resolved {
			resp.ConflictsResolved++
		}
	}
	return resp, nil
}

// HandleChecksum digests the local event history for divergence checks.
func (e *Engine) HandleChecksum(ctx context.Context, req *transport.ChecksumRequest) (*transport.ChecksumResponse, error) {
	if _, err := e.security.ValidateSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	checksum, count, err := e.historyChecksum(ctx, req.Since)
	if err != nil {
		return nil, err
	}
	return &transport.ChecksumResponse{Checksum: checksum, EventCount: count}, nil
}
