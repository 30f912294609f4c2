package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tichaonax/go-sync-infra/internal/peer"
)

// Route paths of the peer wire protocol.
const (
	pathAuthenticate     = "/v1/sync/authenticate"
	pathEstablishSession = "/v1/sync/session"
	pathFetchEvents      = "/v1/sync/events/fetch"
	pathPushEvents       = "/v1/sync/events/push"
	pathChecksum         = "/v1/sync/checksum"
)

// HTTPServer serves the peer wire protocol over JSON/HTTP.
type HTTPServer struct {
	echo    *echo.Echo
	handler Handler
	addr    string
}

// NewHTTPServer mounts the handler on a fresh echo instance.
func NewHTTPServer(addr string, handler Handler) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &HTTPServer{echo: e, handler: handler, addr: addr}

	e.POST(pathAuthenticate, s.authenticate)
	e.POST(pathEstablishSession, s.establishSession)
	e.POST(pathFetchEvents, s.fetchEvents)
	e.POST(pathPushEvents, s.pushEvents)
	e.POST(pathChecksum, s.checksum)

	return s
}

// Start runs the server until the context is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Peer transport shutdown failed")
		}
	}()

	log.Info().Str("address", s.addr).Msg("Starting peer transport server")
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "peer transport server failed")
	}
	return nil
}

func (s *HTTPServer) authenticate(c echo.Context) error {
	var req AuthenticateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.handler.HandleAuthenticate(c.Request().Context(), c.RealIP(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) establishSession(c echo.Context) error {
	var req EstablishSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.handler.HandleEstablishSession(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) fetchEvents(c echo.Context) error {
	var req FetchEventsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.handler.HandleFetchEvents(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) pushEvents(c echo.Context) error {
	var req PushEventsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.handler.HandlePushEvents(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) checksum(c echo.Context) error {
	var req ChecksumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.handler.HandleChecksum(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// HTTPClient is the outbound wire implementation with explicit timeouts.
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient creates a peer client with a per-request deadline.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *HTTPClient) Authenticate(ctx context.Context, target peer.PeerInfo, req *AuthenticateRequest) (*AuthenticateResponse, error) {
	var resp AuthenticateResponse
	if err := c.post(ctx, target, pathAuthenticate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) EstablishSession(ctx context.Context, target peer.PeerInfo, req *EstablishSessionRequest) (*EstablishSessionResponse, error) {
	var resp EstablishSessionResponse
	if err := c.post(ctx, target, pathEstablishSession, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) FetchEvents(ctx context.Context, target peer.PeerInfo, req *FetchEventsRequest) (*FetchEventsResponse, error) {
	var resp FetchEventsResponse
	if err := c.post(ctx, target, pathFetchEvents, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) PushEvents(ctx context.Context, target peer.PeerInfo, req *PushEventsRequest) (*PushEventsResponse, error) {
	var resp PushEventsResponse
	if err := c.post(ctx, target, pathPushEvents, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Checksum(ctx context.Context, target peer.PeerInfo, req *ChecksumRequest) (*ChecksumResponse, error) {
	var resp ChecksumResponse
	if err := c.post(ctx, target, pathChecksum, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) post(ctx context.Context, target peer.PeerInfo, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(target.Address, fmt.Sprintf("%d", target.Port)), path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyNetError(err, target.NodeID)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if httpResp.StatusCode != http.StatusOK {
		return errors.Errorf("peer %s returned %d: %s", target.NodeID, httpResp.StatusCode, string(payload))
	}

	if err := json.Unmarshal(payload, resp); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

func classifyNetError(err error, nodeID string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrTimeout, "peer %s: %v", nodeID, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "peer %s: %v", nodeID, err)
	}
	return errors.Wrapf(ErrUnreachable, "peer %s: %v", nodeID, err)
}
