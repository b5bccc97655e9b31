package socket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"distreg/internal/domain"
	"distreg/internal/transport"

	"github.com/google/uuid"
)

// Client sends envelopes to partner receivers. Each Send dials a fresh
// connection bounded by the caller's context.
type Client struct {
	AuthToken string
	MaxFrame  int
}

var _ transport.Sender = (*Client)(nil)

func NewClient(authToken string, maxFrame int) *Client {
	if maxFrame <= 0 {
		maxFrame = MaxFrameSize
	}
	return &Client{AuthToken: authToken, MaxFrame: maxFrame}
}

func (c *Client) Send(ctx context.Context, p domain.Partner, env transport.Envelope) (transport.Ack, error) {
	t, err := transport.ParseAddress(p.Address)
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if t.Scheme != transport.SchemeSocket {
		return transport.Ack{}, fmt.Errorf("%w: %s is not a socket address", domain.ErrTransport, p.Address)
	}
	res, err := c.do(ctx, t.HostPort, &SocketRequest{Operation: int32(OperationDeliver), Deliver: fromEnvelope(env)})
	if err != nil {
		return transport.Ack{}, err
	}
	if res.Deliver == nil || !res.Deliver.Accepted {
		return transport.Ack{}, fmt.Errorf("%w: partner %s did not accept delivery", domain.ErrTransport, p.ID)
	}
	return transport.Ack{PartnerID: p.ID, Receipt: res.Deliver.Receipt, ReceivedAt: unixNanos(res.Deliver.ReceivedAtUtcNs)}, nil
}

// Ping returns the receiver's clock.
func (c *Client) Ping(ctx context.Context, hostPort string) (time.Time, error) {
	res, err := c.do(ctx, hostPort, &SocketRequest{Operation: int32(OperationPing), Ping: &PingRequest{}})
	if err != nil {
		return time.Time{}, err
	}
	if res.Pong == nil {
		return time.Time{}, fmt.Errorf("%w: empty pong", domain.ErrTransport)
	}
	return unixNanos(res.Pong.UnixTimeNs), nil
}

func (c *Client) Health(ctx context.Context, hostPort string) (bool, string, error) {
	res, err := c.do(ctx, hostPort, &SocketRequest{Operation: int32(OperationHealth)})
	if err != nil {
		return false, "", err
	}
	if res.Health == nil {
		return false, "", fmt.Errorf("%w: empty health response", domain.ErrTransport)
	}
	return res.Health.Ok, res.Health.Message, nil
}

// unixNanos maps the wire's zero to the zero time so callers can tell an
// unset clock from the epoch.
func unixNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (c *Client) do(ctx context.Context, hostPort string, req *SocketRequest) (*SocketResponse, error) {
	req.RequestId = uuid.NewString()
	req.AuthToken = c.AuthToken
	res, err := DialAndRequestLimit(ctx, "tcp", hostPort, req, c.MaxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransport, hostPort, err)
	}
	if res.RequestId != req.RequestId {
		return nil, fmt.Errorf("%w: %s: response for request %q, want %q", domain.ErrTransport, hostPort, res.RequestId, req.RequestId)
	}
	if res.ErrorCode != int32(ErrorCodeOK) {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransport, hostPort, Error(ErrorCode(res.ErrorCode), res.ErrorMessage))
	}
	return res, nil
}

// DialAndRequestLimit performs one request/response exchange. Cancelling ctx
// unblocks any pending read or write.
func DialAndRequestLimit(ctx context.Context, network, address string, req *SocketRequest, maxFrame int) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrameLimit(conn, payload, maxFrame); err != nil {
		return nil, err
	}
	frame, err := ReadFrameLimit(bufio.NewReader(conn), maxFrame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return UnmarshalResponse(frame)
}
