package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"distreg/internal/domain"
	"distreg/internal/obs"
	"distreg/internal/transport"
)

type Config struct {
	Network, Address, AuthToken   string
	MaxInflight, GlobalQueueLimit int
	Workers                       int
	MaxFrame                      int
	// PartnerID, when set, rejects deliveries addressed to another partner.
	PartnerID string
	// KeyTTL, when positive, rejects deliveries whose distribution key is older.
	KeyTTL    time.Duration
	TLSConfig *tls.Config
}

// Server is the partner-side receiver.
type Server struct {
	cfg      Config
	receiver Receiver
	log      *slog.Logger
	ln       net.Listener
	addr     atomic.Value
	globalQ  chan struct{}
	work     chan queuedRequest
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[*connection]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	gone     chan struct{}
}

func NewServer(cfg Config, receiver Receiver, log *slog.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = MaxFrameSize
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if log == nil {
		log = obs.Discard()
	}
	return &Server{
		cfg:      cfg,
		receiver: receiver,
		log:      log,
		globalQ:  make(chan struct{}, cfg.GlobalQueueLimit),
		work:     make(chan queuedRequest, cfg.GlobalQueueLimit),
		done:     make(chan struct{}),
		conns:    map[*connection]struct{}{},
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("partner receiver listening", "addr", ln.Addr().String(), "partner_id", s.cfg.PartnerID)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight), gone: make(chan struct{})}
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.connMu.Unlock()

	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
			close(conn.gone)
			_ = raw.Close()
		}()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.gone:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				continue
			}
			if err := WriteFrameLimit(w, payload, s.cfg.MaxFrame); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrameLimit(r, s.cfg.MaxFrame)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "receiver queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		select {
		case s.work <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "work queue overloaded"})
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-s.work:
			res := s.handleRequest(req.ctx, req.req)
			req.release()
			s.send(req.conn, res)
		}
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	case <-conn.gone:
	default:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.receiver.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationDeliver:
		return s.handleDeliver(ctx, req, res)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) handleDeliver(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	env := toEnvelope(req.Deliver)
	if err := (Admission{PartnerID: s.cfg.PartnerID, KeyTTL: s.cfg.KeyTTL}).Admit(env); err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeIntegrity), "payload does not match checksum"
			return res
		}
		return badReq(req, err.Error())
	}

	rc, err := s.receiver.Accept(ctx, env)
	if err != nil {
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
		return res
	}
	res.Deliver = &DeliverResponse{Accepted: true, Receipt: rc.ID, ReceivedAtUtcNs: rc.ReceivedAt.UnixNano(), Duplicate: rc.Duplicate}
	return res
}

func toEnvelope(d *DeliverRequest) transport.Envelope {
	return transport.Envelope{
		DispatchID:    d.DispatchId,
		PackageID:     d.PackageId,
		Name:          d.Name,
		Version:       int(d.Version),
		Checksum:      d.Checksum,
		Payload:       d.Payload,
		PriorityClass: domain.PriorityClass(d.PriorityClass),
		Key:           d.DistributionKey,
		SourceTenant:  d.SourceTenant,
		PartnerID:     d.PartnerId,
		SentAt:        time.Unix(0, d.SentAtUtcNs).UTC(),
	}
}

func fromEnvelope(env transport.Envelope) *DeliverRequest {
	return &DeliverRequest{
		DispatchId:      env.DispatchID,
		PackageId:       env.PackageID,
		Name:            env.Name,
		Version:         int64(env.Version),
		Checksum:        env.Checksum,
		Payload:         env.Payload,
		PriorityClass:   string(env.PriorityClass),
		DistributionKey: env.Key,
		SourceTenant:    env.SourceTenant,
		PartnerId:       env.PartnerID,
		SentAtUtcNs:     env.SentAt.UTC().UnixNano(),
	}
}
