package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloakchat/cloakchat/internal/crypto/e2e"
	"github.com/cloakchat/cloakchat/internal/history"
	"github.com/cloakchat/cloakchat/internal/presence"
	"github.com/cloakchat/cloakchat/internal/wire"
)

const (
	defaultSendBuffer = 32
	// An envelope sealed with a 16-byte auth tag can never be smaller.
	minSealedBytes = 16
)

// Stream is one client's frame transport. Recv blocks until a message
// arrives or the connection fails; Send writes a pre-encoded frame.
type Stream interface {
	Recv() ([]byte, error)
	Send(raw []byte) error
}

// RelayOptions configures observability and connection policy.
type RelayOptions struct {
	Metrics    *relayMetrics
	Auth       Authenticator
	SendBuffer int
}

// RelayService accepts client streams, tracks presence, and routes
// handshake and message frames between peers. Message payloads pass
// through opaque; the relay never holds a decryption key.
type RelayService struct {
	log      *zap.Logger
	presence *presence.Registry
	history  history.Store
	metrics  *relayMetrics
	auth     Authenticator

	sendBuffer int

	mu    sync.Mutex
	conns map[*clientConn]struct{}
}

// NewRelayService wires dependencies for the stream handler.
func NewRelayService(log *zap.Logger, reg *presence.Registry, store history.Store, opts RelayOptions) *RelayService {
	if reg == nil {
		reg = presence.NewRegistry()
	}
	svc := &RelayService{
		log:        log,
		presence:   reg,
		history:    store,
		metrics:    opts.Metrics,
		auth:       opts.Auth,
		sendBuffer: opts.SendBuffer,
		conns:      make(map[*clientConn]struct{}),
	}
	if svc.sendBuffer <= 0 {
		svc.sendBuffer = defaultSendBuffer
	}
	return svc
}

// Open handles one client stream from connect to disconnect.
func (s *RelayService) Open(ctx context.Context, stream Stream) error {
	raw, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("read connect frame: %w", err)
	}

	first, err := decodeFrame(raw)
	if err != nil || first.Kind != wire.KindConnect {
		s.sendError(stream, "INVALID_FRAME", "first frame must be connect")
		s.recordError("INVALID_FRAME")
		return errors.New("first frame must be connect")
	}

	start := time.Now()
	conn, err := s.handleConnect(ctx, first.Connect)
	if err != nil {
		s.observe("connect", start, err)
		var rerr *routeError
		if errors.As(err, &rerr) {
			s.sendError(stream, rerr.code, rerr.msg)
		}
		return err
	}
	s.observe("connect", start, nil)
	defer s.cleanupConn(conn)

	go s.sender(stream, conn)
	if closer, ok := stream.(io.Closer); ok {
		// Unblocks the read loop when the connection is superseded or
		// killed for backpressure.
		go func() {
			<-conn.ctx.Done()
			_ = closer.Close()
		}()
	}

	if err := s.pushFrame(conn, &wire.Frame{
		Kind: wire.KindConnectAck,
		ConnectAck: &wire.ConnectAck{
			Identity: conn.identity,
			Present:  s.presentExcept(conn.identity),
		},
	}); err != nil {
		return err
	}
	if conn.announce {
		s.broadcastPresence(conn.identity, true)
	}

	for {
		raw, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) || errors.Is(recvErr, context.Canceled) || conn.ctx.Err() != nil {
				return nil
			}
			s.log.Warn("stream recv failed", zap.Error(recvErr), zap.String("identity", conn.identity))
			return recvErr
		}

		start := time.Now()
		frame, decErr := decodeFrame(raw)
		if decErr != nil {
			rerr := &routeError{code: "INVALID_FRAME", msg: "malformed frame"}
			s.observe("decode", start, rerr)
			_ = s.pushFrame(conn, errorFrame(rerr.code, rerr.msg))
			continue
		}

		op := metricOp(frame)
		if err := s.routeFrame(conn, frame); err != nil {
			s.observe(op, start, err)
			var rerr *routeError
			if errors.As(err, &rerr) {
				_ = s.pushFrame(conn, errorFrameFor(frame.Kind, rerr))
				if rerr.fatal {
					return err
				}
				continue
			}
			return err
		}
		s.observe(op, start, nil)
	}
}

func (s *RelayService) handleConnect(parentCtx context.Context, connect *wire.Connect) (*clientConn, error) {
	if connect.Identity == "" {
		return nil, &routeError{code: "UNAUTHENTICATED", msg: "identity required", fatal: true}
	}
	if s.auth != nil {
		if err := s.auth.Authenticate(connect.Identity, connect.AuthToken); err != nil {
			return nil, &routeError{code: "UNAUTHENTICATED", msg: "auth token rejected", fatal: true}
		}
	}

	ctx, cancel := context.WithCancel(parentCtx)
	conn := &clientConn{
		identity:    connect.Identity,
		sendCh:      make(chan []byte, s.sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}

	superseded, replaced := s.presence.Connect(conn.identity, conn)
	if replaced {
		// The previous connection is torn down without an offline
		// broadcast; peers never see the identity flap.
		_ = superseded.Close()
		s.recordSupersession()
	}
	conn.announce = !replaced

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.incConn()

	s.log.Info("client connected",
		zap.String("identity", conn.identity),
		zap.Bool("superseded_previous", replaced))
	return conn, nil
}

func (s *RelayService) routeFrame(conn *clientConn, frame *wire.Frame) error {
	s.presence.Touch(conn.identity)
	switch frame.Kind {
	case wire.KindInitiate:
		return s.forwardHandshake(conn, wire.KindInitiate, frame.Initiate)
	case wire.KindAccept:
		return s.forwardHandshake(conn, wire.KindAccept, frame.Accept)
	case wire.KindSend:
		return s.handleSend(conn, frame.Send)
	case wire.KindHistoryRequest:
		return s.handleHistory(conn, frame.HistoryRequest)
	case wire.KindConnect:
		return &routeError{code: "INVALID_FRAME", msg: "connect already completed", fatal: true}
	default:
		return &routeError{code: "INVALID_FRAME", msg: "unsupported frame"}
	}
}

func (s *RelayService) forwardHandshake(conn *clientConn, kind wire.Kind, hs *wire.Handshake) error {
	if hs.To == "" {
		return &routeError{code: "INVALID_FRAME", msg: "handshake target required"}
	}
	if hs.To == conn.identity {
		return &routeError{code: "SELF_ADDRESSED", msg: "cannot handshake with self", peer: hs.To}
	}
	if err := e2e.ValidatePublicKey(hs.PublicKey); err != nil {
		return &routeError{code: "INVALID_FRAME", msg: "malformed public key", peer: hs.To}
	}

	target, ok := s.presence.Lookup(hs.To)
	if !ok {
		return &routeError{code: "PEER_OFFLINE", msg: fmt.Sprintf("%s is not connected", hs.To), peer: hs.To}
	}

	// From is stamped by the relay so handshakes cannot be spoofed.
	out := &wire.Frame{Kind: kind}
	forwarded := &wire.Handshake{
		To:        hs.To,
		From:      conn.identity,
		PublicKey: append([]byte(nil), hs.PublicKey...),
	}
	if kind == wire.KindInitiate {
		out.Initiate = forwarded
	} else {
		out.Accept = forwarded
	}

	if err := deliverFrame(target, out); err != nil {
		return &routeError{code: "PEER_OFFLINE", msg: fmt.Sprintf("%s went away", hs.To), peer: hs.To}
	}
	s.recordHandshake(string(kind))
	return nil
}

func (s *RelayService) handleSend(conn *clientConn, send *wire.Send) error {
	if send.To == "" {
		return &routeError{code: "INVALID_FRAME", msg: "recipient required"}
	}
	if send.To == conn.identity {
		return &routeError{code: "SELF_ADDRESSED", msg: "cannot message self", peer: send.To}
	}
	if len(send.Ciphertext) == 0 || len(send.Nonce) != e2e.NonceSize {
		return &routeError{code: "INVALID_FRAME", msg: "sealed envelope malformed", peer: send.To}
	}
	if len(send.Ciphertext)+len(send.Tag) < minSealedBytes {
		return &routeError{code: "INVALID_FRAME", msg: "sealed envelope too small", peer: send.To}
	}

	env := history.Envelope{
		MessageID:  uuid.NewString(),
		From:       conn.identity,
		To:         send.To,
		Ciphertext: append([]byte(nil), send.Ciphertext...),
		Nonce:      append([]byte(nil), send.Nonce...),
		Tag:        append([]byte(nil), send.Tag...),
		CreatedAt:  time.Now().UTC(),
	}

	// Save-then-forward: nothing reaches the recipient unless it is
	// already durable.
	if err := s.history.Append(conn.ctx, env); err != nil {
		if errors.Is(err, history.ErrSelfAddressed) {
			return &routeError{code: "SELF_ADDRESSED", msg: "cannot message self", peer: send.To}
		}
		s.log.Error("append envelope", zap.Error(err), zap.String("from", env.From), zap.String("to", env.To))
		return &routeError{code: "PERSISTENCE", msg: "message not stored", peer: send.To}
	}
	s.recordStore()

	if err := s.pushFrame(conn, &wire.Frame{
		Kind:    wire.KindSendAck,
		SendAck: &wire.SendAck{MessageID: env.MessageID},
	}); err != nil {
		return err
	}

	target, ok := s.presence.Lookup(send.To)
	if !ok {
		s.recordRelay("offline")
		return nil
	}
	deliver := &wire.Frame{
		Kind: wire.KindDeliver,
		Deliver: &wire.Deliver{
			MessageID:  env.MessageID,
			From:       env.From,
			Ciphertext: env.Ciphertext,
			Nonce:      env.Nonce,
			Tag:        env.Tag,
			CreatedAt:  env.CreatedAt,
		},
	}
	if err := deliverFrame(target, deliver); err != nil {
		s.recordRelay("backpressure")
		s.log.Warn("deliver dropped", zap.String("to", send.To), zap.Error(err))
		return nil
	}
	s.recordRelay("delivered")
	return nil
}

func (s *RelayService) handleHistory(conn *clientConn, req *wire.HistoryRequest) error {
	if req.Peer == "" {
		return &routeError{code: "INVALID_FRAME", msg: "peer required"}
	}

	envs, err := s.history.Between(conn.ctx, conn.identity, req.Peer, req.Limit)
	if err != nil {
		s.log.Error("load history", zap.Error(err), zap.String("identity", conn.identity), zap.String("peer", req.Peer))
		return &routeError{code: "PERSISTENCE", msg: "history unavailable", peer: req.Peer}
	}

	out := make([]wire.Envelope, 0, len(envs))
	for _, env := range envs {
		out = append(out, wire.Envelope{
			MessageID:  env.MessageID,
			From:       env.From,
			To:         env.To,
			Ciphertext: env.Ciphertext,
			Nonce:      env.Nonce,
			Tag:        env.Tag,
			CreatedAt:  env.CreatedAt,
		})
	}
	s.recordHistory()
	return s.pushFrame(conn, &wire.Frame{
		Kind:            wire.KindHistoryResponse,
		HistoryResponse: &wire.HistoryResponse{Peer: req.Peer, Envelopes: out},
	})
}

func (s *RelayService) sender(stream Stream, conn *clientConn) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case raw := <-conn.sendCh:
			if err := stream.Send(raw); err != nil {
				s.log.Warn("stream send failed", zap.Error(err), zap.String("identity", conn.identity))
				conn.cancel()
				return
			}
		}
	}
}

// pushFrame queues a frame for the session's own stream. A full buffer
// is fatal for the connection; a client that cannot drain acks has
// effectively stalled.
func (s *RelayService) pushFrame(conn *clientConn, frame *wire.Frame) error {
	if err := deliverFrame(conn, frame); err != nil {
		return &routeError{code: "BACKPRESSURE", msg: "send buffer full", fatal: true}
	}
	return nil
}

func (s *RelayService) cleanupConn(conn *clientConn) {
	conn.cancel()

	removed := s.presence.Disconnect(conn.identity, conn)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.decConn()

	if removed {
		s.broadcastPresence(conn.identity, false)
	}
	s.log.Info("client disconnected",
		zap.String("identity", conn.identity),
		zap.Bool("superseded", !removed))
}

// broadcastPresence pushes a presence_changed frame to every other
// present identity. Delivery is best effort.
func (s *RelayService) broadcastPresence(identity string, online bool) {
	frame := &wire.Frame{
		Kind:            wire.KindPresenceChanged,
		PresenceChanged: &wire.PresenceChanged{Identity: identity, Online: online},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, id := range s.presence.ListPresent() {
		if id == identity {
			continue
		}
		if t, ok := s.presence.Lookup(id); ok {
			_ = t.Deliver(raw)
		}
	}
}

func (s *RelayService) presentExcept(identity string) []string {
	all := s.presence.ListPresent()
	out := all[:0]
	for _, id := range all {
		if id != identity {
			out = append(out, id)
		}
	}
	return out
}

// Stats reports live counters for the admin surface.
func (s *RelayService) Stats(ctx context.Context) (RelayStats, error) {
	stored, err := s.history.Count(ctx)
	if err != nil {
		return RelayStats{}, err
	}
	return RelayStats{
		Present:        s.presence.ListPresent(),
		Connections:    s.presence.Len(),
		StoredMessages: stored,
	}, nil
}

// RelayStats is the admin stats payload.
type RelayStats struct {
	Present        []string `json:"present"`
	Connections    int      `json:"connections"`
	StoredMessages int64    `json:"stored_messages"`
}

func (s *RelayService) sendError(stream Stream, code, msg string) {
	raw, err := json.Marshal(errorFrame(code, msg))
	if err != nil {
		return
	}
	_ = stream.Send(raw)
}

func (s *RelayService) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		s.metrics.recordError(code)
	}
}

func (s *RelayService) incConn()                 { s.metrics.incConn() }
func (s *RelayService) decConn()                 { s.metrics.decConn() }
func (s *RelayService) recordError(code string)  { s.metrics.recordError(code) }
func (s *RelayService) recordStore()             { s.metrics.recordStore() }
func (s *RelayService) recordRelay(out string)   { s.metrics.recordRelay(out) }
func (s *RelayService) recordHandshake(k string) { s.metrics.recordHandshake(k) }
func (s *RelayService) recordHistory()           { s.metrics.recordHistory() }
func (s *RelayService) recordSupersession()      { s.metrics.recordSupersession() }

func decodeFrame(raw []byte) (*wire.Frame, error) {
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return &frame, nil
}

func deliverFrame(t presence.Transport, frame *wire.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.Deliver(raw)
}

func errorFrame(code, msg string) *wire.Frame {
	return &wire.Frame{
		Kind:  wire.KindError,
		Error: &wire.Error{Code: code, Message: msg},
	}
}

// errorFrameFor stamps the rejected frame's kind and target onto the
// error so it is attributable on the client side.
func errorFrameFor(kind wire.Kind, rerr *routeError) *wire.Frame {
	return &wire.Frame{
		Kind:  wire.KindError,
		Error: &wire.Error{Code: rerr.code, Message: rerr.msg, Frame: kind, Peer: rerr.peer},
	}
}

func metricOp(frame *wire.Frame) string {
	switch frame.Kind {
	case wire.KindInitiate, wire.KindAccept, wire.KindSend, wire.KindHistoryRequest:
		return string(frame.Kind)
	default:
		return "unknown"
	}
}

// clientConn is one authenticated connection. It doubles as the
// presence transport for its identity.
type clientConn struct {
	identity    string
	sendCh      chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
	announce    bool
}

var errSendBufferFull = errors.New("send buffer full")

// Deliver queues an encoded frame. A full buffer kills the connection
// rather than blocking the rest of the relay behind one slow client.
func (c *clientConn) Deliver(raw []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- raw:
		return nil
	default:
		c.cancel()
		return errSendBufferFull
	}
}

func (c *clientConn) Close() error {
	c.cancel()
	return nil
}

// routeError maps application-level validation to error frames. peer
// names the frame's target when one exists; it is echoed back so the
// client can tie the error to the right pending request.
type routeError struct {
	code  string
	msg   string
	peer  string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}
