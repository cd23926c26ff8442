// Package client implements the relay protocol's client side: connect,
// handshake, encrypted send/receive, and history retrieval. All
// plaintext stays inside this package; the relay only ever sees sealed
// envelopes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloakchat/cloakchat/internal/session"
	"github.com/cloakchat/cloakchat/internal/wire"
)

const defaultDialTimeout = 10 * time.Second

// Message is a decrypted inbound message.
type Message struct {
	MessageID string
	Peer      string
	Plaintext []byte
	CreatedAt time.Time
}

// Options configures a relay client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL       string
	Identity  string
	AuthToken string

	// Sessions manages handshake state and keys. Required.
	Sessions *session.Manager

	Logger      *zap.Logger
	DialTimeout time.Duration

	// OnMessage is invoked from the read loop for each decrypted
	// inbound message. OnPresence is invoked on peer state changes.
	// Both may be nil.
	OnMessage  func(Message)
	OnPresence func(identity string, online bool)
}

// Client is one authenticated connection to a relay.
type Client struct {
	log      *zap.Logger
	opts     Options
	sessions *session.Manager
	ws       *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	present     map[string]bool
	ackWaiters  []chan ackResult
	histWaiters []chan histResult
	estWaiters  map[string][]chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type ackResult struct {
	messageID string
	err       error
}

type histResult struct {
	resp *wire.HistoryResponse
	err  error
}

// Dial connects, authenticates, and starts the read loop. The returned
// client is ready once the relay has acknowledged the identity.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" || opts.Identity == "" {
		return nil, errors.New("url and identity required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session manager required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Client{
		log:        opts.Logger,
		opts:       opts,
		sessions:   opts.Sessions,
		ws:         ws,
		present:    make(map[string]bool),
		estWaiters: make(map[string][]chan error),
		ctx:        runCtx,
		cancel:     runCancel,
		done:       make(chan struct{}),
	}

	if err := c.writeFrame(&wire.Frame{
		Kind:    wire.KindConnect,
		Connect: &wire.Connect{Identity: opts.Identity, AuthToken: opts.AuthToken},
	}); err != nil {
		_ = ws.Close()
		runCancel()
		return nil, err
	}

	// The relay registers presence before queueing the connect_ack, so
	// a broadcast about a concurrently connecting peer can arrive ahead
	// of the ack. Absorb those rather than failing the dial.
	var frame *wire.Frame
	for {
		frame, err = c.readFrame()
		if err != nil {
			_ = ws.Close()
			runCancel()
			return nil, fmt.Errorf("read connect_ack: %w", err)
		}
		if frame.Kind == wire.KindPresenceChanged {
			c.present[frame.PresenceChanged.Identity] = frame.PresenceChanged.Online
			continue
		}
		break
	}
	switch frame.Kind {
	case wire.KindConnectAck:
		for _, id := range frame.ConnectAck.Present {
			c.present[id] = true
		}
	case wire.KindError:
		_ = ws.Close()
		runCancel()
		return nil, fmt.Errorf("connect rejected: %s: %s", frame.Error.Code, frame.Error.Message)
	default:
		_ = ws.Close()
		runCancel()
		return nil, fmt.Errorf("unexpected %s frame before connect_ack", frame.Kind)
	}

	go c.readLoop()
	c.log.Info("connected to relay",
		zap.String("identity", opts.Identity),
		zap.Strings("present", frame.ConnectAck.Present))
	return c, nil
}

// Identity returns the identity this client connected as.
func (c *Client) Identity() string {
	return c.opts.Identity
}

// Present lists peers the relay reported online, including updates
// received since connect.
func (c *Client) Present() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.present))
	for id, online := range c.present {
		if online {
			out = append(out, id)
		}
	}
	return out
}

// OpenConversation makes a peer sendable: restore the persisted session
// if one exists, otherwise run the handshake and wait for the accept.
func (c *Client) OpenConversation(ctx context.Context, peer string) error {
	pub, restored, err := c.sessions.Open(ctx, peer)
	if err != nil {
		return err
	}
	if restored || c.sessions.Established(peer) {
		return nil
	}

	wait := c.establishWaiter(peer)
	if err := c.writeFrame(&wire.Frame{
		Kind:     wire.KindInitiate,
		Initiate: &wire.Handshake{To: peer, PublicKey: pub},
	}); err != nil {
		return err
	}

	select {
	case err := <-wait:
		if err != nil {
			return fmt.Errorf("handshake with %s: %w", peer, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("handshake with %s: %w", peer, ctx.Err())
	case <-c.ctx.Done():
		return errors.New("connection closed during handshake")
	}
}

// SendMessage encrypts plaintext for the peer and waits for the relay's
// durable ack. The returned id identifies the stored envelope.
func (c *Client) SendMessage(ctx context.Context, peer string, plaintext []byte) (string, error) {
	ct, nonce, tag, err := c.sessions.Encrypt(peer, plaintext)
	if err != nil {
		return "", err
	}

	ackCh := make(chan ackResult, 1)
	c.mu.Lock()
	c.ackWaiters = append(c.ackWaiters, ackCh)
	c.mu.Unlock()

	if err := c.writeFrame(&wire.Frame{
		Kind: wire.KindSend,
		Send: &wire.Send{To: peer, Ciphertext: ct, Nonce: nonce, Tag: tag},
	}); err != nil {
		return "", err
	}

	select {
	case res := <-ackCh:
		if res.err != nil {
			return "", res.err
		}
		return res.messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", errors.New("connection closed awaiting ack")
	}
}

// History fetches the stored conversation with a peer, oldest first,
// decrypting what the current session key can open. Envelopes that fail
// to open are returned with nil plaintext rather than dropped.
func (c *Client) History(ctx context.Context, peer string, limit int) ([]Message, error) {
	respCh := make(chan histResult, 1)
	c.mu.Lock()
	c.histWaiters = append(c.histWaiters, respCh)
	c.mu.Unlock()

	if err := c.writeFrame(&wire.Frame{
		Kind:           wire.KindHistoryRequest,
		HistoryRequest: &wire.HistoryRequest{Peer: peer, Limit: limit},
	}); err != nil {
		return nil, err
	}

	var resp *wire.HistoryResponse
	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		resp = res.resp
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, errors.New("connection closed awaiting history")
	}

	out := make([]Message, 0, len(resp.Envelopes))
	for _, env := range resp.Envelopes {
		msg := Message{
			MessageID: env.MessageID,
			Peer:      peer,
			CreatedAt: env.CreatedAt,
		}
		if pt, err := c.sessions.Decrypt(peer, env.Ciphertext, env.Nonce, env.Tag); err == nil {
			msg.Plaintext = pt
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close tears down the connection. Session state stays usable for a
// later Dial.
func (c *Client) Close() error {
	c.cancel()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.cancel()
	for {
		frame, err := c.readFrame()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("read loop stopped", zap.Error(err))
			}
			c.failWaiters(errors.New("connection lost"))
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame *wire.Frame) {
	switch frame.Kind {
	case wire.KindInitiate:
		c.handleInitiate(frame.Initiate)
	case wire.KindAccept:
		c.handleAccept(frame.Accept)
	case wire.KindDeliver:
		c.handleDeliver(frame.Deliver)
	case wire.KindSendAck:
		c.resolveAck(ackResult{messageID: frame.SendAck.MessageID})
	case wire.KindHistoryResponse:
		c.resolveHistory(histResult{resp: frame.HistoryResponse})
	case wire.KindPresenceChanged:
		c.handlePresence(frame.PresenceChanged)
	case wire.KindError:
		c.handleError(frame.Error)
	default:
		c.log.Debug("ignoring frame", zap.String("kind", string(frame.Kind)))
	}
}

func (c *Client) handleInitiate(hs *wire.Handshake) {
	pub, err := c.sessions.HandleInitiate(c.ctx, hs.From, hs.PublicKey)
	if err != nil {
		c.log.Warn("reject initiate", zap.Error(err), zap.String("from", hs.From))
		return
	}
	if err := c.writeFrame(&wire.Frame{
		Kind:   wire.KindAccept,
		Accept: &wire.Handshake{To: hs.From, PublicKey: pub},
	}); err != nil {
		c.log.Warn("send accept", zap.Error(err), zap.String("to", hs.From))
		return
	}
	c.resolveEstablish(hs.From, nil)
}

func (c *Client) handleAccept(hs *wire.Handshake) {
	if err := c.sessions.HandleAccept(c.ctx, hs.From, hs.PublicKey); err != nil {
		c.log.Warn("reject accept", zap.Error(err), zap.String("from", hs.From))
		return
	}
	c.resolveEstablish(hs.From, nil)
}

func (c *Client) handleDeliver(d *wire.Deliver) {
	pt, err := c.sessions.Decrypt(d.From, d.Ciphertext, d.Nonce, d.Tag)
	if err != nil {
		c.log.Warn("undecryptable message",
			zap.Error(err),
			zap.String("from", d.From),
			zap.String("message_id", d.MessageID))
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(Message{
			MessageID: d.MessageID,
			Peer:      d.From,
			Plaintext: pt,
			CreatedAt: d.CreatedAt,
		})
	}
}

func (c *Client) handlePresence(p *wire.PresenceChanged) {
	c.mu.Lock()
	c.present[p.Identity] = p.Online
	c.mu.Unlock()
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(p.Identity, p.Online)
	}
}

// handleError routes an error frame to the request it answers. The
// relay stamps the rejected frame's kind and target, and within one
// kind replies come back in request order on this single stream.
func (c *Client) handleError(e *wire.Error) {
	err := fmt.Errorf("relay rejected %s: %s: %s", e.Frame, e.Code, e.Message)
	switch e.Frame {
	case wire.KindSend:
		c.resolveAck(ackResult{err: err})
		return
	case wire.KindHistoryRequest:
		c.resolveHistory(histResult{err: err})
		return
	case wire.KindInitiate, wire.KindAccept:
		if e.Peer != "" {
			c.resolveEstablish(e.Peer, err)
			return
		}
	}
	c.log.Warn("relay error",
		zap.String("code", e.Code),
		zap.String("message", e.Message),
		zap.String("frame", string(e.Frame)))
}

func (c *Client) resolveAck(res ackResult) {
	c.mu.Lock()
	var ch chan ackResult
	if len(c.ackWaiters) > 0 {
		ch = c.ackWaiters[0]
		c.ackWaiters = c.ackWaiters[1:]
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (c *Client) resolveHistory(res histResult) {
	c.mu.Lock()
	var ch chan histResult
	if len(c.histWaiters) > 0 {
		ch = c.histWaiters[0]
		c.histWaiters = c.histWaiters[1:]
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (c *Client) failWaiters(err error) {
	c.mu.Lock()
	acks := c.ackWaiters
	c.ackWaiters = nil
	hists := c.histWaiters
	c.histWaiters = nil
	ests := c.estWaiters
	c.estWaiters = make(map[string][]chan error)
	c.mu.Unlock()
	for _, ch := range acks {
		ch <- ackResult{err: err}
	}
	for _, ch := range hists {
		ch <- histResult{err: err}
	}
	for _, waiters := range ests {
		for _, ch := range waiters {
			ch <- err
		}
	}
}

func (c *Client) establishWaiter(peer string) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan error, 1)
	c.estWaiters[peer] = append(c.estWaiters[peer], ch)
	return ch
}

func (c *Client) resolveEstablish(peer string, err error) {
	c.mu.Lock()
	waiters := c.estWaiters[peer]
	delete(c.estWaiters, peer)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

func (c *Client) writeFrame(frame *wire.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readFrame() (*wire.Frame, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return &frame, nil
}
