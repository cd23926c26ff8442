// Package session tracks per-conversation handshake state on the
// client side and owns the derived symmetric keys. The relay never sees
// this package's state; it only forwards the public halves.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloakchat/cloakchat/internal/crypto/e2e"
	"github.com/cloakchat/cloakchat/internal/keystore"
)

// State is the handshake progress for one conversation.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateRestored
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateRestored:
		return "restored"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotEstablished rejects encrypt/decrypt before a session key
	// exists for the pair.
	ErrNotEstablished = errors.New("session not established")
	// ErrOutOfState rejects handshake messages the state machine has
	// no defined transition for.
	ErrOutOfState = errors.New("handshake message out of state")
)

// conversation is the per-pair state machine instance.
type conversation struct {
	peerID     string
	state      State
	keyPair    e2e.KeyPair
	hasKeyPair bool
	peerPublic []byte
	key        []byte
	restored   bool
}

// Manager owns every conversation for one identity. All transitions are
// atomic under a single mutex, so a simultaneous initiate from the peer
// can never observe a half-applied state.
type Manager struct {
	selfID string
	store  keystore.Backend

	mu            sync.Mutex
	conversations map[string]*conversation
}

// NewManager builds a session manager for the given identity. The
// keystore backend may be nil; sessions are then memory-only and cannot
// be restored across restarts.
func NewManager(selfID string, store keystore.Backend) *Manager {
	return &Manager{
		selfID:        selfID,
		store:         store,
		conversations: make(map[string]*conversation),
	}
}

// SelfID returns the identity this manager belongs to.
func (m *Manager) SelfID() string {
	return m.selfID
}

// Open prepares a conversation with a peer. If a persisted session
// exists, the key is re-derived locally (Idle → Restored → Established)
// and no handshake message is needed. Otherwise a key pair is generated
// (or reused if an initiate is already outstanding) and its public key
// is returned for an initiate frame.
func (m *Manager) Open(ctx context.Context, peerID string) (publicKey []byte, restored bool, err error) {
	if peerID == m.selfID {
		return nil, false, errors.New("cannot open a conversation with self")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.conversation(peerID)
	switch conv.state {
	case StateEstablished:
		return nil, conv.restored, nil
	case StateInitiated:
		// An initiate is outstanding; hand back the same public key.
		// Regenerating here would desynchronize the pending handshake.
		return append([]byte(nil), conv.keyPair.Public...), false, nil
	}

	if rec, loadErr := m.loadRecord(ctx, peerID); loadErr == nil {
		conv.state = StateRestored
		if err := conv.establish(rec.PrivateKey, rec.PeerPublic); err == nil {
			conv.restored = true
			return nil, true, nil
		}
		// Unusable stored material; fall through to a fresh handshake.
		conv.state = StateIdle
	} else if !errors.Is(loadErr, keystore.ErrNoSession) {
		return nil, false, loadErr
	}

	kp, err := e2e.GenerateKeyPair(nil)
	if err != nil {
		return nil, false, fmt.Errorf("generate handshake key pair: %w", err)
	}
	conv.keyPair = kp
	conv.hasKeyPair = true
	conv.state = StateInitiated
	return append([]byte(nil), kp.Public...), false, nil
}

// HandleInitiate processes a peer's initiate and completes the
// responder half: derive the session key, persist it, and return our
// public key for the accept reply.
//
// If our own initiate is already outstanding (both sides initiated
// concurrently) the retained key pair is used, so both sides still
// converge on the same key. An initiate arriving while Established is a
// superseding re-key with fresh material.
func (m *Manager) HandleInitiate(ctx context.Context, peerID string, peerPublic []byte) ([]byte, error) {
	if err := e2e.ValidatePublicKey(peerPublic); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.conversation(peerID)
	if conv.state != StateInitiated || !conv.hasKeyPair {
		kp, err := e2e.GenerateKeyPair(nil)
		if err != nil {
			return nil, fmt.Errorf("generate handshake key pair: %w", err)
		}
		conv.keyPair = kp
		conv.hasKeyPair = true
	}

	if err := conv.establish(conv.keyPair.Private, peerPublic); err != nil {
		return nil, err
	}
	if err := m.persist(ctx, conv); err != nil {
		return nil, err
	}
	return append([]byte(nil), conv.keyPair.Public...), nil
}

// HandleAccept processes the peer's accept and completes the initiator
// half. Valid only while Initiated, or as a superseding re-key while
// Established; anything else is ErrOutOfState.
func (m *Manager) HandleAccept(ctx context.Context, peerID string, peerPublic []byte) error {
	if err := e2e.ValidatePublicKey(peerPublic); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.conversation(peerID)
	switch conv.state {
	case StateInitiated, StateEstablished:
		if !conv.hasKeyPair {
			return fmt.Errorf("%w: accept without a handshake key pair", ErrOutOfState)
		}
	default:
		return fmt.Errorf("%w: accept while %s", ErrOutOfState, conv.state)
	}

	if err := conv.establish(conv.keyPair.Private, peerPublic); err != nil {
		return err
	}
	return m.persist(ctx, conv)
}

// State reports the conversation's current handshake state.
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[keystore.PairID(m.selfID, peerID)]
	if !ok {
		return StateIdle
	}
	return conv.state
}

// Established reports whether a session key exists for the pair.
func (m *Manager) Established(peerID string) bool {
	return m.State(peerID) == StateEstablished
}

// Encrypt seals plaintext for a peer. Requiring an established session
// here is the precondition that keeps sends from racing the handshake.
func (m *Manager) Encrypt(peerID string, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	key, err := m.sessionKey(peerID)
	if err != nil {
		return nil, nil, nil, err
	}
	return e2e.Encrypt(key, plaintext)
}

// Decrypt opens a message from a peer with the pair's session key.
func (m *Manager) Decrypt(peerID string, ciphertext, nonce, tag []byte) ([]byte, error) {
	key, err := m.sessionKey(peerID)
	if err != nil {
		return nil, err
	}
	return e2e.Decrypt(key, ciphertext, nonce, tag)
}

// Forget drops a conversation's in-memory state and its persisted
// record.
func (m *Manager) Forget(ctx context.Context, peerID string) error {
	m.mu.Lock()
	pairID := keystore.PairID(m.selfID, peerID)
	if conv, ok := m.conversations[pairID]; ok {
		e2e.ZeroBytes(conv.key)
		e2e.ZeroBytes(conv.keyPair.Private)
		delete(m.conversations, pairID)
	}
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.DeleteSession(ctx, pairID)
}

func (m *Manager) conversation(peerID string) *conversation {
	pairID := keystore.PairID(m.selfID, peerID)
	conv, ok := m.conversations[pairID]
	if !ok {
		conv = &conversation{peerID: peerID, state: StateIdle}
		m.conversations[pairID] = conv
	}
	return conv
}

func (m *Manager) sessionKey(peerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[keystore.PairID(m.selfID, peerID)]
	if !ok || conv.state != StateEstablished {
		return nil, fmt.Errorf("%w: no key for peer %s", ErrNotEstablished, peerID)
	}
	return append([]byte(nil), conv.key...), nil
}

func (m *Manager) loadRecord(ctx context.Context, peerID string) (keystore.SessionRecord, error) {
	if m.store == nil {
		return keystore.SessionRecord{}, keystore.ErrNoSession
	}
	return m.store.LoadSession(ctx, keystore.PairID(m.selfID, peerID))
}

func (m *Manager) persist(ctx context.Context, conv *conversation) error {
	if m.store == nil {
		return nil
	}
	return m.store.StoreSession(ctx, keystore.SessionRecord{
		SelfID:     m.selfID,
		PeerID:     conv.peerID,
		PrivateKey: append([]byte(nil), conv.keyPair.Private...),
		PeerPublic: append([]byte(nil), conv.peerPublic...),
	})
}

// establish derives a fresh session key for the conversation,
// superseding any previous key in memory.
func (c *conversation) establish(private, peerPublic []byte) error {
	key, err := e2e.DeriveSharedKey(private, peerPublic)
	if err != nil {
		return err
	}
	e2e.ZeroBytes(c.key)
	c.key = key
	c.peerPublic = append([]byte(nil), peerPublic...)
	if !c.hasKeyPair {
		c.keyPair = e2e.KeyPair{Private: append([]byte(nil), private...)}
		c.hasKeyPair = true
	}
	c.state = StateEstablished
	return nil
}
