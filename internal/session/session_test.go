package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cloakchat/cloakchat/internal/keystore"
)

func openBackend(t *testing.T, dir, pass string) keystore.Backend {
	t.Helper()
	b := keystore.NewFileBackend(filepath.Join(dir, "sessions.sealed"))
	if err := b.Initialize(context.Background(), pass); err != nil && !errors.Is(err, keystore.ErrAlreadyExists) {
		t.Fatalf("initialize keystore: %v", err)
	}
	if err := b.Unlock(context.Background(), pass); err != nil {
		t.Fatalf("unlock keystore: %v", err)
	}
	return b
}

// handshake runs the full initiator/responder exchange between two
// managers and fails the test if either side does not establish.
func handshake(t *testing.T, a, b *Manager) {
	t.Helper()
	ctx := context.Background()

	aPub, restored, err := a.Open(ctx, b.SelfID())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if restored {
		t.Fatalf("open reported restored for a fresh pair")
	}
	bPub, err := b.HandleInitiate(ctx, a.SelfID(), aPub)
	if err != nil {
		t.Fatalf("handle initiate: %v", err)
	}
	if err := a.HandleAccept(ctx, b.SelfID(), bPub); err != nil {
		t.Fatalf("handle accept: %v", err)
	}

	if !a.Established(b.SelfID()) || !b.Established(a.SelfID()) {
		t.Fatalf("states after handshake: a=%s b=%s",
			a.State(b.SelfID()), b.State(a.SelfID()))
	}
}

func roundTrip(t *testing.T, from, to *Manager, msg string) {
	t.Helper()
	ct, nonce, tag, err := from.Encrypt(to.SelfID(), []byte(msg))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := to.Decrypt(from.SelfID(), ct, nonce, tag)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != msg {
		t.Fatalf("round trip produced %q, want %q", pt, msg)
	}
}

func TestHandshakeEstablishesSharedKey(t *testing.T) {
	alice := NewManager("alice", nil)
	bob := NewManager("bob", nil)

	handshake(t, alice, bob)
	roundTrip(t, alice, bob, "hello bob")
	roundTrip(t, bob, alice, "hello alice")
}

func TestOpenReusesPendingKeyPair(t *testing.T) {
	alice := NewManager("alice", nil)
	ctx := context.Background()

	first, _, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, _, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("outstanding initiate regenerated its key pair")
	}
	if got := alice.State("bob"); got != StateInitiated {
		t.Fatalf("state = %s, want %s", got, StateInitiated)
	}
}

func TestSimultaneousInitiateConverges(t *testing.T) {
	alice := NewManager("alice", nil)
	bob := NewManager("bob", nil)
	ctx := context.Background()

	aPub, _, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("alice open: %v", err)
	}
	bPub, _, err := bob.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("bob open: %v", err)
	}

	// Each side sees the other's initiate before any accept. The
	// retained key pairs must make both derive the same key.
	aAccept, err := alice.HandleInitiate(ctx, "bob", bPub)
	if err != nil {
		t.Fatalf("alice handle initiate: %v", err)
	}
	bAccept, err := bob.HandleInitiate(ctx, "alice", aPub)
	if err != nil {
		t.Fatalf("bob handle initiate: %v", err)
	}

	// The crossed accepts land after both sides are established and
	// must not perturb the agreed key.
	if err := alice.HandleAccept(ctx, "bob", bAccept); err != nil {
		t.Fatalf("alice handle accept: %v", err)
	}
	if err := bob.HandleAccept(ctx, "alice", aAccept); err != nil {
		t.Fatalf("bob handle accept: %v", err)
	}

	roundTrip(t, alice, bob, "crossed in flight")
	roundTrip(t, bob, alice, "still one key")
}

func TestAcceptOutOfState(t *testing.T) {
	alice := NewManager("alice", nil)
	bob := NewManager("bob", nil)
	ctx := context.Background()

	bPub, _, err := bob.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := alice.HandleAccept(ctx, "bob", bPub); !errors.Is(err, ErrOutOfState) {
		t.Fatalf("accept while idle returned %v, want ErrOutOfState", err)
	}
}

func TestEncryptRequiresEstablishedSession(t *testing.T) {
	alice := NewManager("alice", nil)

	if _, _, _, err := alice.Encrypt("bob", []byte("too soon")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("encrypt before handshake returned %v, want ErrNotEstablished", err)
	}
	if _, _, err := alice.Open(context.Background(), "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, _, err := alice.Encrypt("bob", []byte("still too soon")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("encrypt while initiated returned %v, want ErrNotEstablished", err)
	}
}

func TestInitiateWhileEstablishedRekeys(t *testing.T) {
	alice := NewManager("alice", nil)
	bob := NewManager("bob", nil)
	ctx := context.Background()

	handshake(t, alice, bob)

	// Bob starts over; Alice answers the new initiate and both sides
	// must converge on the superseding key.
	bob2 := NewManager("bob", nil)
	bPub, _, err := bob2.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	aPub, err := alice.HandleInitiate(ctx, "bob", bPub)
	if err != nil {
		t.Fatalf("handle superseding initiate: %v", err)
	}
	if err := bob2.HandleAccept(ctx, "alice", aPub); err != nil {
		t.Fatalf("handle accept: %v", err)
	}

	roundTrip(t, alice, bob2, "fresh key")
	roundTrip(t, bob2, alice, "both directions")
}

func TestRestoreFromKeystore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	aliceStore := openBackend(t, dir, "alice-pass")
	alice := NewManager("alice", aliceStore)
	bob := NewManager("bob", nil)
	handshake(t, alice, bob)

	// A new manager over the same keystore must come back Established
	// without a handshake and still share Bob's key.
	reloaded := openBackend(t, dir, "alice-pass")
	alice2 := NewManager("alice", reloaded)
	pub, restored, err := alice2.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	if !restored {
		t.Fatalf("open did not restore the persisted session")
	}
	if pub != nil {
		t.Fatalf("restored open returned a handshake key")
	}

	roundTrip(t, alice2, bob, "survived restart")
	roundTrip(t, bob, alice2, "same key both ways")
}

func TestForgetDropsSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	alice := NewManager("alice", openBackend(t, dir, "pass"))
	bob := NewManager("bob", nil)
	handshake(t, alice, bob)

	if err := alice.Forget(ctx, "bob"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, _, _, err := alice.Encrypt("bob", []byte("gone")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("encrypt after forget returned %v, want ErrNotEstablished", err)
	}

	pub, restored, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if restored || pub == nil {
		t.Fatalf("forgotten pair restored instead of starting fresh")
	}
}

func TestHandleInitiateRejectsMalformedKey(t *testing.T) {
	alice := NewManager("alice", nil)
	if _, err := alice.HandleInitiate(context.Background(), "bob", []byte{0x04, 0x01}); err == nil {
		t.Fatalf("malformed peer key accepted")
	}
}
