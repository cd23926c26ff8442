package keystore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}

	key3 := deriveMasterKey("different", salt)
	if string(key1) == string(key3) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestPairIDSymmetric(t *testing.T) {
	if PairID("u1", "u2") != PairID("u2", "u1") {
		t.Fatal("expected pair id to be order independent")
	}
	if PairID("u1", "u2") == PairID("u1", "u3") {
		t.Fatal("expected distinct pairs to map to distinct ids")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	rec := SessionRecord{
		SelfID:     "u1",
		PeerID:     "u2",
		PrivateKey: bytes.Repeat([]byte{0x03}, 32),
		PeerPublic: bytes.Repeat([]byte{0x04}, 65),
	}
	if err := backend.StoreSession(ctx, rec); err != nil {
		t.Fatalf("store session: %v", err)
	}

	// Fresh backend against the same file must see the record after unlock.
	reopened := NewFileBackend(path)
	if err := reopened.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock keystore: %v", err)
	}
	loaded, err := reopened.LoadSession(ctx, PairID("u2", "u1"))
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if loaded.SelfID != "u1" || loaded.PeerID != "u2" {
		t.Fatalf("unexpected identities %s/%s", loaded.SelfID, loaded.PeerID)
	}
	if !bytes.Equal(loaded.PrivateKey, rec.PrivateKey) || !bytes.Equal(loaded.PeerPublic, rec.PeerPublic) {
		t.Fatal("key material did not survive the round trip")
	}
	if loaded.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}

	ids, err := reopened.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != PairID("u1", "u2") {
		t.Fatalf("unexpected session list %v", ids)
	}
}

func TestStoreSessionSupersedesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	first := SessionRecord{
		SelfID:     "u1",
		PeerID:     "u2",
		PrivateKey: bytes.Repeat([]byte{0x01}, 32),
		PeerPublic: bytes.Repeat([]byte{0x02}, 65),
	}
	if err := backend.StoreSession(ctx, first); err != nil {
		t.Fatalf("store first: %v", err)
	}

	second := SessionRecord{
		SelfID:     "u2",
		PeerID:     "u1",
		PrivateKey: bytes.Repeat([]byte{0x05}, 32),
		PeerPublic: bytes.Repeat([]byte{0x06}, 65),
	}
	if err := backend.StoreSession(ctx, second); err != nil {
		t.Fatalf("store second: %v", err)
	}

	loaded, err := backend.LoadSession(ctx, PairID("u1", "u2"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.PrivateKey, second.PrivateKey) {
		t.Fatal("expected the superseding record to win")
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at on supersede")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.StoreSession(ctx, SessionRecord{
		SelfID:     "u1",
		PeerID:     "u2",
		PrivateKey: bytes.Repeat([]byte{0x01}, 32),
		PeerPublic: bytes.Repeat([]byte{0x02}, 65),
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	other := NewFileBackend(path)
	if err := other.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestLockedBackendRejectsOperations(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()

	if _, err := backend.LoadSession(ctx, "a|b"); !errors.Is(err, ErrLocked) {
		t.Fatalf("load: expected ErrLocked, got %v", err)
	}
	if err := backend.StoreSession(ctx, SessionRecord{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("store: expected ErrLocked, got %v", err)
	}
	if err := backend.Unlock(ctx, "pw"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("unlock: expected ErrNotInitialized, got %v", err)
	}
}

func TestLoadSessionMissingPair(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := backend.LoadSession(ctx, PairID("u1", "u9")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionRecordValidation(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cases := map[string]SessionRecord{
		"missing self": {PeerID: "u2", PrivateKey: []byte{1}, PeerPublic: []byte{2}},
		"missing peer": {SelfID: "u1", PrivateKey: []byte{1}, PeerPublic: []byte{2}},
		"self paired":  {SelfID: "u1", PeerID: "u1", PrivateKey: []byte{1}, PeerPublic: []byte{2}},
		"no private":   {SelfID: "u1", PeerID: "u2", PeerPublic: []byte{2}},
		"no public":    {SelfID: "u1", PeerID: "u2", PrivateKey: []byte{1}},
	}
	for name, rec := range cases {
		if err := backend.StoreSession(ctx, rec); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("%s: expected ErrInvalidSession, got %v", name, err)
		}
	}
}
