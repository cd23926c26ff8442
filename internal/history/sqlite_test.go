package history

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendEnvelope(t *testing.T, store *SQLiteStore, from, to string, body []byte) Envelope {
	t.Helper()
	env := Envelope{
		MessageID:  uuid.NewString(),
		From:       from,
		To:         to,
		Ciphertext: body,
		Nonce:      bytes.Repeat([]byte{0x0A}, 12),
	}
	if err := store.Append(context.Background(), env); err != nil {
		t.Fatalf("append: %v", err)
	}
	return env
}

func TestAppendAndBetweenOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Identical timestamps exercise the insertion-order tie break.
	fixed := time.Unix(5000, 0)
	store.nowFn = func() time.Time { return fixed }

	first := appendEnvelope(t, store, "u1", "u2", []byte("one"))
	second := appendEnvelope(t, store, "u2", "u1", []byte("two"))
	third := appendEnvelope(t, store, "u1", "u2", []byte("three"))
	appendEnvelope(t, store, "u1", "u3", []byte("other conversation"))

	got, err := store.Between(ctx, "u1", "u2", 50)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	for i, want := range []Envelope{first, second, third} {
		if got[i].MessageID != want.MessageID {
			t.Fatalf("position %d: expected %s, got %s", i, want.MessageID, got[i].MessageID)
		}
		if !bytes.Equal(got[i].Ciphertext, want.Ciphertext) || !bytes.Equal(got[i].Nonce, want.Nonce) {
			t.Fatalf("position %d: stored bytes mutated", i)
		}
		if got[i].Tag != nil {
			t.Fatalf("position %d: expected nil tag, got %x", i, got[i].Tag)
		}
	}
}

func TestBetweenPairSymmetric(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendEnvelope(t, store, "u1", "u2", []byte("a"))
	appendEnvelope(t, store, "u2", "u1", []byte("b"))

	forward, err := store.Between(ctx, "u1", "u2", 10)
	if err != nil {
		t.Fatalf("between forward: %v", err)
	}
	reverse, err := store.Between(ctx, "u2", "u1", 10)
	if err != nil {
		t.Fatalf("between reverse: %v", err)
	}
	if len(forward) != len(reverse) {
		t.Fatalf("asymmetric results: %d vs %d", len(forward), len(reverse))
	}
	for i := range forward {
		if forward[i].MessageID != reverse[i].MessageID {
			t.Fatalf("position %d differs: %s vs %s", i, forward[i].MessageID, reverse[i].MessageID)
		}
	}
}

func TestRecentNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Unix(9000, 0)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		store.nowFn = func() time.Time { return ts }
		appendEnvelope(t, store, "u1", "u2", []byte{byte(i)})
	}

	got, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatal("expected descending created_at order")
		}
	}
}

func TestAppendPreservesDetachedTag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	env := Envelope{
		MessageID:  uuid.NewString(),
		From:       "u1",
		To:         "u2",
		Ciphertext: []byte("ct"),
		Nonce:      bytes.Repeat([]byte{0x01}, 12),
		Tag:        bytes.Repeat([]byte{0x0F}, 16),
	}
	if err := store.Append(ctx, env); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.Between(ctx, "u1", "u2", 1)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].Tag, env.Tag) {
		t.Fatalf("expected detached tag round trip, got %+v", got)
	}
}

func TestAppendRejectsInvalidEnvelopes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, Envelope{MessageID: uuid.NewString(), From: "u1", To: "u1"}); !errors.Is(err, ErrSelfAddressed) {
		t.Fatalf("self addressed: expected ErrSelfAddressed, got %v", err)
	}
	if err := store.Append(ctx, Envelope{From: "u1", To: "u2"}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("missing id: expected ErrPersistence, got %v", err)
	}

	// Duplicate message ids violate the unique key and surface as
	// persistence failures.
	env := appendEnvelope(t, store, "u1", "u2", []byte("dup"))
	if err := store.Append(ctx, env); !errors.Is(err, ErrPersistence) {
		t.Fatalf("duplicate: expected ErrPersistence, got %v", err)
	}
}

func TestCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendEnvelope(t, store, "u1", "u2", []byte{byte(i)})
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 envelopes, got %d", n)
	}
}
