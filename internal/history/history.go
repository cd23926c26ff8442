// Package history is the append-only store of encrypted envelopes. It
// stores ciphertext, nonce, and tag verbatim; nothing in this package
// can produce plaintext.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrPersistence wraps any storage failure surfaced to a sender. The
// relay never attempts delivery for an envelope that failed to persist.
var ErrPersistence = errors.New("history persistence failed")

// ErrSelfAddressed rejects envelopes whose sender and recipient are the
// same identity.
var ErrSelfAddressed = errors.New("self-addressed envelope")

// Envelope is one relayed message at rest. Immutable once written.
type Envelope struct {
	MessageID  string
	From       string
	To         string
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte // nil for schemes that embed the tag in the ciphertext
	CreatedAt  time.Time
}

// Store is the append-only envelope store. Appends must be durable
// before Send reports success; reads may run concurrently with appends.
type Store interface {
	Append(ctx context.Context, env Envelope) error
	// Between returns a conversation's envelopes oldest-first. The
	// identity pair is symmetric: Between(a, b, n) == Between(b, a, n).
	Between(ctx context.Context, identityA, identityB string, limit int) ([]Envelope, error)
	// Recent returns the newest envelopes first, for operational
	// inspection.
	Recent(ctx context.Context, limit int) ([]Envelope, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}
