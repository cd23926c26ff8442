package keystore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	sessionRecordVersion = 1
	maxKeyBytes          = 133 // uncompressed P-256 point has headroom to spare
	maxRecordBytes       = 4 * 1024
)

var (
	ErrInvalidSession = errors.New("invalid session record")
	ErrSessionTooBig  = errors.New("session record exceeds size limit")
)

// SessionRecord persists the key material needed to re-derive a
// conversation's symmetric key after a restart: our private key and the
// peer's public key. Storing the private key deliberately trades forward
// secrecy for history readability.
type SessionRecord struct {
	Version    int       `json:"version"`
	SelfID     string    `json:"self_id"`
	PeerID     string    `json:"peer_id"`
	PrivateKey []byte    `json:"private_key"`
	PeerPublic []byte    `json:"peer_public"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// PairID returns the storage key for a conversation: the two identities
// sorted, so both parties address the same record.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// PairID returns the record's own conversation key.
func (r SessionRecord) PairID() string {
	return PairID(r.SelfID, r.PeerID)
}

// Clone returns a deep copy so callers never alias internal buffers.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.PrivateKey = cloneBytes(r.PrivateKey)
	out.PeerPublic = cloneBytes(r.PeerPublic)
	return out
}

// Zero overwrites key material in-place.
func (r *SessionRecord) Zero() {
	zeroBytes(r.PrivateKey)
	zeroBytes(r.PeerPublic)
}

func normalizeSessionRecord(in SessionRecord, now time.Time) (SessionRecord, error) {
	if in.SelfID == "" || in.PeerID == "" {
		return SessionRecord{}, fmt.Errorf("both identities required: %w", ErrInvalidSession)
	}
	if in.SelfID == in.PeerID {
		return SessionRecord{}, fmt.Errorf("self-paired session: %w", ErrInvalidSession)
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = sessionRecordVersion
	}
	if out.Version != sessionRecordVersion {
		return SessionRecord{}, fmt.Errorf("unsupported session record version %d: %w", out.Version, ErrInvalidSession)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	if !out.UpdatedAt.IsZero() {
		out.UpdatedAt = out.UpdatedAt.UTC()
	}
	if err := validateSessionRecord(out); err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

func validateSessionRecord(rec SessionRecord) error {
	if len(rec.PrivateKey) == 0 {
		return fmt.Errorf("private key required: %w", ErrInvalidSession)
	}
	if len(rec.PeerPublic) == 0 {
		return fmt.Errorf("peer public key required: %w", ErrInvalidSession)
	}
	if l := len(rec.PrivateKey); l > maxKeyBytes {
		return fmt.Errorf("private key too large (%d bytes): %w", l, ErrInvalidSession)
	}
	if l := len(rec.PeerPublic); l > maxKeyBytes {
		return fmt.Errorf("peer public key too large (%d bytes): %w", l, ErrInvalidSession)
	}
	size := len(rec.SelfID) + len(rec.PeerID) + len(rec.PrivateKey) + len(rec.PeerPublic)
	if size > maxRecordBytes {
		return fmt.Errorf("session record is %d bytes (limit %d): %w", size, maxRecordBytes, ErrSessionTooBig)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
