package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists envelopes in a local SQLite database. The seq
// column breaks created_at ties in insertion order.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce      BLOB NOT NULL,
	tag        BLOB,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_envelopes_created_at ON envelopes(created_at);
CREATE INDEX IF NOT EXISTS idx_envelopes_pair ON envelopes(from_id, to_id);
`

// OpenSQLite opens (and creates if needed) the envelope database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite allows a single writer; funneling through one connection
	// serializes appends without read/write exclusion in this layer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteStore{db: db, nowFn: time.Now}, nil
}

// Append durably records an envelope. CreatedAt is store-assigned when
// unset.
func (s *SQLiteStore) Append(ctx context.Context, env Envelope) error {
	if env.MessageID == "" {
		return fmt.Errorf("%w: message id required", ErrPersistence)
	}
	if env.From == "" || env.To == "" {
		return fmt.Errorf("%w: both identities required", ErrPersistence)
	}
	if env.From == env.To {
		return ErrSelfAddressed
	}
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.nowFn()
	}

	const q = `
	INSERT INTO envelopes (message_id, from_id, to_id, ciphertext, nonce, tag, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var tag any
	if len(env.Tag) > 0 {
		tag = env.Tag
	}
	if _, err := s.db.ExecContext(ctx, q,
		env.MessageID, env.From, env.To, env.Ciphertext, env.Nonce, tag,
		createdAt.UTC().UnixMicro(),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Between returns up to limit envelopes exchanged between the two
// identities, oldest first.
func (s *SQLiteStore) Between(ctx context.Context, identityA, identityB string, limit int) ([]Envelope, error) {
	const q = `
	SELECT message_id, from_id, to_id, ciphertext, nonce, tag, created_at
	FROM envelopes
	WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
	ORDER BY created_at ASC, seq ASC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, q, identityA, identityB, identityB, identityA, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Recent returns up to limit envelopes across all conversations, newest
// first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Envelope, error) {
	const q = `
	SELECT message_id, from_id, to_id, ciphertext, nonce, tag, created_at
	FROM envelopes
	ORDER BY created_at DESC, seq DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, q, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Count reports the total number of stored envelopes.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count envelopes: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		var env Envelope
		var createdAt int64
		var tag []byte
		if err := rows.Scan(&env.MessageID, &env.From, &env.To, &env.Ciphertext, &env.Nonce, &tag, &createdAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		if len(tag) > 0 {
			env.Tag = tag
		}
		env.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
