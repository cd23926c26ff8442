package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Backend is the session-persistence contract used by the client. It is
// deliberately small so a future rotating-key scheme can replace the
// stored shape without touching the session manager.
type Backend interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	StoreSession(ctx context.Context, record SessionRecord) error
	LoadSession(ctx context.Context, pairID string) (SessionRecord, error)
	DeleteSession(ctx context.Context, pairID string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// FileBackend is a file-based keystore with Argon2id master-key
// derivation and a single XChaCha20-Poly1305 sealed payload holding all
// session records.
type FileBackend struct {
	path      string
	salt      []byte
	masterKey []byte
	sessions  map[string]SessionRecord
	mu        sync.RWMutex
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
	ErrNoSession      = errors.New("no persisted session for pair")
)

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Sessions map[string]SessionRecord `json:"sessions,omitempty"`
}

// NewFileBackend constructs a keystore backed by the provided file path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:     path,
		sessions: make(map[string]SessionRecord),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (b *FileBackend) Path() string {
	return b.path
}

// Initialize creates the keystore file if it does not already exist.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	zeroSessionMap(b.sessions)
	b.salt = salt
	zeroBytes(b.masterKey)
	b.masterKey = deriveMasterKey(passphrase, salt)
	b.sessions = make(map[string]SessionRecord)

	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the keystore file and derives the master key.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", err)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	master := deriveMasterKey(passphrase, salt)
	sessions, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroSessionMap(b.sessions)
	zeroBytes(b.masterKey)
	b.masterKey = master
	b.salt = salt
	b.sessions = sessions

	return ctx.Err()
}

// StoreSession writes or replaces the record for its identity pair and
// persists the file. Replacing is the superseding-handshake path: a new
// handshake's key material wins.
func (b *FileBackend) StoreSession(ctx context.Context, record SessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	normalized, err := normalizeSessionRecord(record, time.Now())
	if err != nil {
		return err
	}

	pairID := normalized.PairID()
	if existing, ok := b.sessions[pairID]; ok {
		existing.Zero()
		normalized.UpdatedAt = time.Now().UTC()
	}
	b.sessions[pairID] = normalized
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return ctx.Err()
}

// LoadSession fetches the record for a pair ID (see PairID).
func (b *FileBackend) LoadSession(ctx context.Context, pairID string) (SessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return SessionRecord{}, err
	}
	rec, ok := b.sessions[pairID]
	if !ok {
		return SessionRecord{}, ErrNoSession
	}
	return rec.Clone(), ctx.Err()
}

// DeleteSession removes a pair's record and persists the change.
func (b *FileBackend) DeleteSession(ctx context.Context, pairID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if rec, ok := b.sessions[pairID]; ok {
		rec.Zero()
		delete(b.sessions, pairID)
	}
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// ListSessions returns sorted pair IDs of all persisted sessions.
func (b *FileBackend) ListSessions(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

func (b *FileBackend) ensureUnlocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (b *FileBackend) persist() error {
	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(b.masterKey, sealedPayload{Sessions: b.sessions})
	if err != nil {
		return err
	}

	payload := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(b.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	return os.WriteFile(b.path, serialized, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Sessions == nil {
		payload.Sessions = make(map[string]SessionRecord)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sessions: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)
	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (map[string]SessionRecord, error) {
	if len(masterKey) == 0 {
		return nil, ErrLocked
	}
	if len(ciphertext) == 0 {
		return map[string]SessionRecord{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sessions: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", ErrCorruptFile)
	}
	if payload.Sessions == nil {
		payload.Sessions = make(map[string]SessionRecord)
	}
	for id, rec := range payload.Sessions {
		normalized, err := normalizeSessionRecord(rec, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("session record %s invalid: %w", id, err)
		}
		payload.Sessions[id] = normalized
	}
	return payload.Sessions, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func zeroSessionMap(m map[string]SessionRecord) {
	for k, v := range m {
		v.Zero()
		delete(m, k)
	}
}
