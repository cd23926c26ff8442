// Package e2e implements the cryptographic primitives for end-to-end
// encrypted conversations: P-256 key agreement, PBKDF2 session-key
// derivation, and AES-GCM authenticated encryption. The relay never
// calls Encrypt or Decrypt; only clients hold session keys.
package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SessionKeySize is the length of derived AES-256 session keys.
	SessionKeySize = 32
	// NonceSize is the AES-GCM nonce length used for every message.
	NonceSize = 12

	kdfIterations = 100_000
)

// kdfSalt is fixed so both parties derive the same key from the shared
// secret without a salt exchange.
var kdfSalt = []byte("e2e-chat-salt")

var (
	// ErrInvalidPeerKey reports a malformed or off-curve peer public key.
	ErrInvalidPeerKey = errors.New("invalid peer public key")
	// ErrAuthenticationFailed reports an AEAD open failure: tampering,
	// a wrong session key, or corrupted data.
	ErrAuthenticationFailed = errors.New("message authentication failed")
)

var curve = ecdh.P256()

// KeyPair holds a P-256 key-agreement pair. The public key is the
// uncompressed point encoding and is safe to put on the wire; the
// private key never leaves the client except into the keystore.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair produces a fresh P-256 key pair from the provided
// randomness source (nil means crypto/rand).
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate p256 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), priv.PublicKey().Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
	}, nil
}

// ValidatePublicKey checks that pub parses as a point on the curve.
func ValidatePublicKey(pub []byte) error {
	if _, err := curve.NewPublicKey(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return nil
}

// SharedSecret computes the ECDH shared secret for the private/peer-public
// pairing. Agreement is commutative per key pair, so both sides of a
// handshake converge on the same secret.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return secret, nil
}

// DeriveSessionKey stretches a shared secret into an AES-256 session key
// with PBKDF2-SHA256 over the fixed salt.
func DeriveSessionKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret required")
	}
	return pbkdf2.Key(sharedSecret, kdfSalt, kdfIterations, SessionKeySize, sha256.New), nil
}

// DeriveSharedKey is the composition clients use directly: agreement
// followed by the KDF stretch.
func DeriveSharedKey(private, peerPublic []byte) ([]byte, error) {
	secret, err := SharedSecret(private, peerPublic)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(secret)
	return DeriveSessionKey(secret)
}

// Encrypt seals plaintext under the session key with a fresh random
// nonce. The GCM tag is embedded at the end of the ciphertext, so the
// separate tag return is nil; Decrypt accepts either representation.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil, nil
}

// Decrypt opens a sealed message. A non-empty tag is treated as a
// detached authentication tag and re-appended before opening, mirroring
// Encrypt's embedded form. Any verification failure is reported as
// ErrAuthenticationFailed and must not tear down the session.
func Decrypt(sessionKey, ciphertext, nonce, tag []byte) ([]byte, error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes (got %d): %w", NonceSize, len(nonce), ErrAuthenticationFailed)
	}
	sealed := ciphertext
	if len(tag) > 0 {
		sealed = make([]byte, 0, len(ciphertext)+len(tag))
		sealed = append(sealed, ciphertext...)
		sealed = append(sealed, tag...)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes (got %d)", SessionKeySize, len(sessionKey))
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ZeroBytes overwrites key material in-place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
