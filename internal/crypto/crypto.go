package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ErrDecryption is returned when a payload fails authentication. Open
// never returns partial plaintext.
var ErrDecryption = errors.New("decryption failed")

const keyFileName = "identity.key"

// SharedSecret is the symmetric key both peers derive independently. It
// lives in memory only and is recomputed on every pairing.
type SharedSecret [32]byte

// Context holds the local X25519 key pair. The private key is generated
// once per install and persisted with 0600 permissions in dir.
type Context struct {
	privateKey [32]byte
	publicKey  [32]byte
}

// NewContext loads the persisted identity key from dir, generating and
// saving a fresh one if none exists.
func NewContext(dir string) (*Context, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	path := filepath.Join(dir, keyFileName)
	ctx := &Context{}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil && len(raw) == 32:
		copy(ctx.privateKey[:], raw)
	case err == nil:
		return nil, fmt.Errorf("corrupt identity key at %s (%d bytes)", path, len(raw))
	case os.IsNotExist(err):
		if _, err := io.ReadFull(rand.Reader, ctx.privateKey[:]); err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		if err := os.WriteFile(path, ctx.privateKey[:], 0600); err != nil {
			return nil, fmt.Errorf("failed to persist identity key: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	curve25519.ScalarBaseMult(&ctx.publicKey, &ctx.privateKey)
	return ctx, nil
}

// NewEphemeralContext generates a key pair without persisting it. Used in
// tests and anywhere a per-process identity is acceptable.
func NewEphemeralContext() (*Context, error) {
	ctx := &Context{}
	if _, err := io.ReadFull(rand.Reader, ctx.privateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	curve25519.ScalarBaseMult(&ctx.publicKey, &ctx.privateKey)
	return ctx, nil
}

// PublicKey returns the local public key for the join handshake.
func (c *Context) PublicKey() []byte {
	pub := make([]byte, 32)
	copy(pub, c.publicKey[:])
	return pub
}

// DeriveSharedSecret computes the X25519 shared secret with the peer's
// public key. Both sides derive the identical value without it ever being
// transmitted.
func (c *Context) DeriveSharedSecret(peerPublicKey []byte) (SharedSecret, error) {
	if len(peerPublicKey) != 32 {
		return SharedSecret{}, fmt.Errorf("peer public key must be 32 bytes, got %d", len(peerPublicKey))
	}
	raw, err := curve25519.X25519(c.privateKey[:], peerPublicKey)
	if err != nil {
		return SharedSecret{}, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	var secret SharedSecret
	copy(secret[:], raw)
	return secret, nil
}

// Seal encrypts plaintext under the shared secret with ChaCha20-Poly1305.
// The random nonce is prepended to the ciphertext.
func Seal(plaintext []byte, secret SharedSecret) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal. It fails closed: any tamper or
// key mismatch yields ErrDecryption, never garbage plaintext.
func Open(ciphertext []byte, secret SharedSecret) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryption
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
