package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSharedSecretIsCommutative(t *testing.T) {
	alice, err := NewEphemeralContext()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewEphemeralContext()
	if err != nil {
		t.Fatal(err)
	}

	aliceSecret, err := alice.DeriveSharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	bobSecret, err := bob.DeriveSharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	if aliceSecret != bobSecret {
		t.Fatal("both sides must derive the identical shared secret")
	}
}

func TestSealOpenRoundTripAcrossPeers(t *testing.T) {
	alice, _ := NewEphemeralContext()
	bob, _ := NewEphemeralContext()
	aliceSecret, _ := alice.DeriveSharedSecret(bob.PublicKey())
	bobSecret, _ := bob.DeriveSharedSecret(alice.PublicKey())

	plaintext := []byte("meet me at the usual place 💚")
	sealed, err := Seal(plaintext, aliceSecret)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload must not contain the plaintext")
	}

	opened, err := Open(sealed, bobSecret)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestOpenFailsClosedOnTamper(t *testing.T) {
	alice, _ := NewEphemeralContext()
	bob, _ := NewEphemeralContext()
	secret, _ := alice.DeriveSharedSecret(bob.PublicKey())

	sealed, err := Seal([]byte("hello"), secret)
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	plaintext, err := Open(sealed, secret)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("tampered payload: want ErrDecryption, got %v", err)
	}
	if plaintext != nil {
		t.Fatal("failed Open must never return plaintext")
	}
}

func TestOpenFailsClosedWithWrongSecret(t *testing.T) {
	alice, _ := NewEphemeralContext()
	bob, _ := NewEphemeralContext()
	mallory, _ := NewEphemeralContext()

	right, _ := alice.DeriveSharedSecret(bob.PublicKey())
	wrong, _ := alice.DeriveSharedSecret(mallory.PublicKey())

	sealed, err := Seal([]byte("hello"), right)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(sealed, wrong); !errors.Is(err, ErrDecryption) {
		t.Fatalf("wrong secret: want ErrDecryption, got %v", err)
	}
}

func TestOpenRejectsTruncatedPayload(t *testing.T) {
	var secret SharedSecret
	if _, err := Open([]byte("short"), secret); !errors.Is(err, ErrDecryption) {
		t.Fatalf("truncated payload: want ErrDecryption, got %v", err)
	}
}

func TestDeriveRejectsMalformedPeerKey(t *testing.T) {
	ctx, _ := NewEphemeralContext()
	if _, err := ctx.DeriveSharedSecret([]byte{1, 2, 3}); err == nil {
		t.Fatal("a 3-byte peer key must be rejected")
	}
}

func TestIdentityKeyPersistsAcrossContexts(t *testing.T) {
	dir := t.TempDir()

	first, err := NewContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.PublicKey(), second.PublicKey()) {
		t.Fatal("reloading the same directory must yield the same identity")
	}

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("identity key permissions: want 0600, got %o", perm)
	}
}

func TestCorruptIdentityKeyIsRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, keyFileName), []byte("too short"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewContext(dir); err == nil {
		t.Fatal("a truncated identity key must not load")
	}
}
