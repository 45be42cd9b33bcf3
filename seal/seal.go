// Package seal implements the encryption stage: XChaCha20-Poly1305 sealing
// of compressed payloads under per-blob keys derived from an injected key
// provider.
package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
)

// KeySize is the size in bytes of provider key material and derived
// per-blob keys.
const KeySize = 32

// Tags recorded in blob headers. Changing either invalidates existing
// ciphertext.
const (
	AlgorithmTag     = "xchacha20poly1305"
	KeyDerivationTag = "hkdf-sha256/v1"
)

// blobVersion is prepended to every sealed blob and bound into the AAD, so
// tampering with it fails authentication.
const blobVersion byte = 0x01

// Overhead is the per-blob byte overhead:
// 1 (version) + 24 (nonce) + 16 (Poly1305 tag).
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoBlob is the HKDF domain-separation prefix for per-blob keys.
var hkdfInfoBlob = []byte("arcana.quantum.blob.v1")

// ErrAuthentication is returned when a sealed blob fails verification:
// wrong key, tampered ciphertext, or mismatched identity.
var ErrAuthentication = errors.New("seal: authentication failed")

// Material is one generation of provider key material.
type Material struct {
	ID     string
	Secret []byte
}

// Validate checks the material is usable for sealing.
func (m Material) Validate() error {
	if m.ID == "" {
		return errors.New("key material has no ID")
	}
	if len(m.Secret) != KeySize {
		return fmt.Errorf("key material must be %d bytes, got %d", KeySize, len(m.Secret))
	}
	return nil
}

// KeyProvider supplies key material to the engine. The engine never
// persists secrets; blobs record only the material ID they were sealed
// under.
type KeyProvider interface {
	// Active returns the material new blobs are sealed with.
	Active(ctx context.Context) (Material, error)

	// ByID returns a specific generation, for opening older blobs.
	ByID(ctx context.Context, id string) (Material, error)

	// Rotate makes a fresh generation active and returns it. Prior
	// generations stay resolvable via ByID.
	Rotate(ctx context.Context) (Material, error)
}

// Envelope is the result of sealing a payload. Blob is the self-contained
// encrypted form written to disk:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The remaining fields are recorded in the blob header for inspection and
// key lookup.
type Envelope struct {
	Blob          []byte
	Algorithm     string
	KeyDerivation string
	KeyID         string
	Checksum      arcana.Hash
}

// Seal encrypts plaintext under a per-blob key derived from the material
// and the payload identity. The identity (the checksum of the original
// bytes) is bound into the AAD so sealed blobs cannot be swapped between
// entries.
func Seal(plaintext []byte, m Material, identity arcana.Hash) (*Envelope, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	key, err := deriveKey(m.Secret, identity)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, len(plaintext)+Overhead)
	blob[0] = blobVersion
	copy(blob[1:], nonce[:])

	blob = aead.Seal(blob, nonce[:], plaintext, buildAAD(blobVersion, identity))

	return &Envelope{
		Blob:          blob,
		Algorithm:     AlgorithmTag,
		KeyDerivation: KeyDerivationTag,
		KeyID:         m.ID,
		Checksum:      arcana.HashBytes(blob),
	}, nil
}

// Open decrypts a sealed blob. Any verification failure returns
// ErrAuthentication and never partially-decrypted output.
func Open(blob []byte, m Material, identity arcana.Hash) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: sealed blob is %d bytes, minimum is %d", ErrAuthentication, len(blob), Overhead)
	}

	version := blob[0]
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported sealed blob version %d", ErrAuthentication, version)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	key, err := deriveKey(m.Secret, identity)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// deriveKey derives the per-blob key via HKDF-SHA256 with a nil salt; the
// provider secret is already uniformly random (RFC 5869 section 3.1). The
// identity in the info parameter gives every entry its own key.
func deriveKey(secret []byte, identity arcana.Hash) ([]byte, error) {
	info := make([]byte, len(hkdfInfoBlob)+len(identity))
	copy(info, hkdfInfoBlob)
	copy(info[len(hkdfInfoBlob):], identity[:])

	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// buildAAD binds the format version and payload identity into the AEAD.
func buildAAD(version byte, identity arcana.Hash) []byte {
	aad := make([]byte, 1+len(identity))
	aad[0] = version
	copy(aad[1:], identity[:])
	return aad
}
