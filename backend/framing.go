package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
)

var (
	// MagicBytes is the 4-byte prefix for framed blob files.
	MagicBytes = []byte("AQS1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected AQS1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// HeaderVersion is the current blob header layout version.
const HeaderVersion = 1

// BlobHeader describes how a stored blob was produced, in decode order:
// the body is unsealed (when Seal is set), binary-decompressed per Codec,
// then semantically expanded (when Semantic is set). ContentHash and
// ContentLength refer to the original bytes before any transformation.
type BlobHeader struct {
	Version       int         `json:"version"`
	ContentHash   arcana.Hash `json:"content_hash"`
	ContentLength int64       `json:"content_length"`
	PayloadLength int64       `json:"payload_length"`
	Codec         string      `json:"codec"`
	Semantic      bool        `json:"semantic,omitempty"`
	StoredAt      string      `json:"stored_at"`
	Seal          *SealInfo   `json:"seal,omitempty"`
}

// SealInfo records the encryption parameters of a sealed body. Checksum
// is the hash of the sealed bytes as written, checked before decryption
// to fail fast on disk corruption.
type SealInfo struct {
	Algorithm     string      `json:"algorithm"`
	KeyDerivation string      `json:"key_derivation"`
	KeyID         string      `json:"key_id"`
	Checksum      arcana.Hash `json:"checksum"`
}

// WriteFramed writes a framed blob to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	// Serialize header to JSON
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	// Write magic bytes
	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	// Write header length as big-endian uint32
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	// Write header JSON
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	// Write body
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed blob from the reader.
// Returns the parsed header and a reader for the body.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	// Read and verify magic bytes
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	// Read header length
	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	// Read header JSON
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	// Parse header
	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != HeaderVersion {
		return nil, nil, fmt.Errorf("unsupported blob header version %d", header.Version)
	}

	// Return header and remaining reader for body
	return &header, r, nil
}
