// Package compress implements the binary compression stage: a small set of
// byte codecs selected per entry, with incompressible-input fallback and
// bounded, growth-retrying decompression.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// Algorithm identifies a binary compression codec. The names are stored in
// blob headers and index entries; changing them breaks stored data.
type Algorithm string

const (
	// None stores the payload uncompressed. Applied as a fallback when a
	// codec cannot shrink the input.
	None Algorithm = "none"

	// LZ4 is the fast block codec used for hot and warm tiers.
	LZ4 Algorithm = "lz4"

	// Zstd trades CPU for ratio; the default for cool and cold tiers and
	// for sweep recompression.
	Zstd Algorithm = "zstd"
)

// Parse parses an algorithm name.
func Parse(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case None, LZ4, Zstd:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("unknown compression algorithm %q", s)
	}
}

// Valid reports whether a is a defined algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case None, LZ4, Zstd:
		return true
	default:
		return false
	}
}

// ForTier returns the default codec for a tier: lz4 where reads are
// expected to be frequent, zstd where ratio matters more than speed.
func ForTier(t tier.Tier) Algorithm {
	switch t {
	case tier.Cool, tier.Cold:
		return Zstd
	default:
		return LZ4
	}
}

// MaxDecompressedSize bounds how far Decompress will grow its output
// buffer. Inputs claiming to expand beyond this are treated as corrupt.
const MaxDecompressedSize = 128 << 20

var (
	// ErrInvalidSize is returned when a codec reports a non-positive
	// result size for non-empty input.
	ErrInvalidSize = errors.New("compress: codec returned invalid size")

	// ErrTooLarge is returned when decompression would exceed
	// MaxDecompressedSize.
	ErrTooLarge = errors.New("compress: decompressed size exceeds limit")

	// errIncompressible signals that compressed output would not be
	// smaller than the input. Compress falls back to None.
	errIncompressible = errors.New("compress: data is incompressible")
)

// zstdEncoder and zstdDecoder are shared across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxDecompressedSize),
	)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses data with the requested algorithm and returns the
// output along with the algorithm actually applied. When the codec cannot
// shrink the input (or the input is empty) the data is returned unchanged
// under None.
func Compress(data []byte, algo Algorithm) ([]byte, Algorithm, error) {
	if len(data) == 0 || algo == None {
		return data, None, nil
	}

	var (
		out []byte
		err error
	)
	switch algo {
	case LZ4:
		out, err = compressLZ4(data)
	case Zstd:
		out, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("unsupported compression algorithm %q", algo)
	}

	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("%w: %s produced empty output for %d input bytes", ErrInvalidSize, algo, len(data))
	}
	return out, algo, nil
}

// Decompress reverses Compress. sizeHint is the expected plaintext size and
// is used to size the output buffer; when it is missing or undersized the
// buffer is grown and the decode retried rather than truncated, up to
// MaxDecompressedSize.
func Decompress(data []byte, algo Algorithm, sizeHint int) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case LZ4:
		return decompressLZ4(data, sizeHint)
	case Zstd:
		return decompressZstd(data, sizeHint)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	dst := make([]byte, bound)

	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when the data is incompressible; output at
	// least as large as the input is not worth storing either.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return dst[:written], nil
}

func decompressLZ4(data []byte, sizeHint int) ([]byte, error) {
	size := sizeHint
	if size <= 0 {
		size = len(data) * 4
	}
	if size < 64 {
		size = 64
	}

	for {
		if size > MaxDecompressedSize {
			size = MaxDecompressedSize
		}
		dst := make([]byte, size)

		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			if n <= 0 && len(data) > 0 {
				return nil, fmt.Errorf("%w: lz4 produced %d bytes", ErrInvalidSize, n)
			}
			return dst[:n], nil
		}

		// UncompressBlock does not distinguish a short buffer from corrupt
		// input, so grow and retry until the cap rules out undersizing.
		if size >= MaxDecompressedSize {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		size *= 2
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(data []byte, sizeHint int) ([]byte, error) {
	capacity := sizeHint
	if capacity < 0 {
		capacity = 0
	}

	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, capacity))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(out))
	}
	if len(out) == 0 && len(data) > 0 {
		return nil, fmt.Errorf("%w: zstd produced 0 bytes", ErrInvalidSize)
	}
	return out, nil
}
