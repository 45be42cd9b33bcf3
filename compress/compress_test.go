package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

func TestParse(t *testing.T) {
	for _, a := range []Algorithm{None, LZ4, Zstd} {
		got, err := Parse(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	_, err := Parse("brotli")
	require.Error(t, err)
}

func TestForTier(t *testing.T) {
	assert.Equal(t, LZ4, ForTier(tier.Hot))
	assert.Equal(t, LZ4, ForTier(tier.Warm))
	assert.Equal(t, Zstd, ForTier(tier.Cool))
	assert.Equal(t, Zstd, ForTier(tier.Cold))
}

func TestCompressRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"repetitive text": []byte(strings.Repeat("the quick brown fox ", 200)),
		"json-ish":        []byte(strings.Repeat(`{"key":"value","n":12345}`, 100)),
		"short":           []byte("tiny"),
		"single byte":     {0x42},
	}

	for _, algo := range []Algorithm{None, LZ4, Zstd} {
		for name, payload := range payloads {
			t.Run(string(algo)+"/"+name, func(t *testing.T) {
				out, applied, err := Compress(payload, algo)
				require.NoError(t, err)

				back, err := Decompress(out, applied, len(payload))
				require.NoError(t, err)
				assert.Equal(t, payload, back)
			})
		}
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	payload := []byte(strings.Repeat("hello hello hello ", 600))

	for _, algo := range []Algorithm{LZ4, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			out, applied, err := Compress(payload, algo)
			require.NoError(t, err)
			require.Equal(t, algo, applied)
			assert.Less(t, len(out), len(payload)/10)
		})
	}
}

func TestCompressIncompressibleFallsBackToNone(t *testing.T) {
	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	for _, algo := range []Algorithm{LZ4, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			out, applied, err := Compress(payload, algo)
			require.NoError(t, err)
			assert.Equal(t, None, applied)
			assert.True(t, bytes.Equal(payload, out))
		})
	}
}

func TestCompressEmptyInput(t *testing.T) {
	out, applied, err := Compress(nil, Zstd)
	require.NoError(t, err)
	assert.Equal(t, None, applied)
	assert.Empty(t, out)
}

func TestDecompressGrowsUndersizedHint(t *testing.T) {
	payload := []byte(strings.Repeat("grow me please ", 500))

	for _, algo := range []Algorithm{LZ4, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			out, applied, err := Compress(payload, algo)
			require.NoError(t, err)
			require.Equal(t, algo, applied)

			// A wildly undersized hint must still decode in full.
			back, err := Decompress(out, applied, 8)
			require.NoError(t, err)
			assert.Equal(t, payload, back)

			// So must a missing hint.
			back, err = Decompress(out, applied, 0)
			require.NoError(t, err)
			assert.Equal(t, payload, back)
		})
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	payload := []byte(strings.Repeat("corruption target ", 300))

	for _, algo := range []Algorithm{LZ4, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			out, applied, err := Compress(payload, algo)
			require.NoError(t, err)
			require.Equal(t, algo, applied)

			// Truncate the compressed stream.
			_, err = Decompress(out[:len(out)/2], applied, len(payload))
			require.Error(t, err)
		})
	}
}

func TestDecompressUnknownAlgorithm(t *testing.T) {
	_, err := Decompress([]byte("x"), Algorithm("brotli"), 0)
	require.Error(t, err)
}
