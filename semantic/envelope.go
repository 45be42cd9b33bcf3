package semantic

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the stored form of a semantically compressed payload: the
// transformed content plus the map that reverses it. It is what the binary
// compression stage sees as plaintext.
type Envelope struct {
	Content        string            `cbor:"content"`
	Substitutions  map[string]string `cbor:"substitutions,omitempty"`
	OriginalLength int               `cbor:"original_length"`
}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical envelope always produces identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("semantic: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeEnvelope serializes an envelope to CBOR.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding semantic envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope from CBOR.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding semantic envelope: %w", err)
	}
	return &env, nil
}

// EnvelopeFromResult packs a compression result into its stored form.
func EnvelopeFromResult(r *Result) *Envelope {
	return &Envelope{
		Content:        r.Content,
		Substitutions:  r.Substitutions,
		OriginalLength: r.OriginalLength,
	}
}
