package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// envelope wraps every stored artifact with its expiry. ExpiresAt is unix
// milliseconds; zero means the entry never expires.
type envelope struct {
	ExpiresAt int64           `cbor:"0,keyasint,omitempty"`
	Payload   cbor.RawMessage `cbor:"1,keyasint"`
}

// encodeArtifact encodes an artifact with deterministic CBOR.
func encodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// decodeArtifact decodes a CBOR-encoded artifact into out.
func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
