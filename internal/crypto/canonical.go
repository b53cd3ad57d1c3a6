package crypto

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// cborHandle is configured for canonical encoding: map keys are sorted so
// the same value always produces the same bytes. Signatures and stored
// record envelopes both depend on this.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// CanonicalMarshal encodes v as canonical CBOR.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return buf, nil
}

// CanonicalUnmarshal decodes canonical CBOR bytes into v.
func CanonicalUnmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, cborHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("canonical decode: %w", err)
	}
	return nil
}
