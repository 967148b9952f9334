package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodePayload CBOR-encodes an arbitrary Go value into an opaque Payload.
// Used for args/output/event-args/error-metadata on both wire shapes — on
// the text wire the resulting bytes are converted to a native JSON value
// inside the JSON envelope (see text.go); on the binary wire they are
// written length-prefixed as-is.
func EncodePayload(v any) (Payload, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: cbor encode: %w", err)
	}
	return Payload(b), nil
}

// DecodePayload decodes an opaque Payload into dst (typically a pointer to
// any, map[string]any, or a concrete struct). Decoding is only performed
// when the caller actually needs the dynamic value — the codec otherwise
// treats Payload as opaque bytes.
func DecodePayload(p Payload, dst any) error {
	if len(p) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(p, dst); err != nil {
		return fmt.Errorf("wire: cbor decode: %w", err)
	}
	return nil
}

// DecodePayloadDynamic decodes a Payload into a dynamic value (map, slice,
// scalar) without the caller needing to know its shape in advance.
func DecodePayloadDynamic(p Payload) (any, error) {
	var v any
	if err := DecodePayload(p, &v); err != nil {
		return nil, err
	}
	return v, nil
}
