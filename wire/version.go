// Package wire implements the symmetric serialize/deserialize operations for
// the two wire shapes exchanged between an actor connection and an actor:
// a text/JSON shape and a binary shape. Every message — in both shapes —
// embeds a protocol version so that mixed-version peers can coexist; an
// unknown version is a hard failure, never a silent downcast.
//
// User payloads (action args/output, event args, error metadata) travel as
// opaque byte ranges on the binary wire and as raw JSON values on the text
// wire. Decoding an opaque payload is the caller's responsibility via DecodePayload;
// the wire codec itself never interprets payload bytes beyond CBOR framing.
package wire

import "fmt"

// Version is the current protocol version embedded in every wire message.
// Binary messages carry it as a single leading byte; text messages carry it
// as a numeric field in the envelope.
const Version uint8 = 1

// Encoding selects the wire shape used by a connection. It is negotiated
// once, at connect time, and fixed for the lifetime of the connection.
type Encoding string

const (
	EncodingText   Encoding = "text"
	EncodingBinary Encoding = "binary"
)

// ErrUnsupportedVersion is returned when a message's embedded version byte
// is not known to this build. Implementations must fail closed here rather
// than guess at a compatible decoder.
type ErrUnsupportedVersion struct {
	Got uint8
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("wire: unsupported protocol version %d (this build supports %d)", e.Got, Version)
}

func checkVersion(v uint8) error {
	if v != Version {
		return &ErrUnsupportedVersion{Got: v}
	}
	return nil
}
