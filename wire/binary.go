package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary wire format: a one-byte version prefix, a one-byte tag, then a
// fixed sequence of length-prefixed fields per tag. Strings and Payloads are
// written as a uvarint length followed by raw bytes; uint64s as 8 bytes
// big-endian; bools as a single byte; the optional ActionID as a presence
// byte followed by 8 bytes when present.

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) readBytes() ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: binary: read length: %w", err)
	}
	// A zero-length field decodes to nil so an absent payload round-trips
	// unchanged.
	if n == 0 {
		return nil, nil
	}
	if r.pos+int(n) > len(r.b) {
		return nil, fmt.Errorf("wire: binary: truncated field (need %d, have %d)", n, len(r.b)-r.pos)
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) readUint64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, fmt.Errorf("wire: binary: truncated uint64")
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) readBool() (bool, error) {
	v, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("wire: binary: truncated bool")
	}
	return v != 0, nil
}

// ReadByte implements io.ByteReader so byteReader can be used with
// binary.ReadUvarint directly.
func (r *byteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("wire: binary: eof")
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

// SerializeBinaryClient encodes a ClientMessage into its binary wire form.
func SerializeBinaryClient(m ClientMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	buf.WriteByte(byte(m.Tag))

	switch m.Tag {
	case TagActionRequest:
		ar := m.ActionRequest
		writeUint64(&buf, ar.ID)
		writeString(&buf, ar.Name)
		writeBytes(&buf, ar.Args)
	case TagSubscriptionRequest:
		sr := m.SubscriptionRequest
		writeString(&buf, sr.EventName)
		writeBool(&buf, sr.Subscribe)
	default:
		return nil, fmt.Errorf("wire: serializeBinary: unexpected client tag %d", m.Tag)
	}
	return buf.Bytes(), nil
}

// DeserializeBinaryClient decodes a binary wire message into a ClientMessage.
// It reads the version byte first and dispatches to the per-version decoder
// (only one version exists today).
func DeserializeBinaryClient(data []byte) (ClientMessage, error) {
	if len(data) < 2 {
		return ClientMessage{}, fmt.Errorf("wire: deserializeBinary: message too short")
	}
	if err := checkVersion(data[0]); err != nil {
		return ClientMessage{}, err
	}
	tag := Tag(data[1])
	r := &byteReader{b: data[2:]}

	switch tag {
	case TagActionRequest:
		id, err := r.readUint64()
		if err != nil {
			return ClientMessage{}, err
		}
		name, err := r.readString()
		if err != nil {
			return ClientMessage{}, err
		}
		args, err := r.readBytes()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Tag: tag, ActionRequest: &ActionRequest{ID: id, Name: name, Args: Payload(args)}}, nil
	case TagSubscriptionRequest:
		name, err := r.readString()
		if err != nil {
			return ClientMessage{}, err
		}
		sub, err := r.readBool()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Tag: tag, SubscriptionRequest: &SubscriptionRequest{EventName: name, Subscribe: sub}}, nil
	default:
		return ClientMessage{}, fmt.Errorf("wire: deserializeBinary: unexpected client tag %d", tag)
	}
}

// SerializeBinaryServer encodes a ServerMessage into its binary wire form.
func SerializeBinaryServer(m ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	buf.WriteByte(byte(m.Tag))

	switch m.Tag {
	case TagInit:
		writeString(&buf, m.Init.ActorID)
		writeString(&buf, m.Init.ConnectionID)
	case TagActionResponse:
		writeUint64(&buf, m.ActionResponse.ID)
		writeBytes(&buf, m.ActionResponse.Output)
	case TagEvent:
		writeString(&buf, m.Event.Name)
		writeBytes(&buf, m.Event.Args)
	case TagError:
		e := m.Error
		writeString(&buf, e.Group)
		writeString(&buf, e.Code)
		writeString(&buf, e.Message)
		writeBytes(&buf, e.Metadata)
		if e.ActionID != nil {
			writeBool(&buf, true)
			writeUint64(&buf, *e.ActionID)
		} else {
			writeBool(&buf, false)
		}
	default:
		return nil, fmt.Errorf("wire: serializeBinary: unexpected server tag %d", m.Tag)
	}
	return buf.Bytes(), nil
}

// DeserializeBinaryServer decodes a binary wire message into a ServerMessage.
func DeserializeBinaryServer(data []byte) (ServerMessage, error) {
	if len(data) < 2 {
		return ServerMessage{}, fmt.Errorf("wire: deserializeBinary: message too short")
	}
	if err := checkVersion(data[0]); err != nil {
		return ServerMessage{}, err
	}
	tag := Tag(data[1])
	r := &byteReader{b: data[2:]}

	switch tag {
	case TagInit:
		actorID, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		connID, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, Init: &Init{ActorID: actorID, ConnectionID: connID}}, nil
	case TagActionResponse:
		id, err := r.readUint64()
		if err != nil {
			return ServerMessage{}, err
		}
		out, err := r.readBytes()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, ActionResponse: &ActionResponse{ID: id, Output: Payload(out)}}, nil
	case TagEvent:
		name, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		args, err := r.readBytes()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, Event: &Event{Name: name, Args: Payload(args)}}, nil
	case TagError:
		group, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		code, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		msg, err := r.readString()
		if err != nil {
			return ServerMessage{}, err
		}
		meta, err := r.readBytes()
		if err != nil {
			return ServerMessage{}, err
		}
		hasActionID, err := r.readBool()
		if err != nil {
			return ServerMessage{}, err
		}
		var actionID *uint64
		if hasActionID {
			id, err := r.readUint64()
			if err != nil {
				return ServerMessage{}, err
			}
			actionID = &id
		}
		return ServerMessage{Tag: tag, Error: &Error{
			Group: group, Code: code, Message: msg, Metadata: Payload(meta), ActionID: actionID,
		}}, nil
	default:
		return ServerMessage{}, fmt.Errorf("wire: deserializeBinary: unexpected server tag %d", tag)
	}
}
