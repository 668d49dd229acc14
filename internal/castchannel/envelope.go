// Package castchannel implements the Chromecast CASTV2 wire transport: a
// 4-byte big-endian length prefix around a CastMessage protobuf envelope,
// carried over a TLS connection. spec.md §4.D.
package castchannel

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadType mirrors CastMessage.PayloadType: the envelope carries either
// a UTF-8 JSON string or a binary blob. Every sub-protocol this bridge
// speaks uses STRING.
type PayloadType int32

const (
	PayloadString PayloadType = 0
	PayloadBinary PayloadType = 1
)

// protocolVersion is always CASTV2_1_0 (0); the field is required on the
// wire but this bridge never needs another value.
const protocolVersion = 0

const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceID        protowire.Number = 2
	fieldDestinationID   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUTF8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

// MaxFrameSize bounds a single frame's declared body length, spec.md §8
// scenario S6: a frame whose length prefix exceeds this is a fatal
// protocol error, rejected before its body is even read.
const MaxFrameSize = 1 << 20 // 1 MiB

// Envelope is a decoded CastMessage.
type Envelope struct {
	SourceID      string
	DestinationID string
	Namespace     string
	PayloadType   PayloadType
	PayloadUTF8   string
	PayloadBinary []byte
}

// Marshal encodes e as a CastMessage protobuf message body (without the
// length prefix).
func Marshal(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(protocolVersion))

	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, e.SourceID)

	b = protowire.AppendTag(b, fieldDestinationID, protowire.BytesType)
	b = protowire.AppendString(b, e.DestinationID)

	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, e.Namespace)

	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.PayloadType))

	switch e.PayloadType {
	case PayloadBinary:
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, e.PayloadBinary)
	default:
		b = protowire.AppendTag(b, fieldPayloadUTF8, protowire.BytesType)
		b = protowire.AppendString(b, e.PayloadUTF8)
	}

	return b
}

// Unmarshal decodes a CastMessage protobuf message body into an Envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, fmt.Errorf("cast envelope: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldSourceID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: source_id: %w", protowire.ParseError(n))
			}
			e.SourceID = v
			data = data[n:]
		case fieldDestinationID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: destination_id: %w", protowire.ParseError(n))
			}
			e.DestinationID = v
			data = data[n:]
		case fieldNamespace:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: namespace: %w", protowire.ParseError(n))
			}
			e.Namespace = v
			data = data[n:]
		case fieldPayloadType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: payload_type: %w", protowire.ParseError(n))
			}
			e.PayloadType = PayloadType(v)
			data = data[n:]
		case fieldPayloadUTF8:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: payload_utf8: %w", protowire.ParseError(n))
			}
			e.PayloadUTF8 = v
			data = data[n:]
		case fieldPayloadBinary:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: payload_binary: %w", protowire.ParseError(n))
			}
			e.PayloadBinary = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("cast envelope: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return e, nil
}

// WriteFrame writes e as a length-prefixed frame to w. Exported for test
// harnesses that need to speak the wire protocol directly (simulating a
// Chromecast receiver) without a full Channel.
func WriteFrame(w io.Writer, e Envelope) error { return writeFrame(w, e) }

// ReadFrame reads one length-prefixed frame from r. See WriteFrame.
func ReadFrame(r io.Reader) (Envelope, error) { return readFrame(r) }

// writeFrame writes e as a length-prefixed frame: a 4-byte big-endian
// byte count followed by the CastMessage body.
func writeFrame(w io.Writer, e Envelope) error {
	body := Marshal(e)
	if len(body) > MaxFrameSize {
		return fmt.Errorf("cast envelope: body of %d bytes exceeds MaxFrameSize", len(body))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame. A declared length greater
// than MaxFrameSize is a fatal protocol violation reported without
// attempting to read the (oversized) body, spec.md §8 scenario S6.
func readFrame(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return Envelope{}, fmt.Errorf("cast envelope: frame length %d exceeds MaxFrameSize %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}

	return Unmarshal(body)
}
