// Package od4 speaks the OD4 session protocol: protobuf-encoded envelopes
// carried in UDP multicast datagrams on group 225.0.0.<cid>, port 12175.
package od4

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers.
const (
	fieldDataType        protowire.Number = 1
	fieldSerializedData  protowire.Number = 3
	fieldSent            protowire.Number = 4
	fieldReceived        protowire.Number = 5
	fieldSampleTimeStamp protowire.Number = 6
	fieldSenderStamp     protowire.Number = 7

	fieldSeconds      protowire.Number = 1
	fieldMicroseconds protowire.Number = 2
)

// Datagram framing: two magic bytes and a 24-bit little-endian length.
const (
	frameMagic0     = 0x0D
	frameMagic1     = 0xA4
	frameHeaderSize = 5
	maxFramePayload = 1<<24 - 1
)

// MaxDatagramSize is the largest UDP payload an OD4 session carries.
const MaxDatagramSize = 65507

var (
	// ErrMessageTooLarge is returned when a framed envelope exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum datagram size")
	// ErrBadFrame is returned for datagrams without a valid OD4 header.
	ErrBadFrame = errors.New("malformed od4 frame")
)

// Message is a payload that can travel in an Envelope.
type Message interface {
	// ID is the message identifier stored in Envelope.DataType.
	ID() int32
	// Marshal returns the protobuf encoding of the message.
	Marshal() []byte
}

// Envelope wraps one serialized message with its routing metadata.
type Envelope struct {
	DataType        int32
	SerializedData  []byte
	Sent            time.Time
	Received        time.Time
	SampleTimeStamp time.Time
	SenderStamp     uint32
}

// Marshal returns the protobuf encoding of e.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, len(e.SerializedData)+64)
	b = protowire.AppendTag(b, fieldDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(e.DataType)))
	b = protowire.AppendTag(b, fieldSerializedData, protowire.BytesType)
	b = protowire.AppendBytes(b, e.SerializedData)
	b = appendTimeStamp(b, fieldSent, e.Sent)
	b = appendTimeStamp(b, fieldReceived, e.Received)
	b = appendTimeStamp(b, fieldSampleTimeStamp, e.SampleTimeStamp)
	b = protowire.AppendTag(b, fieldSenderStamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SenderStamp))
	return b
}

// Unmarshal decodes a protobuf-encoded envelope. Unknown fields are skipped.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope dataType: %w", protowire.ParseError(n))
			}
			e.DataType = int32(v)
			b = b[n:]
		case num == fieldSenderStamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope senderStamp: %w", protowire.ParseError(n))
			}
			e.SenderStamp = uint32(v)
			b = b[n:]
		case num == fieldSerializedData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("envelope serializedData: %w", protowire.ParseError(n))
			}
			e.SerializedData = append([]byte(nil), v...)
			b = b[n:]
		case (num == fieldSent || num == fieldReceived || num == fieldSampleTimeStamp) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("envelope timestamp %d: %w", num, protowire.ParseError(n))
			}
			ts, err := parseTimeStamp(v)
			if err != nil {
				return err
			}
			switch num {
			case fieldSent:
				e.Sent = ts
			case fieldReceived:
				e.Received = ts
			default:
				e.SampleTimeStamp = ts
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func appendTimeStamp(b []byte, num protowire.Number, t time.Time) []byte {
	var sec, usec int32
	if !t.IsZero() {
		sec = int32(t.Unix())
		usec = int32(t.Nanosecond() / 1000)
	}
	var ts []byte
	ts = protowire.AppendTag(ts, fieldSeconds, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(int64(sec)))
	ts = protowire.AppendTag(ts, fieldMicroseconds, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(int64(usec)))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts)
}

// parseTimeStamp decodes a TimeStamp message. 0s/0µs maps to the zero time.
func parseTimeStamp(b []byte) (time.Time, error) {
	var sec, usec int32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return time.Time{}, fmt.Errorf("timestamp tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == fieldSeconds || num == fieldMicroseconds) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return time.Time{}, fmt.Errorf("timestamp value: %w", protowire.ParseError(n))
			}
			if num == fieldSeconds {
				sec = int32(v)
			} else {
				usec = int32(v)
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return time.Time{}, fmt.Errorf("timestamp field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if sec == 0 && usec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(sec), int64(usec)*1000), nil
}

// Frame prefixes an encoded envelope with the OD4 datagram header.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = frameMagic0
	out[1] = frameMagic1
	out[2] = byte(len(payload))
	out[3] = byte(len(payload) >> 8)
	out[4] = byte(len(payload) >> 16)
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// Unframe checks the datagram header and returns the envelope bytes.
func Unframe(packet []byte) ([]byte, error) {
	if len(packet) < frameHeaderSize || packet[0] != frameMagic0 || packet[1] != frameMagic1 {
		return nil, ErrBadFrame
	}
	n := int(packet[2]) | int(packet[3])<<8 | int(packet[4])<<16
	if len(packet)-frameHeaderSize < n {
		return nil, fmt.Errorf("%w: header says %d bytes, have %d", ErrBadFrame, n, len(packet)-frameHeaderSize)
	}
	return packet[frameHeaderSize : frameHeaderSize+n], nil
}

// Pack builds the datagram for msg.
func Pack(msg Message, sent, sampleTime time.Time, senderStamp uint32) ([]byte, error) {
	env := Envelope{
		DataType:        msg.ID(),
		SerializedData:  msg.Marshal(),
		Sent:            sent,
		SampleTimeStamp: sampleTime,
		SenderStamp:     senderStamp,
	}
	packet, err := Frame(env.Marshal())
	if err != nil {
		return nil, err
	}
	if len(packet) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(packet), MaxDatagramSize)
	}
	return packet, nil
}

// Unpack decodes one datagram into an envelope.
func Unpack(packet []byte) (Envelope, error) {
	payload, err := Unframe(packet)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := env.Unmarshal(payload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
