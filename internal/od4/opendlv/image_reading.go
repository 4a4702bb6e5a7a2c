// Package opendlv contains the messages of the OpenDLV standard message
// set that this bridge publishes.
package opendlv

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ImageReadingID is the identifier of opendlv.proxy.ImageReading.
const ImageReadingID = 1055

// ImageReading is one compressed camera frame.
type ImageReading struct {
	Format string `json:"format"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Data   []byte `json:"-"`
}

// ID implements od4.Message.
func (ImageReading) ID() int32 {
	return ImageReadingID
}

// Marshal implements od4.Message.
func (m ImageReading) Marshal() []byte {
	b := make([]byte, 0, len(m.Data)+len(m.Format)+24)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Format)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Width))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Height))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	return b
}

// UnmarshalImageReading decodes the serialized form produced by Marshal.
func UnmarshalImageReading(b []byte) (ImageReading, error) {
	var m ImageReading
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("image reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("image reading format: %w", protowire.ParseError(n))
			}
			m.Format = v
			b = b[n:]
		case (num == 2 || num == 3) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("image reading size: %w", protowire.ParseError(n))
			}
			if num == 2 {
				m.Width = uint32(v)
			} else {
				m.Height = uint32(v)
			}
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("image reading data: %w", protowire.ParseError(n))
			}
			m.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("image reading field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
