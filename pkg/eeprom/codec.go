// Package eeprom encodes and decodes the PLX EEPROM register-write list and
// drives the switch's EEPROM controller.
//
// Image layout, all fields little-endian:
//
//	byte 0     signature 0x5A
//	byte 1     reserved 0x00
//	bytes 2-3  payload length = entries * 6
//	then per entry: u16 packed address, u32 value
//
// The packed address is (offset >> 2) | (port << OffsetBits).
package eeprom

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

const (
	Signature  = 0x5A
	HeaderSize = 4
	EntrySize  = 6
	// MaxEntries is bounded by the 16-bit payload length.
	MaxEntries = 0xFFFF / EntrySize
)

// Layout is the split of the 16-bit entry address between the dword offset
// and the port number. It is a property of the family, not of the image.
type Layout struct {
	OffsetBits uint
	PortBits   uint
}

// DefaultLayout is the 10/6 split used by PEX86xx and PEX87xx parts.
func DefaultLayout() Layout {
	return Layout{OffsetBits: regmap.DefaultOffsetBits, PortBits: regmap.DefaultPortBits}
}

// LayoutFor returns the layout of a family, or DefaultLayout for nil.
func LayoutFor(m *regmap.Map) Layout {
	if m == nil {
		return DefaultLayout()
	}
	return Layout{OffsetBits: m.Eeprom.OffsetBits, PortBits: m.Eeprom.PortBits}
}

func (l Layout) offsetMask() uint16 { return uint16(1)<<l.OffsetBits - 1 }
func (l Layout) portMask() uint16   { return uint16(1)<<l.PortBits - 1 }

// MaxOffset is the largest encodable register byte offset.
func (l Layout) MaxOffset() uint32 { return uint32(l.offsetMask()) << 2 }

// MaxPort is the largest encodable port number.
func (l Layout) MaxPort() int { return int(l.portMask()) }

// Pack encodes an entry address.
func (l Layout) Pack(offset uint32, port int) (uint16, error) {
	if offset&3 != 0 {
		return 0, fmt.Errorf("eeprom: offset 0x%X is not dword aligned", offset)
	}
	if offset > l.MaxOffset() {
		return 0, fmt.Errorf("eeprom: offset 0x%X exceeds 0x%X", offset, l.MaxOffset())
	}
	if port < 0 || port > l.MaxPort() {
		return 0, fmt.Errorf("eeprom: port %d exceeds %d", port, l.MaxPort())
	}
	return uint16(offset>>2) | uint16(port)<<l.OffsetBits, nil
}

// Unpack decodes an entry address.
func (l Layout) Unpack(raw uint16) (offset uint32, port int) {
	offset = uint32(raw&l.offsetMask()) << 2
	port = int(raw >> l.OffsetBits & l.portMask())
	return offset, port
}

// Entry is one register write: a port-relative offset, the port, and the
// 32-bit value.
type Entry struct {
	Offset uint32 `json:"offset"`
	Port   int    `json:"port"`
	Value  uint32 `json:"value"`
}

func (e Entry) String() string {
	return fmt.Sprintf("port %d 0x%03X = 0x%08X", e.Port, e.Offset, e.Value)
}

// Image is a decoded EEPROM. The payload length is always derived from
// Entries and never stored separately.
type Image struct {
	Signature byte    `json:"signature"`
	Reserved  byte    `json:"reserved"`
	Entries   []Entry `json:"entries"`
}

// NewImage returns a valid image holding entries.
func NewImage(entries ...Entry) *Image {
	return &Image{Signature: Signature, Entries: entries}
}

// PayloadLength is the value of the header length field.
func (img *Image) PayloadLength() int { return len(img.Entries) * EntrySize }

// Size is the encoded length in bytes.
func (img *Image) Size() int { return HeaderSize + img.PayloadLength() }

// Decode parses data. A first byte other than the signature fails with
// BadSignature; fewer bytes than the header declares fail with
// TruncatedImage. Bytes after the declared payload are ignored, because the
// switch itself stops reading there.
func Decode(data []byte, l Layout) (*Image, error) {
	const op = "eeprom decode"
	if len(data) == 0 {
		return nil, plxerr.New(plxerr.TruncatedImage, op, "empty image")
	}
	if data[0] != Signature {
		return nil, plxerr.New(plxerr.BadSignature, op,
			fmt.Sprintf("signature 0x%02X, want 0x%02X", data[0], Signature))
	}
	if len(data) < HeaderSize {
		return nil, plxerr.New(plxerr.TruncatedImage, op,
			fmt.Sprintf("%d bytes, header needs %d", len(data), HeaderSize))
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length%EntrySize != 0 {
		return nil, plxerr.New(plxerr.TruncatedImage, op,
			fmt.Sprintf("payload length %d is not a multiple of %d", length, EntrySize))
	}
	if len(data) < HeaderSize+length {
		return nil, plxerr.New(plxerr.TruncatedImage, op,
			fmt.Sprintf("%d bytes, header declares %d", len(data), HeaderSize+length))
	}

	img := &Image{Signature: data[0], Reserved: data[1]}
	if length > 0 {
		img.Entries = make([]Entry, 0, length/EntrySize)
	}
	for p := HeaderSize; p < HeaderSize+length; p += EntrySize {
		offset, port := l.Unpack(binary.LittleEndian.Uint16(data[p:]))
		img.Entries = append(img.Entries, Entry{
			Offset: offset,
			Port:   port,
			Value:  binary.LittleEndian.Uint32(data[p+2:]),
		})
	}
	return img, nil
}

// Encode serializes img. It is the exact inverse of Decode for every image
// Decode can produce under the same layout.
func Encode(img *Image, l Layout) ([]byte, error) {
	const op = "eeprom encode"
	if img.Signature != Signature {
		return nil, plxerr.New(plxerr.BadSignature, op,
			fmt.Sprintf("signature 0x%02X, want 0x%02X", img.Signature, Signature))
	}
	if len(img.Entries) > MaxEntries {
		return nil, plxerr.New(plxerr.InvalidConfiguration, op,
			fmt.Sprintf("%d entries exceed the %d the header can describe", len(img.Entries), MaxEntries))
	}
	out := make([]byte, HeaderSize, img.Size())
	out[0] = img.Signature
	out[1] = img.Reserved
	binary.LittleEndian.PutUint16(out[2:], uint16(img.PayloadLength()))
	for i, e := range img.Entries {
		raw, err := l.Pack(e.Offset, e.Port)
		if err != nil {
			return nil, plxerr.Wrap(plxerr.InvalidConfiguration, fmt.Sprintf("%s entry %d", op, i), err)
		}
		out = binary.LittleEndian.AppendUint16(out, raw)
		out = binary.LittleEndian.AppendUint32(out, e.Value)
	}
	return out, nil
}
