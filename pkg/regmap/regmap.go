// Package regmap describes the register layout of each supported switch
// family. A family is a data table: register offsets, bit fields, the EEPROM
// controller block and the I2C sub-addressing scheme. Tables are loaded from
// YAML and never carry behaviour of their own.
package regmap

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known register names shared by every family table.
const (
	RegVendorDevice = "vendor_device"
	RegLinkControl  = "link_control"
	RegPortMode     = "port_mode"
	RegLaneConfig   = "lane_config"
	RegEepromCtrl   = "eeprom_ctrl"
	RegEepromData   = "eeprom_data"
)

// I2C addressing schemes.
const (
	// I2CPlxCommand frames each access as a 4-byte PLX slave command that
	// carries the port number, byte enables and dword address.
	I2CPlxCommand = "plx-cmd"
	// I2CFlat16 sends a 16-bit big-endian byte offset.
	I2CFlat16 = "flat16"
)

// Field is a bit or bit range inside a register.
type Field struct {
	Name        string `json:"-"`
	Description string `json:"description,omitempty"`
	Bit         *uint  `json:"bit,omitempty"`
	Bits        []uint `json:"bits,omitempty"` // [low, high]
}

func (f *Field) validate() error {
	switch {
	case f.Bit == nil && len(f.Bits) == 0:
		return fmt.Errorf("regmap: field %q must specify bit or bits", f.Name)
	case f.Bit != nil && len(f.Bits) != 0:
		return fmt.Errorf("regmap: field %q cannot specify both bit and bits", f.Name)
	case f.Bit != nil && *f.Bit > 31:
		return fmt.Errorf("regmap: field %q bit %d out of range", f.Name, *f.Bit)
	case len(f.Bits) != 0 && (len(f.Bits) != 2 || f.Bits[0] > f.Bits[1] || f.Bits[1] > 31):
		return fmt.Errorf("regmap: field %q has invalid bit range %v", f.Name, f.Bits)
	}
	return nil
}

// Shift is the position of the field's least significant bit.
func (f *Field) Shift() uint {
	if f.Bit != nil {
		return *f.Bit
	}
	return f.Bits[0]
}

// Width is the number of bits in the field.
func (f *Field) Width() uint {
	if f.Bit != nil {
		return 1
	}
	return f.Bits[1] - f.Bits[0] + 1
}

// Mask returns the in-register mask of the field.
func (f *Field) Mask() uint32 {
	return uint32((uint64(1)<<f.Width())-1) << f.Shift()
}

// Max is the largest value the field can hold.
func (f *Field) Max() uint32 {
	return f.Mask() >> f.Shift()
}

// Extract returns the field value from a register value.
func (f *Field) Extract(reg uint32) uint32 {
	return (reg & f.Mask()) >> f.Shift()
}

// Insert returns reg with the field replaced by v. Bits of v that do not fit
// the field are dropped.
func (f *Field) Insert(reg, v uint32) uint32 {
	return (reg &^ f.Mask()) | ((v << f.Shift()) & f.Mask())
}

// Register describes one 32-bit register.
type Register struct {
	Name        string            `json:"-"`
	Offset      uint32            `json:"offset"`
	Size        int               `json:"size,omitempty"`
	Access      string            `json:"access,omitempty"`
	Default     uint32            `json:"default,omitempty"`
	Description string            `json:"description,omitempty"`
	PerPort     bool              `json:"per_port,omitempty"`
	PortStride  uint32            `json:"port_stride,omitempty"`
	Fields      map[string]*Field `json:"fields,omitempty"`
}

// PortOffset returns the BAR0 offset of the register for a port. Registers
// that are not per-port live at the same offset for every port.
func (r *Register) PortOffset(port int) uint32 {
	if !r.PerPort {
		return r.Offset
	}
	return r.Offset + uint32(port)*r.PortStride
}

// Field returns a named field or an error naming the register.
func (r *Register) Field(name string) (*Field, error) {
	f, ok := r.Fields[name]
	if !ok {
		return nil, fmt.Errorf("regmap: register %s has no field %q", r.Name, name)
	}
	return f, nil
}

// FieldNames returns the field names sorted by bit position.
func (r *Register) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for n := range r.Fields {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.Fields[names[i]].Shift() < r.Fields[names[j]].Shift()
	})
	return names
}

// Writable reports whether the register accepts writes.
func (r *Register) Writable() bool {
	return r.Access == "rw" || r.Access == "wo"
}

// DeviceInfo identifies a family and its static capacity.
type DeviceInfo struct {
	Tag          string `json:"tag"`
	Name         string `json:"name"`
	VendorID     uint16 `json:"vendor_id"`
	DeviceID     uint16 `json:"device_id"`
	Description  string `json:"description,omitempty"`
	Ports        int    `json:"ports"`
	Lanes        int    `json:"lanes"`
	PCIeGen      int    `json:"pcie_gen,omitempty"`
	MaxPortWidth int    `json:"max_port_width,omitempty"`
	PortStride   uint32 `json:"port_stride,omitempty"`
	FanoutRatios []int  `json:"fanout_ratios,omitempty"`
	Verified     bool   `json:"verified"`
}

// EepromConfig describes the EEPROM controller and image address packing.
type EepromConfig struct {
	CtrlOffset     uint32 `json:"ctrl_offset"`
	DataOffset     uint32 `json:"data_offset"`
	ReadCmd        uint32 `json:"read_cmd"`
	WriteCmd       uint32 `json:"write_cmd"`
	WriteEnableCmd uint32 `json:"write_enable_cmd"`
	AddrMask       uint32 `json:"addr_mask"`
	BusyBit        uint   `json:"busy_bit"`
	Signature      uint8  `json:"signature"`
	MaxSize        int    `json:"max_size,omitempty"`
	OffsetBits     uint   `json:"offset_bits,omitempty"`
	PortBits       uint   `json:"port_bits,omitempty"`
}

// I2CConfig selects how register addresses are framed on the I2C slave port.
type I2CConfig struct {
	Mode string `json:"mode"`
}

// Map is the complete register table for one family.
type Map struct {
	Device    DeviceInfo           `json:"device"`
	Eeprom    EepromConfig         `json:"eeprom"`
	I2C       I2CConfig            `json:"i2c"`
	Registers map[string]*Register `json:"registers"`
}

// Default EEPROM controller parameters, used when no family is known.
const (
	DefaultCtrlOffset = 0x260
	DefaultDataOffset = 0x264
	DefaultReadCmd    = 0x00A06000
	DefaultAddrMask   = 0x1FFF
	DefaultSignature  = 0x5A
	DefaultMaxSize    = 8192
	DefaultOffsetBits = 10
	DefaultPortBits   = 6
)

// DefaultEeprom returns the controller parameters shared by the PEX87xx and
// PEX86xx parts.
func DefaultEeprom() EepromConfig {
	return EepromConfig{
		CtrlOffset:     DefaultCtrlOffset,
		DataOffset:     DefaultDataOffset,
		ReadCmd:        DefaultReadCmd,
		WriteCmd:       0x00A04000,
		WriteEnableCmd: 0x00A0C000,
		AddrMask:       DefaultAddrMask,
		BusyBit:        31,
		Signature:      DefaultSignature,
		MaxSize:        DefaultMaxSize,
		OffsetBits:     DefaultOffsetBits,
		PortBits:       DefaultPortBits,
	}
}

// normalize fills names and defaults and validates the table.
func (m *Map) normalize() error {
	if m.Device.Tag == "" {
		return fmt.Errorf("regmap: device tag missing")
	}
	m.Device.Tag = strings.ToLower(m.Device.Tag)
	if m.Device.Lanes <= 0 || m.Device.Ports <= 0 {
		return fmt.Errorf("regmap: %s: lanes and ports must be positive", m.Device.Tag)
	}
	if m.Device.MaxPortWidth == 0 {
		m.Device.MaxPortWidth = m.Device.Lanes
	}
	if m.Eeprom.OffsetBits == 0 {
		m.Eeprom.OffsetBits = DefaultOffsetBits
	}
	if m.Eeprom.PortBits == 0 {
		m.Eeprom.PortBits = DefaultPortBits
	}
	if m.Eeprom.MaxSize == 0 {
		m.Eeprom.MaxSize = DefaultMaxSize
	}
	if m.Eeprom.OffsetBits+m.Eeprom.PortBits > 16 {
		return fmt.Errorf("regmap: %s: EEPROM address needs %d bits, have 16",
			m.Device.Tag, m.Eeprom.OffsetBits+m.Eeprom.PortBits)
	}
	if m.I2C.Mode == "" {
		m.I2C.Mode = I2CPlxCommand
	}
	if m.I2C.Mode != I2CPlxCommand && m.I2C.Mode != I2CFlat16 {
		return fmt.Errorf("regmap: %s: unknown i2c mode %q", m.Device.Tag, m.I2C.Mode)
	}
	for name, reg := range m.Registers {
		reg.Name = name
		if reg.Size == 0 {
			reg.Size = 4
		}
		if reg.Access == "" {
			reg.Access = "ro"
		}
		if reg.Offset&3 != 0 {
			return fmt.Errorf("regmap: %s: register %s offset 0x%X not dword aligned",
				m.Device.Tag, name, reg.Offset)
		}
		if reg.PerPort && reg.PortStride == 0 {
			reg.PortStride = m.Device.PortStride
		}
		if reg.PerPort && reg.PortStride == 0 {
			return fmt.Errorf("regmap: %s: per-port register %s has no stride", m.Device.Tag, name)
		}
		for fname, f := range reg.Fields {
			f.Name = fname
			if err := f.validate(); err != nil {
				return fmt.Errorf("regmap: %s.%s: %w", m.Device.Tag, name, err)
			}
		}
	}
	return nil
}

// Register returns a register by name.
func (m *Map) Register(name string) (*Register, error) {
	r, ok := m.Registers[name]
	if !ok {
		return nil, fmt.Errorf("regmap: %s has no register %q", m.Device.Tag, name)
	}
	return r, nil
}

// RegisterAt returns the register whose base offset equals offset.
func (m *Map) RegisterAt(offset uint32) *Register {
	for _, r := range m.Registers {
		if r.Offset == offset {
			return r
		}
	}
	return nil
}

// Address returns the live BAR0 address of a register for a port.
func (m *Map) Address(reg *Register, port int) uint32 {
	return reg.PortOffset(port)
}

// Split is the inverse of Address for a flat BAR0 address: it returns the
// port-relative offset and port number.
func (m *Map) Split(addr uint32) (offset uint32, port int) {
	stride := m.Device.PortStride
	if stride == 0 {
		return addr, 0
	}
	return addr % stride, int(addr / stride)
}

// Locate returns the live BAR0 address of an EEPROM-style (offset, port)
// pair. Known registers use their own stride; unknown offsets use the
// device stride.
func (m *Map) Locate(offset uint32, port int) uint32 {
	if r := m.RegisterAt(offset); r != nil {
		return r.PortOffset(port)
	}
	return offset + uint32(port)*m.Device.PortStride
}

// Name resolves an (offset, port) pair to a printable register name, falling
// back to the hex offset.
func (m *Map) Name(offset uint32, port int) string {
	if m != nil {
		if r := m.RegisterAt(offset); r != nil {
			if r.PerPort {
				return fmt.Sprintf("%s[%d]", r.Name, port)
			}
			return r.Name
		}
	}
	return fmt.Sprintf("0x%03X", offset)
}

// SupportsRatio reports whether the family can run an n:1 fan-out.
func (m *Map) SupportsRatio(n int) bool {
	if len(m.Device.FanoutRatios) == 0 {
		return true
	}
	for _, r := range m.Device.FanoutRatios {
		if r == n {
			return true
		}
	}
	return false
}

// RegisterNames returns all register names sorted by offset.
func (m *Map) RegisterNames() []string {
	names := make([]string, 0, len(m.Registers))
	for n := range m.Registers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.Registers[names[i]].Offset < m.Registers[names[j]].Offset
	})
	return names
}
