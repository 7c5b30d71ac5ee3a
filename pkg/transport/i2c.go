package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

// Valid 7-bit addresses; 0x00-0x07 and 0x78-0x7F are reserved.
const (
	I2CAddrMin = 0x08
	I2CAddrMax = 0x77
)

// PLX slave command codes for the plx-cmd framing.
const (
	i2cCmdWrite = 0x03
	i2cCmdRead  = 0x04
	// All four byte lanes enabled.
	i2cByteEnables = 0xF
)

// Txer is the subset of periph's conn.Conn used by I2CSession.
type Txer interface {
	Tx(w, r []byte) error
}

// I2CSession accesses registers through the switch's I2C slave port.
type I2CSession struct {
	dev    Txer
	closer io.Closer
	name   string
	mode   string
	stride uint32
}

// OpenI2C opens bus (a number or /dev/i2c-N path) and binds to addr. The
// family table selects the register framing; without one, flat 16-bit
// offsets are used.
func OpenI2C(bus string, addr uint16, m *regmap.Map) (*I2CSession, error) {
	op := fmt.Sprintf("open i2c %s:0x%02x", bus, addr)
	if addr < I2CAddrMin || addr > I2CAddrMax {
		return nil, plxerr.New(plxerr.DeviceNotFound, op, "address outside 0x08-0x77")
	}
	if node := i2cDevNode(bus); node != "" {
		if _, err := os.Stat(node); err != nil {
			return nil, classifyOpen(op, err)
		}
		f, err := os.OpenFile(node, os.O_RDWR, 0)
		if err != nil {
			return nil, classifyOpen(op, err)
		}
		f.Close()
	}
	if _, err := host.Init(); err != nil {
		return nil, plxerr.Wrap(plxerr.TransportUnavailable, op, err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, plxerr.Wrap(plxerr.TransportUnavailable, op, err)
	}
	dev := &i2c.Dev{Bus: b, Addr: addr}
	return NewI2CSession(dev, b, fmt.Sprintf("%s:0x%02x", bus, addr), m), nil
}

// NewI2CSession wraps an existing connection. closer may be nil.
func NewI2CSession(dev Txer, closer io.Closer, name string, m *regmap.Map) *I2CSession {
	s := &I2CSession{dev: dev, closer: closer, name: name, mode: regmap.I2CFlat16}
	if m != nil {
		s.mode = m.I2C.Mode
		s.stride = m.Device.PortStride
	}
	return s
}

func i2cDevNode(bus string) string {
	if strings.HasPrefix(bus, "/dev/") {
		return bus
	}
	for _, c := range bus {
		if c < '0' || c > '9' {
			return ""
		}
	}
	if bus == "" {
		return ""
	}
	return "/dev/i2c-" + bus
}

// EncodeI2CAddress returns the address bytes that precede a register access.
//
// plx-cmd: [cmd, port>>1, (port&1)<<7 | enables<<2 | dword[9:8], dword[7:0]]
// where dword is the port-relative offset divided by four.
//
// flat16: the byte offset, big-endian.
func EncodeI2CAddress(mode string, read bool, offset uint32, port int) ([]byte, error) {
	switch mode {
	case regmap.I2CPlxCommand:
		dword := offset >> 2
		if dword > 0x3FF {
			return nil, fmt.Errorf("transport: offset 0x%X exceeds 10-bit dword address", offset)
		}
		if port < 0 || port > 0x3F {
			return nil, fmt.Errorf("transport: port %d out of range", port)
		}
		cmd := byte(i2cCmdWrite)
		if read {
			cmd = i2cCmdRead
		}
		return []byte{
			cmd,
			byte(port >> 1),
			byte(port&1)<<7 | i2cByteEnables<<2 | byte(dword>>8)&0x3,
			byte(dword),
		}, nil
	case regmap.I2CFlat16, "":
		if port != 0 {
			return nil, fmt.Errorf("transport: flat16 framing cannot address port %d", port)
		}
		if offset > 0xFFFF {
			return nil, fmt.Errorf("transport: offset 0x%X exceeds 16-bit address", offset)
		}
		return []byte{byte(offset >> 8), byte(offset)}, nil
	}
	return nil, fmt.Errorf("transport: unknown i2c mode %q", mode)
}

func (s *I2CSession) address(read bool, addr uint32) ([]byte, error) {
	offset, port := addr, 0
	if s.mode == regmap.I2CPlxCommand && s.stride != 0 {
		offset, port = addr%s.stride, int(addr/s.stride)
	}
	return EncodeI2CAddress(s.mode, read, offset, port)
}

// ReadRegister issues the address phase and reads four little-endian bytes in
// one combined transaction.
func (s *I2CSession) ReadRegister(addr uint32) (uint32, error) {
	if err := checkOffset("read", addr); err != nil {
		return 0, err
	}
	if s.dev == nil {
		return 0, plxerr.New(plxerr.IoError, "read", "session closed")
	}
	w, err := s.address(true, addr)
	if err != nil {
		return 0, ioErr("read", addr, err)
	}
	var r [4]byte
	if err := s.dev.Tx(w, r[:]); err != nil {
		return 0, ioErr("read", addr, err)
	}
	return binary.LittleEndian.Uint32(r[:]), nil
}

// WriteRegister sends the address phase followed by the value in a single
// write transaction.
func (s *I2CSession) WriteRegister(addr, value uint32) error {
	if err := checkOffset("write", addr); err != nil {
		return err
	}
	if s.dev == nil {
		return plxerr.New(plxerr.IoError, "write", "session closed")
	}
	w, err := s.address(false, addr)
	if err != nil {
		return ioErr("write", addr, err)
	}
	w = binary.LittleEndian.AppendUint32(w, value)
	if err := s.dev.Tx(w, nil); err != nil {
		return ioErr("write", addr, err)
	}
	return nil
}

// Close releases the bus handle. It is safe to call twice.
func (s *I2CSession) Close() error {
	var err error
	if s.closer != nil {
		err = s.closer.Close()
		s.closer = nil
	}
	s.dev = nil
	return err
}

func (s *I2CSession) Describe() string { return "i2c " + s.name }
