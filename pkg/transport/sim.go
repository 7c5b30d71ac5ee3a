package transport

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

// Access records one simulated register access.
type Access struct {
	Write bool
	Addr  uint32
	Value uint32
}

// ReadHook may replace the value returned by a read or fail it.
type ReadHook func(addr, value uint32) (uint32, error)

// WriteHook may reject a write before it lands.
type WriteHook func(addr, value uint32) error

// Sim is an in-memory switch: a sparse register file plus an emulated EEPROM
// controller. It records every access and lets tests inject faults.
type Sim struct {
	Regs   map[uint32]uint32
	Eeprom []byte

	OnRead  ReadHook
	OnWrite WriteHook

	// BusyPolls makes the controller report busy for that many status reads
	// after each command.
	BusyPolls int

	cfg          regmap.EepromConfig
	name         string
	log          []Access
	pending      *uint32
	writeEnabled bool
	busyLeft     int
	closed       bool
}

// NewSim returns a simulator for the family m, or with default EEPROM
// controller parameters when m is nil. Register 0 carries the family's
// vendor and device ID.
func NewSim(m *regmap.Map) *Sim {
	s := &Sim{
		Regs: make(map[uint32]uint32),
		cfg:  regmap.DefaultEeprom(),
		name: "sim",
	}
	if m != nil {
		s.cfg = m.Eeprom
		s.name = "sim " + m.Device.Tag
		s.Regs[0] = uint32(m.Device.DeviceID)<<16 | uint32(m.Device.VendorID)
	}
	s.Eeprom = make([]byte, s.cfg.MaxSize)
	for i := range s.Eeprom {
		s.Eeprom[i] = 0xFF
	}
	return s
}

// Log returns the recorded accesses.
func (s *Sim) Log() []Access { return append([]Access(nil), s.log...) }

// Writes returns only the recorded writes.
func (s *Sim) Writes() []Access {
	var out []Access
	for _, a := range s.log {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}

// ResetLog clears the access log.
func (s *Sim) ResetLog() { s.log = nil }

// Reopen clears the closed flag so a test can hand the same simulated switch
// to a new session.
func (s *Sim) Reopen() { s.closed = false }

// Closed reports whether Close was called.
func (s *Sim) Closed() bool { return s.closed }

// SetEeprom copies data to the start of the simulated EEPROM.
func (s *Sim) SetEeprom(data []byte) {
	copy(s.Eeprom, data)
}

func (s *Sim) ReadRegister(addr uint32) (uint32, error) {
	if err := checkOffset("read", addr); err != nil {
		return 0, err
	}
	if s.closed {
		return 0, plxerr.New(plxerr.IoError, "read", "session closed")
	}
	v := s.Regs[addr]
	switch addr {
	case s.cfg.CtrlOffset:
		busy := uint32(1) << s.cfg.BusyBit
		if s.busyLeft > 0 {
			s.busyLeft--
			v |= busy
		} else {
			v &^= busy
		}
	case s.cfg.DataOffset:
		if s.pending != nil {
			v = s.eepromDword(*s.pending)
			s.pending = nil
		}
	}
	if s.OnRead != nil {
		var err error
		if v, err = s.OnRead(addr, v); err != nil {
			return 0, ioErr("read", addr, err)
		}
	}
	s.log = append(s.log, Access{Addr: addr, Value: v})
	return v, nil
}

func (s *Sim) WriteRegister(addr, value uint32) error {
	if err := checkOffset("write", addr); err != nil {
		return err
	}
	if s.closed {
		return plxerr.New(plxerr.IoError, "write", "session closed")
	}
	if s.OnWrite != nil {
		if err := s.OnWrite(addr, value); err != nil {
			return ioErr("write", addr, err)
		}
	}
	s.log = append(s.log, Access{Write: true, Addr: addr, Value: value})
	s.Regs[addr] = value
	if addr == s.cfg.CtrlOffset {
		s.command(value)
	}
	return nil
}

func (s *Sim) command(value uint32) {
	busy := uint32(1) << s.cfg.BusyBit
	cmd := value &^ s.cfg.AddrMask &^ busy
	addr := value & s.cfg.AddrMask
	switch cmd {
	case s.cfg.ReadCmd:
		s.pending = &addr
	case s.cfg.WriteEnableCmd:
		s.writeEnabled = true
	case s.cfg.WriteCmd:
		if s.writeEnabled {
			s.setEepromDword(addr, s.Regs[s.cfg.DataOffset])
		}
		s.writeEnabled = false
	default:
		return
	}
	s.busyLeft = s.BusyPolls
}

func (s *Sim) eepromDword(addr uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b := byte(0xFF)
		if int(addr+i) < len(s.Eeprom) {
			b = s.Eeprom[addr+i]
		}
		v |= uint32(b) << (8 * i)
	}
	return v
}

func (s *Sim) setEepromDword(addr, v uint32) {
	for i := uint32(0); i < 4; i++ {
		if int(addr+i) < len(s.Eeprom) {
			s.Eeprom[addr+i] = byte(v >> (8 * i))
		}
	}
}

// Close marks the simulator closed; further accesses fail with IoError.
func (s *Sim) Close() error {
	s.closed = true
	return nil
}

func (s *Sim) Describe() string { return s.name }

func (a Access) String() string {
	if a.Write {
		return fmt.Sprintf("W 0x%05X <- 0x%08X", a.Addr, a.Value)
	}
	return fmt.Sprintf("R 0x%05X -> 0x%08X", a.Addr, a.Value)
}
