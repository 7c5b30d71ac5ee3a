// Package plx binds a transport session to a switch family. A Switch knows
// its identity and capacity, records every register value it observes, and
// refuses writes to families whose register tables are unverified unless the
// caller opts in.
package plx

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/switchdb"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// Options tunes Open.
type Options struct {
	Transport transport.Options
	// Family forces a family tag instead of identifying the switch.
	Family string
	// AllowUnverified permits writes to families marked verified: false.
	AllowUnverified bool
	// Registry resolves families; nil uses the built-in tables.
	Registry *regmap.Registry
	Log      logr.Logger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{Transport: transport.DefaultOptions(), Log: logr.Discard()}
}

// Switch is one opened switch. It implements transport.Session, so anything
// that drives registers can run through it and be recorded.
type Switch struct {
	sess   transport.Session
	method transport.Method
	target transport.Target
	m      *regmap.Map

	VendorID uint16
	DeviceID uint16

	snapshot        map[uint32]uint32
	allowUnverified bool
	log             logr.Logger
}

// Open opens a session and resolves the family, reading register 0 unless
// opts.Family is set. The session is closed again on any failure.
func Open(ctx context.Context, method transport.Method, target transport.Target, opts Options) (*Switch, error) {
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = regmap.Default(); err != nil {
			return nil, err
		}
	}
	topts := opts.Transport
	var forced *regmap.Map
	if opts.Family != "" {
		m, err := reg.Lookup(opts.Family)
		if err != nil {
			return nil, plxerr.Wrap(plxerr.InvalidConfiguration, "open switch", err)
		}
		forced = m
		topts.Map = m
	} else if topts.Map == nil && method == transport.MethodI2C {
		topts.Map = probeMap(reg)
	}

	sess, err := transport.Open(ctx, method, target, topts)
	if err != nil {
		return nil, err
	}
	vendor, device, err := Identify(sess)
	if err != nil {
		sess.Close()
		return nil, err
	}
	m := forced
	if m == nil {
		if m, err = reg.LookupID(vendor, device); err != nil {
			sess.Close()
			return nil, plxerr.New(plxerr.DeviceNotFound, "open switch",
				fmt.Sprintf("%s at %s has no register table", switchdb.DisplayName(vendor, device), target))
		}
	}
	s := New(sess, m)
	s.method, s.target = method, target
	s.VendorID, s.DeviceID = vendor, device
	s.snapshot[0] = uint32(device)<<16 | uint32(vendor)
	s.allowUnverified = opts.AllowUnverified
	if opts.Log.GetSink() != nil {
		s.log = opts.Log
	}
	s.log.V(1).Info("switch opened", "family", m.Device.Tag, "target", target.String(),
		"vendor", fmt.Sprintf("0x%04X", vendor), "device", fmt.Sprintf("0x%04X", device))
	return s, nil
}

// probeMap picks a table whose I2C framing can read register 0 before the
// family is known.
func probeMap(reg *regmap.Registry) *regmap.Map {
	for _, m := range reg.Families() {
		if m.Device.Verified && m.I2C.Mode == regmap.I2CPlxCommand {
			return m
		}
	}
	return nil
}

// New wraps an open session with a known family.
func New(sess transport.Session, m *regmap.Map) *Switch {
	return &Switch{
		sess:     sess,
		method:   transport.MethodSim,
		m:        m,
		VendorID: m.Device.VendorID,
		DeviceID: m.Device.DeviceID,
		snapshot: make(map[uint32]uint32),
		log:      logr.Discard(),
	}
}

// Identify reads register 0 and returns the PCI vendor and device IDs.
// A switch that answers all-ones or zero is not there.
func Identify(sess transport.Session) (vendor, device uint16, err error) {
	v, err := sess.ReadRegister(0)
	if err != nil {
		return 0, 0, err
	}
	if v == 0xFFFFFFFF || v == 0 {
		return 0, 0, plxerr.New(plxerr.HardwareNotPresent, "identify "+sess.Describe(),
			fmt.Sprintf("register 0 reads 0x%08X", v))
	}
	return uint16(v), uint16(v >> 16), nil
}

// AllowUnverified permits writes on an unverified family.
func (s *Switch) AllowUnverified(ok bool) { s.allowUnverified = ok }

// Map returns the family register table.
func (s *Switch) Map() *regmap.Map { return s.m }

// Family returns the family tag.
func (s *Switch) Family() string { return s.m.Device.Tag }

// Lanes returns the total lane count.
func (s *Switch) Lanes() int { return s.m.Device.Lanes }

// Ports returns the total port count.
func (s *Switch) Ports() int { return s.m.Device.Ports }

// Target returns the address the switch was opened at.
func (s *Switch) Target() transport.Target { return s.target }

// Method returns the access method.
func (s *Switch) Method() transport.Method { return s.method }

// Name is the human-readable part name.
func (s *Switch) Name() string { return switchdb.DisplayName(s.VendorID, s.DeviceID) }

// ReadRegister reads from hardware and records the value.
func (s *Switch) ReadRegister(addr uint32) (uint32, error) {
	if s.snapshot == nil {
		return 0, plxerr.New(plxerr.IoError, "read", "switch closed")
	}
	v, err := s.sess.ReadRegister(addr)
	if err != nil {
		delete(s.snapshot, addr)
		return 0, err
	}
	s.snapshot[addr] = v
	return v, nil
}

// WriteRegister writes to hardware. On success the written value becomes the
// observed value; on failure the address is forgotten. Families with an
// unverified table refuse every write except EEPROM read commands unless
// AllowUnverified was set.
func (s *Switch) WriteRegister(addr, value uint32) error {
	if s.snapshot == nil {
		return plxerr.New(plxerr.IoError, "write", "switch closed")
	}
	if !s.m.Device.Verified && !s.allowUnverified && !s.eepromRead(addr, value) {
		return plxerr.New(plxerr.InvalidConfiguration, fmt.Sprintf("write 0x%X", addr),
			fmt.Sprintf("family %s register table is unverified", s.m.Device.Tag))
	}
	if err := s.sess.WriteRegister(addr, value); err != nil {
		delete(s.snapshot, addr)
		return err
	}
	s.snapshot[addr] = value
	return nil
}

// eepromRead reports whether a write only issues an EEPROM read command. It
// changes neither the EEPROM nor the port configuration, so it is allowed on
// unverified families.
func (s *Switch) eepromRead(addr, value uint32) bool {
	e := s.m.Eeprom
	return addr == e.CtrlOffset && value&^e.AddrMask == e.ReadCmd
}

// Observed returns the last value seen at addr without touching hardware.
func (s *Switch) Observed(addr uint32) (uint32, bool) {
	v, ok := s.snapshot[addr]
	return v, ok
}

// Snapshot returns a copy of every observed register value.
func (s *Switch) Snapshot() map[uint32]uint32 {
	out := make(map[uint32]uint32, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// SnapshotAddrs returns the observed addresses in ascending order.
func (s *Switch) SnapshotAddrs() []uint32 {
	out := make([]uint32, 0, len(s.snapshot))
	for k := range s.snapshot {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadField reads one named field of a register for a port.
func (s *Switch) ReadField(register string, port int, field string) (uint32, error) {
	r, f, err := s.lookup(register, field)
	if err != nil {
		return 0, err
	}
	v, err := s.ReadRegister(r.PortOffset(port))
	if err != nil {
		return 0, err
	}
	return f.Extract(v), nil
}

// WriteField read-modify-writes one named field.
func (s *Switch) WriteField(register string, port int, field string, value uint32) error {
	r, f, err := s.lookup(register, field)
	if err != nil {
		return err
	}
	if value > f.Max() {
		return plxerr.New(plxerr.InvalidConfiguration, "write field",
			fmt.Sprintf("%s.%s value %d exceeds %d", register, field, value, f.Max()))
	}
	addr := r.PortOffset(port)
	cur, err := s.ReadRegister(addr)
	if err != nil {
		return err
	}
	return s.WriteRegister(addr, f.Insert(cur, value))
}

func (s *Switch) lookup(register, field string) (*regmap.Register, *regmap.Field, error) {
	r, err := s.m.Register(register)
	if err != nil {
		return nil, nil, plxerr.Wrap(plxerr.InvalidConfiguration, "lookup", err)
	}
	f, err := r.Field(field)
	if err != nil {
		return nil, nil, plxerr.Wrap(plxerr.InvalidConfiguration, "lookup", err)
	}
	return r, f, nil
}

// Close closes the session and discards the snapshot. It is safe to call
// twice.
func (s *Switch) Close() error {
	if s.snapshot == nil {
		return nil
	}
	s.snapshot = nil
	return s.sess.Close()
}

func (s *Switch) Describe() string {
	return fmt.Sprintf("%s (%s)", s.sess.Describe(), s.m.Device.Name)
}
