package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinasystems/i2c"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plx"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/switchdb"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// PLX slave ports answer in this address window, selected by strap pins.
const (
	I2CScanFirst = 0x38
	I2CScanLast  = 0x3F
)

// I2CDevice is a switch found on an I2C bus.
type I2CDevice struct {
	Bus      string `json:"bus"`
	Addr     uint16 `json:"addr"`
	VendorID uint16 `json:"vendor_id"`
	DeviceID uint16 `json:"device_id"`
}

// Name is the part name.
func (d I2CDevice) Name() string { return switchdb.DisplayName(d.VendorID, d.DeviceID) }

// Target returns the transport address.
func (d I2CDevice) Target() transport.Target { return transport.Target{Bus: d.Bus, Addr: d.Addr} }

// I2CScanner looks for PLX slave ports on one bus. Probe is a cheap
// presence test; Open gives a register session used to confirm the vendor.
type I2CScanner struct {
	Bus   string
	Probe func(addr uint16) bool
	Open  func(ctx context.Context, addr uint16) (transport.Session, error)
}

// NewI2CScanner returns a scanner for bus that probes with an SMBus byte
// read and confirms over a PLX I2C session framed for m.
func NewI2CScanner(bus string, m *regmap.Map) (*I2CScanner, error) {
	n, err := busNumber(bus)
	if err != nil {
		return nil, err
	}
	return &I2CScanner{
		Bus:   bus,
		Probe: func(addr uint16) bool { return smbusProbe(n, addr) },
		Open: func(ctx context.Context, addr uint16) (transport.Session, error) {
			return transport.Open(ctx, transport.MethodI2C, transport.Target{Bus: bus, Addr: addr},
				transport.Options{Map: m})
		},
	}, nil
}

func busNumber(bus string) (int, error) {
	s := strings.TrimPrefix(bus, "/dev/i2c-")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("discovery: i2c bus %q is not a number or /dev/i2c-N", bus)
	}
	return n, nil
}

func smbusProbe(bus int, addr uint16) bool {
	var b i2c.Bus
	if err := b.Open(bus); err != nil {
		return false
	}
	defer b.Close()
	if err := b.ForceSlaveAddress(int(addr)); err != nil {
		return false
	}
	var data i2c.SMBusData
	return b.Do(i2c.Read, 0, i2c.Byte, &data) == nil
}

// Scan probes 0x38-0x3F and returns the addresses whose register 0 carries
// the PLX vendor ID.
func (s *I2CScanner) Scan(ctx context.Context) ([]I2CDevice, error) {
	var out []I2CDevice
	for addr := uint16(I2CScanFirst); addr <= I2CScanLast; addr++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if s.Probe != nil && !s.Probe(addr) {
			continue
		}
		d, ok := s.confirm(ctx, addr)
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *I2CScanner) confirm(ctx context.Context, addr uint16) (I2CDevice, bool) {
	sess, err := s.Open(ctx, addr)
	if err != nil {
		return I2CDevice{}, false
	}
	defer sess.Close()
	vendor, device, err := plx.Identify(sess)
	if err != nil || vendor != switchdb.VendorPLX {
		return I2CDevice{}, false
	}
	return I2CDevice{Bus: s.Bus, Addr: addr, VendorID: vendor, DeviceID: device}, true
}

// ScanI2C scans bus with the default scanner.
func ScanI2C(ctx context.Context, bus string, m *regmap.Map) ([]I2CDevice, error) {
	s, err := NewI2CScanner(bus, m)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx)
}
