// Package transport provides uniform 32-bit register access to a PLX switch
// over memory-mapped BAR0, the PCIe config sysfs file, I2C/SMBus, the USB
// serial management console of Atlas host cards, or an in-memory simulator.
//
// A Session is owned by exactly one caller. It is not safe for concurrent
// use; sessions to different switches share no state.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

// Session reads and writes one 32-bit register at a time. A write either
// lands or returns an error; sessions never retry on their own.
type Session interface {
	ReadRegister(addr uint32) (uint32, error)
	WriteRegister(addr, value uint32) error
	Close() error
	// Describe names the switch and access method, e.g. "pcie 0000:03:00.0".
	Describe() string
}

// Method selects the access medium.
type Method string

const (
	MethodPCIe   Method = "pcie"
	MethodSysfs  Method = "sysfs"
	MethodI2C    Method = "i2c"
	MethodSerial Method = "serial"
	MethodSim    Method = "sim"
)

// Methods lists every supported method.
func Methods() []Method {
	return []Method{MethodPCIe, MethodSysfs, MethodI2C, MethodSerial, MethodSim}
}

// ParseMethod accepts a method name or a common alias.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "pcie", "mmap", "bar0":
		return MethodPCIe, nil
	case "sysfs", "config":
		return MethodSysfs, nil
	case "i2c", "smbus":
		return MethodI2C, nil
	case "serial", "tty", "atlas":
		return MethodSerial, nil
	case "sim", "simulator":
		return MethodSim, nil
	}
	return "", fmt.Errorf("transport: unknown method %q", s)
}

// Target identifies one physical switch.
type Target struct {
	// BDF is the PCI address for pcie and sysfs sessions.
	BDF string
	// Bus is the I2C bus name or number ("1", "/dev/i2c-1").
	Bus string
	// Addr is the 7-bit I2C slave address.
	Addr uint16
	// Path is the serial device path.
	Path string
}

func (t Target) String() string {
	switch {
	case t.BDF != "":
		return t.BDF
	case t.Bus != "":
		return fmt.Sprintf("%s:0x%02x", t.Bus, t.Addr)
	case t.Path != "":
		return t.Path
	}
	return "sim"
}

var bdfPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// ValidBDF reports whether s is a full domain:bus:device.function address.
func ValidBDF(s string) bool {
	return bdfPattern.MatchString(s)
}

// ParseTarget interprets s for the given method:
// pcie/sysfs take a BDF ("03:00.0" gets domain 0000), i2c takes BUS:ADDR
// ("1:0x38"), serial takes a device path.
func ParseTarget(m Method, s string) (Target, error) {
	switch m {
	case MethodPCIe, MethodSysfs:
		if strings.Count(s, ":") == 1 {
			s = "0000:" + s
		}
		s = strings.ToLower(s)
		if !ValidBDF(s) {
			return Target{}, fmt.Errorf("transport: invalid BDF %q", s)
		}
		return Target{BDF: s}, nil
	case MethodI2C:
		i := strings.LastIndex(s, ":")
		if i <= 0 {
			return Target{}, fmt.Errorf("transport: i2c target must be BUS:ADDR, got %q", s)
		}
		addr, err := strconv.ParseUint(s[i+1:], 0, 7)
		if err != nil {
			return Target{}, fmt.Errorf("transport: invalid i2c address %q: %w", s[i+1:], err)
		}
		return Target{Bus: s[:i], Addr: uint16(addr)}, nil
	case MethodSerial:
		if s == "" {
			return Target{}, errors.New("transport: serial target needs a device path")
		}
		return Target{Path: s}, nil
	case MethodSim:
		return Target{}, nil
	}
	return Target{}, fmt.Errorf("transport: unknown method %q", m)
}

// Options tunes session construction.
type Options struct {
	// SysfsRoot overrides /sys/bus/pci/devices.
	SysfsRoot string
	// Map is the family table; it selects I2C framing and bounds.
	Map *regmap.Map
	// MapSize overrides the mapped BAR0 length (0 maps the whole BAR).
	MapSize int
	// Sim backs MethodSim; a fresh simulator is used when nil.
	Sim *Sim
	// Baud and Timeout apply to serial sessions.
	Baud    int
	Timeout time.Duration
	Log     logr.Logger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		SysfsRoot: DefaultSysfsRoot,
		Baud:      DefaultBaud,
		Timeout:   DefaultSerialTimeout,
		Log:       logr.Discard(),
	}
}

// DefaultSysfsRoot is where Linux exposes PCI functions.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

// Open returns a session bound to target over method m. The context only
// bounds the open itself.
func Open(ctx context.Context, m Method, target Target, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = DefaultSysfsRoot
	}
	var (
		s   Session
		err error
	)
	switch m {
	case MethodPCIe:
		s, err = OpenPCIe(opts.SysfsRoot, target.BDF, opts.MapSize)
	case MethodSysfs:
		s, err = OpenSysfs(opts.SysfsRoot, target.BDF)
	case MethodI2C:
		s, err = OpenI2C(target.Bus, target.Addr, opts.Map)
	case MethodSerial:
		s, err = OpenSerial(target.Path, opts.Baud, opts.Timeout)
	case MethodSim:
		sim := opts.Sim
		if sim == nil {
			sim = NewSim(opts.Map)
		}
		s, err = sim, nil
	default:
		return nil, fmt.Errorf("transport: unknown method %q", m)
	}
	if err != nil {
		return nil, err
	}
	opts.Log.V(1).Info("session opened", "method", string(m), "target", target.String())
	return s, nil
}

// checkOffset rejects misaligned accesses before they reach hardware.
func checkOffset(op string, addr uint32) error {
	if addr&3 != 0 {
		return plxerr.New(plxerr.IoError, op, fmt.Sprintf("offset 0x%X is not 4-byte aligned", addr))
	}
	return nil
}

// classifyOpen maps an error from acquiring a device node to a Kind.
func classifyOpen(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return plxerr.Wrap(plxerr.DeviceNotFound, op, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EPERM):
		return plxerr.Wrap(plxerr.PermissionDenied, op, err)
	default:
		return plxerr.Wrap(plxerr.TransportUnavailable, op, err)
	}
}

func ioErr(op string, addr uint32, err error) error {
	return plxerr.Wrap(plxerr.IoError, fmt.Sprintf("%s 0x%X", op, addr), err)
}
