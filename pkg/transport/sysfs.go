package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
)

// ConfigSpaceSize is the extended PCIe configuration space length.
const ConfigSpaceSize = 4096

// SysfsSession accesses the PCIe configuration space through
// <root>/<bdf>/config. Registers outside the first 4 KiB (such as per-port
// blocks above port 0) need a PCIeSession instead.
type SysfsSession struct {
	bdf  string
	file *os.File
}

// OpenSysfs opens the config file of the function at bdf.
func OpenSysfs(root, bdf string) (*SysfsSession, error) {
	op := "open " + bdf + " config"
	if !ValidBDF(bdf) {
		return nil, plxerr.New(plxerr.DeviceNotFound, op, "invalid BDF")
	}
	f, err := os.OpenFile(filepath.Join(root, bdf, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, classifyOpen(op, err)
	}
	return &SysfsSession{bdf: bdf, file: f}, nil
}

func (s *SysfsSession) check(op string, addr uint32) error {
	if err := checkOffset(op, addr); err != nil {
		return err
	}
	if s.file == nil {
		return plxerr.New(plxerr.IoError, op, "session closed")
	}
	if addr+4 > ConfigSpaceSize {
		return plxerr.New(plxerr.IoError, op, fmt.Sprintf("offset 0x%X outside config space", addr))
	}
	return nil
}

// ReadRegister reads one dword with a single pread.
func (s *SysfsSession) ReadRegister(addr uint32) (uint32, error) {
	if err := s.check("read", addr); err != nil {
		return 0, err
	}
	var buf [4]byte
	n, err := unix.Pread(int(s.file.Fd()), buf[:], int64(addr))
	if err != nil {
		return 0, ioErr("read", addr, err)
	}
	if n != 4 {
		return 0, ioErr("read", addr, fmt.Errorf("short read: %d bytes", n))
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteRegister writes one dword with a single pwrite.
func (s *SysfsSession) WriteRegister(addr, value uint32) error {
	if err := s.check("write", addr); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	n, err := unix.Pwrite(int(s.file.Fd()), buf[:], int64(addr))
	if err != nil {
		return ioErr("write", addr, err)
	}
	if n != 4 {
		return ioErr("write", addr, fmt.Errorf("short write: %d bytes", n))
	}
	return nil
}

// Close closes the config file. It is safe to call twice.
func (s *SysfsSession) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *SysfsSession) Describe() string { return "sysfs " + s.bdf }
