package transport

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
)

// IORESOURCE_IO in the sysfs resource flags column.
const resourceFlagIO = 0x100

// Resource is one line of a PCI function's sysfs "resource" file.
type Resource struct {
	Start, End, Flags uint64
}

// Size is the BAR length in bytes, 0 when unassigned.
func (r Resource) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// IsIO reports whether the BAR decodes I/O space.
func (r Resource) IsIO() bool { return r.Flags&resourceFlagIO != 0 }

// ReadResources parses <root>/<bdf>/resource.
func ReadResources(root, bdf string) ([]Resource, error) {
	f, err := os.Open(filepath.Join(root, bdf, "resource"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Resource
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) < 3 {
			continue
		}
		var r Resource
		var perr error
		if r.Start, perr = strconv.ParseUint(parts[0], 0, 64); perr != nil {
			return nil, fmt.Errorf("transport: resource: %w", perr)
		}
		if r.End, perr = strconv.ParseUint(parts[1], 0, 64); perr != nil {
			return nil, fmt.Errorf("transport: resource: %w", perr)
		}
		if r.Flags, perr = strconv.ParseUint(parts[2], 0, 64); perr != nil {
			return nil, fmt.Errorf("transport: resource: %w", perr)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// PCIeSession accesses switch registers through a shared mapping of BAR0.
type PCIeSession struct {
	bdf  string
	file *os.File
	mem  []byte
}

// OpenPCIe maps BAR0 of the function at bdf. size 0 maps the whole BAR.
func OpenPCIe(root, bdf string, size int) (*PCIeSession, error) {
	op := "open " + bdf
	if !ValidBDF(bdf) {
		return nil, plxerr.New(plxerr.DeviceNotFound, op, "invalid BDF")
	}
	path := filepath.Join(root, bdf, "resource0")
	if _, err := os.Stat(path); err != nil {
		return nil, classifyOpen(op, err)
	}

	barSize := uint64(0)
	if res, err := ReadResources(root, bdf); err == nil && len(res) > 0 {
		if res[0].IsIO() {
			return nil, plxerr.New(plxerr.TransportUnavailable, op, "BAR0 is I/O space, not memory")
		}
		barSize = res[0].Size()
	}
	switch {
	case size == 0 && barSize == 0:
		size = 0x1000
	case size == 0:
		size = int(barSize)
	case barSize > 0 && uint64(size) > barSize:
		return nil, plxerr.New(plxerr.TransportUnavailable, op,
			fmt.Sprintf("map size 0x%X exceeds BAR0 size 0x%X", size, barSize))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, classifyOpen(op, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, classifyOpen(op+" mmap", err)
	}
	return &PCIeSession{bdf: bdf, file: f, mem: mem}, nil
}

// Size is the mapped window length.
func (s *PCIeSession) Size() int { return len(s.mem) }

func (s *PCIeSession) word(op string, addr uint32) (*uint32, error) {
	if err := checkOffset(op, addr); err != nil {
		return nil, err
	}
	if s.mem == nil {
		return nil, plxerr.New(plxerr.IoError, op, "session closed")
	}
	if int(addr)+4 > len(s.mem) {
		return nil, plxerr.New(plxerr.IoError, op,
			fmt.Sprintf("offset 0x%X exceeds mapped size 0x%X", addr, len(s.mem)))
	}
	return (*uint32)(unsafe.Pointer(&s.mem[addr])), nil
}

// ReadRegister performs one 32-bit load from BAR0.
func (s *PCIeSession) ReadRegister(addr uint32) (uint32, error) {
	p, err := s.word("read", addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// WriteRegister performs one 32-bit store to BAR0.
func (s *PCIeSession) WriteRegister(addr, value uint32) error {
	p, err := s.word("write", addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	return nil
}

// Close unmaps BAR0 and closes the resource file. It is safe to call twice.
func (s *PCIeSession) Close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

func (s *PCIeSession) Describe() string { return "pcie " + s.bdf }
