package eeprom

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// Busy polling defaults. EEPROM commands normally finish well inside one
// interval.
const (
	DefaultPollLimit    = 100
	DefaultPollInterval = time.Millisecond
)

// Info summarises the EEPROM header.
type Info struct {
	Valid         bool `json:"valid"`
	Signature     byte `json:"signature"`
	Reserved      byte `json:"reserved"`
	PayloadLength int  `json:"payload_length"`
	// TotalSize is header plus payload, or 0 when the header is invalid.
	TotalSize int `json:"total_size"`
}

// Controller drives the EEPROM controller registers of one switch. The
// controller addresses bytes; every transfer moves one little-endian dword.
type Controller struct {
	s   transport.Session
	cfg regmap.EepromConfig

	PollLimit    int
	PollInterval time.Duration
	sleep        func(time.Duration)
}

// NewController returns a controller for the family m, or with the default
// PEX86xx/87xx parameters when m is nil.
func NewController(s transport.Session, m *regmap.Map) *Controller {
	cfg := regmap.DefaultEeprom()
	if m != nil {
		cfg = m.Eeprom
	}
	return &Controller{
		s:            s,
		cfg:          cfg,
		PollLimit:    DefaultPollLimit,
		PollInterval: DefaultPollInterval,
		sleep:        time.Sleep,
	}
}

// MaxSize is the EEPROM capacity in bytes.
func (c *Controller) MaxSize() int { return c.cfg.MaxSize }

func (c *Controller) command(cmd, addr uint32) error {
	if err := c.s.WriteRegister(c.cfg.CtrlOffset, cmd|addr&c.cfg.AddrMask); err != nil {
		return err
	}
	return c.wait(addr)
}

func (c *Controller) wait(addr uint32) error {
	busy := uint32(1) << c.cfg.BusyBit
	for i := 0; i < c.PollLimit; i++ {
		status, err := c.s.ReadRegister(c.cfg.CtrlOffset)
		if err != nil {
			return err
		}
		if status&busy == 0 {
			return nil
		}
		c.sleep(c.PollInterval)
	}
	return plxerr.New(plxerr.IoError, fmt.Sprintf("eeprom 0x%X", addr), "controller busy timeout")
}

// ReadDword reads four bytes starting at the byte address addr.
func (c *Controller) ReadDword(addr uint32) (uint32, error) {
	if err := c.command(c.cfg.ReadCmd, addr); err != nil {
		return 0, err
	}
	return c.s.ReadRegister(c.cfg.DataOffset)
}

// ReadByte reads one byte through the enclosing aligned dword.
func (c *Controller) ReadByte(addr uint32) (byte, error) {
	v, err := c.ReadDword(addr &^ 3)
	if err != nil {
		return 0, err
	}
	return byte(v >> (8 * (addr & 3))), nil
}

// ReadBytes reads n bytes from addr, using whole dwords where aligned.
func (c *Controller) ReadBytes(addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := addr + uint32(len(out))
		if cur&3 == 0 && n-len(out) >= 4 {
			v, err := c.ReadDword(cur)
			if err != nil {
				return out, err
			}
			out = binary.LittleEndian.AppendUint32(out, v)
			continue
		}
		b, err := c.ReadByte(cur)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Detect reads the header dword.
func (c *Controller) Detect() (Info, error) {
	h, err := c.ReadDword(0)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Signature:     byte(h),
		Reserved:      byte(h >> 8),
		PayloadLength: int(h >> 16),
	}
	info.Valid = info.Signature == c.cfg.Signature && info.Reserved == 0 && info.PayloadLength%EntrySize == 0
	if info.Valid {
		info.TotalSize = HeaderSize + info.PayloadLength
	}
	return info, nil
}

// ReadAll reads the valid part of the EEPROM, or limit bytes when the header
// is invalid. limit <= 0 means the family capacity.
func (c *Controller) ReadAll(limit int) ([]byte, error) {
	if limit <= 0 || limit > c.cfg.MaxSize {
		limit = c.cfg.MaxSize
	}
	info, err := c.Detect()
	if err != nil {
		return nil, err
	}
	size := limit
	if info.Valid && info.TotalSize < limit {
		size = info.TotalSize
	}
	return c.ReadBytes(0, size)
}

// Dump writes ReadAll's result to w and returns the byte count.
func (c *Controller) Dump(w io.Writer, limit int) (int, error) {
	data, err := c.ReadAll(limit)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

// WriteDword stores v at the dword-aligned byte address addr.
func (c *Controller) WriteDword(addr, v uint32) error {
	if addr&3 != 0 {
		return plxerr.New(plxerr.IoError, fmt.Sprintf("eeprom write 0x%X", addr), "address not dword aligned")
	}
	if int(addr)+4 > c.cfg.MaxSize {
		return plxerr.New(plxerr.IoError, fmt.Sprintf("eeprom write 0x%X", addr), "address beyond EEPROM")
	}
	if err := c.command(c.cfg.WriteEnableCmd, 0); err != nil {
		return err
	}
	if err := c.s.WriteRegister(c.cfg.DataOffset, v); err != nil {
		return err
	}
	return c.command(c.cfg.WriteCmd, addr)
}

// Dwords splits data into little-endian dwords, padding the tail with the
// erased value 0xFF.
func Dwords(data []byte) []uint32 {
	out := make([]uint32, 0, (len(data)+3)/4)
	for i := 0; i < len(data); i += 4 {
		var chunk [4]byte
		for j := range chunk {
			chunk[j] = 0xFF
			if i+j < len(data) {
				chunk[j] = data[i+j]
			}
		}
		out = append(out, binary.LittleEndian.Uint32(chunk[:]))
	}
	return out
}

// WriteOptions tunes WriteImage.
type WriteOptions struct {
	// Verify reads every dword back after writing it.
	Verify bool
	// Retries is how many extra attempts a dword gets after a read-back
	// mismatch. Exhausting them yields VerificationFailed.
	Retries int
	// Progress, when set, is called after each dword lands.
	Progress func(done, total int)
}

// WriteImage writes data from address 0. The context is checked between
// dwords.
func (c *Controller) WriteImage(ctx context.Context, data []byte, opts WriteOptions) error {
	if len(data) > c.cfg.MaxSize {
		return plxerr.New(plxerr.InvalidConfiguration, "eeprom write",
			fmt.Sprintf("%d bytes exceed EEPROM size %d", len(data), c.cfg.MaxSize))
	}
	words := Dwords(data)
	for i, want := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr := uint32(i * 4)
		if err := c.writeVerified(addr, want, opts); err != nil {
			return err
		}
		if opts.Progress != nil {
			opts.Progress(i+1, len(words))
		}
	}
	return nil
}

func (c *Controller) writeVerified(addr, want uint32, opts WriteOptions) error {
	var got uint32
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if err := c.WriteDword(addr, want); err != nil {
			return err
		}
		if !opts.Verify {
			return nil
		}
		var err error
		if got, err = c.ReadDword(addr); err != nil {
			return err
		}
		if got == want {
			return nil
		}
	}
	return plxerr.New(plxerr.VerificationFailed, fmt.Sprintf("eeprom 0x%X", addr),
		fmt.Sprintf("read back 0x%08X, want 0x%08X after %d attempts", got, want, opts.Retries+1))
}
