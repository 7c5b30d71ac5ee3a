package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
)

// Atlas host card console parameters.
const (
	DefaultBaud          = 9600
	DefaultSerialTimeout = 2 * time.Second
	SerialPrompt         = "Cmd>"
)

// SerialDeviceInfo is the parsed output of "ver".
type SerialDeviceInfo struct {
	SerialNumber string `json:"serial_number"`
	Company      string `json:"company"`
	Model        string `json:"model"`
	Version      string `json:"version"`
	BuildDate    string `json:"build_date"`
}

// EnvironmentInfo is the parsed output of "lsd".
type EnvironmentInfo struct {
	SwitchTempC  int `json:"switch_temp_c"`
	FanRPM       int `json:"fan_rpm"`
	Voltage12mV  int `json:"voltage_12v_mv"`
	Voltage1v8mV int `json:"voltage_1v8_mv"`
	Voltage0v9mV int `json:"voltage_0v9_mv"`
}

// PortStatus is one row of "showport".
type PortStatus struct {
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Speed    string `json:"speed"`
	Width    int    `json:"width"`
	MaxSpeed string `json:"max_speed"`
	MaxWidth int    `json:"max_width"`
}

// SerialSession drives the management console of an Atlas host card, which
// exposes "dr" (dump register) and "mw" (memory write) commands.
type SerialSession struct {
	port    io.ReadWriteCloser
	path    string
	timeout time.Duration
	now     func() time.Time
}

// NewSerialSession wraps an already configured port. Reads on port must
// return periodically (with n == 0 on idle) so the timeout can fire.
func NewSerialSession(port io.ReadWriteCloser, path string, timeout time.Duration) *SerialSession {
	if timeout <= 0 {
		timeout = DefaultSerialTimeout
	}
	return &SerialSession{port: port, path: path, timeout: timeout, now: time.Now}
}

// OpenSerial opens and configures a tty for the console.
func OpenSerial(path string, baud int, timeout time.Duration) (*SerialSession, error) {
	op := "open " + path
	if _, err := os.Stat(path); err != nil {
		return nil, classifyOpen(op, err)
	}
	port, err := openTTY(path, baud)
	if err != nil {
		return nil, classifyOpen(op, err)
	}
	s := NewSerialSession(port, path, timeout)
	if err := s.sync(); err != nil {
		port.Close()
		return nil, plxerr.Wrap(plxerr.TransportUnavailable, op, err)
	}
	return s, nil
}

// sync sends an empty line and drains whatever the console printed.
func (s *SerialSession) sync() error {
	if _, err := s.port.Write([]byte("\r\n")); err != nil {
		return err
	}
	_, err := s.readUntilPrompt()
	if errors.Is(err, errSerialTimeout) {
		return nil
	}
	return err
}

var errSerialTimeout = errors.New("timeout waiting for prompt")

func (s *SerialSession) readUntilPrompt() ([]byte, error) {
	var resp []byte
	buf := make([]byte, 256)
	deadline := s.now().Add(s.timeout)
	for {
		n, err := s.port.Read(buf)
		resp = append(resp, buf[:n]...)
		if bytes.Contains(resp, []byte(SerialPrompt)) {
			return resp, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return resp, err
		}
		if s.now().After(deadline) {
			return resp, errSerialTimeout
		}
		if errors.Is(err, io.EOF) && n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Command sends one console command and returns its output with the echo
// and prompt removed.
func (s *SerialSession) Command(cmd string) (string, error) {
	if s.port == nil {
		return "", plxerr.New(plxerr.IoError, cmd, "session closed")
	}
	cmd = strings.TrimSpace(cmd)
	if _, err := s.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", plxerr.Wrap(plxerr.IoError, cmd, err)
	}
	resp, err := s.readUntilPrompt()
	if err != nil {
		return "", plxerr.Wrap(plxerr.IoError, cmd, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(resp), "\r", ""), "\n")
	if len(lines) > 0 && strings.Contains(lines[0], cmd) {
		lines = lines[1:]
	}
	out := strings.Join(lines, "\n")
	out = strings.ReplaceAll(out, SerialPrompt, "")
	return strings.TrimSpace(out), nil
}

// ReadRegister issues "dr <addr> 1".
func (s *SerialSession) ReadRegister(addr uint32) (uint32, error) {
	if err := checkOffset("read", addr); err != nil {
		return 0, err
	}
	resp, err := s.Command(fmt.Sprintf("dr %x 1", addr))
	if err != nil {
		return 0, err
	}
	v, err := ParseDumpRegister(resp)
	if err != nil {
		return 0, ioErr("read", addr, err)
	}
	return v, nil
}

// WriteRegister issues "mw <addr> <value>".
func (s *SerialSession) WriteRegister(addr, value uint32) error {
	if err := checkOffset("write", addr); err != nil {
		return err
	}
	_, err := s.Command(fmt.Sprintf("mw %x %x", addr, value))
	return err
}

// Close closes the tty. It is safe to call twice.
func (s *SerialSession) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialSession) Describe() string { return "serial " + s.path }

// Version runs "ver".
func (s *SerialSession) Version() (SerialDeviceInfo, error) {
	resp, err := s.Command("ver")
	if err != nil {
		return SerialDeviceInfo{}, err
	}
	return ParseVersion(resp), nil
}

// Environment runs "lsd".
func (s *SerialSession) Environment() (EnvironmentInfo, error) {
	resp, err := s.Command("lsd")
	if err != nil {
		return EnvironmentInfo{}, err
	}
	return ParseEnvironment(resp), nil
}

// PortStatus runs "showport".
func (s *SerialSession) PortStatus() ([]PortStatus, error) {
	resp, err := s.Command("showport")
	if err != nil {
		return nil, err
	}
	return ParsePortStatus(resp), nil
}

// I2CScan runs "scan" and returns the responding addresses.
func (s *SerialSession) I2CScan() ([]uint16, error) {
	resp, err := s.Command("scan")
	if err != nil {
		return nil, err
	}
	return ParseI2CScan(resp), nil
}

// I2CRead runs "iicwr": write wdata to addr on connector, then read n bytes.
func (s *SerialSession) I2CRead(addr uint16, connector, n int, wdata []byte) ([]byte, error) {
	resp, err := s.Command(fmt.Sprintf("iicwr %x %d %d %s", addr, connector, n, hexBytes(wdata)))
	if err != nil {
		return nil, err
	}
	return ParseI2CData(resp)
}

// I2CWrite runs "iicw".
func (s *SerialSession) I2CWrite(addr uint16, connector int, data []byte) error {
	_, err := s.Command(fmt.Sprintf("iicw %x %d %s", addr, connector, hexBytes(data)))
	return err
}

// ReadFlash runs "df <addr> <count>".
func (s *SerialSession) ReadFlash(addr uint32, count int) ([]byte, error) {
	resp, err := s.Command(fmt.Sprintf("df %x %x", addr, count))
	if err != nil {
		return nil, err
	}
	return ParseFlashDump(resp), nil
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}

var (
	drLine    = regexp.MustCompile(`^([0-9a-fA-F]+):(.+)$`)
	scanLine  = regexp.MustCompile(`(?i)0x([0-9a-f]+).*\bACK\b`)
	flashLine = regexp.MustCompile(`^[0-9a-fA-F]+:\s*(.+)$`)
	hexByte   = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)
	digits    = regexp.MustCompile(`(\d+)`)
)

// ParseDumpRegister extracts the first value of "ADDR:VALUE [VALUE ...]".
func ParseDumpRegister(resp string) (uint32, error) {
	for _, line := range strings.Split(resp, "\n") {
		m := drLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		fields := strings.Fields(m[2])
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 16, 32)
		if err != nil {
			continue
		}
		return uint32(v), nil
	}
	return 0, fmt.Errorf("unparseable dr response %q", resp)
}

// ParseVersion reads "Key : Value" lines.
func ParseVersion(resp string) SerialDeviceInfo {
	kv := map[string]string{}
	for _, line := range strings.Split(resp, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		k = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
		kv[k] = strings.TrimSpace(v)
	}
	return SerialDeviceInfo{
		SerialNumber: kv["serial_number"],
		Company:      kv["company"],
		Model:        kv["model"],
		Version:      kv["version"],
		BuildDate:    kv["build_date"],
	}
}

// ParseEnvironment reads the sensor lines of "lsd".
func ParseEnvironment(resp string) EnvironmentInfo {
	var env EnvironmentInfo
	for _, line := range strings.Split(resp, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m := digits.FindString(value)
		if m == "" {
			continue
		}
		n, _ := strconv.Atoi(m)
		l := strings.ToLower(label)
		switch {
		case strings.Contains(l, "temp"):
			env.SwitchTempC = n
		case strings.Contains(l, "fan"):
			env.FanRPM = n
		case strings.Contains(l, "12v"):
			env.Voltage12mV = n
		case strings.Contains(l, "1.8v"), strings.Contains(l, "1v8"):
			env.Voltage1v8mV = n
		case strings.Contains(l, "0.9v"), strings.Contains(l, "0v9"):
			env.Voltage0v9mV = n
		}
	}
	return env
}

// ParsePortStatus reads the "showport" table.
func ParsePortStatus(resp string) []PortStatus {
	var out []PortStatus
	width := func(s string) int {
		n, _ := strconv.Atoi(strings.TrimLeft(s, "xX"))
		return n
	}
	for _, line := range strings.Split(resp, "\n") {
		f := strings.Fields(line)
		if len(f) < 6 || strings.HasPrefix(f[0], "-") {
			continue
		}
		port, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		out = append(out, PortStatus{
			Port:     port,
			Type:     f[1],
			Speed:    f[2],
			Width:    width(f[3]),
			MaxSpeed: f[4],
			MaxWidth: width(f[5]),
		})
	}
	return out
}

// ParseI2CScan returns addresses reported with ACK.
func ParseI2CScan(resp string) []uint16 {
	var out []uint16
	for _, line := range strings.Split(resp, "\n") {
		m := scanLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseUint(m[1], 16, 7); err == nil {
			out = append(out, uint16(v))
		}
	}
	return out
}

// ParseI2CData reads the "Data: HH HH ..." line of "iicwr".
func ParseI2CData(resp string) ([]byte, error) {
	for _, line := range strings.Split(resp, "\n") {
		if !strings.Contains(strings.ToLower(line), "data") {
			continue
		}
		_, hex, _ := strings.Cut(line, ":")
		var out []byte
		for _, f := range strings.Fields(hex) {
			v, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("transport: bad i2c byte %q", f)
			}
			out = append(out, byte(v))
		}
		return out, nil
	}
	return nil, fmt.Errorf("transport: unparseable i2c response %q", resp)
}

// ParseFlashDump reads "ADDR: HH HH ..." lines, stopping each line at the
// first non-hex token.
func ParseFlashDump(resp string) []byte {
	var out []byte
	for _, line := range strings.Split(resp, "\n") {
		m := flashLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		for _, f := range strings.Fields(m[1]) {
			if !hexByte.MatchString(f) {
				break
			}
			v, _ := strconv.ParseUint(f, 16, 8)
			out = append(out, byte(v))
		}
	}
	return out
}
