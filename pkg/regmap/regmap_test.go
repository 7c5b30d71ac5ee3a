package regmap

import (
	"os"
	"path/filepath"
	"testing"
)

func u(v uint) *uint { return &v }

func TestFieldMask(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		want  uint32
	}{
		{"bit 0", Field{Bit: u(0)}, 0x1},
		{"bit 31", Field{Bit: u(31)}, 0x80000000},
		{"addr 13 bits", Field{Bits: []uint{0, 12}}, 0x1FFF},
		{"upper half", Field{Bits: []uint{16, 31}}, 0xFFFF0000},
		{"full", Field{Bits: []uint{0, 31}}, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.field.Mask(); got != tt.want {
				t.Errorf("Mask() = 0x%X, want 0x%X", got, tt.want)
			}
		})
	}
}

func TestFieldExtractInsert(t *testing.T) {
	busy := Field{Bit: u(31)}
	if busy.Extract(0x80000000) != 1 || busy.Extract(0x7FFFFFFF) != 0 {
		t.Error("busy bit extract wrong")
	}
	dev := Field{Bits: []uint{16, 31}}
	if got := dev.Extract(0x873310B5); got != 0x8733 {
		t.Errorf("Extract() = 0x%X, want 0x8733", got)
	}
	en := Field{Bit: u(0)}
	if got := en.Insert(0xFF, 0); got != 0xFE {
		t.Errorf("Insert() = 0x%X, want 0xFE", got)
	}
	addr := Field{Bits: []uint{0, 12}}
	if got := addr.Insert(0x00A06000, 0x100); got != 0x00A06100 {
		t.Errorf("Insert() = 0x%X, want 0x00A06100", got)
	}
	// Values wider than the field are truncated, never spill into neighbours.
	width := Field{Bits: []uint{8, 12}}
	if got := width.Insert(0, 0xFF); got != 0x1F00 {
		t.Errorf("Insert() = 0x%X, want 0x1F00", got)
	}
}

func TestPortOffset(t *testing.T) {
	shared := Register{Offset: 0x260}
	for _, p := range []int{0, 1, 7} {
		if got := shared.PortOffset(p); got != 0x260 {
			t.Errorf("shared PortOffset(%d) = 0x%X", p, got)
		}
	}
	perPort := Register{Offset: 0x208, PerPort: true, PortStride: 0x1000}
	want := map[int]uint32{0: 0x208, 1: 0x1208, 7: 0x7208}
	for p, w := range want {
		if got := perPort.PortOffset(p); got != w {
			t.Errorf("PortOffset(%d) = 0x%X, want 0x%X", p, got, w)
		}
	}
}

func TestBuiltinFamilies(t *testing.T) {
	tests := []struct {
		tag      string
		device   uint16
		lanes    int
		ports    int
		verified bool
	}{
		{"pex8733", 0x8733, 32, 18, true},
		{"pex8696", 0x8696, 96, 24, true},
		{"c410x-hic", 0x0000, 96, 24, false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			m, err := Lookup(tt.tag)
			if err != nil {
				t.Fatalf("Lookup(%q) error: %v", tt.tag, err)
			}
			if m.Device.VendorID != 0x10B5 || m.Device.DeviceID != tt.device {
				t.Errorf("IDs = %04X:%04X", m.Device.VendorID, m.Device.DeviceID)
			}
			if m.Device.Lanes != tt.lanes || m.Device.Ports != tt.ports {
				t.Errorf("capacity = %d lanes %d ports", m.Device.Lanes, m.Device.Ports)
			}
			if m.Device.Verified != tt.verified {
				t.Errorf("Verified = %v, want %v", m.Device.Verified, tt.verified)
			}
			for _, name := range []string{RegVendorDevice, RegLinkControl, RegPortMode, RegLaneConfig, RegEepromCtrl, RegEepromData} {
				if _, err := m.Register(name); err != nil {
					t.Errorf("missing register: %v", err)
				}
			}
			if m.Eeprom.CtrlOffset != 0x260 || m.Eeprom.DataOffset != 0x264 {
				t.Errorf("eeprom block = 0x%X/0x%X", m.Eeprom.CtrlOffset, m.Eeprom.DataOffset)
			}
			if m.Eeprom.ReadCmd != 0x00A06000 || m.Eeprom.AddrMask != 0x1FFF || m.Eeprom.Signature != 0x5A {
				t.Errorf("eeprom commands = %+v", m.Eeprom)
			}
		})
	}
}

func TestLookupByIDAndName(t *testing.T) {
	m, err := LookupID(0x10B5, 0x8733)
	if err != nil {
		t.Fatalf("LookupID() error: %v", err)
	}
	if m.Device.Name != "PEX8733" {
		t.Errorf("Name = %q", m.Device.Name)
	}
	if _, err := LookupID(0x9999, 0x9999); err == nil {
		t.Error("LookupID(unknown) should fail")
	}
	if m2, err := Lookup("PEX8696"); err != nil || m2.Device.Tag != "pex8696" {
		t.Errorf("Lookup by part name = %v, %v", m2, err)
	}
	// The placeholder has no device ID and must not shadow anything by ID.
	if _, err := LookupID(0x10B5, 0x0000); err == nil {
		t.Error("placeholder should not be resolvable by ID")
	}
}

func TestMapAddressSplit(t *testing.T) {
	m, err := Lookup("pex8733")
	if err != nil {
		t.Fatal(err)
	}
	reg, _ := m.Register(RegLaneConfig)
	addr := m.Address(reg, 5)
	if addr != 0x51F8 {
		t.Fatalf("Address() = 0x%X, want 0x51F8", addr)
	}
	off, port := m.Split(addr)
	if off != reg.Offset || port != 5 {
		t.Errorf("Split() = 0x%X, %d", off, port)
	}
	if got := m.Name(reg.Offset, 5); got != "lane_config[5]" {
		t.Errorf("Name() = %q", got)
	}
	if got := m.Name(0x260, 0); got != "eeprom_ctrl" {
		t.Errorf("Name() = %q", got)
	}
	if got := m.Name(0x3FC, 0); got != "0x3FC" {
		t.Errorf("Name() = %q", got)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no tag", "device: {lanes: 8, ports: 2}"},
		{"both bit and bits", `
device: {tag: x, lanes: 8, ports: 2}
registers:
  r: {offset: 0, fields: {f: {bit: 1, bits: [0, 3]}}}`},
		{"misaligned", `
device: {tag: x, lanes: 8, ports: 2}
registers:
  r: {offset: 0x102}`},
		{"per-port without stride", `
device: {tag: x, lanes: 8, ports: 2}
registers:
  r: {offset: 0x100, per_port: true}`},
		{"bad i2c mode", `
device: {tag: x, lanes: 8, ports: 2}
i2c: {mode: spi}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	table := `
device:
  tag: PEX8749
  name: PEX8749
  vendor_id: 0x10B5
  device_id: 0x8749
  lanes: 48
  ports: 18
  port_stride: 0x1000
registers:
  port_mode:
    offset: 0x1F4
    per_port: true
`
	if err := os.WriteFile(filepath.Join(dir, "pex8749.yaml"), []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	m, err := r.LookupID(0x10B5, 0x8749)
	if err != nil {
		t.Fatalf("LookupID() error: %v", err)
	}
	if m.Device.Tag != "pex8749" {
		t.Errorf("tag not normalized: %q", m.Device.Tag)
	}
	if m.Registers[RegPortMode].PortStride != 0x1000 {
		t.Error("per-port register did not inherit device stride")
	}
	if m.Eeprom.OffsetBits != DefaultOffsetBits || m.I2C.Mode != I2CPlxCommand {
		t.Errorf("defaults not applied: %+v %+v", m.Eeprom, m.I2C)
	}
	if len(r.Families()) != 1 {
		t.Errorf("Families() = %d", len(r.Families()))
	}
}

func TestLocate(t *testing.T) {
	m, err := Lookup("pex8733")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	tests := []struct {
		offset uint32
		port   int
		want   uint32
	}{
		{0x1F8, 0, 0x1F8},
		{0x1F8, 5, 0x51F8},
		{0x260, 5, 0x260},
		{0x3FC, 2, 0x23FC},
	}
	for _, tt := range tests {
		if got := m.Locate(tt.offset, tt.port); got != tt.want {
			t.Errorf("Locate(0x%X, %d) = 0x%X, want 0x%X", tt.offset, tt.port, got, tt.want)
		}
	}
}
