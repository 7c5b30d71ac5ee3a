// Package switchdb is a small database of PCIe switch vendors and ICs used to
// name devices found during discovery.
package switchdb

import (
	"fmt"
	"sort"
	"strings"
)

// Vendor IDs of switch manufacturers.
const (
	VendorPLX          uint16 = 0x10B5
	VendorBroadcomLSI  uint16 = 0x1000
	ClassPCIBridge            = 0x0604
	defaultUnknownName        = "Unknown"
)

// Gen is a PCIe generation.
type Gen int

func (g Gen) String() string {
	if g <= 0 {
		return "Gen?"
	}
	return fmt.Sprintf("Gen%d", int(g))
}

// Vendor names a PCI vendor.
type Vendor struct {
	ID      uint16
	Name    string
	Aliases []string
}

// MatchesName reports whether query is a case-insensitive substring of the
// vendor name or one of its aliases.
func (v Vendor) MatchesName(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(v.Name), q) {
		return true
	}
	for _, a := range v.Aliases {
		if strings.Contains(strings.ToLower(a), q) {
			return true
		}
	}
	return false
}

// SwitchIC is one switch part. Zero numeric fields mean unknown.
type SwitchIC struct {
	VendorID     uint16
	DeviceID     uint16
	PartNumber   string
	Description  string
	Gen          Gen
	Lanes        int
	MaxPorts     int
	MaxPortWidth int
	Family       string
	HasDMA       bool
	HasNT        bool
	Notes        string
}

// PCIID returns the ID in VVVV:DDDD form.
func (s SwitchIC) PCIID() string {
	return fmt.Sprintf("%04X:%04X", s.VendorID, s.DeviceID)
}

// Specs returns a compact summary such as "[Gen3 32L 18P]", or "" when
// nothing is known.
func (s SwitchIC) Specs() string {
	var parts []string
	if s.Gen > 0 {
		parts = append(parts, s.Gen.String())
	}
	if s.Lanes > 0 {
		parts = append(parts, fmt.Sprintf("%dL", s.Lanes))
	}
	if s.MaxPorts > 0 {
		parts = append(parts, fmt.Sprintf("%dP", s.MaxPorts))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type key struct {
	vendor uint16
	device uint16
}

var (
	vendors = map[uint16]Vendor{}
	byID    = map[key]SwitchIC{}
	byPart  = map[string]SwitchIC{}
)

func registerVendor(v Vendor) { vendors[v.ID] = v }

func register(s SwitchIC) {
	byID[key{s.VendorID, s.DeviceID}] = s
	byPart[strings.ToUpper(s.PartNumber)] = s
}

// LookupVendor returns a vendor by ID.
func LookupVendor(id uint16) (Vendor, bool) {
	v, ok := vendors[id]
	return v, ok
}

// LookupIC returns a switch by vendor and device ID.
func LookupIC(vendor, device uint16) (SwitchIC, bool) {
	s, ok := byID[key{vendor, device}]
	return s, ok
}

// LookupPart returns a switch by part number, ignoring case.
func LookupPart(part string) (SwitchIC, bool) {
	s, ok := byPart[strings.ToUpper(part)]
	return s, ok
}

// IsKnownVendor reports whether id is a switch vendor.
func IsKnownVendor(id uint16) bool {
	_, ok := vendors[id]
	return ok
}

// IsKnownSwitch reports whether the pair is a known switch IC.
func IsKnownSwitch(vendor, device uint16) bool {
	_, ok := byID[key{vendor, device}]
	return ok
}

// VendorName returns a printable vendor name.
func VendorName(id uint16) string {
	if v, ok := vendors[id]; ok {
		return v.Name
	}
	return fmt.Sprintf("%s (0x%04x)", defaultUnknownName, id)
}

// DeviceName returns the part number or a placeholder.
func DeviceName(vendor, device uint16) string {
	if s, ok := byID[key{vendor, device}]; ok {
		return s.PartNumber
	}
	return fmt.Sprintf("%s (0x%04x)", defaultUnknownName, device)
}

// DisplayName returns "PEX8733 [Gen3 32L 18P]" style names.
func DisplayName(vendor, device uint16) string {
	name := DeviceName(vendor, device)
	if s, ok := byID[key{vendor, device}]; ok {
		if specs := s.Specs(); specs != "" {
			return name + " " + specs
		}
	}
	return name
}

// Switches returns every IC sorted by vendor then device ID.
func Switches() []SwitchIC {
	out := make([]SwitchIC, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VendorID != out[j].VendorID {
			return out[i].VendorID < out[j].VendorID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// ByVendor returns the ICs of one vendor.
func ByVendor(vendor uint16) []SwitchIC {
	var out []SwitchIC
	for _, s := range Switches() {
		if s.VendorID == vendor {
			out = append(out, s)
		}
	}
	return out
}

// ByGen returns the ICs of one PCIe generation.
func ByGen(g Gen) []SwitchIC {
	var out []SwitchIC
	for _, s := range Switches() {
		if s.Gen == g {
			out = append(out, s)
		}
	}
	return out
}
