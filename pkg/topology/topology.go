// Package topology models a target switch configuration: the role, lane
// assignment, partition and NT pairing of every port, plus the fan-out the
// profile is meant to provide. Validate checks a Profile against a family's
// static capacity and resolves it into a complete per-port assignment.
package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

// Mode is the role of a port. The numeric values match the port_mode
// register encoding.
type Mode uint8

const (
	Disabled Mode = iota
	Upstream
	Downstream
	NonTransparent
)

var modeNames = map[Mode]string{
	Disabled:       "disabled",
	Upstream:       "upstream",
	Downstream:     "downstream",
	NonTransparent: "nt",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ParseMode accepts a mode name or a common alias.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return Disabled, nil
	case "upstream", "up", "usp":
		return Upstream, nil
	case "downstream", "down", "dsp":
		return Downstream, nil
	case "nt", "ntb", "non-transparent", "nontransparent":
		return NonTransparent, nil
	}
	return Disabled, fmt.Errorf("topology: unknown port mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Port is one declared port of a profile.
type Port struct {
	Index int  `json:"index"`
	Mode  Mode `json:"mode"`
	Width int  `json:"width"`
	// LaneStart pins the first lane; nil lets Validate pack the port.
	LaneStart *int `json:"lane_start,omitempty"`
	Domain    int  `json:"domain,omitempty"`
	NTPartner *int `json:"nt_partner,omitempty"`
}

// LaneRange is the contiguous lane span [Start, Start+Width).
type LaneRange struct {
	Start int `json:"start"`
	Width int `json:"width"`
}

// End is one past the last lane.
func (r LaneRange) End() int { return r.Start + r.Width }

// Overlaps reports whether two non-empty ranges share a lane.
func (r LaneRange) Overlaps(o LaneRange) bool {
	if r.Width == 0 || o.Width == 0 {
		return false
	}
	return r.Start < o.End() && o.Start < r.End()
}

func (r LaneRange) String() string {
	if r.Width == 0 {
		return "-"
	}
	return fmt.Sprintf("x%d@%d-%d", r.Width, r.Start, r.End()-1)
}

// Profile is a named target configuration.
type Profile struct {
	Name   string `json:"name"`
	Family string `json:"family"`
	// Fanout is N in an N:1 downstream-to-host ratio; 0 leaves it unchecked.
	Fanout int `json:"fanout,omitempty"`
	// Hosts is the number of host servers that must each get an upstream port.
	Hosts int    `json:"hosts,omitempty"`
	Ports []Port `json:"ports"`
}

// ParseRatio parses "4:1" or "4" into 4.
func ParseRatio(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		if strings.TrimSpace(s[i+1:]) != "1" {
			return 0, fmt.Errorf("topology: fan-out %q must be N:1", s)
		}
		s = strings.TrimSpace(s[:i])
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("topology: invalid fan-out %q", s)
	}
	return n, nil
}

// Capacity is the static limit set of one switch family.
type Capacity struct {
	Family       string `json:"family"`
	Lanes        int    `json:"lanes"`
	Ports        int    `json:"ports"`
	MaxPortWidth int    `json:"max_port_width"`
	Ratios       []int  `json:"ratios,omitempty"`
	// MaxDomain is the largest partition number the port_mode register holds.
	MaxDomain int `json:"max_domain"`
}

// CapacityOf derives the capacity from a family table.
func CapacityOf(m *regmap.Map) Capacity {
	c := Capacity{
		Family:       m.Device.Tag,
		Lanes:        m.Device.Lanes,
		Ports:        m.Device.Ports,
		MaxPortWidth: m.Device.MaxPortWidth,
		Ratios:       append([]int(nil), m.Device.FanoutRatios...),
		MaxDomain:    15,
	}
	if r, err := m.Register(regmap.RegPortMode); err == nil {
		if f, err := r.Field("domain"); err == nil {
			c.MaxDomain = int(f.Max())
		}
	}
	return c
}

func (c Capacity) widthLimit() int {
	if c.MaxPortWidth > 0 && c.MaxPortWidth < c.Lanes {
		return c.MaxPortWidth
	}
	return c.Lanes
}

func (c Capacity) supportsRatio(n int) bool {
	if len(c.Ratios) == 0 {
		return true
	}
	for _, r := range c.Ratios {
		if r == n {
			return true
		}
	}
	return false
}

// NoPartner marks an Assignment without an NT peer.
const NoPartner = -1

// Assignment is the resolved target of one switch port.
type Assignment struct {
	Index     int       `json:"index"`
	Mode      Mode      `json:"mode"`
	Lanes     LaneRange `json:"lanes"`
	Domain    int       `json:"domain"`
	NTPartner int       `json:"nt_partner"`
	// Declared is false for ports the profile did not mention; they resolve
	// to Disabled.
	Declared bool `json:"declared"`
}

// Enabled reports whether the port is meant to carry a link.
func (a Assignment) Enabled() bool { return a.Mode != Disabled }

func (a Assignment) String() string {
	s := fmt.Sprintf("port %d %s %s", a.Index, a.Mode, a.Lanes)
	if a.Mode != Disabled {
		s += fmt.Sprintf(" domain %d", a.Domain)
	}
	if a.NTPartner != NoPartner {
		s += fmt.Sprintf(" partner %d", a.NTPartner)
	}
	return s
}

// Resolved is a validated profile with one Assignment per switch port,
// indexed by port number.
type Resolved struct {
	Profile  Profile      `json:"profile"`
	Capacity Capacity     `json:"capacity"`
	Ports    []Assignment `json:"ports"`
}

// Port returns the assignment of port i.
func (r *Resolved) Port(i int) (Assignment, bool) {
	if i < 0 || i >= len(r.Ports) {
		return Assignment{}, false
	}
	return r.Ports[i], true
}

// Enabled returns the enabled assignments in port order.
func (r *Resolved) Enabled() []Assignment {
	var out []Assignment
	for _, a := range r.Ports {
		if a.Enabled() {
			out = append(out, a)
		}
	}
	return out
}
