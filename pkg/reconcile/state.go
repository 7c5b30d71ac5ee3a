// Package reconcile turns a resolved topology into register writes. Diff
// moves a live switch from its observed state with a write order in which no
// prefix leaves two enabled ports sharing a lane; CompileToEeprom emits the
// full write list from power-on defaults. Both encode through the same
// register table, so the live and EEPROM paths cannot disagree on addresses.
package reconcile

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// layout holds the registers and fields the engine touches.
type layout struct {
	m *regmap.Map

	link, mode, lane *regmap.Register

	linkDisable                       *regmap.Field
	portMode, ntPartner, ntEnable, dm *regmap.Field
	laneStart, laneWidth              *regmap.Field
}

func newLayout(m *regmap.Map) (*layout, error) {
	l := &layout{m: m}
	var err error
	reg := func(name string) *regmap.Register {
		if err != nil {
			return nil
		}
		var r *regmap.Register
		r, err = m.Register(name)
		return r
	}
	field := func(r *regmap.Register, name string) *regmap.Field {
		if err != nil {
			return nil
		}
		var f *regmap.Field
		f, err = r.Field(name)
		return f
	}
	l.link = reg(regmap.RegLinkControl)
	l.mode = reg(regmap.RegPortMode)
	l.lane = reg(regmap.RegLaneConfig)
	l.linkDisable = field(l.link, "link_disable")
	l.portMode = field(l.mode, "mode")
	l.ntPartner = field(l.mode, "nt_partner")
	l.ntEnable = field(l.mode, "nt_enable")
	l.dm = field(l.mode, "domain")
	l.laneStart = field(l.lane, "lane_start")
	l.laneWidth = field(l.lane, "lane_width")
	if err != nil {
		return nil, plxerr.Wrap(plxerr.InvalidConfiguration, "register table "+m.Device.Tag, err)
	}
	return l, nil
}

// PortState is the observed configuration of one port, decoded from its raw
// register values.
type PortState struct {
	Index        int                `json:"index"`
	Mode         topology.Mode      `json:"mode"`
	Lanes        topology.LaneRange `json:"lanes"`
	Domain       int                `json:"domain"`
	NTPartner    int                `json:"nt_partner"`
	LinkDisabled bool               `json:"link_disabled"`

	LinkControl uint32 `json:"link_control"`
	PortMode    uint32 `json:"port_mode"`
	LaneConfig  uint32 `json:"lane_config"`
}

// Enabled reports whether the port currently carries a link and claims its
// lanes.
func (p PortState) Enabled() bool { return p.Mode != topology.Disabled && !p.LinkDisabled }

func (p PortState) String() string {
	s := fmt.Sprintf("port %d %s %s", p.Index, p.Mode, p.Lanes)
	if p.LinkDisabled {
		s += " link-disabled"
	}
	if p.NTPartner != topology.NoPartner {
		s += fmt.Sprintf(" partner %d", p.NTPartner)
	}
	return s
}

// State is the observed configuration of a whole switch.
type State struct {
	Family string      `json:"family"`
	Ports  []PortState `json:"ports"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{Family: s.Family, Ports: append([]PortState(nil), s.Ports...)}
}

// Overlaps returns the first pair of enabled ports sharing a lane, or ok
// false.
func (s State) Overlaps() (a, b int, ok bool) {
	for i, p := range s.Ports {
		if !p.Enabled() {
			continue
		}
		for _, q := range s.Ports[i+1:] {
			if q.Enabled() && p.Lanes.Overlaps(q.Lanes) {
				return p.Index, q.Index, true
			}
		}
	}
	return 0, 0, false
}

func (l *layout) decode(i int, link, mode, lane uint32) PortState {
	p := PortState{
		Index:        i,
		Mode:         topology.Mode(l.portMode.Extract(mode)),
		Domain:       int(l.dm.Extract(mode)),
		NTPartner:    topology.NoPartner,
		LinkDisabled: l.linkDisable.Extract(link) != 0,
		Lanes: topology.LaneRange{
			Start: int(l.laneStart.Extract(lane)),
			Width: int(l.laneWidth.Extract(lane)),
		},
		LinkControl: link,
		PortMode:    mode,
		LaneConfig:  lane,
	}
	if l.ntEnable.Extract(mode) != 0 {
		p.NTPartner = int(l.ntPartner.Extract(mode))
	}
	return p
}

// DefaultState is the power-on state: every register at its table default.
func DefaultState(m *regmap.Map) (State, error) {
	l, err := newLayout(m)
	if err != nil {
		return State{}, err
	}
	s := State{Family: m.Device.Tag, Ports: make([]PortState, m.Device.Ports)}
	for i := range s.Ports {
		s.Ports[i] = l.decode(i, l.link.Default, l.mode.Default, l.lane.Default)
	}
	return s, nil
}

// ReadState reads the three configuration registers of every port.
func ReadState(sess transport.Session, m *regmap.Map) (State, error) {
	l, err := newLayout(m)
	if err != nil {
		return State{}, err
	}
	s := State{Family: m.Device.Tag, Ports: make([]PortState, m.Device.Ports)}
	for i := range s.Ports {
		var raw [3]uint32
		for j, r := range []*regmap.Register{l.link, l.mode, l.lane} {
			if raw[j], err = sess.ReadRegister(m.Address(r, i)); err != nil {
				return State{}, err
			}
		}
		s.Ports[i] = l.decode(i, raw[0], raw[1], raw[2])
	}
	return s, nil
}

// ApplyToState models the effect of writes on s without touching hardware.
// Entries for registers the engine does not track are ignored.
func ApplyToState(s State, writes []eeprom.Entry, m *regmap.Map) (State, error) {
	l, err := newLayout(m)
	if err != nil {
		return State{}, err
	}
	out := s.Clone()
	for _, e := range writes {
		if e.Port < 0 || e.Port >= len(out.Ports) {
			continue
		}
		p := out.Ports[e.Port]
		switch e.Offset {
		case l.link.Offset:
			p.LinkControl = e.Value
		case l.mode.Offset:
			p.PortMode = e.Value
		case l.lane.Offset:
			p.LaneConfig = e.Value
		default:
			continue
		}
		out.Ports[e.Port] = l.decode(e.Port, p.LinkControl, p.PortMode, p.LaneConfig)
	}
	return out, nil
}

// target computes the register values that realise a on top of base,
// leaving bits outside the engine's fields untouched.
func (l *layout) target(a topology.Assignment, base PortState) (link, mode, lane uint32) {
	disable := uint32(0)
	if !a.Enabled() {
		disable = 1
	}
	link = l.linkDisable.Insert(base.LinkControl, disable)

	mode = l.portMode.Insert(base.PortMode, uint32(a.Mode))
	mode = l.dm.Insert(mode, uint32(a.Domain))
	if a.NTPartner != topology.NoPartner {
		mode = l.ntEnable.Insert(mode, 1)
		mode = l.ntPartner.Insert(mode, uint32(a.NTPartner))
	} else {
		mode = l.ntEnable.Insert(mode, 0)
		mode = l.ntPartner.Insert(mode, 0)
	}

	lane = l.laneStart.Insert(base.LaneConfig, uint32(a.Lanes.Start))
	lane = l.laneWidth.Insert(lane, uint32(a.Lanes.Width))
	return link, mode, lane
}

func (l *layout) entry(r *regmap.Register, port int, v uint32) eeprom.Entry {
	return eeprom.Entry{Offset: r.Offset, Port: port, Value: v}
}
