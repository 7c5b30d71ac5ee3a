package reconcile

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

func checkShape(op string, ports int, target *topology.Resolved, m *regmap.Map) error {
	if target == nil {
		return plxerr.New(plxerr.InvalidConfiguration, op, "no target")
	}
	if target.Capacity.Family != "" && target.Capacity.Family != m.Device.Tag {
		return plxerr.New(plxerr.InvalidConfiguration, op,
			fmt.Sprintf("target resolved for %s, switch is %s", target.Capacity.Family, m.Device.Tag))
	}
	if len(target.Ports) != ports {
		return plxerr.New(plxerr.InvalidConfiguration, op,
			fmt.Sprintf("target has %d ports, switch has %d", len(target.Ports), ports))
	}
	return nil
}

// Diff returns the writes that move observed to target, touching only ports
// whose registers differ.
//
// Phase one takes every changing port that is currently enabled link-down.
// Phase two visits the changing ports in order and writes lane_config, then
// port_mode, then link_control, so a port is only enabled by its last write
// and only once it holds its target lanes. Ports that do not change already
// hold target lanes, and target lanes are disjoint, so no prefix of the
// sequence enables two ports on one lane.
func Diff(observed State, target *topology.Resolved, m *regmap.Map) ([]eeprom.Entry, error) {
	const op = "diff"
	l, err := newLayout(m)
	if err != nil {
		return nil, err
	}
	if err := checkShape(op, len(observed.Ports), target, m); err != nil {
		return nil, err
	}

	type change struct {
		cur              PortState
		link, mode, lane uint32
	}
	var changes []*change
	for i, cur := range observed.Ports {
		link, mode, lane := l.target(target.Ports[i], cur)
		if link == cur.LinkControl && mode == cur.PortMode && lane == cur.LaneConfig {
			continue
		}
		changes = append(changes, &change{cur: cur, link: link, mode: mode, lane: lane})
	}

	var writes []eeprom.Entry
	for _, c := range changes {
		if !c.cur.Enabled() {
			continue
		}
		down := l.linkDisable.Insert(c.cur.LinkControl, 1)
		writes = append(writes, l.entry(l.link, c.cur.Index, down))
		c.cur.LinkControl = down
		c.cur.LinkDisabled = true
	}
	for _, c := range changes {
		i := c.cur.Index
		if c.lane != c.cur.LaneConfig {
			writes = append(writes, l.entry(l.lane, i, c.lane))
		}
		if c.mode != c.cur.PortMode {
			writes = append(writes, l.entry(l.mode, i, c.mode))
		}
		if c.link != c.cur.LinkControl {
			writes = append(writes, l.entry(l.link, i, c.link))
		}
	}
	return writes, nil
}

// CompileToEeprom returns the image that brings a switch from power-on
// defaults to target. Registers already at their default are omitted.
func CompileToEeprom(target *topology.Resolved, m *regmap.Map) (*eeprom.Image, error) {
	def, err := DefaultState(m)
	if err != nil {
		return nil, err
	}
	if err := checkShape("compile", len(def.Ports), target, m); err != nil {
		return nil, err
	}
	l, err := newLayout(m)
	if err != nil {
		return nil, err
	}
	img := eeprom.NewImage()
	for i, base := range def.Ports {
		link, mode, lane := l.target(target.Ports[i], base)
		if lane != base.LaneConfig {
			img.Entries = append(img.Entries, l.entry(l.lane, i, lane))
		}
		if mode != base.PortMode {
			img.Entries = append(img.Entries, l.entry(l.mode, i, mode))
		}
		if link != base.LinkControl {
			img.Entries = append(img.Entries, l.entry(l.link, i, link))
		}
	}
	if len(img.Entries) > eeprom.MaxEntries {
		return nil, plxerr.New(plxerr.InvalidConfiguration, "compile",
			fmt.Sprintf("%d writes exceed the image limit", len(img.Entries)))
	}
	return img, nil
}

// Compile encodes CompileToEeprom's image with the family's address layout.
func Compile(target *topology.Resolved, m *regmap.Map) ([]byte, error) {
	img, err := CompileToEeprom(target, m)
	if err != nil {
		return nil, err
	}
	return eeprom.Encode(img, eeprom.LayoutFor(m))
}
