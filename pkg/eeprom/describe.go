package eeprom

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

// FieldValue is one decoded bit field of an entry value.
type FieldValue struct {
	Name  string `json:"name"`
	Value uint32 `json:"value"`
}

// Described is an entry with its raw address and resolved register name.
type Described struct {
	Entry
	Raw      uint16       `json:"raw_address"`
	Register string       `json:"register"`
	Fields   []FieldValue `json:"fields,omitempty"`
}

func (d Described) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "0x%04X  %-18s 0x%08X", d.Raw, d.Register, d.Value)
	for _, f := range d.Fields {
		fmt.Fprintf(&b, " %s=%d", f.Name, f.Value)
	}
	return b.String()
}

// Describe resolves each entry against m. Unknown offsets keep their hex
// name and carry no fields. m may be nil.
func (img *Image) Describe(m *regmap.Map) []Described {
	l := LayoutFor(m)
	out := make([]Described, 0, len(img.Entries))
	for _, e := range img.Entries {
		d := Described{Entry: e, Register: m.Name(e.Offset, e.Port)}
		d.Raw, _ = l.Pack(e.Offset, e.Port)
		if m != nil {
			if r := m.RegisterAt(e.Offset); r != nil {
				for _, name := range r.FieldNames() {
					d.Fields = append(d.Fields, FieldValue{Name: name, Value: r.Fields[name].Extract(e.Value)})
				}
			}
		}
		out = append(out, d)
	}
	return out
}

// Ports returns the distinct ports the image touches, in first-seen order.
func (img *Image) Ports() []int {
	seen := make(map[int]bool)
	var ports []int
	for _, e := range img.Entries {
		if !seen[e.Port] {
			seen[e.Port] = true
			ports = append(ports, e.Port)
		}
	}
	return ports
}
