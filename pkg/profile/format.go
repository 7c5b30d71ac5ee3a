package profile

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

// Format renders p in the profile language. Parsing the result yields p
// again.
func Format(p topology.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile %q {\n", p.Name)
	if p.Family != "" {
		fmt.Fprintf(&b, "    family = %q\n", p.Family)
	}
	if p.Fanout > 0 {
		fmt.Fprintf(&b, "    fanout = %d:1\n", p.Fanout)
	}
	if p.Hosts > 0 {
		fmt.Fprintf(&b, "    hosts = %d\n", p.Hosts)
	}
	for _, port := range p.Ports {
		fmt.Fprintf(&b, "    port %d %s", port.Index, port.Mode)
		if port.Width > 0 {
			fmt.Fprintf(&b, " x%d", port.Width)
		}
		if port.LaneStart != nil {
			fmt.Fprintf(&b, " lanes %d", *port.LaneStart)
		}
		if port.Domain != 0 {
			fmt.Fprintf(&b, " domain %d", port.Domain)
		}
		if port.NTPartner != nil {
			fmt.Fprintf(&b, " partner %d", *port.NTPartner)
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}
