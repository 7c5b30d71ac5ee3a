package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
)

// Rule names one validation constraint.
type Rule string

const (
	RulePortRange      Rule = "port-range"
	RuleMode           Rule = "port-mode"
	RuleDuplicatePort  Rule = "duplicate-port"
	RuleWidth          Rule = "lane-width"
	RuleEnabledWidth   Rule = "enabled-width"
	RuleDisabledWidth  Rule = "disabled-width"
	RuleLaneBounds     Rule = "lane-bounds"
	RuleLaneAlignment  Rule = "lane-alignment"
	RuleLaneOverlap    Rule = "lane-overlap"
	RuleLaneCapacity   Rule = "lane-capacity"
	RuleDomainRange    Rule = "domain-range"
	RuleSingleUpstream Rule = "single-upstream"
	RuleOrphanDomain   Rule = "orphan-domain"
	RuleNTPairing      Rule = "nt-pairing"
	RuleFanoutRatio    Rule = "fanout-ratio"
	RuleHostUpstreams  Rule = "host-upstreams"
	RuleDomainFanout   Rule = "domain-fanout"
)

// NoPort marks a violation that is not tied to one port.
const NoPort = -1

// Violation is one broken rule.
type Violation struct {
	Rule   Rule   `json:"rule"`
	Port   int    `json:"port"`
	Detail string `json:"detail"`
}

func (v *Violation) Error() string {
	if v.Port == NoPort {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s: port %d: %s", v.Rule, v.Port, v.Detail)
}

// Violations lists every broken rule of a profile, in check order.
type Violations []*Violation

func (vs Violations) Error() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.Error()
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes each violation to errors.As.
func (vs Violations) Unwrap() []error {
	out := make([]error, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// Has reports whether rule r is among the violations.
func (vs Violations) Has(r Rule) bool {
	for _, v := range vs {
		if v.Rule == r {
			return true
		}
	}
	return false
}

// ViolationsOf extracts the violations carried by a Validate error.
func ViolationsOf(err error) Violations {
	var vs Violations
	if errors.As(err, &vs) {
		return vs
	}
	return nil
}

type checker struct {
	vs Violations
}

func (c *checker) fail(r Rule, port int, format string, args ...any) {
	c.vs = append(c.vs, &Violation{Rule: r, Port: port, Detail: fmt.Sprintf(format, args...)})
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks p against c. On success every switch port has an
// Assignment; ports p does not mention are Disabled. On failure nothing is
// resolved and the error is InvalidConfiguration wrapping Violations.
func Validate(p Profile, c Capacity) (*Resolved, error) {
	ck := &checker{}
	ports := make(map[int]Port, len(p.Ports))

	for _, port := range p.Ports {
		i := port.Index
		if i < 0 || i >= c.Ports {
			ck.fail(RulePortRange, i, "switch has ports 0-%d", c.Ports-1)
			continue
		}
		if _, dup := ports[i]; dup {
			ck.fail(RuleDuplicatePort, i, "declared more than once")
			continue
		}
		ports[i] = port
	}
	indices := make([]int, 0, len(ports))
	for i := range ports {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	limit := c.widthLimit()
	for _, i := range indices {
		port := ports[i]
		if port.Mode > NonTransparent {
			ck.fail(RuleMode, i, "unknown mode %d", port.Mode)
		}
		switch {
		case port.Mode == Disabled && port.Width != 0:
			ck.fail(RuleDisabledWidth, i, "disabled port has width x%d", port.Width)
		case port.Mode == Disabled && port.LaneStart != nil:
			ck.fail(RuleDisabledWidth, i, "disabled port has a lane start")
		case port.Mode != Disabled && port.Width == 0:
			ck.fail(RuleEnabledWidth, i, "%s port needs a lane width", port.Mode)
		case port.Width < 0 || (port.Width != 0 && !isPow2(port.Width)):
			ck.fail(RuleWidth, i, "width x%d is not a power of two", port.Width)
		case port.Width > limit:
			ck.fail(RuleWidth, i, "width x%d exceeds x%d", port.Width, limit)
		}
		if port.Domain < 0 || port.Domain > c.MaxDomain {
			ck.fail(RuleDomainRange, i, "domain %d outside 0-%d", port.Domain, c.MaxDomain)
		}
	}
	if len(ck.vs) > 0 {
		return nil, ck.err()
	}

	lanes := ck.assignLanes(indices, ports, c)
	ck.checkNT(indices, ports)
	ck.checkDomains(p, indices, ports, c)
	if len(ck.vs) > 0 {
		return nil, ck.err()
	}

	r := &Resolved{Profile: p, Capacity: c, Ports: make([]Assignment, c.Ports)}
	for i := range r.Ports {
		r.Ports[i] = Assignment{Index: i, Mode: Disabled, NTPartner: NoPartner}
	}
	for _, i := range indices {
		port := ports[i]
		a := Assignment{
			Index:     i,
			Mode:      port.Mode,
			Lanes:     lanes[i],
			Domain:    port.Domain,
			NTPartner: NoPartner,
			Declared:  true,
		}
		if port.NTPartner != nil {
			a.NTPartner = *port.NTPartner
		}
		r.Ports[i] = a
	}
	return r, nil
}

func (ck *checker) err() error {
	return &plxerr.Error{Kind: plxerr.InvalidConfiguration, Op: "validate profile", Err: ck.vs}
}

// assignLanes checks explicit ranges, then packs ports without a lane start
// into the lowest free aligned slot, in port order.
func (ck *checker) assignLanes(indices []int, ports map[int]Port, c Capacity) map[int]LaneRange {
	lanes := make(map[int]LaneRange)
	var taken []int
	for _, i := range indices {
		port := ports[i]
		if port.Width == 0 || port.LaneStart == nil {
			continue
		}
		r := LaneRange{Start: *port.LaneStart, Width: port.Width}
		if r.Start < 0 || r.End() > c.Lanes {
			ck.fail(RuleLaneBounds, i, "lanes %d-%d outside 0-%d", r.Start, r.End()-1, c.Lanes-1)
			continue
		}
		if r.Start%r.Width != 0 {
			ck.fail(RuleLaneAlignment, i, "lane start %d is not a multiple of x%d", r.Start, r.Width)
			continue
		}
		for _, j := range taken {
			if lanes[j].Overlaps(r) {
				ck.fail(RuleLaneOverlap, i, "lanes %s overlap port %d lanes %s", r, j, lanes[j])
			}
		}
		lanes[i] = r
		taken = append(taken, i)
	}
	for _, i := range indices {
		port := ports[i]
		if port.Width == 0 || port.LaneStart != nil {
			continue
		}
		r, ok := freeSlot(port.Width, c.Lanes, taken, lanes)
		if !ok {
			ck.fail(RuleLaneCapacity, i, "no free aligned x%d slot", port.Width)
			continue
		}
		lanes[i] = r
		taken = append(taken, i)
	}
	return lanes
}

func freeSlot(width, total int, taken []int, lanes map[int]LaneRange) (LaneRange, bool) {
next:
	for start := 0; start+width <= total; start += width {
		r := LaneRange{Start: start, Width: width}
		for _, j := range taken {
			if lanes[j].Overlaps(r) {
				continue next
			}
		}
		return r, true
	}
	return LaneRange{}, false
}

func (ck *checker) checkNT(indices []int, ports map[int]Port) {
	for _, i := range indices {
		port := ports[i]
		if port.Mode != NonTransparent {
			if port.NTPartner != nil {
				ck.fail(RuleNTPairing, i, "%s port cannot have an NT partner", port.Mode)
			}
			continue
		}
		if port.NTPartner == nil {
			ck.fail(RuleNTPairing, i, "NT port has no partner")
			continue
		}
		j := *port.NTPartner
		peer, ok := ports[j]
		switch {
		case j == i:
			ck.fail(RuleNTPairing, i, "NT port paired with itself")
		case !ok:
			ck.fail(RuleNTPairing, i, "partner port %d is not declared", j)
		case peer.Mode != NonTransparent:
			ck.fail(RuleNTPairing, i, "partner port %d is %s", j, peer.Mode)
		case peer.NTPartner == nil || *peer.NTPartner != i:
			ck.fail(RuleNTPairing, i, "partner port %d does not pair back", j)
		}
	}
}

func (ck *checker) checkDomains(p Profile, indices []int, ports map[int]Port, c Capacity) {
	upstream := make(map[int][]int)
	downstream := make(map[int]int)
	hostPorts := 0
	for _, i := range indices {
		switch port := ports[i]; port.Mode {
		case Upstream:
			hostPorts++
			upstream[port.Domain] = append(upstream[port.Domain], i)
		case Downstream:
			downstream[port.Domain]++
		}
	}
	domains := make([]int, 0, len(upstream))
	for d := range upstream {
		domains = append(domains, d)
	}
	sort.Ints(domains)
	for _, d := range domains {
		if us := upstream[d]; len(us) > 1 {
			ck.fail(RuleSingleUpstream, us[1], "domain %d already has upstream port %d", d, us[0])
		}
	}
	for _, i := range indices {
		if port := ports[i]; port.Mode == Downstream && len(upstream[port.Domain]) == 0 {
			ck.fail(RuleOrphanDomain, i, "domain %d has no upstream port", port.Domain)
		}
	}

	if p.Fanout > 0 && !c.supportsRatio(p.Fanout) {
		ck.fail(RuleFanoutRatio, NoPort, "%s does not support %d:1 (supports %v)", c.Family, p.Fanout, c.Ratios)
	}
	if p.Hosts > 0 && hostPorts < p.Hosts {
		ck.fail(RuleHostUpstreams, NoPort, "%d hosts need %d upstream ports, profile has %d",
			p.Hosts, p.Hosts, hostPorts)
	}
	if p.Fanout > 0 {
		ds := make([]int, 0, len(downstream))
		for d := range downstream {
			ds = append(ds, d)
		}
		sort.Ints(ds)
		for _, d := range ds {
			if n := downstream[d]; n > p.Fanout {
				ck.fail(RuleDomainFanout, NoPort, "domain %d has %d downstream ports, %d:1 allows %d",
					d, n, p.Fanout, p.Fanout)
			}
		}
	}
}
