package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

func intp(v int) *int { return &v }

func family(t *testing.T, tag string) *regmap.Map {
	t.Helper()
	m, err := regmap.Lookup(tag)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return m
}

func resolve(t *testing.T, m *regmap.Map, p topology.Profile) *topology.Resolved {
	t.Helper()
	r, err := topology.Validate(p, topology.CapacityOf(m))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return r
}

func fourToOne() topology.Profile {
	return topology.Profile{Name: "a", Fanout: 4, Hosts: 1, Ports: []topology.Port{
		{Index: 0, Mode: topology.Upstream, Width: 16},
		{Index: 1, Mode: topology.Downstream, Width: 16},
		{Index: 2, Mode: topology.Downstream, Width: 16},
		{Index: 3, Mode: topology.Downstream, Width: 8},
		{Index: 4, Mode: topology.Downstream, Width: 8},
	}}
}

// realise returns the state a switch is in after its EEPROM image for p ran.
func realise(t *testing.T, m *regmap.Map, r *topology.Resolved) State {
	t.Helper()
	img, err := CompileToEeprom(r, m)
	if err != nil {
		t.Fatalf("CompileToEeprom: %v", err)
	}
	def, err := DefaultState(m)
	if err != nil {
		t.Fatalf("DefaultState: %v", err)
	}
	s, err := ApplyToState(def, img.Entries, m)
	if err != nil {
		t.Fatalf("ApplyToState: %v", err)
	}
	return s
}

func TestCompileToEeprom(t *testing.T) {
	m := family(t, "pex8696")
	r := resolve(t, m, fourToOne())
	img, err := CompileToEeprom(r, m)
	if err != nil {
		t.Fatalf("CompileToEeprom: %v", err)
	}
	// Port 1: x16 at lane 16, downstream, link enabled (default).
	want := []eeprom.Entry{
		{Offset: 0x1F8, Port: 1, Value: 16<<8 | 16},
		{Offset: 0x1F4, Port: 1, Value: 2},
	}
	var got []eeprom.Entry
	for _, e := range img.Entries {
		if e.Port == 1 {
			got = append(got, e)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("port 1 entries (-want +got):\n%s", diff)
	}
	// Port 0 keeps lane_start 0, so only width is written.
	if img.Entries[0] != (eeprom.Entry{Offset: 0x1F8, Port: 0, Value: 16 << 8}) {
		t.Errorf("first entry = %v", img.Entries[0])
	}
	// Every undeclared port is held link-down.
	for i := 5; i < 24; i++ {
		found := false
		for _, e := range img.Entries {
			if e.Port == i && e.Offset == 0x078 && e.Value == 1<<4 {
				found = true
			}
		}
		if !found {
			t.Errorf("port %d not link-disabled", i)
		}
	}

	data, err := Compile(r, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dec, err := eeprom.Decode(data, eeprom.LayoutFor(m))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(img, dec); diff != "" {
		t.Errorf("image round trip (-want +got):\n%s", diff)
	}
}

func TestLiveAndEepromPathsAgree(t *testing.T) {
	m := family(t, "pex8696")
	r := resolve(t, m, fourToOne())
	fromImage := realise(t, m, r)

	def, _ := DefaultState(m)
	writes, err := Diff(def, r, m)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	live, err := ApplyToState(def, writes, m)
	if err != nil {
		t.Fatalf("ApplyToState: %v", err)
	}
	if diff := cmp.Diff(fromImage, live); diff != "" {
		t.Errorf("live vs eeprom state (-image +live):\n%s", diff)
	}
	for i, a := range r.Ports {
		p := live.Ports[i]
		if p.Enabled() != a.Enabled() || (a.Enabled() && p.Lanes != a.Lanes) || p.Mode != a.Mode {
			t.Errorf("port %d = %v, want %v", i, p, a)
		}
	}
}

func TestDiffMovesLanesSafely(t *testing.T) {
	m := family(t, "pex8696")
	from := resolve(t, m, topology.Profile{Ports: []topology.Port{
		{Index: 0, Mode: topology.Upstream, Width: 16},
		{Index: 1, Mode: topology.Downstream, Width: 16, LaneStart: intp(16)},
	}})
	to := resolve(t, m, topology.Profile{Ports: []topology.Port{
		{Index: 0, Mode: topology.Upstream, Width: 16},
		{Index: 2, Mode: topology.Downstream, Width: 8, LaneStart: intp(16)},
		{Index: 3, Mode: topology.Downstream, Width: 8, LaneStart: intp(24)},
	}})
	observed := realise(t, m, from)
	writes, err := Diff(observed, to, m)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(writes) == 0 {
		t.Fatal("no writes")
	}
	if first := writes[0]; first.Port != 1 || first.Offset != 0x078 || first.Value&(1<<4) == 0 {
		t.Fatalf("first write = %v, want port 1 link-down", first)
	}
	for _, w := range writes {
		if w.Port == 0 {
			t.Errorf("unchanged port 0 written: %v", w)
		}
	}
	assertPrefixSafe(t, m, observed, writes)

	final, _ := ApplyToState(observed, writes, m)
	again, err := Diff(final, to, m)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second diff = %v, want empty", again)
	}
}

func assertPrefixSafe(t *testing.T, m *regmap.Map, s State, writes []eeprom.Entry) {
	t.Helper()
	for n := 0; n <= len(writes); n++ {
		st, err := ApplyToState(s, writes[:n], m)
		if err != nil {
			t.Fatalf("ApplyToState: %v", err)
		}
		if a, b, bad := st.Overlaps(); bad {
			t.Fatalf("after %d of %d writes ports %d and %d overlap:\n%v\n%v",
				n, len(writes), a, b, st.Ports[a], st.Ports[b])
		}
	}
}

func randomProfile(rng *rand.Rand, c topology.Capacity) topology.Profile {
	widths := []int{1, 2, 4, 8, 16}
	up := widths[rng.Intn(len(widths))]
	budget := c.Lanes - up
	p := topology.Profile{Name: "rand"}
	p.Ports = append(p.Ports, topology.Port{Index: 0, Mode: topology.Upstream, Width: up})
	for i := 1; i < c.Ports; i++ {
		switch rng.Intn(3) {
		case 0:
			continue
		case 1:
			p.Ports = append(p.Ports, topology.Port{Index: i, Mode: topology.Disabled})
		default:
			w := widths[rng.Intn(len(widths))]
			if w > budget {
				continue
			}
			budget -= w
			port := topology.Port{Index: i, Mode: topology.Downstream, Width: w}
			if rng.Intn(6) == 0 {
				port.LaneStart = intp(rng.Intn(c.Lanes/w) * w)
			}
			p.Ports = append(p.Ports, port)
		}
	}
	return p
}

func TestReconciliationProperties(t *testing.T) {
	for _, tag := range []string{"pex8696", "pex8733"} {
		m := family(t, tag)
		c := topology.CapacityOf(m)
		rng := rand.New(rand.NewSource(7))
		var valid []*topology.Resolved
		for len(valid) < 40 {
			if r, err := topology.Validate(randomProfile(rng, c), c); err == nil {
				valid = append(valid, r)
			}
		}
		def, _ := DefaultState(m)
		for i, from := range valid {
			observed := def
			if i%5 != 0 {
				observed = realise(t, m, from)
			}
			to := valid[(i*7+3)%len(valid)]
			writes, err := Diff(observed, to, m)
			if err != nil {
				t.Fatalf("%s: Diff: %v", tag, err)
			}
			assertPrefixSafe(t, m, observed, writes)
			final, _ := ApplyToState(observed, writes, m)
			if again, _ := Diff(final, to, m); len(again) != 0 {
				t.Fatalf("%s case %d: not idempotent, second diff %v", tag, i, again)
			}
			for j, a := range to.Ports {
				if p := final.Ports[j]; p.Enabled() != a.Enabled() || (a.Enabled() && p.Lanes != a.Lanes) {
					t.Fatalf("%s case %d: port %d = %v, want %v", tag, i, j, p, a)
				}
			}
		}
	}
}

func TestApplyAgainstSim(t *testing.T) {
	m := family(t, "pex8696")
	sim := transport.NewSim(m)
	r := resolve(t, m, fourToOne())

	before, err := ReadState(sim, m)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	writes, err := Diff(before, r, m)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	var seen int
	if err := Apply(context.Background(), sim, writes, m, Options{OnWrite: func(int, eeprom.Entry) { seen++ }}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if seen != len(writes) {
		t.Errorf("OnWrite calls = %d, want %d", seen, len(writes))
	}
	after, err := ReadState(sim, m)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	modelled, _ := ApplyToState(before, writes, m)
	if diff := cmp.Diff(modelled, after); diff != "" {
		t.Errorf("hardware vs model (-model +hw):\n%s", diff)
	}
	if again, _ := Diff(after, r, m); len(again) != 0 {
		t.Errorf("second diff = %v", again)
	}
	if got := sim.Regs[0x11F8]; got != 16<<8|16 {
		t.Errorf("port 1 lane_config = 0x%X", got)
	}
}

func TestApplyPartial(t *testing.T) {
	m := family(t, "pex8696")
	sim := transport.NewSim(m)
	r := resolve(t, m, fourToOne())
	before, _ := ReadState(sim, m)
	writes, _ := Diff(before, r, m)

	n := 0
	sim.OnWrite = func(addr, v uint32) error {
		if n == 4 {
			return errors.New("bus fault")
		}
		n++
		return nil
	}
	err := Apply(context.Background(), sim, writes, m, Options{})
	if !errors.Is(err, plxerr.PartiallyApplied) {
		t.Fatalf("err = %v, want PartiallyApplied", err)
	}
	if !errors.Is(err, plxerr.IoError) {
		t.Errorf("cause lost: %v", err)
	}
	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("not a *PartialError: %T", err)
	}
	if len(pe.Completed) != 4 || len(pe.Completed)+len(pe.Remaining) != len(writes) {
		t.Fatalf("completed %d remaining %d of %d", len(pe.Completed), len(pe.Remaining), len(writes))
	}
	if diff := cmp.Diff(movedPorts(writes, 4), pe.Ports); diff != "" {
		t.Errorf("ports (-want +got):\n%s", diff)
	}
	// Writes go port by port; the first two ports take two writes each.
	if !cmp.Equal(pe.Ports, []int{0, 1}) {
		t.Errorf("ports = %v, want [0 1]", pe.Ports)
	}
	after, _ := ReadState(sim, m)
	if a, b, bad := after.Overlaps(); bad {
		t.Errorf("partial apply left ports %d and %d overlapping", a, b)
	}
}

func TestApplyFirstWriteFails(t *testing.T) {
	m := family(t, "pex8696")
	sim := transport.NewSim(m)
	sim.OnWrite = func(addr, v uint32) error { return errors.New("nak") }
	err := Apply(context.Background(), sim, []eeprom.Entry{{Offset: 0x1F8, Port: 1, Value: 1}}, m, Options{})
	if errors.Is(err, plxerr.PartiallyApplied) || !errors.Is(err, plxerr.IoError) {
		t.Fatalf("err = %v, want plain IoError", err)
	}
}

func TestApplyCancelled(t *testing.T) {
	m := family(t, "pex8696")
	sim := transport.NewSim(m)
	r := resolve(t, m, fourToOne())
	before, _ := ReadState(sim, m)
	writes, _ := Diff(before, r, m)

	ctx, cancel := context.WithCancel(context.Background())
	err := Apply(ctx, sim, writes, m, Options{OnWrite: func(seq int, _ eeprom.Entry) {
		if seq == 2 {
			cancel()
		}
	}})
	if !errors.Is(err, plxerr.PartiallyApplied) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if got := len(sim.Writes()); got != 3 {
		t.Errorf("writes reaching hardware = %d, want 3", got)
	}
}

type memJournal struct {
	prev []uint32
	errs []error
}

func (j *memJournal) Record(seq int, e eeprom.Entry, addr, prev uint32, err error) error {
	j.prev = append(j.prev, prev)
	j.errs = append(j.errs, err)
	return nil
}

func TestApplyJournal(t *testing.T) {
	m := family(t, "pex8696")
	sim := transport.NewSim(m)
	sim.Regs[0x11F8] = 0xABCD0000
	writes := []eeprom.Entry{{Offset: 0x1F8, Port: 1, Value: 0x0810}}
	j := &memJournal{}
	if err := Apply(context.Background(), sim, writes, m, Options{Journal: j}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(j.prev) != 1 || j.prev[0] != 0xABCD0000 || j.errs[0] != nil {
		t.Fatalf("journal = %+v", j)
	}
}

func TestDiffRejectsMismatchedTarget(t *testing.T) {
	m := family(t, "pex8696")
	other := family(t, "pex8733")
	r := resolve(t, other, topology.Profile{Ports: []topology.Port{{Index: 0, Mode: topology.Upstream, Width: 8}}})
	def, _ := DefaultState(m)
	if _, err := Diff(def, r, m); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("Diff: %v", err)
	}
	if _, err := CompileToEeprom(r, m); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("CompileToEeprom: %v", err)
	}
}
