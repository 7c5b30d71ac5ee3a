package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/reconcile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

var _ reconcile.Recorder = (*Recorder)(nil)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRead(t *testing.T) {
	j := openJournal(t)
	rec, err := j.Begin(Run{Family: "pex8696", Target: "sim", Profile: "a"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	e0 := eeprom.Entry{Offset: 0x078, Port: 1, Value: 0x10}
	e1 := eeprom.Entry{Offset: 0x1F8, Port: 1, Value: 0x0810}
	if err := rec.Record(0, e0, 0x1078, 0, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Record(1, e1, 0x11F8, 0x1010, errors.New("nak")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Finish(plxerr.New(plxerr.IoError, "write", "nak")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := rec.Record(2, e0, 0, 0, nil); !errors.Is(err, ErrFinished) {
		t.Errorf("Record after Finish = %v", err)
	}

	run, writes, err := j.Run(rec.ID()[:8])
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ID != rec.ID() || run.Status != StatusFailed || run.Writes != 2 || run.Finished.IsZero() {
		t.Errorf("run = %+v", run)
	}
	want := []Write{
		{Seq: 0, Offset: 0x078, Port: 1, Addr: 0x1078, Value: 0x10},
		{Seq: 1, Offset: 0x1F8, Port: 1, Addr: 0x11F8, Prev: 0x1010, Value: 0x0810, Error: "nak"},
	}
	if diff := cmp.Diff(want, writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}

	if _, _, err := j.Run("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Run(nope) = %v", err)
	}
}

func TestRunsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, logr.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := j.Begin(Run{Family: "pex8733"})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		ids = append(ids, rec.ID())
		if err := rec.Finish(nil); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(dir, logr.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	runs, err := j.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs", len(runs))
	}
	seen := map[string]bool{}
	for _, r := range runs {
		seen[r.ID] = true
		if r.Status != StatusApplied {
			t.Errorf("run %s status %s", r.ID, r.Status)
		}
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("run %s missing after reopen", id)
		}
	}
}

func TestFinishStatus(t *testing.T) {
	j := openJournal(t)
	cases := []struct {
		err  error
		want Status
	}{
		{nil, StatusApplied},
		{&reconcile.PartialError{Err: errors.New("x")}, StatusPartial},
		{plxerr.New(plxerr.IoError, "w", "x"), StatusFailed},
	}
	for _, tc := range cases {
		rec, err := j.Begin(Run{})
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.Finish(tc.err); err != nil {
			t.Fatal(err)
		}
		run, _, err := j.Run(rec.ID())
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != tc.want {
			t.Errorf("Finish(%v) status = %s, want %s", tc.err, run.Status, tc.want)
		}
	}
}

func intp(v int) *int { return &v }

// An apply journaled and then rolled back restores every register and never
// passes through an overlapping state.
func TestRollbackRestoresSwitch(t *testing.T) {
	m, err := regmap.Lookup("pex8696")
	if err != nil {
		t.Fatal(err)
	}
	sim := transport.NewSim(m)
	resolve := func(p topology.Profile) *topology.Resolved {
		r, err := topology.Validate(p, topology.CapacityOf(m))
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		return r
	}
	from := resolve(topology.Profile{Ports: []topology.Port{
		{Index: 0, Mode: topology.Upstream, Width: 16},
		{Index: 1, Mode: topology.Downstream, Width: 16},
	}})
	to := resolve(topology.Profile{Ports: []topology.Port{
		{Index: 0, Mode: topology.Upstream, Width: 16},
		{Index: 2, Mode: topology.Downstream, Width: 8, LaneStart: intp(16)},
		{Index: 3, Mode: topology.Downstream, Width: 8, LaneStart: intp(24)},
	}})
	ctx := context.Background()
	apply := func(target *topology.Resolved, opts reconcile.Options) (reconcile.State, error) {
		s, err := reconcile.ReadState(sim, m)
		if err != nil {
			t.Fatalf("ReadState: %v", err)
		}
		writes, err := reconcile.Diff(s, target, m)
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		return s, reconcile.Apply(ctx, sim, writes, m, opts)
	}
	if _, err := apply(from, reconcile.Options{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	j := openJournal(t)
	rec, err := j.Begin(Run{Family: m.Device.Tag, Target: sim.Describe()})
	if err != nil {
		t.Fatal(err)
	}
	before, err := apply(to, reconcile.Options{Journal: rec})
	if err := rec.Finish(err); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	after, err := reconcile.ReadState(sim, m)
	if err != nil {
		t.Fatal(err)
	}

	_, plan, err := j.Rollback(rec.ID())
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(plan) == 0 {
		t.Fatal("empty rollback plan")
	}
	for n := 0; n <= len(plan); n++ {
		st, err := reconcile.ApplyToState(after, plan[:n], m)
		if err != nil {
			t.Fatal(err)
		}
		if a, b, bad := st.Overlaps(); bad {
			t.Fatalf("rollback prefix %d overlaps ports %d and %d", n, a, b)
		}
	}
	if err := reconcile.Apply(ctx, sim, plan, m, reconcile.Options{}); err != nil {
		t.Fatalf("Apply rollback: %v", err)
	}
	restored, err := reconcile.ReadState(sim, m)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, restored); diff != "" {
		t.Errorf("restored state (-before +after):\n%s", diff)
	}

	if err := j.MarkRolledBack(rec.ID()); err != nil {
		t.Fatalf("MarkRolledBack: %v", err)
	}
	if _, _, err := j.Rollback(rec.ID()); err == nil {
		t.Error("second rollback allowed")
	}
}
