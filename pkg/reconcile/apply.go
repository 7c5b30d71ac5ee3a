package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// Recorder receives every write Apply attempts. prev is the register value
// read just before the write; err is nil when the write landed.
type Recorder interface {
	Record(seq int, e eeprom.Entry, addr, prev uint32, err error) error
}

// Options tunes Apply.
type Options struct {
	Log logr.Logger
	// Journal, when set, is called for every write. Apply then reads each
	// register before writing it so the journal can hold the old value.
	Journal Recorder
	// OnWrite is called after each write lands.
	OnWrite func(seq int, e eeprom.Entry)
}

// PartialError reports an Apply that stopped after some writes landed.
type PartialError struct {
	// Completed are the writes that landed, in order.
	Completed []eeprom.Entry
	// Remaining are the writes that were not attempted or failed.
	Remaining []eeprom.Entry
	// Ports lists ports whose every write landed.
	Ports []int
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: %d of %d writes applied, ports %v moved: %v",
		plxerr.PartiallyApplied, len(e.Completed), len(e.Completed)+len(e.Remaining), e.Ports, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) Is(target error) bool { return target == plxerr.PartiallyApplied }

// movedPorts returns the ports all of whose writes are within the first n.
func movedPorts(writes []eeprom.Entry, n int) []int {
	last := make(map[int]int)
	for i, w := range writes {
		last[w.Port] = i
	}
	var out []int
	for p, i := range last {
		if i < n {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// Apply performs writes in order over sess. The context is checked before
// every write. If nothing landed the cause is returned as is; otherwise a
// *PartialError (kind PartiallyApplied) carries what was done.
func Apply(ctx context.Context, sess transport.Session, writes []eeprom.Entry, m *regmap.Map, opts Options) error {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	fail := func(n int, err error) error {
		log.Error(err, "apply stopped", "completed", n, "total", len(writes))
		if n == 0 {
			return err
		}
		return &PartialError{
			Completed: append([]eeprom.Entry(nil), writes[:n]...),
			Remaining: append([]eeprom.Entry(nil), writes[n:]...),
			Ports:     movedPorts(writes, n),
			Err:       err,
		}
	}
	for i, e := range writes {
		if err := ctx.Err(); err != nil {
			return fail(i, err)
		}
		addr := m.Locate(e.Offset, e.Port)
		var prev uint32
		if opts.Journal != nil {
			var err error
			if prev, err = sess.ReadRegister(addr); err != nil {
				return fail(i, err)
			}
		}
		werr := sess.WriteRegister(addr, e.Value)
		if opts.Journal != nil {
			if err := opts.Journal.Record(i, e, addr, prev, werr); err != nil && werr == nil {
				return fail(i+1, fmt.Errorf("journal: %w", err))
			}
		}
		if werr != nil {
			return fail(i, werr)
		}
		log.V(1).Info("register written", "seq", i, "register", m.Name(e.Offset, e.Port),
			"addr", fmt.Sprintf("0x%05X", addr), "value", fmt.Sprintf("0x%08X", e.Value))
		if opts.OnWrite != nil {
			opts.OnWrite(i, e)
		}
	}
	return nil
}
