// Package journal keeps a durable record of every register write a live
// apply performs, so an interrupted or regretted run can be inspected and
// rolled back. Runs are stored in a badger database keyed by a random run ID.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
)

var (
	// ErrNotFound is returned for an unknown run ID.
	ErrNotFound = errors.New("journal: run not found")
	// ErrAmbiguous is returned when an ID prefix matches more than one run.
	ErrAmbiguous = errors.New("journal: run ID prefix is ambiguous")
	// ErrFinished is returned when recording into a closed run.
	ErrFinished = errors.New("journal: run already finished")
)

// Status is the outcome of a run.
type Status string

const (
	StatusOpen       Status = "open"
	StatusApplied    Status = "applied"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// Run describes one apply.
type Run struct {
	ID       string    `json:"id"`
	Family   string    `json:"family"`
	Target   string    `json:"target"`
	Profile  string    `json:"profile,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Status   Status    `json:"status"`
	Writes   int       `json:"writes"`
	Error    string    `json:"error,omitempty"`
	// RollbackOf names the run this run undid.
	RollbackOf string `json:"rollback_of,omitempty"`
}

// Write is one recorded register write.
type Write struct {
	Seq    int    `json:"seq"`
	Offset uint32 `json:"offset"`
	Port   int    `json:"port"`
	Addr   uint32 `json:"addr"`
	Prev   uint32 `json:"prev"`
	Value  uint32 `json:"value"`
	Error  string `json:"error,omitempty"`
}

// Landed reports whether the write reached the switch.
func (w Write) Landed() bool { return w.Error == "" }

// Entry returns the write as a register write entry.
func (w Write) Entry() eeprom.Entry {
	return eeprom.Entry{Offset: w.Offset, Port: w.Port, Value: w.Value}
}

// Journal is an open run database.
type Journal struct {
	db  *badger.DB
	log logr.Logger
	now func() time.Time
}

const (
	runPrefix   = "run/"
	writePrefix = "write/"
)

func runKey(id string) []byte { return []byte(runPrefix + id) }

func writeKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", writePrefix, id, seq))
}

// Open opens or creates the journal at path.
func Open(path string, log logr.Logger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil
	// The journal holds a few kilobytes per run.
	opts.MemTableSize = 8 << 20
	opts.BlockCacheSize = 16 << 20
	db, err := badger.Open(opts)
	if err != nil {
		return nil, plxerr.Wrap(plxerr.IoError, "open journal "+path, err)
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Journal{db: db, log: log.WithName("journal"), now: time.Now}, nil
}

// Close flushes and closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) put(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

// Begin starts a run. ID and Started are filled in; Status becomes open.
func (j *Journal) Begin(run Run) (*Recorder, error) {
	run.ID = uuid.NewString()
	run.Started = j.now()
	run.Status = StatusOpen
	run.Writes = 0
	if err := j.db.Update(func(txn *badger.Txn) error {
		return j.put(txn, runKey(run.ID), run)
	}); err != nil {
		return nil, err
	}
	j.log.V(1).Info("run started", "id", run.ID, "family", run.Family, "target", run.Target)
	return &Recorder{j: j, run: run}, nil
}

// Runs lists every run, oldest first.
func (j *Journal) Runs() ([]Run, error) {
	var runs []Run
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Run
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			runs = append(runs, r)
		}
		return nil
	})
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].Started.Before(runs[b].Started) })
	return runs, err
}

// resolve expands a unique ID prefix.
func (j *Journal) resolve(id string) (string, error) {
	if id == "" {
		return "", ErrNotFound
	}
	runs, err := j.Runs()
	if err != nil {
		return "", err
	}
	match := ""
	for _, r := range runs {
		if r.ID == id {
			return id, nil
		}
		if strings.HasPrefix(r.ID, id) {
			if match != "" {
				return "", ErrAmbiguous
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", ErrNotFound
	}
	return match, nil
}

// Run returns a run and its writes in sequence order. id may be a unique
// prefix.
func (j *Journal) Run(id string) (Run, []Write, error) {
	id, err := j.resolve(id)
	if err != nil {
		return Run{}, nil, err
	}
	var (
		run    Run
		writes []Write
	)
	err = j.db.View(func(txn *badger.Txn) error {
		if err := get(txn, runKey(id), &run); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(writePrefix + id + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var w Write
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &w) }); err != nil {
				return err
			}
			writes = append(writes, w)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = ErrNotFound
	}
	return run, writes, err
}

// Rollback returns the writes that undo run id: the previous value of every
// landed write, newest first. Replaying them walks back through the same
// intermediate states the run passed through.
func (j *Journal) Rollback(id string) (Run, []eeprom.Entry, error) {
	run, writes, err := j.Run(id)
	if err != nil {
		return Run{}, nil, err
	}
	if run.Status == StatusRolledBack {
		return run, nil, fmt.Errorf("journal: run %s was already rolled back", run.ID)
	}
	var plan []eeprom.Entry
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		if !w.Landed() {
			continue
		}
		plan = append(plan, eeprom.Entry{Offset: w.Offset, Port: w.Port, Value: w.Prev})
	}
	return run, plan, nil
}

// MarkRolledBack records that run id has been undone.
func (j *Journal) MarkRolledBack(id string) error {
	id, err := j.resolve(id)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		var run Run
		if err := get(txn, runKey(id), &run); err != nil {
			return err
		}
		run.Status = StatusRolledBack
		return j.put(txn, runKey(id), run)
	})
}

// Recorder appends the writes of one run. It satisfies the engine's write
// recorder interface.
type Recorder struct {
	j    *Journal
	run  Run
	done bool
}

// ID returns the run ID.
func (r *Recorder) ID() string { return r.run.ID }

// Record stores one attempted write. prev is the value read before the
// write; werr is the write's outcome.
func (r *Recorder) Record(seq int, e eeprom.Entry, addr, prev uint32, werr error) error {
	if r.done {
		return ErrFinished
	}
	w := Write{Seq: seq, Offset: e.Offset, Port: e.Port, Addr: addr, Prev: prev, Value: e.Value}
	if werr != nil {
		w.Error = werr.Error()
	}
	r.run.Writes++
	return r.j.db.Update(func(txn *badger.Txn) error {
		if err := r.j.put(txn, writeKey(r.run.ID, seq), w); err != nil {
			return err
		}
		return r.j.put(txn, runKey(r.run.ID), r.run)
	})
}

// Finish closes the run with the outcome of the apply.
func (r *Recorder) Finish(err error) error {
	if r.done {
		return ErrFinished
	}
	r.done = true
	r.run.Finished = r.j.now()
	switch {
	case err == nil:
		r.run.Status = StatusApplied
	case errors.Is(err, plxerr.PartiallyApplied):
		r.run.Status = StatusPartial
	default:
		r.run.Status = StatusFailed
	}
	if err != nil {
		r.run.Error = err.Error()
	}
	r.j.log.V(1).Info("run finished", "id", r.run.ID, "status", string(r.run.Status), "writes", r.run.Writes)
	return r.j.db.Update(func(txn *badger.Txn) error {
		return r.j.put(txn, runKey(r.run.ID), r.run)
	})
}
