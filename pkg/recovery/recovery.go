// Package recovery reprograms a switch whose EEPROM is corrupt and which
// therefore never enumerates on PCIe. Everything runs over I2C: confirm the
// switch answers, write a known-good image through the EEPROM controller
// verifying every dword, then hand back to the caller for a power cycle.
package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plx"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/reconcile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/switchdb"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// State is a recovery workflow state.
type State uint8

const (
	StateUnreachable State = iota
	StateI2cVerified
	StateReprogrammed
	StatePcieVerified
	StateFailed
)

var stateNames = map[State]string{
	StateUnreachable:  "Unreachable",
	StateI2cVerified:  "I2cVerified",
	StateReprogrammed: "Reprogrammed",
	StatePcieVerified: "PcieVerified",
	StateFailed:       "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StatePcieVerified || s == StateFailed
}

// DefaultMaxRetries bounds read-back retries per EEPROM dword.
const DefaultMaxRetries = 3

// ErrAlreadyRun is returned when Run is called on a workflow that has left
// Unreachable.
var ErrAlreadyRun = errors.New("recovery: workflow already started")

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Err  error     `json:"-"`
}

func (t Transition) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s -> %s: %v", t.From, t.To, t.Err)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// Opener opens a session to the switch being recovered. Run, Resume and
// ConfirmPCIe fail with an opener's error unchanged, so its kind
// (DeviceNotFound, PermissionDenied, TransportUnavailable) reaches the
// caller. HardwareNotPresent is reserved for a session that opens but does
// not answer as the expected switch.
type Opener func(ctx context.Context) (transport.Session, error)

// Workflow drives one switch through recovery. It is single use.
type Workflow struct {
	// OpenI2C opens the side-band session Run works over.
	OpenI2C Opener
	// OpenPCIe is used by ConfirmPCIe after the caller power-cycles the host.
	OpenPCIe Opener

	Map     *regmap.Map
	Profile *topology.Resolved

	// MaxRetries is how many times a dword whose read-back mismatches is
	// rewritten before the workflow fails.
	MaxRetries int
	// AllowUnverified permits recovery of families whose tables are unverified.
	AllowUnverified bool

	Log logr.Logger
	// OnTransition is called after every state change.
	OnTransition func(Transition)
	// OnProgress is called after each EEPROM dword is written.
	OnProgress func(done, total int)

	state   State
	history []Transition
	err     error
	now     func() time.Time
}

// New returns a workflow for family m that writes the image compiled from
// profile over sessions from open.
func New(m *regmap.Map, profile *topology.Resolved, open Opener) *Workflow {
	return &Workflow{
		OpenI2C:    open,
		Map:        m,
		Profile:    profile,
		MaxRetries: DefaultMaxRetries,
		Log:        logr.Discard(),
		now:        time.Now,
	}
}

// State returns the current state.
func (w *Workflow) State() State { return w.state }

// History returns every transition so far.
func (w *Workflow) History() []Transition { return append([]Transition(nil), w.history...) }

// Err returns the error that moved the workflow to Failed, if any.
func (w *Workflow) Err() error { return w.err }

func (w *Workflow) logger() logr.Logger {
	if w.Log.GetSink() == nil {
		return logr.Discard()
	}
	return w.Log
}

func (w *Workflow) move(to State, err error) {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	t := Transition{From: w.state, To: to, At: now(), Err: err}
	w.state = to
	w.history = append(w.history, t)
	if err != nil {
		w.err = err
		w.logger().Error(err, "recovery failed", "from", t.From.String())
	} else {
		w.logger().Info("recovery state", "from", t.From.String(), "to", to.String())
	}
	if w.OnTransition != nil {
		w.OnTransition(t)
	}
}

func (w *Workflow) fail(err error) error {
	w.move(StateFailed, err)
	return err
}

// Run takes the workflow from Unreachable to Reprogrammed. On return in
// Reprogrammed the caller must power-cycle the host so the switch reloads
// its EEPROM, then call ConfirmPCIe. Any error leaves the workflow Failed.
func (w *Workflow) Run(ctx context.Context) error {
	if w.state != StateUnreachable {
		return ErrAlreadyRun
	}
	if w.Map == nil || w.Profile == nil || w.OpenI2C == nil {
		return w.fail(plxerr.New(plxerr.InvalidConfiguration, "recovery", "family, profile and I2C opener are required"))
	}
	if !w.Map.Device.Verified && !w.AllowUnverified {
		return w.fail(plxerr.New(plxerr.InvalidConfiguration, "recovery",
			fmt.Sprintf("family %s register table is unverified", w.Map.Device.Tag)))
	}
	// Compile before touching hardware so a bad profile never reaches the bus.
	image, err := reconcile.Compile(w.Profile, w.Map)
	if err != nil {
		return w.fail(err)
	}

	sess, err := w.OpenI2C(ctx)
	if err != nil {
		return w.fail(err)
	}
	defer sess.Close()

	if err := w.probe(sess); err != nil {
		return w.fail(err)
	}
	w.move(StateI2cVerified, nil)

	ctrl := eeprom.NewController(sess, w.Map)
	retries := w.MaxRetries
	if retries < 0 {
		retries = 0
	}
	w.logger().V(1).Info("writing eeprom", "bytes", len(image), "retries", retries)
	err = ctrl.WriteImage(ctx, image, eeprom.WriteOptions{
		Verify:   true,
		Retries:  retries,
		Progress: w.OnProgress,
	})
	if err != nil {
		return w.fail(err)
	}

	info, err := ctrl.Detect()
	if err != nil {
		return w.fail(err)
	}
	if !info.Valid || info.TotalSize != len(image) {
		return w.fail(plxerr.New(plxerr.VerificationFailed, "recovery",
			fmt.Sprintf("header reads signature 0x%02X length %d after write", info.Signature, info.PayloadLength)))
	}
	w.move(StateReprogrammed, nil)
	w.logger().Info("eeprom reprogrammed, power-cycle the host to reload it", "family", w.Map.Device.Tag)
	return nil
}

// probe confirms something PLX-shaped answers on the bus.
func (w *Workflow) probe(sess transport.Session) error {
	op := "probe " + sess.Describe()
	vendor, _, err := plx.Identify(sess)
	switch {
	case errors.Is(err, plxerr.HardwareNotPresent):
		return err
	case err != nil:
		return plxerr.Wrap(plxerr.HardwareNotPresent, op, err)
	case !switchdb.IsKnownVendor(vendor):
		return plxerr.New(plxerr.HardwareNotPresent, op, fmt.Sprintf("unknown vendor 0x%04X", vendor))
	}
	return nil
}

// Resume picks up a workflow whose Run happened in an earlier process: it
// reads the EEPROM back over OpenPCIe and moves to Reprogrammed when it holds
// exactly the image compiled from Profile.
func (w *Workflow) Resume(ctx context.Context) error {
	if w.state != StateUnreachable {
		return ErrAlreadyRun
	}
	if w.Map == nil || w.Profile == nil || w.OpenPCIe == nil {
		return w.fail(plxerr.New(plxerr.InvalidConfiguration, "recovery", "family, profile and PCIe opener are required"))
	}
	image, err := reconcile.Compile(w.Profile, w.Map)
	if err != nil {
		return w.fail(err)
	}
	sess, err := w.OpenPCIe(ctx)
	if err != nil {
		return w.fail(err)
	}
	defer sess.Close()

	got, err := eeprom.NewController(sess, w.Map).ReadBytes(0, len(image))
	if err != nil {
		return w.fail(err)
	}
	if !bytes.Equal(got, image) {
		return w.fail(plxerr.New(plxerr.VerificationFailed, "resume",
			fmt.Sprintf("eeprom does not hold the %s image", w.Profile.Profile.Name)))
	}
	w.move(StateReprogrammed, nil)
	return nil
}

// ConfirmPCIe checks, after the caller power-cycled the host, that the switch
// enumerates on PCIe with the family's identity.
func (w *Workflow) ConfirmPCIe(ctx context.Context) error {
	if w.state != StateReprogrammed {
		return fmt.Errorf("recovery: cannot confirm from state %s", w.state)
	}
	if w.OpenPCIe == nil {
		return errors.New("recovery: no PCIe opener")
	}
	sess, err := w.OpenPCIe(ctx)
	if err != nil {
		return w.fail(err)
	}
	defer sess.Close()

	vendor, device, err := plx.Identify(sess)
	if err != nil && !errors.Is(err, plxerr.HardwareNotPresent) {
		err = plxerr.Wrap(plxerr.HardwareNotPresent, "confirm pcie", err)
	}
	if err != nil {
		return w.fail(err)
	}
	dev := w.Map.Device
	if vendor != dev.VendorID || (dev.DeviceID != 0 && device != dev.DeviceID) {
		return w.fail(plxerr.New(plxerr.HardwareNotPresent, "confirm pcie",
			fmt.Sprintf("found %s, want %s", switchdb.DisplayName(vendor, device), dev.Name)))
	}
	w.move(StatePcieVerified, nil)
	return nil
}
