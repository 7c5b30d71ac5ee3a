// Package plxerr defines the error kinds surfaced by switch access,
// image decoding, validation and recovery.
package plxerr

import "errors"

// Kind is a stable error class. It is comparable and implements error, so
// errors.Is(err, plxerr.IoError) works through any wrapping.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	DeviceNotFound       Kind = "device not found"
	PermissionDenied     Kind = "permission denied"
	TransportUnavailable Kind = "transport unavailable"
	IoError              Kind = "i/o error"
	BadSignature         Kind = "bad signature"
	TruncatedImage       Kind = "truncated image"
	InvalidConfiguration Kind = "invalid configuration"
	HardwareNotPresent   Kind = "hardware not present"
	VerificationFailed   Kind = "verification failed"
	PartiallyApplied     Kind = "partially applied"

	Unknown Kind = "error"
)

// Error keeps the operation and cause alongside a Kind.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind carried by e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an *Error of kind k.
func New(k Kind, op, msg string) error {
	return &Error{Kind: k, Op: op, Msg: msg}
}

// Wrap returns an *Error of kind k wrapping err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf extracts the outermost Kind from err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
