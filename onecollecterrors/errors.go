// Package onecollecterrors defines the kind-based error taxonomy shared by
// every stage of the collection pipeline (see spec section 7: ingestion
// errors, decode errors, unwind aborts, ordering gaps, and lost records).
//
// Errors are wrapped with github.com/gravitational/trace so a caller can
// recover the Kind after the error has passed through several layers of
// fmt.Errorf-style wrapping, without needing sentinel values per site.
package onecollecterrors

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Kind classifies an error by the taxonomy in spec section 7. It is not a
// replacement for the error message; it lets callers decide policy (fatal
// vs. collected-and-continue) without string matching.
type Kind int

const (
	// KindUnknown is the zero value; errors not produced by this package
	// fall back to it.
	KindUnknown Kind = iota

	// KindResourceUnavailable covers EPERM/EACCES opening a ring, missing
	// tracefs, missing /proc/kallsyms. Fatal for the session build.
	KindResourceUnavailable

	// KindDecodeError covers short slices, bad UTF-8, invalid rel-locs,
	// unknown fields. Non-fatal: collected per record.
	KindDecodeError

	// KindUnwindAbort covers CFA-backwards, stack-read-out-of-range,
	// no-module-found, anon-prolog-not-found. Non-fatal.
	KindUnwindAbort

	// KindOrderingGap covers a detected out-of-order timestamp across
	// merge buffers. Non-fatal; consumers tolerate one refill inversion.
	KindOrderingGap

	// KindLost covers a producer overwriting unconsumed ring bytes.
	// Surfaced as a LOST/LOST_SAMPLES event; the collector continues.
	KindLost
)

func (k Kind) String() string {
	switch k {
	case KindResourceUnavailable:
		return "resource-unavailable"
	case KindDecodeError:
		return "decode-error"
	case KindUnwindAbort:
		return "unwind-abort"
	case KindOrderingGap:
		return "ordering-gap"
	case KindLost:
		return "lost"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
}

// kindField is attached to trace errors via trace.AddField so Is can recover
// the Kind regardless of how many times the error has been wrapped.
const kindField = "onecollect.kind"

// New builds a new error of the given kind, formatted like fmt.Errorf.
func New(kind Kind, format string, args ...any) error {
	err := trace.Wrap(fmt.Errorf(format, args...))
	return trace.AddField(err, kindField, kind)
}

// Wrap attaches kind to an existing error, preserving its message and cause
// chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return trace.AddField(trace.Wrap(err), kindField, kind)
}

// Is reports whether err (or something it wraps) was created with kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf recovers the Kind attached to err, or KindUnknown if none was
// attached (e.g. err came from outside this package).
func KindOf(err error) Kind {
	for err != nil {
		type fielder interface {
			GetFields() map[string]interface{}
		}
		if f, ok := err.(fielder); ok {
			if v, ok := f.GetFields()[kindField]; ok {
				if k, ok := v.(Kind); ok {
					return k
				}
			}
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return KindUnknown
}

// Fatal reports whether a Kind must abort construction of a session, per
// spec section 7's policy table (only ResourceUnavailable is fatal at
// session-build time; every other kind is collected and the loop continues).
func (k Kind) Fatal() bool {
	return k == KindResourceUnavailable
}
