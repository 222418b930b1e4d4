// Package errs defines the error taxonomy for transfer sessions. Every
// failure that crosses a component boundary is classified into a Kind, so
// that the orchestrator can decide whether to fail a single file, abort the
// session, or merely log and continue.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidSource
	KindInvalidDestination
	KindNotEnoughSpace
	KindSourceRemoved
	KindIO
	KindChecksumMismatch
	KindManifest
	KindInUtilityMode
	KindStopped
)

// String returns the stable name of the error kind, as used in log summaries
// and error breakdown maps.
func (k Kind) String() string {
	switch k {
	case KindInvalidSource:
		return "InvalidSource"
	case KindInvalidDestination:
		return "InvalidDestination"
	case KindNotEnoughSpace:
		return "NotEnoughSpace"
	case KindSourceRemoved:
		return "SourceRemoved"
	case KindIO:
		return "IoError"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindManifest:
		return "ManifestError"
	case KindInUtilityMode:
		return "InUtilityMode"
	case KindStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Display returns a short, display-friendly message suitable for constrained
// surfaces (LCD lines, status bars).
func (k Kind) Display() string {
	switch k {
	case KindInvalidSource:
		return "Invalid source"
	case KindInvalidDestination:
		return "Invalid destination"
	case KindNotEnoughSpace:
		return "Not enough space"
	case KindSourceRemoved:
		return "Source removed"
	case KindIO:
		return "I/O error"
	case KindChecksumMismatch:
		return "Verify failed"
	case KindManifest:
		return "Manifest error"
	case KindInUtilityMode:
		return "In utility mode"
	case KindStopped:
		return "Stopped"
	default:
		return "Transfer error"
	}
}

// TransferError is a classified failure carrying the paths involved. It wraps
// the underlying cause, so callers can use errors.Is/errors.As against both
// the TransferError and the original error.
type TransferError struct {
	Kind        Kind
	Source      string
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	msg := e.Kind.String()
	if e.Source != "" && e.Destination != "" {
		msg = fmt.Sprintf("%s: %q -x-> %q", msg, e.Source, e.Destination)
	} else if e.Source != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Source)
	} else if e.Destination != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Destination)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}

	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// New constructs a classified error around an underlying cause.
func New(kind Kind, err error) *TransferError {
	return &TransferError{Kind: kind, Err: err}
}

// NewPath constructs a classified error attached to the paths involved.
func NewPath(kind Kind, source string, destination string, err error) *TransferError {
	return &TransferError{Kind: kind, Source: source, Destination: destination, Err: err}
}

// KindOf extracts the Kind from any error in err's chain, returning
// KindUnknown when the error was never classified.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	return KindUnknown
}
