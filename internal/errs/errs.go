// Package errs holds the error taxonomy shared by every package in this
// module, split out from the root package solely so internal/regio,
// internal/clockgen, internal/dmabuf, internal/statem and internal/xfer can
// depend on it without an import cycle back through the root package,
// which in turn depends on them. The root package re-exports every name
// here as a type/const/func alias, so callers outside this module see
// dualadc.Kind, dualadc.E, and so on exactly as if this split did not
// exist.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the abstract error taxonomy of the acquisition core. It lets
// callers branch on what went wrong without string matching, while the
// wrapped cause (see Error.Cause) keeps the underlying OS/syscall detail
// for logs.
type Kind int

// The error kinds named by the acquisition core's error handling design.
const (
	// Unexpected indicates a should-not-happen internal invariant violation.
	Unexpected Kind = iota
	InvalidArg
	InvalidMode
	InvalidObjectHandle
	Busy
	DmaBufAllocFail
	BufferTooSmall
	InvalidDmaAddr
	TimedOut
	Cancelled
	FifoOverflow
	DcmSyncFailed
	TimestampFifoOverflow
	FileIoError
	DiskFull
	OutOfMemory
	ResourceAllocFailure
	NotImplemented
	NotImplementedInFirmware
)

var kindNames = map[Kind]string{
	Unexpected:               "unexpected",
	InvalidArg:               "invalid argument",
	InvalidMode:              "invalid mode",
	InvalidObjectHandle:      "invalid object handle",
	Busy:                     "device busy",
	DmaBufAllocFail:          "dma buffer allocation failed",
	BufferTooSmall:           "buffer too small",
	InvalidDmaAddr:           "invalid dma address",
	TimedOut:                 "timed out",
	Cancelled:                "cancelled",
	FifoOverflow:             "pci fifo overflow",
	DcmSyncFailed:            "dcm sync failed",
	TimestampFifoOverflow:    "timestamp fifo overflow",
	FileIoError:              "file i/o error",
	DiskFull:                 "disk full",
	OutOfMemory:              "out of memory",
	ResourceAllocFailure:     "resource allocation failure",
	NotImplemented:           "not implemented",
	NotImplementedInFirmware: "not implemented in firmware",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error type returned by every exported operation in
// this module. Op names the failing operation (e.g. "regio.Write",
// "record.Session.Run") so logs can be grepped by call site; Kind is the
// abstract reason a caller should branch on; the wrapped cause, if any,
// carries the underlying OS or syscall error.
type Error struct {
	Op    string
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap lets errors.Is/errors.As from both the standard library and
// github.com/pkg/errors see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause returns the underlying error, matching the github.com/pkg/errors
// Causer convention used throughout this module.
func (e *Error) Cause() error { return e.cause }

// E builds an *Error. cause may be nil for pure preconditions (InvalidArg,
// Busy, ...) that have no underlying OS error to report.
func E(op string, kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Op: op, Kind: kind, cause: cause}
}

// KindOf unwraps err looking for a *Error and returns its Kind, or
// Unexpected if err is not (or does not wrap) one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Preamble formats a short, human-readable prefix for a recording session's
// reported error: the failing operation and the error kind ("Op failed
// (kind)"), or the error's own text when it is not an *Error.
func Preamble(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
	}
	return err.Error()
}
