package dualadc

import "github.com/scopeware/dualadc/internal/errs"

// The error taxonomy lives in internal/errs so every internal package can
// depend on it without importing this root package (which itself depends
// on them). These aliases make it indistinguishable from the outside:
// dualadc.Kind, dualadc.E and friends behave exactly as if defined here.
type (
	Kind  = errs.Kind
	Error = errs.Error
)

const (
	Unexpected               = errs.Unexpected
	InvalidArg               = errs.InvalidArg
	InvalidMode              = errs.InvalidMode
	InvalidObjectHandle      = errs.InvalidObjectHandle
	Busy                     = errs.Busy
	DmaBufAllocFail          = errs.DmaBufAllocFail
	BufferTooSmall           = errs.BufferTooSmall
	InvalidDmaAddr           = errs.InvalidDmaAddr
	TimedOut                 = errs.TimedOut
	Cancelled                = errs.Cancelled
	FifoOverflow             = errs.FifoOverflow
	DcmSyncFailed            = errs.DcmSyncFailed
	TimestampFifoOverflow    = errs.TimestampFifoOverflow
	FileIoError              = errs.FileIoError
	DiskFull                 = errs.DiskFull
	OutOfMemory              = errs.OutOfMemory
	ResourceAllocFailure     = errs.ResourceAllocFailure
	NotImplemented           = errs.NotImplemented
	NotImplementedInFirmware = errs.NotImplementedInFirmware
)

// E, KindOf and Preamble forward to internal/errs; see there for docs.
func E(op string, kind Kind, cause error) *Error { return errs.E(op, kind, cause) }
func KindOf(err error) Kind                      { return errs.KindOf(err) }
func Preamble(err error) string                  { return errs.Preamble(err) }
