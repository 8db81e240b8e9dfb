package regio

import dualadc "github.com/scopeware/dualadc/internal/errs"

// SizeGate implements the ioctl struct-growth rule: every struct
// crossing the ioctl boundary carries its own encoded size as the first
// field, so the driver can accept a caller built against an older (smaller)
// or newer (larger, with unknown trailing fields it will zero-fill)
// definition of the struct, while still rejecting sizes that fall strictly
// between two known released versions (a caller built against a corrupt or
// partially-updated header).
type SizeGate struct {
	// Known lists every struct size that has ever shipped, oldest first.
	// A submitted size must either equal one of these, or be larger than
	// the last element (a future version this build doesn't know about).
	Known []int
}

// Accept reports whether size is an acceptable encoded struct size: either
// one that has shipped before, or one at least as large as the newest
// version this build knows about.
func (g SizeGate) Accept(size int) bool {
	if len(g.Known) == 0 {
		return false
	}
	for _, k := range g.Known {
		if size == k {
			return true
		}
	}
	return size > g.Known[len(g.Known)-1]
}

// Validate returns an InvalidArg error naming op if size is not acceptable.
func (g SizeGate) Validate(op string, size int) error {
	if !g.Accept(size) {
		return dualadc.E(op, dualadc.InvalidArg, nil)
	}
	return nil
}
