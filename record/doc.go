// Package record implements the three recording engine variants
// (RAM-acquisition, PCIe-buffered ping-pong, and PCIe-buffered chained)
// and the periodic snapshot facility.
//
// Each engine drives a Device (the narrow hardware/state-machine surface
// a caller's board session exposes) and writes acquired samples to a
// record/sink.Sink, tracking progress and the session's first error under
// a dedicated progress mutex independent of the device's own locks.
//
// The chained engine runs a producer and a consumer as two long-running
// cooperating goroutines, using golang.org/x/sync/semaphore for the
// free/ready slot accounting and golang.org/x/sync/errgroup to join them
// with first-error propagation.
package record
