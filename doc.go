// Package dualadc is the control, data-path, and recording core for a
// PCIe-attached dual-channel analog-to-digital acquisition board.
//
// It is organized the way periph.io organizes a host driver: this package
// holds the cross-cutting types (errors, the board registry, sessions);
// internal/regio, internal/clockgen and internal/dmabuf implement the
// register and buffer primitives; internal/statem and internal/xfer
// implement the acquisition state machine and the two DMA transfer paths;
// record and record/sink implement the streaming recording engine and its
// output sinks; tsfifo implements the timestamp FIFO reader.
//
// → internal/ contains everything a client never touches directly: register
// caches, the DMA buffer table, the state machine, and the two transfer
// paths.
//
// → record/ contains the three recording engine variants and the Sink
// contract used to persist or transform acquired samples.
//
// → tsfifo/ contains the timestamp FIFO drain thread.
//
// → cmd/ contains a single example command line tool exercising the public
// API end to end.
package dualadc // import "github.com/scopeware/dualadc"
