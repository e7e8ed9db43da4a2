// Package cpu implements a host-memory accelerator in pure Go.
//
// # Overview
//
// The device keeps "device" buffers in ordinary Go slices and runs every
// kernel on the calling goroutine's behalf, fanning work out across worker
// goroutines per output channel (or row) with errgroup. Each output element
// is computed by exactly one worker in a fixed order, so results are
// bit-identical across runs regardless of scheduling.
//
// Convolutions use the im2col algorithm: input patches are unrolled into a
// column matrix once, then every output channel is an independent dot-product
// sweep over that matrix.
//
// An optional memory limit makes allocation failures reproducible, which the
// execution pipeline's failure handling relies on in tests.
package cpu
