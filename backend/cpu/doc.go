// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go host accelerator.
//
// # Overview
//
// The host device implements every kernel the stereo depth engine uses:
//   - Convolution and transposed convolution via im2col
//   - Per-channel scale, activations and residual add
//   - Cost volume correlation and softargmax
//   - fp16 rounding for half precision engines
//
// Kernels fan out across output channels with a bounded worker pool.
//
// # Basic Usage
//
//	import "github.com/born-ml/stereodepth/backend/cpu"
//
//	func main() {
//	    dev := cpu.New(cpu.Options{})
//	    defer dev.Close()
//	}
//
// A MemoryLimit caps allocation; allocations beyond it fail with an
// out-of-memory error instead of growing the heap.
package cpu
