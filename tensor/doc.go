// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exports the numeric precision and shape types used by the
// stereo depth engine.
//
// Engines compute in fp32 or fp16. Tensors are channel-major (CHW) without a
// batch dimension:
//
//	p, err := tensor.ParsePrecision("fp16")
//	in := tensor.CHW(3, 513, 257)
//	fmt.Println(p, in.NumElements()*p.Size()) // fp16 791046
package tensor
