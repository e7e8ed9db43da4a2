// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"github.com/born-ml/stereodepth/internal/accel"
	internalcpu "github.com/born-ml/stereodepth/internal/accel/cpu"
)

// Device is the host accelerator.
type Device = internalcpu.Device

// Options configures a host device.
type Options = internalcpu.Options

// Compile-time check that Device implements accel.Device.
var _ accel.Device = (*Device)(nil)

// New creates a host device.
//
// Example:
//
//	dev := cpu.New(cpu.Options{Workers: 4, MemoryLimit: 512 << 20})
//	defer dev.Close()
func New(opts Options) *Device {
	return internalcpu.New(opts)
}
