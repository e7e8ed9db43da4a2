// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

//go:build windows

// Package webgpu provides the GPU accelerator via WebGPU.
//
// The device runs every engine kernel as a WGSL compute shader through
// go-webgpu, which loads the native wgpu library at runtime without CGO.
// Use it in place of the CPU device:
//
//	dev, err := webgpu.New(webgpu.Options{})
//	if err != nil {
//	    // WebGPU not available, fall back to cpu.New.
//	}
//	defer dev.Close()
package webgpu

import (
	"github.com/born-ml/stereodepth/internal/accel"
	internalwebgpu "github.com/born-ml/stereodepth/internal/accel/webgpu"
)

// Device is the GPU accelerator.
type Device = internalwebgpu.Device

// Options configures a GPU device.
type Options = internalwebgpu.Options

// Compile-time check that Device implements accel.Device.
var _ accel.Device = (*Device)(nil)

// New opens the high-performance GPU adapter.
func New(opts Options) (*Device, error) {
	return internalwebgpu.New(opts)
}
