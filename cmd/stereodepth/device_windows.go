//go:build windows

package main

import (
	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/accel/webgpu"
)

func openWebGPU() (accel.Device, error) {
	return webgpu.New(webgpu.Options{})
}
