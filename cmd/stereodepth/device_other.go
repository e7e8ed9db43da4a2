//go:build !windows

package main

import (
	"errors"

	"github.com/born-ml/stereodepth/internal/accel"
)

func openWebGPU() (accel.Device, error) {
	return nil, errors.New("webgpu device is only available on windows builds")
}
