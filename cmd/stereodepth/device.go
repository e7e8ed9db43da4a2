package main

import (
	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/accel/cpu"
)

func openCPU() accel.Device {
	return cpu.New(cpu.Options{})
}
