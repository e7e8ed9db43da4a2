package accel

import "math"

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
