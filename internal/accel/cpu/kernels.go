package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// kernels implements accel.Kernels on host slices.
type kernels struct {
	d *Device
}

var _ accel.Kernels = kernels{}

func need(name string, buf []float32, n int) error {
	if len(buf) < n {
		return fmt.Errorf("cpu: %s holds %d elements, need %d: %w", name, len(buf), n, accel.ErrSizeMismatch)
	}
	return nil
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input [C_in, H, W], kernel [C_out, C_in, K_h, K_w], output [C_out, H_out, W_out].
//
//  1. Im2col: unroll input patches into cols [H_out*W_out, C_in*K_h*K_w]
//  2. For each output channel (in parallel): out[c, j] = dot(kernel[c, :], cols[j, :])
//  3. Epilogue: add bias, apply the fused activation
func (k kernels) Conv2D(out, in, kernel, bias accel.Buffer, p accel.ConvParams) error {
	d := k.d
	inData, err := d.data(in)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	kData, err := d.data(kernel)
	if err != nil {
		return err
	}
	bData, err := d.data(bias)
	if err != nil {
		return err
	}

	colWidth := p.In.C * p.KernelH * p.KernelW
	colHeight := p.Out.H * p.Out.W
	if err := need("conv input", inData, p.In.NumElements()); err != nil {
		return err
	}
	if err := need("conv output", outData, p.Out.NumElements()); err != nil {
		return err
	}
	if err := need("conv kernel", kData, p.Out.C*colWidth); err != nil {
		return err
	}
	if bData != nil {
		if err := need("conv bias", bData, p.Out.C); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cols := d.columns(colHeight * colWidth)
	im2col(cols, inData, p)

	d.forEach(p.Out.C, func(c int) {
		w := kData[c*colWidth : (c+1)*colWidth]
		dst := outData[c*colHeight : (c+1)*colHeight]
		var b float32
		if bData != nil {
			b = bData[c]
		}
		for j := range dst {
			row := cols[j*colWidth : (j+1)*colWidth]
			sum := float32(0)
			for i, v := range row {
				sum += w[i] * v
			}
			dst[j] = accel.ApplyActivation(sum+b, p.Act, p.Alpha)
		}
	})
	return nil
}

// im2col transforms input [C, H, W] into cols [H_out*W_out, C*K_h*K_w].
// Each row holds the (zero padded) receptive field of one output position.
func im2col(cols, input []float32, p accel.ConvParams) {
	C, H, W := p.In.C, p.In.H, p.In.W
	colWidth := C * p.KernelH * p.KernelW
	row := 0
	for outH := 0; outH < p.Out.H; outH++ {
		for outW := 0; outW < p.Out.W; outW++ {
			hStart := outH*p.Stride - p.Pad
			wStart := outW*p.Stride - p.Pad
			idx := row * colWidth
			for c := 0; c < C; c++ {
				for kh := 0; kh < p.KernelH; kh++ {
					h := hStart + kh
					for kw := 0; kw < p.KernelW; kw++ {
						w := wStart + kw
						if h >= 0 && h < H && w >= 0 && w < W {
							cols[idx] = input[c*H*W+h*W+w]
						} else {
							cols[idx] = 0
						}
						idx++
					}
				}
			}
			row++
		}
	}
}

// Deconv2D performs a transposed convolution as a gather per output pixel.
//
// Input [C_in, H, W], kernel [C_in, C_out, K_h, K_w], output [C_out, H_out, W_out].
// Output (oy, ox) receives in(iy, ix) * kernel(ky, kx) wherever
// oy = iy*stride - pad + ky and ox = ix*stride - pad + kx.
func (k kernels) Deconv2D(out, in, kernel, bias accel.Buffer, p accel.ConvParams) error {
	d := k.d
	inData, err := d.data(in)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	kData, err := d.data(kernel)
	if err != nil {
		return err
	}
	bData, err := d.data(bias)
	if err != nil {
		return err
	}
	if err := need("deconv input", inData, p.In.NumElements()); err != nil {
		return err
	}
	if err := need("deconv output", outData, p.Out.NumElements()); err != nil {
		return err
	}
	if err := need("deconv kernel", kData, p.In.C*p.Out.C*p.KernelH*p.KernelW); err != nil {
		return err
	}
	if bData != nil {
		if err := need("deconv bias", bData, p.Out.C); err != nil {
			return err
		}
	}

	kPlane := p.KernelH * p.KernelW
	inPlane := p.In.Plane()
	d.forEach(p.Out.C, func(oc int) {
		var b float32
		if bData != nil {
			b = bData[oc]
		}
		dst := outData[oc*p.Out.Plane() : (oc+1)*p.Out.Plane()]
		for oy := 0; oy < p.Out.H; oy++ {
			for ox := 0; ox < p.Out.W; ox++ {
				sum := float32(0)
				for ky := 0; ky < p.KernelH; ky++ {
					ty := oy + p.Pad - ky
					if ty < 0 || ty%p.Stride != 0 {
						continue
					}
					iy := ty / p.Stride
					if iy >= p.In.H {
						continue
					}
					for kx := 0; kx < p.KernelW; kx++ {
						tx := ox + p.Pad - kx
						if tx < 0 || tx%p.Stride != 0 {
							continue
						}
						ix := tx / p.Stride
						if ix >= p.In.W {
							continue
						}
						for ic := 0; ic < p.In.C; ic++ {
							sum += inData[ic*inPlane+iy*p.In.W+ix] *
								kData[(ic*p.Out.C+oc)*kPlane+ky*p.KernelW+kx]
						}
					}
				}
				dst[oy*p.Out.W+ox] = accel.ApplyActivation(sum+b, p.Act, p.Alpha)
			}
		}
	})
	return nil
}

// Scale applies a per-channel affine transform.
func (k kernels) Scale(out, in, scale, shift accel.Buffer, dims tensor.Dims) error {
	d := k.d
	inData, err := d.data(in)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	sData, err := d.data(scale)
	if err != nil {
		return err
	}
	tData, err := d.data(shift)
	if err != nil {
		return err
	}
	if err := need("scale input", inData, dims.NumElements()); err != nil {
		return err
	}
	if err := need("scale output", outData, dims.NumElements()); err != nil {
		return err
	}
	if sData != nil {
		if err := need("scale factors", sData, dims.C); err != nil {
			return err
		}
	}
	if tData != nil {
		if err := need("scale shift", tData, dims.C); err != nil {
			return err
		}
	}

	plane := dims.Plane()
	d.forEach(dims.C, func(c int) {
		s, t := float32(1), float32(0)
		if sData != nil {
			s = sData[c]
		}
		if tData != nil {
			t = tData[c]
		}
		src := inData[c*plane : (c+1)*plane]
		dst := outData[c*plane : (c+1)*plane]
		for i, v := range src {
			dst[i] = v*s + t
		}
	})
	return nil
}

// Activate applies an activation element-wise.
func (k kernels) Activate(out, in accel.Buffer, n int, act accel.Activation, alpha float32) error {
	d := k.d
	inData, err := d.data(in)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	if err := need("activation input", inData, n); err != nil {
		return err
	}
	if err := need("activation output", outData, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		outData[i] = accel.ApplyActivation(inData[i], act, alpha)
	}
	return nil
}

// Add sums two tensors element-wise and applies the fused activation.
func (k kernels) Add(out, a, b accel.Buffer, n int, act accel.Activation) error {
	d := k.d
	aData, err := d.data(a)
	if err != nil {
		return err
	}
	bData, err := d.data(b)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	for _, buf := range [][]float32{aData, bData, outData} {
		if err := need("add operand", buf, n); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		outData[i] = accel.ApplyActivation(aData[i]+bData[i], act, 1)
	}
	return nil
}

// CostVolume correlates left features with right features shifted by each
// disparity d: out[d, y, x] = mean_c left[c, y, x] * right[c, y, x-d].
// Positions with x-d < 0 have no match and get zero cost.
func (k kernels) CostVolume(out, left, right accel.Buffer, in tensor.Dims, maxDisparity int) error {
	d := k.d
	lData, err := d.data(left)
	if err != nil {
		return err
	}
	rData, err := d.data(right)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	if err := need("cost volume output", outData, maxDisparity*in.Plane()); err != nil {
		return err
	}
	if err := need("cost volume left", lData, in.NumElements()); err != nil {
		return err
	}
	if err := need("cost volume right", rData, in.NumElements()); err != nil {
		return err
	}

	plane := in.Plane()
	inv := 1 / float32(in.C)
	d.forEach(maxDisparity, func(disp int) {
		dst := outData[disp*plane : (disp+1)*plane]
		for y := 0; y < in.H; y++ {
			for x := 0; x < in.W; x++ {
				if x < disp {
					dst[y*in.W+x] = 0
					continue
				}
				sum := float32(0)
				for c := 0; c < in.C; c++ {
					sum += lData[c*plane+y*in.W+x] * rData[c*plane+y*in.W+x-disp]
				}
				dst[y*in.W+x] = sum * inv
			}
		}
	})
	return nil
}

// Softargmax computes, per pixel, sum_d d * softmax_d(in[d, y, x]).
func (k kernels) Softargmax(out, in accel.Buffer, dims tensor.Dims) error {
	d := k.d
	inData, err := d.data(in)
	if err != nil {
		return err
	}
	outData, err := d.data(out)
	if err != nil {
		return err
	}
	if err := need("softargmax input", inData, dims.NumElements()); err != nil {
		return err
	}
	if err := need("softargmax output", outData, dims.Plane()); err != nil {
		return err
	}

	plane := dims.Plane()
	d.forEach(dims.H, func(y int) {
		for x := 0; x < dims.W; x++ {
			p := y*dims.W + x
			maxV := float32(math.Inf(-1))
			for c := 0; c < dims.C; c++ {
				maxV = max(maxV, inData[c*plane+p])
			}
			var sum, weighted float64
			for c := 0; c < dims.C; c++ {
				e := math.Exp(float64(inData[c*plane+p] - maxV))
				sum += e
				weighted += e * float64(c)
			}
			outData[p] = float32(weighted / sum)
		}
	})
	return nil
}

// RoundHalf rounds values to fp16 precision in place.
func (k kernels) RoundHalf(buf accel.Buffer, n int) error {
	data, err := k.d.data(buf)
	if err != nil {
		return err
	}
	if err := need("round buffer", data, n); err != nil {
		return err
	}
	tensor.RoundHalf(data[:n])
	return nil
}
