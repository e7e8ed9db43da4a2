//go:build windows

package webgpu

// workgroupSize is the number of invocations per workgroup; every kernel
// maps one invocation to one output element.
const workgroupSize = 256

// activationWGSL is shared by every kernel with a fused epilogue.
const activationWGSL = `
fn activate(x: f32, act: u32, alpha: f32) -> f32 {
    switch act {
        case 1u: { return max(x, 0.0); }
        case 2u: { return 1.0 / (1.0 + exp(-x)); }
        case 3u: {
            if (x > 0.0) { return x; }
            return alpha * (exp(x) - 1.0);
        }
        default: { return x; }
    }
}
`

// convParamsWGSL mirrors encodeConvParams.
const convParamsWGSL = `
struct Params {
    in_c: u32, in_h: u32, in_w: u32, out_c: u32,
    out_h: u32, out_w: u32, kernel_h: u32, kernel_w: u32,
    stride: u32, pad: u32, act: u32, has_bias: u32,
    alpha: f32, _p0: u32, _p1: u32, _p2: u32,
}
`

// conv2dShader computes one output element of act(conv(in, kernel) + bias).
const conv2dShader = convParamsWGSL + activationWGSL + `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> weights: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    let plane = params.out_h * params.out_w;
    if (idx >= params.out_c * plane) {
        return;
    }
    let oc = idx / plane;
    let oy = (idx % plane) / params.out_w;
    let ox = idx % params.out_w;

    var sum = 0.0;
    if (params.has_bias != 0u) {
        sum = bias[oc];
    }
    for (var ic = 0u; ic < params.in_c; ic++) {
        for (var ky = 0u; ky < params.kernel_h; ky++) {
            let iy = i32(oy * params.stride + ky) - i32(params.pad);
            if (iy < 0 || iy >= i32(params.in_h)) {
                continue;
            }
            for (var kx = 0u; kx < params.kernel_w; kx++) {
                let ix = i32(ox * params.stride + kx) - i32(params.pad);
                if (ix < 0 || ix >= i32(params.in_w)) {
                    continue;
                }
                let k = ((oc * params.in_c + ic) * params.kernel_h + ky) * params.kernel_w + kx;
                sum += src[(ic * params.in_h + u32(iy)) * params.in_w + u32(ix)] * weights[k];
            }
        }
    }
    result[idx] = activate(sum, params.act, params.alpha);
}
`

// deconv2dShader computes one output element of a transposed convolution.
// The kernel layout is [in_c, out_c, kh, kw].
const deconv2dShader = convParamsWGSL + activationWGSL + `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> weights: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    let plane = params.out_h * params.out_w;
    if (idx >= params.out_c * plane) {
        return;
    }
    let oc = idx / plane;
    let oy = i32((idx % plane) / params.out_w);
    let ox = i32(idx % params.out_w);
    let stride = i32(params.stride);

    var sum = 0.0;
    if (params.has_bias != 0u) {
        sum = bias[oc];
    }
    for (var ky = 0u; ky < params.kernel_h; ky++) {
        let ty = oy + i32(params.pad) - i32(ky);
        if (ty < 0 || ty % stride != 0) {
            continue;
        }
        let iy = ty / stride;
        if (iy >= i32(params.in_h)) {
            continue;
        }
        for (var kx = 0u; kx < params.kernel_w; kx++) {
            let tx = ox + i32(params.pad) - i32(kx);
            if (tx < 0 || tx % stride != 0) {
                continue;
            }
            let ix = tx / stride;
            if (ix >= i32(params.in_w)) {
                continue;
            }
            for (var ic = 0u; ic < params.in_c; ic++) {
                let k = ((ic * params.out_c + oc) * params.kernel_h + ky) * params.kernel_w + kx;
                sum += src[(ic * params.in_h + u32(iy)) * params.in_w + u32(ix)] * weights[k];
            }
        }
    }
    result[idx] = activate(sum, params.act, params.alpha);
}
`

// scaleShader applies out = in * scale[c] + shift[c].
const scaleShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> scale: array<f32>;
@group(0) @binding(2) var<storage, read> shift: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    plane: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let c = idx / params.plane;
        result[idx] = src[idx] * scale[c] + shift[c];
    }
}
`

// activateShader applies an activation element-wise.
const activateShader = activationWGSL + `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    act: u32,
    alpha: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = activate(src[idx], params.act, params.alpha);
    }
}
`

// addShader computes act(a + b) element-wise.
const addShader = activationWGSL + `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    act: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = activate(a[idx] + b[idx], params.act, 0.0);
    }
}
`

// costVolumeShader correlates left features with right features shifted by
// each disparity, averaged over channels.
const costVolumeShader = `
@group(0) @binding(0) var<storage, read> left: array<f32>;
@group(0) @binding(1) var<storage, read> right: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    channels: u32,
    height: u32,
    width: u32,
    max_disparity: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    let plane = params.height * params.width;
    if (idx >= params.max_disparity * plane) {
        return;
    }
    let d = idx / plane;
    let p = idx % plane;
    let x = p % params.width;
    if (x < d) {
        result[idx] = 0.0;
        return;
    }
    var sum = 0.0;
    for (var c = 0u; c < params.channels; c++) {
        sum += left[c * plane + p] * right[c * plane + p - d];
    }
    result[idx] = sum / f32(params.channels);
}
`

// softargmaxShader reduces [D, H, W] to the softmax-weighted mean disparity.
const softargmaxShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    depth: u32,
    plane: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let p = global_id.x;
    if (p >= params.plane) {
        return;
    }
    var max_v = src[p];
    for (var d = 1u; d < params.depth; d++) {
        max_v = max(max_v, src[d * params.plane + p]);
    }
    var sum = 0.0;
    var weighted = 0.0;
    for (var d = 0u; d < params.depth; d++) {
        let e = exp(src[d * params.plane + p] - max_v);
        sum += e;
        weighted += e * f32(d);
    }
    result[p] = weighted / sum;
}
`

// roundHalfShader rounds values to the nearest fp16-representable value.
const roundHalfShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        data[idx] = unpack2x16float(pack2x16float(vec2<f32>(data[idx], 0.0))).x;
    }
}
`
