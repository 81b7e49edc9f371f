package op

import (
	"fmt"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/layout"
)

// uniformSharedOffset names the uniform the driver advances between the
// chunked draws of the dot-product pass.
const uniformSharedOffset = "sharedDimOffset"

// convGeometry gathers every shape constant the two convolution passes
// depend on, plus the derived texture layouts. Program sources are pure
// functions of it, which makes the generated text a usable cache key.
type convGeometry struct {
	batch, inC, inH, inW int
	m, kh, kw            int
	outH, outW           int
	padTop, padLeft      int
	strideH, strideW     int
	dilH, dilW           int
	group                int

	// patchSize is the full receptive-field size inC*kh*kw; rowSize is
	// the per-filter slice of it under grouping, (inC/group)*kh*kw.
	// rowTexels is rowSize padded up to whole 4-channel texels: the
	// shared dimension of the dot-product reduction.
	patchSize int
	rowSize   int
	rowTexels int

	outDims []int

	xLayout      layout.Layout
	im2colLayout layout.Layout
	kernelLayout layout.Layout
	outLayout    layout.Layout
}

func newConvGeometry(xDims, wDims, outDims, pads, strides, dilations []int, group int) *convGeometry {
	g := &convGeometry{
		batch: xDims[0], inC: xDims[1], inH: xDims[2], inW: xDims[3],
		m: wDims[0], kh: wDims[2], kw: wDims[3],
		outH: outDims[2], outW: outDims[3],
		padTop: pads[0], padLeft: pads[1],
		strideH: strides[0], strideW: strides[1],
		dilH: dilations[0], dilW: dilations[1],
		group:   group,
		outDims: outDims,
	}
	g.patchSize = g.inC * g.kh * g.kw
	g.rowSize = (g.inC / group) * g.kh * g.kw
	g.rowTexels = layout.CeilDiv(g.rowSize, texelChannels)

	g.xLayout = layout.NewBasic(xDims)
	g.im2colLayout = layout.NewBasic(
		Im2colDims(xDims, []int{g.kh, g.kw}, outDims, texelChannels),
		layout.WithChannels(texelChannels), layout.WithBreakAxis(3))
	g.kernelLayout = layout.NewBasic([]int{g.m, g.rowTexels},
		layout.WithChannels(texelChannels), layout.WithBreakAxis(1))
	g.outLayout = layout.NewBasic(outDims)
	return g
}

// chunkSize returns how many shared-dimension texels one draw accumulates:
// the preferred chunk when it divides the shared dimension evenly,
// otherwise the full shared dimension in a single draw.
func (g *convGeometry) chunkSize() int {
	if g.rowTexels%preferredChunkSize == 0 {
		return preferredChunkSize
	}
	return g.rowTexels
}

// wgslPrelude is shared by both passes: the per-draw uniform block and the
// fullscreen-triangle vertex stage. Fragment coordinates arrive as pixel
// centers; truncation to i32 recovers integer texel coordinates.
const wgslPrelude = `struct Params {
    shared_dim_offset: i32,
    pad0: i32,
    pad1: i32,
    pad2: i32,
}

@group(0) @binding(0) var<uniform> params: Params;

@vertex
fn vs_main(@builtin(vertex_index) vi: u32) -> @builtin(position) vec4<f32> {
    var pos = array<vec2<f32>, 3>(
        vec2<f32>(-1.0, -3.0),
        vec2<f32>(3.0, 1.0),
        vec2<f32>(-1.0, 1.0),
    );
    return vec4<f32>(pos[vi], 0.0, 1.0);
}

fn lane(v: vec4<f32>, i: i32) -> f32 {
    switch i {
        case 0: { return v.x; }
        case 1: { return v.y; }
        case 2: { return v.z; }
        default: { return v.w; }
    }
}
`

// im2colProgram generates pass 1: expand each receptive-field patch into
// the channels of a 4-channel texture. Each output texel's four channels
// hold four consecutive patch elements; coordinates that fall outside the
// input contribute an explicit zero, never an out-of-range read.
func (g *convGeometry) im2colProgram() *rasternn.ProgramInfo {
	source := wgslPrelude + fmt.Sprintf(`
@group(0) @binding(1) var x_tex: texture_2d<f32>;

const IN_C: i32 = %d;
const IN_H: i32 = %d;
const IN_W: i32 = %d;
const OUT_H: i32 = %d;
const OUT_W: i32 = %d;
const K_H: i32 = %d;
const K_W: i32 = %d;
const PAD_TOP: i32 = %d;
const PAD_LEFT: i32 = %d;
const STRIDE_H: i32 = %d;
const STRIDE_W: i32 = %d;
const DIL_H: i32 = %d;
const DIL_W: i32 = %d;
const PATCH_SIZE: i32 = %d;
const X_TEX_W: i32 = %d;

fn load_x(e: i32) -> f32 {
    return textureLoad(x_tex, vec2<i32>(e %% X_TEX_W, e / X_TEX_W), 0).r;
}

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    let px = i32(pos.x);
    let py = i32(pos.y);

    let ow = py %% OUT_W;
    let oh = (py / OUT_W) %% OUT_H;
    let b = py / (OUT_W * OUT_H);

    var out = vec4<f32>(0.0);
    for (var l = 0; l < 4; l++) {
        let patch_idx = px * 4 + l;
        if patch_idx >= PATCH_SIZE {
            break;
        }
        let c = patch_idx / (K_H * K_W);
        let r = patch_idx %% (K_H * K_W);
        let ih = oh * STRIDE_H - PAD_TOP + (r / K_W) * DIL_H;
        let iw = ow * STRIDE_W - PAD_LEFT + (r %% K_W) * DIL_W;
        if ih >= 0 && ih < IN_H && iw >= 0 && iw < IN_W {
            let e = ((b * IN_C + c) * IN_H + ih) * IN_W + iw;
            out[l] = load_x(e);
        }
    }
    return out;
}
`,
		g.inC, g.inH, g.inW, g.outH, g.outW, g.kh, g.kw,
		g.padTop, g.padLeft, g.strideH, g.strideW, g.dilH, g.dilW,
		g.patchSize, g.xLayout.Width)

	return &rasternn.ProgramInfo{
		Name:         "conv-im2col",
		Source:       source,
		HasMain:      true,
		InputNames:   []string{"X"},
		InputLayouts: []layout.Layout{g.xLayout},
		OutputLayout: g.im2colLayout,
		Frag:         g.im2colFrag,
	}
}

// im2colFrag is the reference evaluation of one im2col fragment.
func (g *convGeometry) im2colFrag(in []rasternn.TexelReader, x, y int, _ rasternn.Uniforms) [4]float32 {
	ow := y % g.outW
	oh := (y / g.outW) % g.outH
	b := y / (g.outW * g.outH)

	var out [4]float32
	for l := 0; l < 4; l++ {
		patchIdx := x*4 + l
		if patchIdx >= g.patchSize {
			break
		}
		c := patchIdx / (g.kh * g.kw)
		r := patchIdx % (g.kh * g.kw)
		ih := oh*g.strideH - g.padTop + (r/g.kw)*g.dilH
		iw := ow*g.strideW - g.padLeft + (r%g.kw)*g.dilW
		if ih >= 0 && ih < g.inH && iw >= 0 && iw < g.inW {
			e := ((b*g.inC+c)*g.inH+ih)*g.inW + iw
			out[l] = in[0].Load(e%g.xLayout.Width, e/g.xLayout.Width)[0]
		}
	}
	return out
}

// dotProductProgram generates pass 2: contract the im2col expansion
// against the repacked kernel over the shared dimension. One draw
// accumulates chunkSize texels starting at the shared_dim_offset uniform;
// the driver issues the draws with additive blending so the partial sums
// combine in the render target. The bias term rides on the first chunk
// only (offset zero).
func (g *convGeometry) dotProductProgram(hasBias bool) *rasternn.ProgramInfo {
	chunk := g.chunkSize()

	biasBinding := ""
	biasTerm := ""
	if hasBias {
		biasBinding = "@group(0) @binding(3) var bias_tex: texture_2d<f32>;\n"
		biasTerm = `
    if params.shared_dim_offset == 0 {
        acc += textureLoad(bias_tex, vec2<i32>(m % BIAS_TEX_W, m / BIAS_TEX_W), 0).r;
    }`
	}

	source := wgslPrelude + fmt.Sprintf(`
@group(0) @binding(1) var im2col_tex: texture_2d<f32>;
@group(0) @binding(2) var kernel_tex: texture_2d<f32>;
%s
const M: i32 = %d;
const OUT_H: i32 = %d;
const OUT_W: i32 = %d;
const ROW_SIZE: i32 = %d;
const GROUP_FILTERS: i32 = %d;
const CHUNK: i32 = %d;
const TOTAL: i32 = %d;
const OUT_TEX_W: i32 = %d;
const BIAS_TEX_W: i32 = %d;

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    let elem = i32(pos.y) * OUT_TEX_W + i32(pos.x);
    if elem >= TOTAL {
        return vec4<f32>(0.0);
    }

    let ow = elem %% OUT_W;
    var t = elem / OUT_W;
    let oh = t %% OUT_H;
    t = t / OUT_H;
    let m = t %% M;
    let b = t / M;

    let row = (b * OUT_H + oh) * OUT_W + ow;
    let base = (m / GROUP_FILTERS) * ROW_SIZE;

    var acc = 0.0;
    for (var k = params.shared_dim_offset; k < params.shared_dim_offset + CHUNK; k++) {
        let kv = textureLoad(kernel_tex, vec2<i32>(k, m), 0);
        for (var l = 0; l < 4; l++) {
            let j = k * 4 + l;
            if j >= ROW_SIZE {
                break;
            }
            let e = base + j;
            acc += lane(kv, l) * lane(textureLoad(im2col_tex, vec2<i32>(e / 4, row), 0), e %% 4);
        }
    }%s
    return vec4<f32>(acc, 0.0, 0.0, 0.0);
}
`,
		biasBinding, g.m, g.outH, g.outW, g.rowSize, g.m/g.group, chunk,
		layout.Prod(g.outDims), g.outLayout.Width, biasTexWidth(g.m), biasTerm)

	info := &rasternn.ProgramInfo{
		Name:         "conv-dotproduct",
		Source:       source,
		HasMain:      true,
		InputNames:   []string{"im2col", "kernel"},
		InputLayouts: []layout.Layout{g.im2colLayout, g.kernelLayout},
		OutputLayout: g.outLayout,
		Params: map[string]int{
			"sharedDim": g.rowTexels,
			"chunkSize": chunk,
		},
		Accumulate: true,
		Frag:       g.dotFrag(hasBias),
	}
	if hasBias {
		info.InputNames = append(info.InputNames, "bias")
		info.InputLayouts = append(info.InputLayouts, layout.NewBasic([]int{g.m}))
	}
	return info
}

// dotFrag returns the reference evaluation of one dot-product fragment for
// a single chunk at the current shared_dim_offset.
func (g *convGeometry) dotFrag(hasBias bool) rasternn.FragFunc {
	chunk := g.chunkSize()
	return func(in []rasternn.TexelReader, x, y int, u rasternn.Uniforms) [4]float32 {
		elem := y*g.outLayout.Width + x
		if elem >= layout.Prod(g.outDims) {
			return [4]float32{}
		}

		ow := elem % g.outW
		t := elem / g.outW
		oh := t % g.outH
		t /= g.outH
		m := t % g.m
		b := t / g.m

		row := (b*g.outH+oh)*g.outW + ow
		base := (m / (g.m / g.group)) * g.rowSize
		offset := u[uniformSharedOffset]

		var acc float32
		for k := offset; k < offset+chunk; k++ {
			kv := in[1].Load(k, m)
			for l := 0; l < 4; l++ {
				j := k*4 + l
				if j >= g.rowSize {
					break
				}
				e := base + j
				acc += kv[l] * in[0].Load(e/4, row)[e%4]
			}
		}
		if hasBias && offset == 0 {
			w := biasTexWidth(g.m)
			acc += in[2].Load(m%w, m/w)[0]
		}
		return [4]float32{acc, 0, 0, 0}
	}
}

// biasTexWidth mirrors the basic-layout width of a rank-1 bias tensor so
// the generated shader and the handler-made texture agree on geometry.
func biasTexWidth(m int) int {
	return layout.NewBasic([]int{m}).Width
}
