package op

import (
	"fmt"
	"slices"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/layout"
)

// AutoPad selects the padding-derivation policy for spatial operators.
type AutoPad string

// Auto-pad modes, matching the attribute-store encoding.
const (
	AutoPadNotSet    AutoPad = "NOTSET"
	AutoPadSameUpper AutoPad = "SAME_UPPER"
	AutoPadSameLower AutoPad = "SAME_LOWER"
	AutoPadValid     AutoPad = "VALID"
)

// texelChannels is the GPU texel width the dot-product pass reduces over.
const texelChannels = 4

// preferredChunkSize caps how many shared-dimension texels one draw call
// accumulates. A fragment invocation reading more terms than this hits
// texture-fetch limits on weak GPUs; reductions wider than the cap are
// split across additively blended draws instead.
const preferredChunkSize = 16

func init() {
	rasternn.Register("Conv", func() rasternn.Operator { return &Conv{} })
}

// Conv is 2-D convolution executed as im2col expansion followed by a
// chunked dot-product reduction.
//
// Configuration is fixed at Init. The kernel spatial shape, if not
// supplied, is inferred from the weight tensor's trailing dimensions on
// first use and then fixed. Program artifacts are built on the first Run
// and keyed by that run's full shape signature (X dims, W dims, bias
// presence); running with a different signature afterwards fails with
// [rasternn.ErrShapeChanged].
type Conv struct {
	autoPad     AutoPad
	group       int
	dilations   []int
	strides     []int
	pads        []int
	kernelShape []int

	// Lazily built, write-once state alongside the immutable
	// configuration above.
	cache convCache
}

// convCache holds the memoized artifacts and the shape signature they were
// built for: X dims, W dims, and whether a bias operand was present. All
// three are baked into the generated programs.
type convCache struct {
	im2col rasternn.Artifact
	dot    rasternn.Artifact

	inputDims  []int
	weightDims []int
	hasBias    bool
	outputDims []int
	pads       []int // resolved (auto-pad applied)
}

// Init reads the convolution configuration from the attribute store.
// Defaults: group 1, dilations and strides all ones, pads all zeros,
// auto_pad NOTSET. kernel_shape is optional; when absent it is inferred
// from the weight tensor at first run.
func (c *Conv) Init(attrs rasternn.Attributes) error {
	var err error
	if c.group, err = attrs.Int("group", 1); err != nil {
		return err
	}
	if c.group < 1 {
		return fmt.Errorf("op: conv group must be >= 1, got %d", c.group)
	}
	if c.kernelShape, err = attrs.Ints("kernel_shape", nil); err != nil {
		return err
	}
	if c.dilations, err = attrs.Ints("dilations", []int{1, 1}); err != nil {
		return err
	}
	if c.strides, err = attrs.Ints("strides", []int{1, 1}); err != nil {
		return err
	}
	if c.pads, err = attrs.Ints("pads", []int{0, 0, 0, 0}); err != nil {
		return err
	}
	mode, err := attrs.Str("auto_pad", string(AutoPadNotSet))
	if err != nil {
		return err
	}
	switch AutoPad(mode) {
	case AutoPadNotSet, AutoPadSameUpper, AutoPadSameLower, AutoPadValid:
		c.autoPad = AutoPad(mode)
	default:
		return fmt.Errorf("op: conv auto_pad %q is not a valid mode", mode)
	}
	if len(c.dilations) != 2 || len(c.strides) != 2 || len(c.pads) != 4 {
		return fmt.Errorf("op: conv supports 2 spatial dims: dilations=%v strides=%v pads=%v",
			c.dilations, c.strides, c.pads)
	}
	return nil
}

// CheckInputs validates {X, W, optional B} before any GPU work.
// It returns false rather than an error; the caller surfaces a false
// return as a graph-construction failure.
func (c *Conv) CheckInputs(inputs []*rasternn.Tensor) bool {
	if len(inputs) != 2 && len(inputs) != 3 {
		return false
	}
	x, w := inputs[0], inputs[1]
	if x == nil || w == nil || x.Rank() != 4 || w.Rank() != 4 {
		return false
	}
	if x.DType() != rasternn.Float32 || w.DType() != rasternn.Float32 {
		return false
	}
	// Channel consistency under grouping: W is [M, C/group, kH, kW].
	if x.Dims()[1] != w.Dims()[1]*c.group || w.Dims()[0]%c.group != 0 {
		return false
	}
	if len(c.kernelShape) > 0 && !slices.Equal(c.kernelShape, w.Dims()[2:]) {
		return false
	}
	if len(inputs) == 3 {
		b := inputs[2]
		if b == nil || b.Rank() != 1 || b.Dims()[0] != w.Dims()[0] {
			return false
		}
		if b.DType() != rasternn.Float32 {
			return false
		}
	}
	return true
}

// Run executes the two convolution passes and returns the output tensor.
func (c *Conv) Run(h rasternn.Handler, inputs []*rasternn.Tensor) ([]*rasternn.Tensor, error) {
	x, w := inputs[0], inputs[1]
	var bias *rasternn.Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	if len(c.kernelShape) == 0 {
		c.kernelShape = w.Dims()[2:]
	}

	if c.cache.im2col != nil {
		if !slices.Equal(c.cache.inputDims, x.Dims()) || !slices.Equal(c.cache.weightDims, w.Dims()) {
			return nil, fmt.Errorf("%w: built for X %v W %v, got X %v W %v",
				rasternn.ErrShapeChanged, c.cache.inputDims, c.cache.weightDims, x.Dims(), w.Dims())
		}
		if c.cache.hasBias != (bias != nil) {
			return nil, fmt.Errorf("%w: bias presence changed",
				rasternn.ErrShapeChanged)
		}
	}

	if c.cache.im2col == nil {
		if err := c.build(h, x, w, bias != nil); err != nil {
			return nil, err
		}
	}

	return c.execute(h, x, w, bias)
}

// build derives layouts and compiles both pass artifacts. Called once per
// operator instance, on the first run.
func (c *Conv) build(h rasternn.Handler, x, w *rasternn.Tensor, hasBias bool) error {
	pads := c.resolvePads(x.Dims())
	outDims := OutputDims(x.Dims(), w.Dims(), c.kernelShape, c.dilations, pads, c.strides)

	g := newConvGeometry(x.Dims(), w.Dims(), outDims, pads, c.strides, c.dilations, c.group)

	im2colInfo := g.im2colProgram()
	dotInfo := g.dotProductProgram(hasBias)

	pm := h.Programs()
	im2colArt, err := pm.Build(im2colInfo)
	if err != nil {
		return fmt.Errorf("op: build im2col program: %w", err)
	}
	dotArt, err := pm.Build(dotInfo)
	if err != nil {
		return fmt.Errorf("op: build dot-product program: %w", err)
	}

	c.cache = convCache{
		im2col:     im2colArt,
		dot:        dotArt,
		inputDims:  slices.Clone(x.Dims()),
		weightDims: slices.Clone(w.Dims()),
		hasBias:    hasBias,
		outputDims: outDims,
		pads:       pads,
	}

	rasternn.Logger().Debug("conv artifacts built",
		"input", x.Dims(), "kernel", w.Dims(), "output", outDims,
		"sharedDim", g.rowTexels, "chunk", dotInfo.Params["chunkSize"])
	return nil
}

// execute prepares per-run texture data and issues both passes.
func (c *Conv) execute(h rasternn.Handler, x, w, bias *rasternn.Tensor) ([]*rasternn.Tensor, error) {
	g := newConvGeometry(x.Dims(), w.Dims(), c.cache.outputDims, c.cache.pads,
		c.strides, c.dilations, c.group)

	xTD, err := h.GetOrCreateTextureData(x, g.xLayout)
	if err != nil {
		return nil, err
	}

	// The repacked kernel, not the raw tensor, is what lives on the GPU.
	// Cached by kernel identity so repeated runs skip both the repack and
	// the upload.
	kernelTD := h.TextureData(w)
	if kernelTD == nil {
		packed := PackKernel(w.Dims(), c.group, texelChannels, w.Floats())
		kernelTD, err = h.CreateTextureData(g.kernelLayout, rasternn.Float32, packed)
		if err != nil {
			return nil, err
		}
		h.SetTextureData(w, kernelTD)
	}

	var biasTD *rasternn.TextureData
	if bias != nil {
		biasTD, err = h.GetOrCreateTextureData(bias, layout.NewBasic(bias.Dims()))
		if err != nil {
			return nil, err
		}
	}

	im2colTD, err := h.CreateTextureData(g.im2colLayout, rasternn.Float32, nil)
	if err != nil {
		return nil, err
	}
	outTD, err := h.CreateTextureData(g.outLayout, rasternn.Float32, nil)
	if err != nil {
		return nil, err
	}

	pm := h.Programs()
	if err := pm.Run(c.cache.im2col, &rasternn.RunData{
		Inputs:   []*rasternn.TextureData{xTD},
		Output:   im2colTD,
		Uniforms: rasternn.Uniforms{uniformSharedOffset: 0},
		Dispatch: rasternn.SingleDispatch(),
	}); err != nil {
		return nil, fmt.Errorf("op: im2col pass: %w", err)
	}

	chunk := g.chunkSize()
	dotInputs := []*rasternn.TextureData{im2colTD, kernelTD}
	if biasTD != nil {
		dotInputs = append(dotInputs, biasTD)
	}
	if err := pm.Run(c.cache.dot, &rasternn.RunData{
		Inputs:   dotInputs,
		Output:   outTD,
		Uniforms: rasternn.Uniforms{uniformSharedOffset: 0},
		Dispatch: rasternn.ChunkedDispatch(g.rowTexels/chunk, chunk, uniformSharedOffset),
	}); err != nil {
		return nil, fmt.Errorf("op: dot-product pass: %w", err)
	}

	data, err := h.ReadTexture(outTD)
	if err != nil {
		return nil, fmt.Errorf("op: read conv output: %w", err)
	}
	out := rasternn.NewTensor(c.cache.outputDims, data[:layout.Prod(c.cache.outputDims)])
	return []*rasternn.Tensor{out}, nil
}

// resolvePads returns the explicit begin/end pads, deriving them from the
// auto-pad policy when one is set.
func (c *Conv) resolvePads(xDims []int) []int {
	switch c.autoPad {
	case AutoPadSameUpper, AutoPadSameLower:
		return SamePads(xDims[2:], c.kernelShape, c.dilations, c.strides,
			c.autoPad == AutoPadSameLower)
	case AutoPadValid:
		return make([]int, 2*len(c.kernelShape))
	default:
		return c.pads
	}
}

// DilatedExtent returns the spatial extent a kernel covers under dilation:
// k + (k-1)*(d-1).
func DilatedExtent(k, d int) int {
	return k + (k-1)*(d-1)
}

// SamePads derives begin/end padding so the output spatial extent equals
// ceil(input/stride), in ONNX SAME_UPPER/SAME_LOWER semantics: odd totals
// put the extra cell at the end for SAME_UPPER and at the beginning for
// SAME_LOWER. The result has length 2*rank, begins first.
func SamePads(inSpatial, kernel, dilations, strides []int, lower bool) []int {
	rank := len(inSpatial)
	pads := make([]int, 2*rank)
	for i := 0; i < rank; i++ {
		outSize := layout.CeilDiv(inSpatial[i], strides[i])
		total := (outSize-1)*strides[i] + DilatedExtent(kernel[i], dilations[i]) - inSpatial[i]
		if total < 0 {
			total = 0
		}
		if lower {
			pads[i] = total - total/2
		} else {
			pads[i] = total / 2
		}
		pads[i+rank] = total - pads[i]
	}
	return pads
}

// OutputDims computes the convolution output shape
// [batch, outChannels, outSpatial...] with integer floor division:
//
//	out[i] = floor((S[i] + padBegin[i] + padEnd[i] - K'[i] + T[i]) / T[i])
//
// where K' is the dilated kernel extent. Degenerate (zero or negative)
// extents are clamped to zero rather than raised; nonsensical shapes are an
// upstream validation responsibility.
func OutputDims(xDims, wDims, kernel, dilations, pads, strides []int) []int {
	rank := len(kernel)
	out := make([]int, 0, 2+rank)
	out = append(out, xDims[0], wDims[0])
	for i := 0; i < rank; i++ {
		padded := xDims[2+i] + pads[i] + pads[i+rank]
		ext := (padded - DilatedExtent(kernel[i], dilations[i]) + strides[i]) / strides[i]
		if ext < 0 {
			ext = 0
		}
		out = append(out, ext)
	}
	return out
}

// Im2colDims returns the logical shape of the im2col expansion:
// [batch, outH, outW, ceil(inChannels*kernelH*kernelW / channels)].
// The last axis counts 4-channel texels when channels is 4.
func Im2colDims(xDims, kernel, outDims []int, channels int) []int {
	return []int{
		outDims[0], outDims[2], outDims[3],
		layout.CeilDiv(xDims[1]*kernel[0]*kernel[1], channels),
	}
}
