package rasternn

import (
	"github.com/gogpu/rasternn/layout"
)

// TextureData associates a tensor (or an intermediate operand) with its
// GPU-resident encoding under a given layout. The Handle is owned by the
// execution backend that created the data and is opaque to the core.
//
// TextureData entries are write-once-then-read-many: created lazily per
// (tensor identity, layout) pair, cached by the handler, and invalidated
// only when the owning tensor is replaced.
type TextureData struct {
	Layout layout.Layout
	DType  DataType

	// Handle is the backend-specific storage handle (a GPU texture for the
	// wgpu backend, a float slice for the native backend).
	Handle any
}

// Uniforms carries per-draw integer parameters of a program, keyed by the
// uniform names declared in the generated shader source.
type Uniforms map[string]int

// TexelReader provides channel-packed reads of a texture-resident operand.
// Load returns the texel at (x, y); unused trailing channels are zero.
// The native backend hands TexelReaders to a program's reference fragment
// function.
type TexelReader interface {
	Load(x, y int) [4]float32
	Layout() layout.Layout
}

// FragFunc is the reference evaluation of one fragment invocation: given
// the program inputs and the output texel coordinate, it computes the texel
// value the generated shader would produce. The native backend runs it per
// output texel; tests use it to validate the shader generation math.
type FragFunc func(in []TexelReader, x, y int, u Uniforms) [4]float32

// ProgramInfo describes a shader program for one operator pass. It is a
// pure function of the operator's shape constants: the generated Source
// text doubles as the artifact cache key, so two operator instances with
// identical shape signatures share one compiled program.
type ProgramInfo struct {
	// Name labels the program in logs and GPU debug tooling.
	Name string

	// Source is the WGSL program text with shape constants substituted in.
	Source string

	// HasMain reports whether Source is a complete shader module. When
	// false, Source is a fragment body that the backend wraps with the
	// standard fullscreen-triangle vertex stage and entry points.
	HasMain bool

	// InputNames name the input operands in binding order.
	InputNames []string

	// InputLayouts declare the texture geometry of each input, in the same
	// order as InputNames.
	InputLayouts []layout.Layout

	// OutputLayout declares the render-target geometry.
	OutputLayout layout.Layout

	// Params holds named shape parameters of the program (e.g. the
	// reduction chunk size) for callers that need them after generation.
	Params map[string]int

	// Accumulate declares that draws of this program merge additively into
	// the output target instead of replacing it. The backend builds the
	// pipeline with additive blending (source-plus-destination) and the
	// target is zero-cleared before the first draw.
	Accumulate bool

	// Frag is the reference per-texel evaluation used by the native
	// backend and by tests.
	Frag FragFunc
}

// Artifact is a compiled ProgramInfo: a GPU program object plus its
// resolved binding handles, owned by the backend that built it. Artifacts
// are built at most once per (operator instance, shape signature).
type Artifact interface {
	// Info returns the program description this artifact was built from.
	Info() *ProgramInfo
}

// DispatchKind selects the GPU state-transition sequence of a run.
type DispatchKind int

const (
	// DispatchSingle issues one draw with no blending.
	DispatchSingle DispatchKind = iota

	// DispatchAdditiveChunked enables additive blending, issues DrawCount
	// draws advancing OffsetUniform by ChunkSize each time, then disables
	// blending before any subsequent draw. This is the mechanism that sums
	// more reduction terms than a single fragment invocation can read.
	DispatchAdditiveChunked
)

// Dispatch is the explicit state-transition descriptor of one program run.
// It replaces executable pre-run/draw/post-run callbacks across the driver
// boundary: the core states what sequencing it requires and the driver
// interprets it, keeping driver control flow out of the operators.
type Dispatch struct {
	Kind DispatchKind

	// DrawCount is the number of draw calls (1 for DispatchSingle).
	DrawCount int

	// ChunkSize is the per-draw advance of OffsetUniform.
	ChunkSize int

	// OffsetUniform names the uniform that carries the accumulated offset.
	OffsetUniform string
}

// SingleDispatch describes a plain one-draw run.
func SingleDispatch() Dispatch {
	return Dispatch{Kind: DispatchSingle, DrawCount: 1}
}

// ChunkedDispatch describes an additive-blend accumulation of drawCount
// draws, advancing the named uniform by chunkSize per draw.
func ChunkedDispatch(drawCount, chunkSize int, offsetUniform string) Dispatch {
	return Dispatch{
		Kind:          DispatchAdditiveChunked,
		DrawCount:     drawCount,
		ChunkSize:     chunkSize,
		OffsetUniform: offsetUniform,
	}
}

// RunData is the per-call execution description of one pass: operand
// texture handles, uniform values, and the required GPU state transitions.
type RunData struct {
	Inputs   []*TextureData
	Output   *TextureData
	Uniforms Uniforms
	Dispatch Dispatch
}
