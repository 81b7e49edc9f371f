// Package layout maps N-dimensional tensor shapes onto 2-D texture
// geometry.
//
// A [Layout] is a pure, deterministic function of a tensor shape and
// optional packing hints: it fixes the texture width and height, the
// per-texel channel count (1 or 4), and a stride table describing how a
// flattened logical index maps to texel coordinates. Operators derive
// layouts once per shape and reuse them for every run.
package layout

import "math"

// Layout describes the 2-D texture geometry of a tensor-shaped operand.
//
// Shape addresses texels: with Channels == 1 a texel holds one element and
// Shape is the plain logical shape; with Channels == 4 each texel packs
// four consecutive values of the flattened buffer, and the packed axis of
// Shape counts texels (callers size it with a ceil-divide, see
// [CeilDiv]).
//
// Invariant: Width*Height*Channels >= Prod(Shape). The mapping from a
// flattened index to texel coordinates is row-major over Width.
type Layout struct {
	// Shape is the logical (possibly padded) shape.
	Shape []int

	// Width and Height are the texture extent in texels.
	Width, Height int

	// Channels is the number of values packed per texel (1 or 4).
	Channels int

	// Strides is the row-major stride table of Shape.
	Strides []int

	// BreakAxis marks the logical axis at which Shape splits into texel
	// rows (axes before it) and columns (axes from it on), or -1 when the
	// texture extent was chosen automatically.
	BreakAxis int
}

type config struct {
	channels  int
	breakAxis int
	width     int
	height    int
}

// Option configures layout derivation.
type Option func(*config)

// WithChannels sets the per-texel channel count. Valid values are 1
// (default) and 4.
func WithChannels(c int) Option {
	return func(cfg *config) { cfg.channels = c }
}

// WithBreakAxis maps axes before n to texel rows and axes from n on to
// texel columns: Height = Prod(shape[:n]), Width = Prod(shape[n:]).
func WithBreakAxis(n int) Option {
	return func(cfg *config) { cfg.breakAxis = n }
}

// WithTextureShape forces an explicit texture extent. The caller is
// responsible for the sizing invariant.
func WithTextureShape(w, h int) Option {
	return func(cfg *config) {
		cfg.width = w
		cfg.height = h
	}
}

// NewBasic derives the texture layout for a tensor shape.
//
// Without hints the texels are arranged near-square: ceil(Prod(shape)/
// channels) texels at Width = ceil(sqrt(n)). A break axis overrides this
// with the row/column split described at [WithBreakAxis].
func NewBasic(shape []int, opts ...Option) Layout {
	cfg := config{channels: 1, breakAxis: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := Layout{
		Shape:     append([]int(nil), shape...),
		Channels:  cfg.channels,
		Strides:   Strides(shape),
		BreakAxis: cfg.breakAxis,
	}

	switch {
	case cfg.width > 0 && cfg.height > 0:
		l.Width, l.Height = cfg.width, cfg.height
	case cfg.breakAxis >= 0:
		l.Height = Prod(shape[:cfg.breakAxis])
		l.Width = Prod(shape[cfg.breakAxis:])
	default:
		n := CeilDiv(Prod(shape), cfg.channels)
		w := int(math.Ceil(math.Sqrt(float64(n))))
		if w < 1 {
			w = 1
		}
		l.Width = w
		l.Height = CeilDiv(n, w)
	}
	return l
}

// TexelCount returns the number of texels in the texture.
func (l Layout) TexelCount() int { return l.Width * l.Height }

// ValueCount returns the number of values the texture can hold.
func (l Layout) ValueCount() int { return l.Width * l.Height * l.Channels }

// Index flattens a logical N-d index against the layout's strides.
func (l Layout) Index(indices []int) int {
	idx := 0
	for i, v := range indices {
		idx += v * l.Strides[i]
	}
	return idx
}

// TexelCoords maps a flattened texel index to texture coordinates.
func (l Layout) TexelCoords(texel int) (x, y int) {
	return texel % l.Width, texel / l.Width
}

// Coords maps a flattened value index to texture coordinates and the
// channel lane within the texel.
func (l Layout) Coords(value int) (x, y, lane int) {
	texel := value / l.Channels
	x, y = l.TexelCoords(texel)
	return x, y, value % l.Channels
}

// Prod returns the product of dims. The empty product is 1.
func Prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Strides returns the row-major stride table of shape.
func Strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}
