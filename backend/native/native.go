// Package native is the CPU reference execution backend.
//
// It implements the same handler contract as the wgpu driver but evaluates
// each program's reference fragment function per output texel instead of
// rasterizing, emulating the additive-blend accumulation of chunked
// dispatches in a float buffer. It exists for tests, for machines without a
// usable GPU, and as the executable definition of what the generated
// shaders must compute.
package native

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/cache"
	"github.com/gogpu/rasternn/layout"
)

func init() {
	rasternn.RegisterHandler("native", func() (rasternn.Handler, error) {
		return New(), nil
	})
}

// Handler executes programs on the CPU. Texture data handles are plain
// []float32 buffers of Width*Height*Channels values in texel row-major
// order, the same flat encoding ReadTexture returns.
type Handler struct {
	textures *cache.ShardedCache[uint64, *rasternn.TextureData]
	programs *ProgramManager
	closed   atomic.Bool
}

// Option configures a Handler.
type Option func(*options)

type options struct {
	textureCapacity int
	programCapacity int
}

// WithTextureCapacity sets the per-shard capacity of the tensor texture
// cache.
func WithTextureCapacity(n int) Option {
	return func(o *options) { o.textureCapacity = n }
}

// WithProgramCapacity sets the soft limit of the compiled-program cache.
// Zero means unlimited.
func WithProgramCapacity(n int) Option {
	return func(o *options) { o.programCapacity = n }
}

// New creates a CPU execution handler.
func New(opts ...Option) *Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handler{
		textures: cache.NewSharded[uint64, *rasternn.TextureData](
			o.textureCapacity, cache.Uint64Hasher),
	}
	h.programs = &ProgramManager{
		handler:   h,
		artifacts: cache.New[string, *artifact](o.programCapacity),
	}
	return h
}

// TextureData returns the cached texture data for the tensor, or nil.
func (h *Handler) TextureData(t *rasternn.Tensor) *rasternn.TextureData {
	td, ok := h.textures.Get(t.ID())
	if !ok {
		return nil
	}
	return td
}

// SetTextureData caches texture data under the tensor's identity.
func (h *Handler) SetTextureData(t *rasternn.Tensor, td *rasternn.TextureData) {
	h.textures.Set(t.ID(), td)
}

// GetOrCreateTextureData returns the tensor's cached texture data, encoding
// the tensor's buffer under the given layout on first use.
func (h *Handler) GetOrCreateTextureData(t *rasternn.Tensor, l layout.Layout) (*rasternn.TextureData, error) {
	if td := h.TextureData(t); td != nil {
		return td, nil
	}
	if t.DType() != rasternn.Float32 {
		return nil, fmt.Errorf("%w: %s", rasternn.ErrUnsupportedType, t.DType())
	}
	td, err := h.CreateTextureData(l, t.DType(), t.Floats())
	if err != nil {
		return nil, err
	}
	h.SetTextureData(t, td)
	return td, nil
}

// CreateTextureData allocates a buffer-backed texture under the given
// layout, copying data into it when non-nil.
func (h *Handler) CreateTextureData(l layout.Layout, dt rasternn.DataType, data []float32) (*rasternn.TextureData, error) {
	if h.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	if dt != rasternn.Float32 {
		return nil, fmt.Errorf("%w: %s", rasternn.ErrUnsupportedType, dt)
	}
	buf := make([]float32, l.ValueCount())
	if data != nil {
		if len(data) > len(buf) {
			return nil, fmt.Errorf("native: data length %d exceeds layout capacity %d",
				len(data), len(buf))
		}
		copy(buf, data)
	}
	return &rasternn.TextureData{Layout: l, DType: dt, Handle: buf}, nil
}

// ReadTexture returns a copy of the texture's flat channel-packed buffer.
func (h *Handler) ReadTexture(td *rasternn.TextureData) ([]float32, error) {
	if h.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	buf, ok := td.Handle.([]float32)
	if !ok {
		return nil, fmt.Errorf("native: foreign texture handle %T", td.Handle)
	}
	out := make([]float32, len(buf))
	copy(out, buf)
	return out, nil
}

// Programs returns the handler's program manager.
func (h *Handler) Programs() rasternn.ProgramManager { return h.programs }

// Close releases the handler's caches. Subsequent texture and program
// operations fail with [rasternn.ErrHandlerClosed].
func (h *Handler) Close() error {
	h.closed.Store(true)
	h.textures.Clear()
	h.programs.artifacts.Clear()
	return nil
}

// texReader adapts a buffer-backed texture to the TexelReader contract.
type texReader struct {
	buf []float32
	l   layout.Layout
}

func (r texReader) Layout() layout.Layout { return r.l }

func (r texReader) Load(x, y int) [4]float32 {
	var out [4]float32
	if x < 0 || y < 0 || x >= r.l.Width || y >= r.l.Height {
		return out
	}
	base := (y*r.l.Width + x) * r.l.Channels
	for c := 0; c < r.l.Channels; c++ {
		out[c] = r.buf[base+c]
	}
	return out
}
