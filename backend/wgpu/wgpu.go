// Package wgpu is the GPU execution backend, built on the wgpu HAL.
//
// Tensor operands live in float textures (r32float for plain operands,
// rgba32float for channel-packed ones); operator passes are fullscreen
// render-pipeline draws whose fragment stage computes one output texel per
// invocation. Chunked reductions accumulate across draws with additive
// blending. Results are read back through a staging buffer.
package wgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/cache"
	"github.com/gogpu/rasternn/layout"
)

// gpuTimeout bounds how long a submitted command buffer may take before the
// run is abandoned.
const gpuTimeout = 5 * time.Second

func init() {
	rasternn.RegisterHandler("wgpu", func() (rasternn.Handler, error) {
		return New()
	})
}

// texture is the backend-private storage behind a TextureData handle.
type texture struct {
	tex    hal.Texture
	view   hal.TextureView
	format gputypes.TextureFormat
}

// Handler executes operator programs on a wgpu HAL device.
type Handler struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// ownsDevice is false when the device came from an external provider;
	// shared resources are not destroyed on Close.
	ownsDevice bool

	textures *cache.ShardedCache[uint64, *rasternn.TextureData]
	programs *ProgramManager
	closed   atomic.Bool

	// allocated tracks every texture this handler created, for release on
	// Close. The LRU cache above only keys per-tensor lookups.
	allocMu   sync.Mutex
	allocated []*texture
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

// WithProgramCapacity sets the per-shard capacity of the compiled-program
// cache.
func WithProgramCapacity(n int) Option {
	return func(o *options) { o.programCapacity = n }
}

// New creates a handler that owns its own GPU device, preferring a
// discrete or integrated adapter on the Vulkan backend.
func New(opts ...Option) (*Handler, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	h := newHandler(openDev.Device, openDev.Queue, true, opts...)
	h.instance = instance
	rasternn.Logger().Info("wgpu handler initialized", "adapter", selected.Info.Name)
	return h, nil
}

// NewWithProvider creates a handler on a shared GPU device from a
// gpucontext device provider. The provider must expose the underlying HAL
// handles via HalDevice() any and HalQueue() any. The handler does not own
// the device and will not destroy it on Close.
func NewWithProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Handler, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	rasternn.Logger().Info("wgpu handler using shared GPU device")
	return newHandler(device, queue, false, opts...), nil
}

func newHandler(device hal.Device, queue hal.Queue, owns bool, opts ...Option) *Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handler{
		device:     device,
		queue:      queue,
		ownsDevice: owns,
		textures: cache.NewSharded[uint64, *rasternn.TextureData](
			o.textureCapacity, cache.Uint64Hasher),
	}
	h.programs = &ProgramManager{
		handler:   h,
		artifacts: cache.NewSharded[string, *artifact](o.programCapacity, cache.StringHasher),
	}
	return h
}

// formatFor maps a layout's channel packing to the texture format.
func formatFor(l layout.Layout) gputypes.TextureFormat {
	if l.Channels == texelChannels {
		return gputypes.TextureFormatRGBA32Float
	}
	return gputypes.TextureFormatR32Float
}

const texelChannels = 4

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

// GetOrCreateTextureData returns the tensor's cached texture data, uploading
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

// CreateTextureData allocates a GPU texture under the given layout and
// uploads data into it when non-nil. Textures double as sampled inputs and
// render attachments, so one allocation serves both sides of a pass chain.
func (h *Handler) CreateTextureData(l layout.Layout, dt rasternn.DataType, data []float32) (*rasternn.TextureData, error) {
	if h.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	if dt != rasternn.Float32 {
		return nil, fmt.Errorf("%w: %s", rasternn.ErrUnsupportedType, dt)
	}
	if data != nil && len(data) > l.ValueCount() {
		return nil, fmt.Errorf("wgpu: data length %d exceeds layout capacity %d",
			len(data), l.ValueCount())
	}

	format := formatFor(l)
	w, ht := uint32(l.Width), uint32(l.Height)
	size := hal.Extent3D{Width: w, Height: ht, DepthOrArrayLayers: 1}

	tex, err := h.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "rasternn_operand",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage: gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create texture: %w", err)
	}
	view, err := h.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "rasternn_operand_view",
		Format:        format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		h.device.DestroyTexture(tex)
		return nil, fmt.Errorf("wgpu: create texture view: %w", err)
	}

	if data != nil {
		bytesPerTexel := uint32(l.Channels) * 4
		buf := make([]byte, int(w)*int(ht)*int(bytesPerTexel))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		h.queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
			buf,
			&hal.ImageDataLayout{Offset: 0, BytesPerRow: w * bytesPerTexel, RowsPerImage: ht},
			&size,
		)
	}

	t := &texture{tex: tex, view: view, format: format}
	h.allocMu.Lock()
	h.allocated = append(h.allocated, t)
	h.allocMu.Unlock()

	return &rasternn.TextureData{Layout: l, DType: dt, Handle: t}, nil
}

// ReadTexture copies the texture to a staging buffer, waits for the GPU,
// and returns the decoded float values in texel row-major order.
func (h *Handler) ReadTexture(td *rasternn.TextureData) ([]float32, error) {
	if h.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	t, ok := td.Handle.(*texture)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign texture handle %T", td.Handle)
	}
	l := td.Layout
	w, ht := uint32(l.Width), uint32(l.Height)
	bytesPerTexel := uint32(l.Channels) * 4
	bufSize := uint64(w) * uint64(ht) * uint64(bytesPerTexel)

	encoder, err := h.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "rasternn_readback_encoder",
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("rasternn_readback"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	// Rendered outputs sit in attachment layout; the copy wants transfer
	// source. No-op on backends without explicit layouts.
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: t.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})

	stagingBuf, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "rasternn_staging",
		Size:  bufSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer h.device.DestroyBuffer(stagingBuf)

	encoder.CopyTextureToBuffer(t.tex, stagingBuf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: w * bytesPerTexel, RowsPerImage: ht},
		TextureBase:  hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: ht, DepthOrArrayLayers: 1},
	}})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer h.device.FreeCommandBuffer(cmdBuf)

	if err := h.submitAndWait(cmdBuf); err != nil {
		return nil, err
	}

	raw := make([]byte, bufSize)
	if err := h.queue.ReadBuffer(stagingBuf, 0, raw); err != nil {
		return nil, fmt.Errorf("wgpu: readback: %w", err)
	}

	out := make([]float32, l.ValueCount())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// submitAndWait submits one command buffer and blocks until the fence
// signals or the timeout expires.
func (h *Handler) submitAndWait(cmdBuf hal.CommandBuffer) error {
	fence, err := h.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer h.device.DestroyFence(fence)

	if err := h.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	fenceOK, err := h.device.Wait(fence, 1, gpuTimeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for GPU: %w", err)
	}
	if !fenceOK {
		return fmt.Errorf("wgpu: wait for GPU timed out after %v", gpuTimeout)
	}
	return nil
}

// Programs returns the handler's program manager.
func (h *Handler) Programs() rasternn.ProgramManager { return h.programs }

// Close destroys all cached textures and compiled programs, and the device
// when the handler owns it. Subsequent operations fail with
// [rasternn.ErrHandlerClosed].
func (h *Handler) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.textures.Clear()
	h.programs.destroyAll()

	h.allocMu.Lock()
	for _, t := range h.allocated {
		if t.view != nil {
			h.device.DestroyTextureView(t.view)
		}
		if t.tex != nil {
			h.device.DestroyTexture(t.tex)
		}
	}
	h.allocated = nil
	h.allocMu.Unlock()

	if h.ownsDevice {
		if h.device != nil {
			h.device.Destroy()
		}
		if h.instance != nil {
			h.instance.Destroy()
		}
	}
	h.device = nil
	h.queue = nil
	h.instance = nil
	return nil
}
