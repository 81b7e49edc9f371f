package wgpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/cache"
)

// uniformBufSize is the per-draw uniform block: one i32 offset plus padding
// to the 16-byte alignment WGSL requires of uniform structs.
const uniformBufSize = 16

// artifact is a compiled operator program: the shader module, bind layouts
// and the render pipeline, built once per generated source.
type artifact struct {
	info *rasternn.ProgramInfo

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.RenderPipeline
}

func (a *artifact) Info() *rasternn.ProgramInfo { return a.info }

// ProgramManager compiles WGSL program sources to SPIR-V and dispatches
// them as fullscreen-triangle render passes. Artifacts are cached by
// generated source text.
type ProgramManager struct {
	handler   *Handler
	artifacts *cache.ShardedCache[string, *artifact]

	// built tracks every compiled artifact for release on Close; the LRU
	// cache above only keys source lookups.
	builtMu sync.Mutex
	built   []*artifact
}

// compileToSPIRV compiles WGSL to the little-endian SPIR-V word stream the
// HAL shader module wants.
func compileToSPIRV(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile shader: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// Build compiles the program into a render pipeline, reusing the cached
// artifact when an identical source was built before.
func (pm *ProgramManager) Build(info *rasternn.ProgramInfo) (rasternn.Artifact, error) {
	if pm.handler.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	if art, ok := pm.artifacts.Get(info.Source); ok {
		return art, nil
	}
	art, err := pm.build(info)
	if err != nil {
		return nil, err
	}
	pm.artifacts.Set(info.Source, art)
	pm.builtMu.Lock()
	pm.built = append(pm.built, art)
	pm.builtMu.Unlock()
	rasternn.Logger().Debug("program compiled", "name", info.Name,
		"inputs", len(info.InputLayouts), "accumulate", info.Accumulate)
	return art, nil
}

func (pm *ProgramManager) build(info *rasternn.ProgramInfo) (*artifact, error) {
	device := pm.handler.device

	spirv, err := compileToSPIRV(info.Source)
	if err != nil {
		return nil, fmt.Errorf("%w (program %q)", err, info.Name)
	}
	shader, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  info.Name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %q: %w", info.Name, err)
	}

	art := &artifact{info: info, shader: shader}

	// Binding 0 is the per-draw uniform block; inputs follow in declaration
	// order from binding 1.
	entries := []gputypes.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: gputypes.ShaderStageFragment,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		},
	}
	for i := range info.InputLayouts {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		})
	}
	bindLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   info.Name + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		pm.destroyArtifact(art)
		return nil, fmt.Errorf("wgpu: create bind group layout %q: %w", info.Name, err)
	}
	art.bindLayout = bindLayout

	pipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            info.Name + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		pm.destroyArtifact(art)
		return nil, fmt.Errorf("wgpu: create pipeline layout %q: %w", info.Name, err)
	}
	art.pipeLayout = pipeLayout

	target := gputypes.ColorTargetState{
		Format:    formatFor(info.OutputLayout),
		WriteMask: gputypes.ColorWriteMaskAll,
	}
	if info.Accumulate {
		additive := gputypes.BlendState{
			Color: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorOne,
				DstFactor: gputypes.BlendFactorOne,
				Operation: gputypes.BlendOperationAdd,
			},
			Alpha: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorOne,
				DstFactor: gputypes.BlendFactorOne,
				Operation: gputypes.BlendOperationAdd,
			},
		}
		target.Blend = &additive
	}

	pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  info.Name + "_pipeline",
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets:    []gputypes.ColorTargetState{target},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		pm.destroyArtifact(art)
		return nil, fmt.Errorf("wgpu: create render pipeline %q: %w", info.Name, err)
	}
	art.pipeline = pipeline

	return art, nil
}

// Run dispatches the program: one render pass over the output texture,
// with one draw per dispatch chunk. Chunked dispatches get a fresh uniform
// buffer and bind group per draw, advancing the offset uniform; the
// pipeline's additive blend merges the partial sums in the target.
func (pm *ProgramManager) Run(a rasternn.Artifact, rd *rasternn.RunData) error {
	if pm.handler.closed.Load() {
		return rasternn.ErrHandlerClosed
	}
	art, ok := a.(*artifact)
	if !ok {
		return fmt.Errorf("wgpu: foreign artifact %T", a)
	}
	info := art.info
	device, queue := pm.handler.device, pm.handler.queue

	if len(rd.Inputs) != len(info.InputLayouts) {
		return fmt.Errorf("wgpu: program %q wants %d inputs, got %d",
			info.Name, len(info.InputLayouts), len(rd.Inputs))
	}
	out, ok := rd.Output.Handle.(*texture)
	if !ok {
		return fmt.Errorf("wgpu: program %q output has foreign handle %T",
			info.Name, rd.Output.Handle)
	}

	drawCount := rd.Dispatch.DrawCount
	if drawCount < 1 {
		drawCount = 1
	}
	baseOffset := rd.Uniforms[rd.Dispatch.OffsetUniform]

	// One uniform buffer and bind group per draw, so each chunk sees its
	// own offset value within the single render pass.
	uniformBufs := make([]hal.Buffer, 0, drawCount)
	bindGroups := make([]hal.BindGroup, 0, drawCount)
	defer func() {
		for _, bg := range bindGroups {
			device.DestroyBindGroup(bg)
		}
		for _, ub := range uniformBufs {
			device.DestroyBuffer(ub)
		}
	}()

	for d := 0; d < drawCount; d++ {
		offset := baseOffset
		if rd.Dispatch.Kind == rasternn.DispatchAdditiveChunked {
			offset = baseOffset + d*rd.Dispatch.ChunkSize
		}
		uniformData := make([]byte, uniformBufSize)
		binary.LittleEndian.PutUint32(uniformData, uint32(int32(offset)))

		ub, err := device.CreateBuffer(&hal.BufferDescriptor{
			Label: info.Name + "_uniform",
			Size:  uniformBufSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create uniform buffer %d: %w", d, err)
		}
		uniformBufs = append(uniformBufs, ub)
		queue.WriteBuffer(ub, 0, uniformData)

		entries := []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: ub.NativeHandle(), Offset: 0, Size: uniformBufSize,
			}},
		}
		for i, td := range rd.Inputs {
			in, ok := td.Handle.(*texture)
			if !ok {
				return fmt.Errorf("wgpu: program %q input %d has foreign handle %T",
					info.Name, i, td.Handle)
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: uint32(i + 1),
				Resource: gputypes.TextureViewBinding{
					TextureView: in.view.NativeHandle(),
				},
			})
		}
		bg, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   info.Name + "_bind",
			Layout:  art.bindLayout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create bind group %d: %w", d, err)
		}
		bindGroups = append(bindGroups, bg)
	}

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: info.Name + "_encoder",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(info.Name); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: info.Name + "_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{
			{
				View:       out.view,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
			},
		},
	})
	rp.SetPipeline(art.pipeline)
	for d := 0; d < drawCount; d++ {
		rp.SetBindGroup(0, bindGroups[d], nil)
		rp.Draw(3, 1, 0, 0)
	}
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer device.FreeCommandBuffer(cmdBuf)

	return pm.handler.submitAndWait(cmdBuf)
}

// destroyArtifact releases the artifact's GPU objects in reverse creation
// order.
func (pm *ProgramManager) destroyArtifact(art *artifact) {
	device := pm.handler.device
	if device == nil {
		return
	}
	if art.pipeline != nil {
		device.DestroyRenderPipeline(art.pipeline)
		art.pipeline = nil
	}
	if art.pipeLayout != nil {
		device.DestroyPipelineLayout(art.pipeLayout)
		art.pipeLayout = nil
	}
	if art.bindLayout != nil {
		device.DestroyBindGroupLayout(art.bindLayout)
		art.bindLayout = nil
	}
	if art.shader != nil {
		device.DestroyShaderModule(art.shader)
		art.shader = nil
	}
}

// destroyAll releases every compiled artifact and clears the cache. The
// handler calls this from Close, before the device goes away.
func (pm *ProgramManager) destroyAll() {
	pm.artifacts.Clear()
	pm.builtMu.Lock()
	defer pm.builtMu.Unlock()
	for _, art := range pm.built {
		pm.destroyArtifact(art)
	}
	pm.built = nil
}
