package native

import (
	"fmt"
	"maps"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/cache"
)

// artifact is a "compiled" program on the CPU backend: the description
// itself, since execution interprets the reference fragment function
// directly.
type artifact struct {
	info *rasternn.ProgramInfo
}

func (a *artifact) Info() *rasternn.ProgramInfo { return a.info }

// ProgramManager builds and runs programs by interpreting their reference
// fragment functions. Artifacts are cached by generated source text, the
// same keying the wgpu driver uses for compiled modules; a plain soft-limit
// LRU suffices here since builds are cheap and uncontended.
type ProgramManager struct {
	handler   *Handler
	artifacts *cache.Cache[string, *artifact]
}

// Build returns the artifact for the program description, reusing a cached
// one when the generated source matches.
func (pm *ProgramManager) Build(info *rasternn.ProgramInfo) (rasternn.Artifact, error) {
	if pm.handler.closed.Load() {
		return nil, rasternn.ErrHandlerClosed
	}
	if info.Frag == nil {
		return nil, fmt.Errorf("native: program %q has no reference fragment function", info.Name)
	}
	return pm.artifacts.GetOrCreate(info.Source, func() *artifact {
		return &artifact{info: info}
	}), nil
}

// Run evaluates the program over every output texel.
//
// DispatchSingle writes each texel once. DispatchAdditiveChunked zeroes the
// output, then performs DrawCount evaluation sweeps, advancing the offset
// uniform by ChunkSize per sweep and summing the results per channel, which
// is what additive blending computes on the GPU.
func (pm *ProgramManager) Run(a rasternn.Artifact, rd *rasternn.RunData) error {
	if pm.handler.closed.Load() {
		return rasternn.ErrHandlerClosed
	}
	art, ok := a.(*artifact)
	if !ok {
		return fmt.Errorf("native: foreign artifact %T", a)
	}
	info := art.info

	if len(rd.Inputs) != len(info.InputLayouts) {
		return fmt.Errorf("native: program %q wants %d inputs, got %d",
			info.Name, len(info.InputLayouts), len(rd.Inputs))
	}
	readers := make([]rasternn.TexelReader, len(rd.Inputs))
	for i, td := range rd.Inputs {
		buf, ok := td.Handle.([]float32)
		if !ok {
			return fmt.Errorf("native: program %q input %d has foreign handle %T",
				info.Name, i, td.Handle)
		}
		readers[i] = texReader{buf: buf, l: td.Layout}
	}

	out, ok := rd.Output.Handle.([]float32)
	if !ok {
		return fmt.Errorf("native: program %q output has foreign handle %T",
			info.Name, rd.Output.Handle)
	}
	ol := rd.Output.Layout

	// Evaluate against a private copy: the caller's uniform map is not a
	// scratch area.
	uniforms := maps.Clone(rd.Uniforms)
	if uniforms == nil {
		uniforms = rasternn.Uniforms{}
	}

	switch rd.Dispatch.Kind {
	case rasternn.DispatchSingle:
		for y := 0; y < ol.Height; y++ {
			for x := 0; x < ol.Width; x++ {
				v := info.Frag(readers, x, y, uniforms)
				base := (y*ol.Width + x) * ol.Channels
				for c := 0; c < ol.Channels; c++ {
					out[base+c] = v[c]
				}
			}
		}
	case rasternn.DispatchAdditiveChunked:
		clear(out)
		offset := uniforms[rd.Dispatch.OffsetUniform]
		for d := 0; d < rd.Dispatch.DrawCount; d++ {
			uniforms[rd.Dispatch.OffsetUniform] = offset + d*rd.Dispatch.ChunkSize
			for y := 0; y < ol.Height; y++ {
				for x := 0; x < ol.Width; x++ {
					v := info.Frag(readers, x, y, uniforms)
					base := (y*ol.Width + x) * ol.Channels
					for c := 0; c < ol.Channels; c++ {
						out[base+c] += v[c]
					}
				}
			}
		}
	default:
		return fmt.Errorf("native: program %q has unknown dispatch kind %d",
			info.Name, rd.Dispatch.Kind)
	}
	return nil
}
