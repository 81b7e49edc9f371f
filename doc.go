// Package rasternn executes neural-network operators on GPUs that expose
// only the rasterization pipeline: no compute shaders, just vertex and
// fragment stages driven by draw calls.
//
// Tensors are encoded as 2-D texture-shaped buffers, operator arithmetic is
// expressed as generated WGSL fragment programs, and results are read back
// as tensors. Compiled programs and texture layouts are cached so repeated
// inference over the same operator shape skips recompilation and re-layout.
//
// # Architecture
//
// The package splits into a pure core and pluggable execution backends:
//
//   - rasternn (this package): tensor and attribute model, the operator
//     contract, and the boundary types exchanged with an execution handler
//     (ProgramInfo, RunData, Artifact, Dispatch).
//   - layout: the deterministic mapping from tensor shapes to 2-D texture
//     geometry (width, height, texel channel count, stride table).
//   - op: operator implementations. Conv is the centerpiece: a two-pass
//     strategy of im2col expansion followed by a tiled dot-product reduction
//     accumulated across draw calls with additive blending.
//   - backend/wgpu: the real driver on gogpu/wgpu HAL with shaders compiled
//     through gogpu/naga.
//   - backend/native: a CPU reference handler that evaluates each program's
//     fragment function per texel and emulates blend accumulation. Used by
//     tests and as a fallback when no GPU is available.
//
// # Execution flow
//
// An operator is configured once from an attribute store, validates its
// inputs, then runs: on first run it derives texture layouts and builds its
// program artifacts; every subsequent run with the same shape reuses them
// and only prepares per-call run data.
//
//	attrs := rasternn.Attributes{"kernel_shape": []int{3, 3}}
//	conv := &op.Conv{}
//	if err := conv.Init(attrs); err != nil { ... }
//	if !conv.CheckInputs([]*rasternn.Tensor{x, w}) { ... }
//	outs, err := conv.Run(handler, []*rasternn.Tensor{x, w})
//
// By default rasternn produces no log output. Call [SetLogger] to enable
// structured logging.
package rasternn
