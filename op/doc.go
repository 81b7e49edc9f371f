// Package op implements rasternn operators.
//
// Conv is the centerpiece: convolution executed as two chained fragment
// programs. Pass 1 expands each receptive-field patch into the channels of
// a 4-channel texture (im2col); pass 2 contracts the expanded patches
// against a repacked kernel as a tiled dot product, accumulating reduction
// chunks across draw calls with additive blending. Both programs are built
// once per operator instance and cached for every subsequent run with the
// same shape.
//
// Flatten is the simplest instance of the shared operator contract: pure
// shape validation and re-dimensioning, no GPU work.
package op
