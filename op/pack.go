package op

// PackKernel lays out convolution weights for texel-aligned access in the
// dot-product pass. Each filter's row of rowSize = (C/group)*kH*kW weights
// is padded with zeros up to a whole number of channels-wide texels, so a
// filter always starts on a texel boundary.
//
// When group is 1 and the rows already align (channels 1, or rowSize a
// multiple of channels), the input slice is returned as-is without
// copying.
func PackKernel(wDims []int, group, channels int, data []float32) []float32 {
	rowSize := wDims[1] * wDims[2] * wDims[3]
	if group == 1 && (channels == 1 || rowSize%channels == 0) {
		return data
	}

	rows := wDims[0]
	paddedRow := ((rowSize + channels - 1) / channels) * channels
	packed := make([]float32, rows*paddedRow)
	for r := 0; r < rows; r++ {
		copy(packed[r*paddedRow:r*paddedRow+rowSize], data[r*rowSize:(r+1)*rowSize])
	}
	return packed
}
