package op

import (
	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/layout"
)

func init() {
	rasternn.Register("Flatten", func() rasternn.Operator { return &Flatten{} })
}

// Flatten reshapes a tensor to rank 2 by collapsing the dimensions before
// the split axis into the first output dimension and the rest into the
// second. Pure metadata: the value data is shared with the input.
type Flatten struct {
	axis int
}

// Init reads the split axis. Default 1, which for the common [N, C, H, W]
// input yields [N, C*H*W].
func (f *Flatten) Init(attrs rasternn.Attributes) error {
	var err error
	f.axis, err = attrs.Int("axis", 1)
	return err
}

// CheckInputs accepts a single non-scalar numeric tensor with the axis in
// [0, rank]. An empty product on either side is valid and yields 1.
func (f *Flatten) CheckInputs(inputs []*rasternn.Tensor) bool {
	if len(inputs) != 1 || inputs[0] == nil {
		return false
	}
	t := inputs[0]
	if t.Rank() < 1 {
		return false
	}
	if t.DType() == rasternn.String {
		return false
	}
	return f.axis >= 0 && f.axis <= t.Rank()
}

// Run returns the reshaped view.
func (f *Flatten) Run(_ rasternn.Handler, inputs []*rasternn.Tensor) ([]*rasternn.Tensor, error) {
	t := inputs[0]
	dims := []int{
		layout.Prod(t.Dims()[:f.axis]),
		layout.Prod(t.Dims()[f.axis:]),
	}
	return []*rasternn.Tensor{rasternn.NewTensor(dims, t.Floats())}, nil
}
