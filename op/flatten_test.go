package op

import (
	"slices"
	"testing"

	"github.com/gogpu/rasternn"
)

func TestFlattenRun(t *testing.T) {
	tests := []struct {
		name string
		axis int
		dims []int
		want []int
	}{
		{"default nchw", 1, []int{2, 3, 4, 5}, []int{2, 60}},
		{"axis 0", 0, []int{2, 3, 4, 5}, []int{1, 120}},
		{"axis rank", 4, []int{2, 3, 4, 5}, []int{120, 1}},
		{"axis 2", 2, []int{2, 3, 4, 5}, []int{6, 20}},
		{"vector", 1, []int{7}, []int{7, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Flatten
			if err := f.Init(rasternn.Attributes{"axis": tt.axis}); err != nil {
				t.Fatalf("Init: %v", err)
			}
			in := rasternn.NewTensor(tt.dims, make([]float32, size(tt.dims)))
			if !f.CheckInputs([]*rasternn.Tensor{in}) {
				t.Fatal("CheckInputs rejected valid input")
			}
			out, err := f.Run(nil, []*rasternn.Tensor{in})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !slices.Equal(out[0].Dims(), tt.want) {
				t.Errorf("dims = %v, want %v", out[0].Dims(), tt.want)
			}
			if &out[0].Floats()[0] != &in.Floats()[0] {
				t.Error("flatten must share the input buffer")
			}
		})
	}
}

func size(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func TestFlattenCheckInputs(t *testing.T) {
	tests := []struct {
		name   string
		axis   int
		inputs []*rasternn.Tensor
		want   bool
	}{
		{"ok", 1, []*rasternn.Tensor{rasternn.NewTensor([]int{2, 3}, make([]float32, 6))}, true},
		{"no inputs", 1, nil, false},
		{
			"two inputs", 1,
			[]*rasternn.Tensor{
				rasternn.NewTensor([]int{2}, make([]float32, 2)),
				rasternn.NewTensor([]int{2}, make([]float32, 2)),
			},
			false,
		},
		{"scalar", 1, []*rasternn.Tensor{rasternn.NewTensor(nil, []float32{1})}, false},
		{"axis out of range", 3, []*rasternn.Tensor{rasternn.NewTensor([]int{2, 3}, make([]float32, 6))}, false},
		{"negative axis", -1, []*rasternn.Tensor{rasternn.NewTensor([]int{2, 3}, make([]float32, 6))}, false},
		{"string tensor", 1, []*rasternn.Tensor{rasternn.NewStringTensor([]int{2}, []string{"a", "b"})}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Flatten
			if err := f.Init(rasternn.Attributes{"axis": tt.axis}); err != nil {
				t.Fatalf("Init: %v", err)
			}
			if got := f.CheckInputs(tt.inputs); got != tt.want {
				t.Errorf("CheckInputs = %v, want %v", got, tt.want)
			}
		})
	}
}
