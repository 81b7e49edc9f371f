package native

import (
	"errors"
	"testing"

	"github.com/gogpu/rasternn"
	"github.com/gogpu/rasternn/layout"
)

func TestHandlerTextureCaching(t *testing.T) {
	h := New()
	defer h.Close()

	tensor := rasternn.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	l := layout.NewBasic(tensor.Dims())

	if h.TextureData(tensor) != nil {
		t.Fatal("fresh tensor should have no texture data")
	}
	td, err := h.GetOrCreateTextureData(tensor, l)
	if err != nil {
		t.Fatalf("GetOrCreateTextureData: %v", err)
	}
	again, err := h.GetOrCreateTextureData(tensor, l)
	if err != nil {
		t.Fatalf("GetOrCreateTextureData (cached): %v", err)
	}
	if td != again {
		t.Error("same tensor identity must return the same texture data")
	}

	// A distinct tensor with identical content gets its own entry.
	other := rasternn.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	otherTD, err := h.GetOrCreateTextureData(other, l)
	if err != nil {
		t.Fatalf("GetOrCreateTextureData (other): %v", err)
	}
	if otherTD == td {
		t.Error("distinct tensors must not share texture data")
	}
}

func TestHandlerRejectsStringTensor(t *testing.T) {
	h := New()
	defer h.Close()

	st := rasternn.NewStringTensor([]int{2}, []string{"a", "b"})
	_, err := h.GetOrCreateTextureData(st, layout.NewBasic(st.Dims()))
	if !errors.Is(err, rasternn.ErrUnsupportedType) {
		t.Errorf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestCreateTextureDataZeroFill(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{3, 3})
	td, err := h.CreateTextureData(l, rasternn.Float32, nil)
	if err != nil {
		t.Fatalf("CreateTextureData: %v", err)
	}
	data, err := h.ReadTexture(td)
	if err != nil {
		t.Fatalf("ReadTexture: %v", err)
	}
	if len(data) != l.ValueCount() {
		t.Fatalf("read %d values, want %d", len(data), l.ValueCount())
	}
	for i, v := range data {
		if v != 0 {
			t.Fatalf("value %d = %f, want 0", i, v)
		}
	}
}

func TestReadTextureCopies(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{4})
	td, err := h.CreateTextureData(l, rasternn.Float32, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("CreateTextureData: %v", err)
	}
	data, err := h.ReadTexture(td)
	if err != nil {
		t.Fatalf("ReadTexture: %v", err)
	}
	data[0] = 99
	again, _ := h.ReadTexture(td)
	if again[0] == 99 {
		t.Error("ReadTexture must return a copy")
	}
}

func TestClosedHandler(t *testing.T) {
	h := New()
	h.Close()

	l := layout.NewBasic([]int{1})
	if _, err := h.CreateTextureData(l, rasternn.Float32, nil); !errors.Is(err, rasternn.ErrHandlerClosed) {
		t.Errorf("CreateTextureData error = %v, want ErrHandlerClosed", err)
	}
	if _, err := h.Programs().Build(&rasternn.ProgramInfo{}); !errors.Is(err, rasternn.ErrHandlerClosed) {
		t.Errorf("Build error = %v, want ErrHandlerClosed", err)
	}
}

// passthroughInfo builds a trivial program copying input texel (x, y) to
// the output.
func passthroughInfo(l layout.Layout) *rasternn.ProgramInfo {
	return &rasternn.ProgramInfo{
		Name:         "passthrough",
		Source:       "passthrough-source",
		InputNames:   []string{"in"},
		InputLayouts: []layout.Layout{l},
		OutputLayout: l,
		Frag: func(in []rasternn.TexelReader, x, y int, _ rasternn.Uniforms) [4]float32 {
			return in[0].Load(x, y)
		},
	}
}

func TestProgramCacheBySource(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{4})
	a, err := h.Programs().Build(passthroughInfo(l))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := h.Programs().Build(passthroughInfo(l))
	if err != nil {
		t.Fatalf("Build (again): %v", err)
	}
	if a != b {
		t.Error("identical source must return the cached artifact")
	}
}

func TestBuildRequiresFrag(t *testing.T) {
	h := New()
	defer h.Close()

	_, err := h.Programs().Build(&rasternn.ProgramInfo{Name: "empty", Source: "s"})
	if err == nil {
		t.Error("expected Build to fail without a reference fragment function")
	}
}

func TestRunSingleDispatch(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{4})
	in, err := h.CreateTextureData(l, rasternn.Float32, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("CreateTextureData: %v", err)
	}
	out, err := h.CreateTextureData(l, rasternn.Float32, nil)
	if err != nil {
		t.Fatalf("CreateTextureData: %v", err)
	}
	art, err := h.Programs().Build(passthroughInfo(l))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.Programs().Run(art, &rasternn.RunData{
		Inputs:   []*rasternn.TextureData{in},
		Output:   out,
		Dispatch: rasternn.SingleDispatch(),
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, _ := h.ReadTexture(out)
	want := []float32{1, 2, 3, 4}
	for i, w := range want {
		if data[i] != w {
			t.Errorf("output[%d] = %f, want %f", i, data[i], w)
		}
	}
}

func TestRunAdditiveChunked(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{1})
	// Each draw contributes its offset value; three draws of chunk 4
	// starting at 0 accumulate 0 + 4 + 8 = 12.
	info := &rasternn.ProgramInfo{
		Name:         "offset-sum",
		Source:       "offset-sum-source",
		OutputLayout: l,
		Accumulate:   true,
		Frag: func(_ []rasternn.TexelReader, _, _ int, u rasternn.Uniforms) [4]float32 {
			return [4]float32{float32(u["off"]), 0, 0, 0}
		},
	}
	out, err := h.CreateTextureData(l, rasternn.Float32, []float32{999})
	if err != nil {
		t.Fatalf("CreateTextureData: %v", err)
	}
	art, err := h.Programs().Build(info)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.Programs().Run(art, &rasternn.RunData{
		Output:   out,
		Uniforms: rasternn.Uniforms{"off": 0},
		Dispatch: rasternn.ChunkedDispatch(3, 4, "off"),
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, _ := h.ReadTexture(out)
	if data[0] != 12 {
		t.Errorf("accumulated value = %f, want 12 (output must be cleared first)", data[0])
	}
}

func TestRunDoesNotMutateCallerUniforms(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{1})
	info := &rasternn.ProgramInfo{
		Name:         "noop",
		Source:       "noop-source",
		OutputLayout: l,
		Frag: func(_ []rasternn.TexelReader, _, _ int, _ rasternn.Uniforms) [4]float32 {
			return [4]float32{}
		},
	}
	out, _ := h.CreateTextureData(l, rasternn.Float32, nil)
	art, _ := h.Programs().Build(info)

	uniforms := rasternn.Uniforms{"off": 7}
	if err := h.Programs().Run(art, &rasternn.RunData{
		Output:   out,
		Uniforms: uniforms,
		Dispatch: rasternn.ChunkedDispatch(2, 4, "off"),
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if uniforms["off"] != 7 {
		t.Errorf("caller uniforms mutated: off = %d, want 7", uniforms["off"])
	}
}

func TestRunInputArityMismatch(t *testing.T) {
	h := New()
	defer h.Close()

	l := layout.NewBasic([]int{4})
	art, err := h.Programs().Build(passthroughInfo(l))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	out, _ := h.CreateTextureData(l, rasternn.Float32, nil)
	err = h.Programs().Run(art, &rasternn.RunData{
		Output:   out,
		Dispatch: rasternn.SingleDispatch(),
	})
	if err == nil {
		t.Error("expected error for missing inputs")
	}
}
