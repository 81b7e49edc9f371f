// Command convdemo runs a 3x3 edge-detection convolution over a PNG image
// and writes the filter response as a new PNG. It exercises the full
// operator path: image decode, tensor encoding, the two-pass convolution on
// the selected execution backend, and readback.
//
// Usage:
//
//	convdemo -in photo.png -out edges.png -backend native -size 256
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"log/slog"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/rasternn"
	_ "github.com/gogpu/rasternn/backend/native"
	_ "github.com/gogpu/rasternn/backend/wgpu"
	_ "github.com/gogpu/rasternn/op"
)

func main() {
	in := flag.String("in", "", "input PNG path")
	out := flag.String("out", "edges.png", "output PNG path")
	backend := flag.String("backend", "native", "execution backend (native, wgpu)")
	size := flag.Int("size", 256, "working resolution (longest edge, 0 = keep)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		rasternn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if err := run(*in, *out, *backend, *size); err != nil {
		log.Fatalf("convdemo: %v", err)
	}
}

func run(inPath, outPath, backend string, size int) error {
	x, w, h, err := loadGray(inPath, size)
	if err != nil {
		return err
	}

	handler, err := rasternn.NewHandler(backend)
	if err != nil {
		return err
	}
	defer handler.Close()

	conv, err := rasternn.Resolve("Conv", rasternn.Attributes{
		"kernel_shape": []int{3, 3},
		"pads":         []int{1, 1, 1, 1},
	})
	if err != nil {
		return err
	}

	// Laplacian kernel: strong response at intensity edges.
	kernel := rasternn.NewTensor([]int{1, 1, 3, 3}, []float32{
		-1, -1, -1,
		-1, 8, -1,
		-1, -1, -1,
	})
	inputs := []*rasternn.Tensor{x, kernel}
	if !conv.CheckInputs(inputs) {
		return fmt.Errorf("invalid convolution inputs")
	}
	outputs, err := conv.Run(handler, inputs)
	if err != nil {
		return err
	}

	return saveGray(outPath, outputs[0].Floats(), w, h)
}

// loadGray decodes a PNG, optionally scales it so the longest edge is size
// pixels, and returns it as a [1, 1, h, w] grayscale tensor in [0, 1].
func loadGray(path string, size int) (t *rasternn.Tensor, w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}

	b := src.Bounds()
	w, h = b.Dx(), b.Dy()
	if size > 0 && (w > size || h > size) {
		if w >= h {
			h = h * size / w
			w = size
		} else {
			w = w * size / h
			h = size
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
		src = dst
		b = dst.Bounds()
	}

	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			data[y*w+x] = float32(g.Y) / 65535
		}
	}
	return rasternn.NewTensor([]int{1, 1, h, w}, data), w, h, nil
}

// saveGray normalizes the filter response to [0, 255] and writes it as an
// 8-bit grayscale PNG.
func saveGray(path string, data []float32, w, h int) error {
	var maxAbs float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range data[:w*h] {
		if v < 0 {
			v = -v
		}
		img.Pix[i] = uint8(v / maxAbs * 255)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
