// Package preprocess converts uploaded images into backbone input tensors.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/nfnt/resize"
)

// Tensor layouts understood by Tensor.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

var ErrDecode = errors.New("failed to decode image")

// Options describes the input the backbone expects.
type Options struct {
	Size          int
	Layout        string
	Interpolation resize.InterpolationFunction
}

// DefaultOptions matches the MobileNetV2 feature extractor.
func DefaultOptions() Options {
	return Options{Size: 224, Layout: LayoutNHWC, Interpolation: resize.NearestNeighbor}
}

// ParseInterpolation maps a config name onto a resize kernel.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(name) {
	case "", "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic":
		return resize.Bicubic, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	}
	return resize.NearestNeighbor, fmt.Errorf("unknown interpolation %q", name)
}

// Decode opens and decodes the image at path.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// LoadFile decodes the image at path and returns a batch-of-one tensor.
func LoadFile(path string, opts Options) ([]float32, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return Tensor(img, opts), nil
}

// Tensor resizes img to opts.Size and scales every channel into [-1, 1]
// the way MobileNetV2 was trained (x/127.5 - 1).
func Tensor(img image.Image, opts Options) []float32 {
	if opts.Size <= 0 {
		opts.Size = DefaultOptions().Size
	}

	size := uint(opts.Size)
	resized := resize.Resize(size, size, ToRGB(img), opts.Interpolation)

	b := resized.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [3]float32{scale(r), scale(g), scale(bl)}

			pixelIndex := y*width + x
			for c := 0; c < 3; c++ {
				if opts.Layout == LayoutNCHW {
					data[c*plane+pixelIndex] = px[c]
				} else {
					data[pixelIndex*3+c] = px[c]
				}
			}
		}
	}
	return data
}

func scale(v uint32) float32 {
	return float32(v>>8)/127.5 - 1
}

// ToRGB flattens img onto an opaque RGBA canvas. Gray images are replicated
// across the three channels and alpha is discarded without premultiplying.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if isOpaque(img) {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return out
}

func isOpaque(img image.Image) bool {
	o, ok := img.(interface{ Opaque() bool })
	return ok && o.Opaque()
}
