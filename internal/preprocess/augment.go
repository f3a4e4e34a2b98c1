package preprocess

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
)

// AugmentOptions are the on-the-fly training augmentations.
type AugmentOptions struct {
	RotationRange  float64 // degrees, sampled uniformly in [-r, r]
	ZoomRange      float64 // zoom factor sampled in [1-z, 1+z]
	HorizontalFlip bool
}

// DefaultAugment is rotation 15, zoom 0.2 and random horizontal flips.
func DefaultAugment() AugmentOptions {
	return AugmentOptions{RotationRange: 15, ZoomRange: 0.2, HorizontalFlip: true}
}

// Augment returns a randomly transformed copy of img with the same size.
func Augment(img image.Image, rng *rand.Rand, opts AugmentOptions) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := imaging.Clone(img)

	if opts.RotationRange > 0 {
		angle := (rng.Float64()*2 - 1) * opts.RotationRange
		out = imaging.CropCenter(imaging.Rotate(out, angle, color.Black), w, h)
	}

	if opts.ZoomRange > 0 {
		out = zoom(out, 1+(rng.Float64()*2-1)*opts.ZoomRange)
	}

	if opts.HorizontalFlip && rng.Intn(2) == 1 {
		out = imaging.FlipH(out)
	}
	return out
}

// zoom scales the content around the centre by factor, keeping the frame size.
// factor > 1 magnifies, factor < 1 shrinks onto a black border.
func zoom(img *image.NRGBA, factor float64) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if factor == 1 || w == 0 || h == 0 {
		return img
	}

	if factor > 1 {
		cw := max(1, int(float64(w)/factor))
		ch := max(1, int(float64(h)/factor))
		return imaging.Resize(imaging.CropCenter(img, cw, ch), w, h, imaging.Linear)
	}

	sw := max(1, int(float64(w)*factor))
	sh := max(1, int(float64(h)*factor))
	small := imaging.Resize(img, sw, sh, imaging.Linear)
	return imaging.PasteCenter(imaging.New(w, h, color.Black), small)
}
