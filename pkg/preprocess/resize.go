package preprocess

import (
	"image"

	"golang.org/x/image/draw"
)

// stepResize scales the longest side down to p.MaxDimPx, preserving aspect
// ratio; it never upscales (a no-op when the image already fits), matching
// the original tool's resize() guard.
func stepResize(img *image.Gray, p Params) *image.Gray {
	if p.MaxDimPx == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	maxCurrent := w
	if h > maxCurrent {
		maxCurrent = h
	}
	if maxCurrent <= p.MaxDimPx {
		return img
	}

	scale := float64(p.MaxDimPx) / float64(maxCurrent)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)

	dst := image.NewGray(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
