// Package preprocess implements the named, ordered image-preparation
// pipeline: grayscale, deskew, binarize (Otsu/Sauvola), contrast, resize.
// Each step is a pure function over image.Gray, registered in a small
// step registry so unknown step names fail with UNKNOWN_PREPROCESSOR
// instead of silently no-opping.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
)

// Params is the "preprocess" section of the pipeline config, threaded into
// every step so a step can read the knobs relevant to it and ignore the
// rest.
type Params struct {
	ContrastFactor     float64
	BinarizeMethod     string
	AdaptiveWindowSize int
	AdaptiveK          float64
	MaxDimPx           int
}

// Step is a single pure transformation over a grayscale image.
type Step func(img *image.Gray, p Params) *image.Gray

var steps = map[string]Step{
	"grayscale":           func(img *image.Gray, p Params) *image.Gray { return img },
	"deskew":              stepDeskew,
	"binarize":            stepBinarize,
	"adaptive_threshold":  stepAdaptiveThreshold,
	"contrast":            stepContrast,
	"resize":              stepResize,
}

// UnknownStepError is returned by Run when a configured pipeline name isn't
// registered.
type UnknownStepError struct{ Name string }

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("UNKNOWN_PREPROCESSOR: %q is not a registered preprocessing step", e.Name)
}

// Run applies the ordered list of step names to src, converting to
// grayscale first (every step in the original pipeline operates on a
// grayscale raster), and returns the final grayscale image.
func Run(src image.Image, pipeline []string, p Params) (*image.Gray, error) {
	gray := toGray(src)
	for _, name := range pipeline {
		step, ok := steps[strings.ToLower(name)]
		if !ok {
			return nil, &UnknownStepError{Name: name}
		}
		gray = step(gray, p)
	}
	return gray, nil
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return dst
}

// stepDeskew computes the principal axis of the dark-pixel distribution via
// the 2x2 covariance matrix's dominant eigenvector, then rotates by that
// angle, expanding the canvas and filling the background white — the Go
// equivalent of PIL's Image.rotate(angle, expand=True, fillcolor=255).
func stepDeskew(img *image.Gray, _ Params) *image.Gray {
	angle := principalAngleDegrees(img)
	return rotateExpandWhite(img, angle)
}

func principalAngleDegrees(img *image.Gray) float64 {
	b := img.Bounds()
	var n int
	var sumX, sumY float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y < 255 {
				sumX += float64(x)
				sumY += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var covXX, covXY, covYY float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y < 255 {
				dx := float64(x) - meanX
				dy := float64(y) - meanY
				covXX += dx * dx
				covXY += dx * dy
				covYY += dy * dy
			}
		}
	}
	// numpy.cov uses the (n-1) normalization, applied here as well; it
	// cancels out of the eigenvector direction, so it does not change the angle.
	covXX /= float64(n - 1 + boolToInt(n == 1))
	covXY /= float64(n - 1 + boolToInt(n == 1))
	covYY /= float64(n - 1 + boolToInt(n == 1))

	vx, vy := dominantEigenvector2x2(covXX, covXY, covYY)
	return radToDeg(math.Atan2(vy, vx))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dominantEigenvector2x2 returns the eigenvector of
// [[a b] [b d]] associated with the larger eigenvalue.
func dominantEigenvector2x2(a, b, d float64) (float64, float64) {
	trace := a + d
	det := a*d - b*b
	disc := math.Sqrt(math.Max(trace*trace/4-det, 0))
	lambda := trace/2 + disc
	if b != 0 {
		return b, lambda - a
	}
	if a >= d {
		return 1, 0
	}
	return 0, 1
}

func radToDeg(r float64) float64 { return r * 180 / math.Pi }

// rotateExpandWhite rotates img by angleDeg counter-clockwise about its
// center, expanding the output canvas to fit the rotated bounds and filling
// uncovered area with white (255).
func rotateExpandWhite(img *image.Gray, angleDeg float64) *image.Gray {
	if angleDeg == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	theta := angleDeg * math.Pi / 180

	cosT, sinT := math.Cos(theta), math.Sin(theta)
	newW := int(math.Ceil(math.Abs(float64(w)*cosT) + math.Abs(float64(h)*sinT)))
	newH := int(math.Ceil(math.Abs(float64(w)*sinT) + math.Abs(float64(h)*cosT)))

	out := image.NewGray(image.Rect(0, 0, newW, newH))
	for i := range out.Pix {
		out.Pix[i] = 255
	}

	cx, cy := float64(w)/2, float64(h)/2
	ncx, ncy := float64(newW)/2, float64(newH)/2

	for ny := 0; ny < newH; ny++ {
		for nx := 0; nx < newW; nx++ {
			// inverse-map each output pixel back into source space.
			dx := float64(nx) - ncx
			dy := float64(ny) - ncy
			sx := dx*cosT + dy*sinT + cx
			sy := -dx*sinT + dy*cosT + cy
			ix, iy := int(math.Round(sx)), int(math.Round(sy))
			if ix >= 0 && ix < w && iy >= 0 && iy < h {
				out.SetGray(nx, ny, img.GrayAt(b.Min.X+ix, b.Min.Y+iy))
			}
		}
	}
	return out
}

// stepBinarize dispatches to Otsu (default) or Sauvola adaptive
// binarization based on p.BinarizeMethod.
func stepBinarize(img *image.Gray, p Params) *image.Gray {
	method := strings.ToLower(p.BinarizeMethod)
	if method == "adaptive" {
		window := p.AdaptiveWindowSize
		if window == 0 {
			window = 25
		}
		k := p.AdaptiveK
		if k == 0 {
			k = 0.2
		}
		return sauvolaBinarize(img, window, k)
	}
	return otsuBinarize(img)
}

func stepAdaptiveThreshold(img *image.Gray, p Params) *image.Gray {
	window := p.AdaptiveWindowSize
	if window == 0 {
		window = 25
	}
	k := p.AdaptiveK
	if k == 0 {
		k = 0.2
	}
	return sauvolaBinarize(img, window, k)
}

// otsuBinarize computes the global threshold maximizing between-class
// variance over a 256-bin histogram and applies it.
func otsuBinarize(img *image.Gray) *image.Gray {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[img.GrayAt(x, y).Y]++
		}
	}
	total := b.Dx() * b.Dy()
	var sumTotal float64
	for i, c := range hist {
		sumTotal += float64(i) * float64(c)
	}

	var wB, sumB float64
	var maxVar float64
	threshold := 0
	for i := 0; i < 256; i++ {
		wB += float64(hist[i])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * float64(hist[i])
		mB := sumB / wB
		mF := (sumTotal - sumB) / wF
		varBetween := wB * wF * (mB - mF) * (mB - mF)
		if varBetween > maxVar {
			maxVar = varBetween
			threshold = i
		}
	}
	return applyThreshold(img, func(v uint8) bool { return int(v) > threshold })
}

// sauvolaBinarize applies windowed Sauvola thresholding:
// t(x,y) = mean*(1 + k*(std/r - 1)), computed in O(n) via integral images
// over a reflect-padded grayscale raster. window is clamped odd, >= 3, and
// <= min(width, height), matching the original tool's guard rails.
func sauvolaBinarize(img *image.Gray, window int, k float64) *image.Gray {
	const r = 128.0
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	window = clampInt(window, 3, minInt(w, h))
	if window%2 == 0 {
		window--
	}
	if window < 3 {
		window = 3
	}
	pad := window / 2

	padded := reflectPad(img, pad)
	ph, pw := len(padded), len(padded[0])

	integral := make([][]float64, ph+1)
	integralSq := make([][]float64, ph+1)
	for i := range integral {
		integral[i] = make([]float64, pw+1)
		integralSq[i] = make([]float64, pw+1)
	}
	for y := 0; y < ph; y++ {
		for x := 0; x < pw; x++ {
			v := float64(padded[y][x])
			integral[y+1][x+1] = v + integral[y][x+1] + integral[y+1][x] - integral[y][x]
			integralSq[y+1][x+1] = v*v + integralSq[y][x+1] + integralSq[y+1][x] - integralSq[y][x]
		}
	}

	area := float64(window * window)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			y0, x0 := y, x
			y1, x1 := y0+window, x0+window
			sum := integral[y1][x1] - integral[y0][x1] - integral[y1][x0] + integral[y0][x0]
			sumSq := integralSq[y1][x1] - integralSq[y0][x1] - integralSq[y1][x0] + integralSq[y0][x0]
			mean := sum / area
			variance := sumSq/area - mean*mean
			if variance < 0 {
				variance = 0
			}
			std := math.Sqrt(variance)
			thresh := mean * (1 + k*(std/r-1))
			v := img.GrayAt(b.Min.X+x, b.Min.Y+y).Y
			if float64(v) > thresh {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out
}

func reflectPad(img *image.Gray, pad int) [][]uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([][]uint8, h+2*pad)
	for i := range out {
		out[i] = make([]uint8, w+2*pad)
	}
	reflectIdx := func(i, n int) int {
		if n == 1 {
			return 0
		}
		for i < 0 || i >= n {
			if i < 0 {
				i = -i - 1
			}
			if i >= n {
				i = 2*n - i - 1
			}
		}
		return i
	}
	for y := -pad; y < h+pad; y++ {
		sy := reflectIdx(y, h)
		for x := -pad; x < w+pad; x++ {
			sx := reflectIdx(x, w)
			out[y+pad][x+pad] = img.GrayAt(b.Min.X+sx, b.Min.Y+sy).Y
		}
	}
	return out
}

func applyThreshold(img *image.Gray, keep func(v uint8) bool) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.GrayAt(x, y).Y
			if keep(v) {
				out.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: 255})
			} else {
				out.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: 0})
			}
		}
	}
	return out
}

// stepContrast applies linear contrast scaling about mid-gray (128), the Go
// equivalent of PIL.ImageEnhance.Contrast(image).enhance(factor). A factor
// of 0 (unset) is a no-op, matching the original step's falsy-factor guard.
func stepContrast(img *image.Gray, p Params) *image.Gray {
	if p.ContrastFactor == 0 {
		return img
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(img.GrayAt(x, y).Y)
			nv := 128 + (v-128)*p.ContrastFactor
			out.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: clampByte(nv)})
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
