package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			} else {
				img.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return img
}

func TestRunUnknownStep(t *testing.T) {
	img := checkerboard(4, 4)
	_, err := Run(img, []string{"not-a-real-step"}, Params{})
	require.Error(t, err)
	var unknown *UnknownStepError
	assert.ErrorAs(t, err, &unknown)
}

func TestOtsuBinarizeProducesTwoLevels(t *testing.T) {
	img := checkerboard(20, 20)
	out, err := Run(img, []string{"binarize"}, Params{BinarizeMethod: "otsu"})
	require.NoError(t, err)

	seen := map[uint8]bool{}
	b := out.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			seen[out.GrayAt(x, y).Y] = true
		}
	}
	for v := range seen {
		assert.True(t, v == 0 || v == 255)
	}
}

func TestSauvolaBinarizeClampsWindow(t *testing.T) {
	img := checkerboard(5, 5)
	out, err := Run(img, []string{"adaptive_threshold"}, Params{AdaptiveWindowSize: 25, AdaptiveK: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 5, out.Bounds().Dx())
	assert.Equal(t, 5, out.Bounds().Dy())
}

func TestResizeOnlyShrinks(t *testing.T) {
	img := checkerboard(10, 10)
	out, err := Run(img, []string{"resize"}, Params{MaxDimPx: 100})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx(), "must not upscale below configured max")

	out2, err := Run(img, []string{"resize"}, Params{MaxDimPx: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, out2.Bounds().Dx())
}

func TestContrastNoopWhenFactorZero(t *testing.T) {
	img := checkerboard(4, 4)
	out, err := Run(img, []string{"contrast"}, Params{ContrastFactor: 0})
	require.NoError(t, err)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestDeskewFlatImageIsNoRotation(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	out, err := Run(img, []string{"deskew"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
}
