package tiling

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/tiff"

	"github.com/zhuokaizhao/artifice/nn"
)

// Heatmap endpoints: low mask values are dark blue, high values bright yellow.
var (
	heatLow  = colorful.Hcl(260, 0.35, 0.12)
	heatHigh = colorful.Hcl(85, 0.9, 0.95)
)

// LoadImage decodes an image file. PNG, JPEG, GIF, BMP and TIFF are supported.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return img, nil
}

// DecodeImage decodes an image stream in any format LoadImage supports.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

// SaveImage encodes img with the format implied by the path's extension.
func SaveImage(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// ToTensor converts img to a [1, h, w, channels] tensor scaled to [0, 1]. One channel
// means grayscale, three RGB and four RGBA.
func ToTensor(img image.Image, channels int) (*nn.Tensor[float32], error) {
	var src *image.NRGBA
	switch channels {
	case 1:
		src = imaging.Grayscale(img)
	case 3, 4:
		src = imaging.Clone(img)
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()
	out := nn.NewTensor[float32](1, h, w, channels)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			for ch := 0; ch < channels; ch++ {
				out.Data[nn.Index4(0, y, x, ch, h, w, channels)] = float32(px[ch]) / 255
			}
		}
	}
	return out, nil
}

// Heatmap renders channel 0 of image index of an NHWC tensor. Values are clamped to
// [0, 1] and blended in HCL space.
func Heatmap(mask *nn.Tensor[float32], index int) (*image.NRGBA, error) {
	b, h, w, c, err := mask.Dims4()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= b {
		return nil, fmt.Errorf("image index %d out of range [0, %d)", index, b)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(mask.Data[nn.Index4(index, y, x, 0, h, w, c)])
			img.SetNRGBA(x, y, heatColor(v))
		}
	}
	return img, nil
}

func heatColor(v float64) color.NRGBA {
	v = min(max(v, 0), 1)
	r, g, b := heatLow.BlendHcl(heatHigh, v).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// Overlay draws heat over base at the given opacity, stretching heat to base's size
// when they differ.
func Overlay(base, heat image.Image, opacity float64) *image.NRGBA {
	bb, hb := base.Bounds(), heat.Bounds()
	if bb.Dx() != hb.Dx() || bb.Dy() != hb.Dy() {
		heat = imaging.Resize(heat, bb.Dx(), bb.Dy(), imaging.NearestNeighbor)
	}
	return imaging.Overlay(imaging.Clone(base), heat, image.Pt(0, 0), opacity)
}
