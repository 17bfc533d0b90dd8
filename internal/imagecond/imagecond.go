// Package imagecond turns a reference image into the latent-grid condition
// an image-to-video pipeline concatenates with its latents.
package imagecond

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/vidgen/internal/tensor"
)

// Grid is the latent token grid the condition is laid out on.
type Grid struct {
	Frames   int
	Height   int
	Width    int
	Channels int
}

func (g Grid) tokens() int { return g.Frames * g.Height * g.Width }

// Load decodes the image at path and builds its condition.
func Load(path string, g Grid) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return Decode(raw, g)
}

// Decode builds the condition from encoded image bytes (PNG, JPEG, WebP, BMP
// or TIFF).
func Decode(raw []byte, g Grid) (*tensor.Tensor, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}
	return FromImage(img, g)
}

// FromImage resizes img to the grid and writes it into the first frame. Per
// token the channels cycle through red, green, blue and a mask that is 1 on
// the conditioned frame; colours are scaled to [-1, 1]. Later frames are
// zero.
func FromImage(img image.Image, g Grid) (*tensor.Tensor, error) {
	if g.Frames <= 0 || g.Height <= 0 || g.Width <= 0 || g.Channels <= 0 {
		return nil, fmt.Errorf("imagecond: invalid grid %+v", g)
	}
	dst := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	out := tensor.New(g.tokens(), g.Channels)
	for y := range g.Height {
		for x := range g.Width {
			c := dst.RGBAAt(x, y)
			vals := [4]float32{
				float32(c.R)/127.5 - 1,
				float32(c.G)/127.5 - 1,
				float32(c.B)/127.5 - 1,
				1,
			}
			row := out.Row(y*g.Width + x)
			for ch := range row {
				row[ch] = vals[ch%4]
			}
		}
	}
	return out, nil
}
