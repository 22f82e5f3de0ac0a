// Package preview renders HEALPix sky maps as Mollweide-projected JPEG
// images for quick visual inspection of mapper products.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"skymapper/pkg/healpix"
)

// Options controls the rendering.
type Options struct {
	// Width of the projected sky in pixels. Height follows from the 2:1
	// Mollweide aspect ratio. Defaults to 800.
	Width int
	// Title printed in the footer next to the value range.
	Title string
	// Mask, when non-nil, grays out pixels with mask <= 0.
	Mask []float64
}

// Render writes a JPEG preview of a RING-ordered map to a file.
func Render(m []float64, opt Options, outputPath string) error {
	img, err := renderImage(m, opt)
	if err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create preview file: %w", err)
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// RenderBytes renders a JPEG preview of a RING-ordered map and returns the
// encoded bytes.
func RenderBytes(m []float64, opt Options) ([]byte, error) {
	img, err := renderImage(m, opt)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderImage creates the projected image in memory.
func renderImage(m []float64, opt Options) (*image.RGBA, error) {
	nside := isqrt(len(m) / 12)
	if healpix.Npix(nside) != len(m) || !healpix.ValidNside(nside) {
		return nil, fmt.Errorf("map length %d is not a valid pixelization", len(m))
	}
	if opt.Mask != nil && len(opt.Mask) != len(m) {
		return nil, fmt.Errorf("mask length %d does not match map length %d", len(opt.Mask), len(m))
	}

	imgW := opt.Width
	if imgW <= 0 {
		imgW = 800
	}
	imgH := imgW / 2

	// Reserve space for the footer text.
	footerH := 40
	totalH := imgH + footerH

	img := image.NewRGBA(image.Rect(0, 0, imgW, totalH))
	for y := 0; y < totalH; y++ {
		for x := 0; x < imgW; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}

	lo, hi := valueRange(m, opt.Mask)
	maskedColor := color.RGBA{60, 60, 60, 255}

	for y := 0; y < imgH; y++ {
		for x := 0; x < imgW; x++ {
			lon, lat, onSky := invMollweide(x, y, imgW, imgH)
			if !onSky {
				continue
			}
			p := healpix.LonLat2Pix(nside, lon, lat)
			if opt.Mask != nil && opt.Mask[p] <= 0 {
				img.Set(x, y, maskedColor)
				continue
			}
			img.Set(x, y, valueColor(m[p], lo, hi))
		}
	}

	face := basicfont.Face7x13
	footerColor := color.RGBA{220, 220, 220, 255}
	label := fmt.Sprintf("nside=%d  range=[%.3g, %.3g]", nside, lo, hi)
	if opt.Title != "" {
		label = opt.Title + "  " + label
	}
	drawText(img, face, label, 10, imgH+25, footerColor)

	return img, nil
}

// invMollweide maps an image pixel back to sky coordinates in degrees.
// Returns false for pixels outside the projection ellipse.
func invMollweide(x, y, imgW, imgH int) (lonDeg, latDeg float64, ok bool) {
	// Normalized coordinates: px in [-2, 2], py in [-1, 1].
	px := (float64(x)+0.5)/float64(imgW)*4 - 2
	py := 1 - (float64(y)+0.5)/float64(imgH)*2

	if px*px/4+py*py > 1 {
		return 0, 0, false
	}

	aux := math.Asin(py)
	lat := math.Asin((2*aux + math.Sin(2*aux)) / math.Pi)
	lon := math.Pi * px / (4 * math.Cos(aux))
	if lon < -math.Pi || lon > math.Pi {
		return 0, 0, false
	}

	// Longitude grows leftwards, the astronomical convention.
	lonDeg = -lon * 180 / math.Pi
	if lonDeg < 0 {
		lonDeg += 360
	}
	return lonDeg, lat * 180 / math.Pi, true
}

// valueRange returns the 1st and 99th percentile of the unmasked values,
// clipping the color scale against outliers.
func valueRange(m, mask []float64) (lo, hi float64) {
	vals := make([]float64, 0, len(m))
	for i, v := range m {
		if mask != nil && mask[i] <= 0 {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return 0, 1
	}
	sort.Float64s(vals)
	lo = vals[len(vals)/100]
	hi = vals[len(vals)-1-len(vals)/100]
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// valueColor maps a value to a blue-white-red ramp over [lo, hi].
func valueColor(v, lo, hi float64) color.RGBA {
	t := (v - lo) / (hi - lo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	var r, g, b uint8
	if t < 0.5 {
		// Blue to white
		s := t * 2
		r = uint8(40 + s*215)
		g = uint8(70 + s*185)
		b = uint8(180 + s*75)
	} else {
		// White to red
		s := (t - 0.5) * 2
		r = 255
		g = uint8(255 - s*195)
		b = uint8(255 - s*215)
	}
	return color.RGBA{r, g, b, 255}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func isqrt(n int) int {
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
