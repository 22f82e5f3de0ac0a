package preview

import (
	"bytes"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymapper/pkg/healpix"
)

func testMap(nside int) []float64 {
	m := make([]float64, healpix.Npix(nside))
	for p := range m {
		_, lat := healpix.Pix2LonLat(nside, p)
		m[p] = lat / 90
	}
	return m
}

func TestRenderBytes(t *testing.T) {
	data, err := RenderBytes(testMap(8), Options{Width: 200, Title: "test"})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Equal(t, 200, bounds.Dx())
	assert.Equal(t, 140, bounds.Dy()) // 2:1 sky plus the footer
}

func TestRenderDefaultWidth(t *testing.T) {
	data, err := RenderBytes(testMap(4), Options{})
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
}

func TestRenderToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.jpg")
	require.NoError(t, Render(testMap(4), Options{Width: 120}, path))
	assert.FileExists(t, path)
}

func TestRenderWithMask(t *testing.T) {
	m := testMap(8)
	mask := make([]float64, len(m))
	for p := range mask {
		if p%2 == 0 {
			mask[p] = 1
		}
	}
	_, err := RenderBytes(m, Options{Width: 100, Mask: mask})
	require.NoError(t, err)
}

func TestRenderRejectsBadInput(t *testing.T) {
	_, err := RenderBytes(make([]float64, 13), Options{})
	assert.Error(t, err)

	_, err = RenderBytes(testMap(4), Options{Mask: make([]float64, 5)})
	assert.Error(t, err)
}

func TestInvMollweide(t *testing.T) {
	// The image center maps to the sky origin.
	lon, lat, ok := invMollweide(100, 50, 200, 100)
	require.True(t, ok)
	assert.InDelta(t, 0, lat, 2)
	if lon > 180 {
		lon -= 360
	}
	assert.InDelta(t, 0, lon, 2)

	// Corners are off the projection ellipse.
	_, _, ok = invMollweide(0, 0, 200, 100)
	assert.False(t, ok)
	_, _, ok = invMollweide(199, 99, 200, 100)
	assert.False(t, ok)
}
