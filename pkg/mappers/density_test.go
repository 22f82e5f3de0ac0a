package mappers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymapper/pkg/healpix"
)

func TestMapFromPoints(t *testing.T) {
	const nside = 8
	lon := []float64{0, 0, 120, 240}
	lat := []float64{30, 30, -10, 80}

	m, err := MapFromPoints(nside, lon, lat, nil)
	require.NoError(t, err)
	require.Len(t, m, healpix.Npix(nside))

	total := 0.0
	for _, v := range m {
		total += v
	}
	assert.Equal(t, 4.0, total)
	assert.Equal(t, 2.0, m[healpix.LonLat2Pix(nside, 0, 30)])

	weighted, err := MapFromPoints(nside, lon, lat, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 3.0, weighted[healpix.LonLat2Pix(nside, 0, 30)])
	assert.Equal(t, 3.0, weighted[healpix.LonLat2Pix(nside, 120, -10)])
}

func TestMapFromPointsLengthMismatch(t *testing.T) {
	_, err := MapFromPoints(4, []float64{0}, []float64{0, 1}, nil)
	assert.Error(t, err)
	_, err = MapFromPoints(4, []float64{0}, []float64{0}, []float64{1, 2})
	assert.Error(t, err)
}

func TestDensityContrast(t *testing.T) {
	// Uniform counts over a binary mask give zero contrast everywhere.
	mask := []float64{1, 1, 1, 0, 0, 1}
	counts := []float64{4, 4, 4, 0, 0, 4}

	d := densityContrast(counts, mask)
	for p := range d {
		assert.InDelta(t, 0, d[p], 1e-12, "pixel %d", p)
	}
}

func TestDensityContrastMaskedPixelsAreZero(t *testing.T) {
	mask := []float64{1, 1, 0, 0}
	counts := []float64{5, 1, 0, 100}

	d := densityContrast(counts, mask)
	assert.Equal(t, 0.0, d[2])
	assert.Equal(t, 0.0, d[3])
	assert.Greater(t, d[0], 0.0)
	assert.Less(t, d[1], 0.0)
}

func TestDensityContrastNormalization(t *testing.T) {
	// Inverting the contrast transform on good pixels recovers the counts.
	mask := []float64{1, 0.8, 0.5, 0, 1, 1}
	counts := []float64{3, 1, 2, 0, 5, 4}

	d := densityContrast(counts, mask)

	// The normalisation is the mask-weighted mean count.
	sumMask, sumWeighted := 0.0, 0.0
	for p := range mask {
		sumMask += mask[p]
		sumWeighted += mask[p] * counts[p]
	}
	meanN := sumWeighted / sumMask

	for p := range mask {
		if mask[p] > 0 {
			recovered := (d[p] + 1) * meanN * mask[p]
			assert.InDelta(t, counts[p], recovered, 1e-9, "pixel %d", p)
		}
	}
}

func TestShotNoise(t *testing.T) {
	const nside = 4
	npix := healpix.Npix(nside)
	mask := make([]float64, npix)
	counts := make([]float64, npix)
	for p := 0; p < npix/2; p++ {
		mask[p] = 1
		counts[p] = 3
	}

	nl := shotNoise(counts, mask, nside)
	require.Len(t, nl, 1)
	require.Len(t, nl[0], 3*nside)

	// Flat spectrum: mean mask fraction over the source density per steradian.
	meanSrad := 3 * float64(npix) / (4 * 3.141592653589793)
	want := 0.5 / meanSrad
	for l, v := range nl[0] {
		assert.InDelta(t, want, v, 1e-12, "ell %d", l)
	}
}

func TestShapeNoise(t *testing.T) {
	const nside, spin = 4, 2
	npix := healpix.Npix(nside)
	w2s2 := make([]float64, npix)
	for p := range w2s2 {
		w2s2[p] = 0.25
	}

	nl := shapeNoise(w2s2, nside, spin)
	require.Len(t, nl, 4)

	level := healpix.PixArea(nside) * 0.25
	for l := 0; l < 3*nside; l++ {
		if l < spin {
			assert.Equal(t, 0.0, nl[0][l], "ell %d", l)
		} else {
			assert.InDelta(t, level, nl[0][l], 1e-15, "ell %d", l)
		}
		assert.Equal(t, 0.0, nl[1][l])
		assert.Equal(t, 0.0, nl[2][l])
	}
	assert.Equal(t, nl[0], nl[3])

	// Equal values, independent storage.
	nl[3][spin] = -1
	assert.InDelta(t, level, nl[0][spin], 1e-15)
}
