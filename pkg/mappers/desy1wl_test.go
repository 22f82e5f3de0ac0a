package mappers

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
)

const desNside = 8

// writeDESInputs builds shape and bin-membership catalogs with unit response,
// no selection effects and galaxies split between two pixels.
func writeDESInputs(t *testing.T, dir string) (dataPath, zbinPath string) {
	t.Helper()
	const n = 20

	ids := make([]float64, n)
	e1 := make([]float64, n)
	e2 := make([]float64, n)
	psfE1 := make([]float64, n)
	psfE2 := make([]float64, n)
	ra := make([]float64, n)
	dec := make([]float64, n)
	ones := make([]float64, n)
	zeros := make([]float64, n)
	zbin := make([]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = float64(i)
		ones[i] = 1
		dec[i] = -40
		zbin[i] = 1
		if i%2 == 0 {
			ra[i] = 10
			e1[i] = 0.3
		} else {
			ra[i] = 100
			e1[i] = -0.3
		}
		e2[i] = 0.1
		psfE1[i] = 0.02
		psfE2[i] = -0.01
	}
	// Contaminants: wrong bin, bad declination, bad flags.
	ids = append(ids, 100, 101, 102)
	e1 = append(e1, 9, 9, 9)
	e2 = append(e2, 9, 9, 9)
	psfE1 = append(psfE1, 0, 0, 0)
	psfE2 = append(psfE2, 0, 0, 0)
	ra = append(ra, 10, 10, 10)
	dec = append(dec, -40, 20, -40)
	ones = append(ones, 1, 1, 1)
	zeros = append(zeros, 0, 0, 1)
	zbin = append(zbin, 3, 1, 1)

	data := catalog.New(len(ids))
	require.NoError(t, data.AddFloat("coadd_objects_id", ids))
	require.NoError(t, data.AddFloat("e1", e1))
	require.NoError(t, data.AddFloat("e2", e2))
	require.NoError(t, data.AddFloat("psf_e1", psfE1))
	require.NoError(t, data.AddFloat("psf_e2", psfE2))
	require.NoError(t, data.AddFloat("ra", ra))
	require.NoError(t, data.AddFloat("dec", dec))
	require.NoError(t, data.AddFloat("R11", ones))
	require.NoError(t, data.AddFloat("R12", append([]float64(nil), zeros...)))
	require.NoError(t, data.AddFloat("R21", append([]float64(nil), zeros...)))
	require.NoError(t, data.AddFloat("R22", ones))
	require.NoError(t, data.AddFloat("flags_select", zeros))
	dataPath = filepath.Join(dir, "mcal.fits")
	require.NoError(t, fits.WriteTable(dataPath, data))

	// Perturbed reclassifications identical to the fiducial one: the
	// selection response vanishes.
	zc := catalog.New(len(ids))
	for _, name := range []string{"zbin_mcal", "zbin_mcal_1p", "zbin_mcal_1m", "zbin_mcal_2p", "zbin_mcal_2m"} {
		require.NoError(t, zc.AddFloat(name, append([]float64(nil), zbin...)))
	}
	zbinPath = filepath.Join(dir, "zbin.fits")
	require.NoError(t, fits.WriteTable(zbinPath, zc))
	return dataPath, zbinPath
}

func newDES(t *testing.T, dir string, extra Config) *DESY1WL {
	t.Helper()
	dataPath, zbinPath := writeDESInputs(t, dir)
	cfg := Config{
		"nside":    desNside,
		"data_cat": dataPath,
		"zbin_cat": zbinPath,
		"zbin":     1,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	m, err := NewDESY1WL(cfg, nil)
	require.NoError(t, err)
	return m
}

func TestDESY1WLCatalogCalibration(t *testing.T) {
	m := newDES(t, t.TempDir(), nil)

	cat, err := m.Catalog()
	require.NoError(t, err)
	assert.Equal(t, 20, cat.Len())

	// Additive bias removal zeroes both component means; with unit response
	// and no selection effects the multiplicative factor is one, so the
	// symmetric +-0.3 pattern survives unchanged.
	e1, err := cat.Float("e1")
	require.NoError(t, err)
	e2, err := cat.Float("e2")
	require.NoError(t, err)
	mean1, mean2 := 0.0, 0.0
	for i := range e1 {
		mean1 += e1[i]
		mean2 += e2[i]
	}
	assert.InDelta(t, 0, mean1/20, 1e-12)
	assert.InDelta(t, 0, mean2/20, 1e-12)
	assert.InDelta(t, 0.3, e1[0], 1e-12)
	assert.InDelta(t, -0.3, e1[1], 1e-12)

	rs, err := m.SelectionResponse()
	require.NoError(t, err)
	assert.Equal(t, [2][2]float64{}, rs)
}

func TestDESY1WLSignalMap(t *testing.T) {
	m := newDES(t, t.TempDir(), nil)

	signal, err := m.SignalMap()
	require.NoError(t, err)
	require.Len(t, signal, 2)

	pA := healpix.LonLat2Pix(desNside, 10, -40)
	pB := healpix.LonLat2Pix(desNside, 100, -40)

	// The first component carries the sign flip.
	assert.InDelta(t, -0.3, signal[0][pA], 1e-12)
	assert.InDelta(t, 0.3, signal[0][pB], 1e-12)
	assert.InDelta(t, 0, signal[1][pA], 1e-12)
	assert.InDelta(t, 0, signal[1][pB], 1e-12)
}

func TestDESY1WLMask(t *testing.T) {
	m := newDES(t, t.TempDir(), nil)

	mask, err := m.Mask()
	require.NoError(t, err)

	pA := healpix.LonLat2Pix(desNside, 10, -40)
	pB := healpix.LonLat2Pix(desNside, 100, -40)
	assert.Equal(t, 10.0, mask[pA])
	assert.Equal(t, 10.0, mask[pB])

	total := 0.0
	for _, v := range mask {
		total += v
	}
	assert.Equal(t, 20.0, total)
}

func TestDESY1WLNlCoupled(t *testing.T) {
	m := newDES(t, t.TempDir(), nil)

	nl, err := m.NlCoupled()
	require.NoError(t, err)
	require.Len(t, nl, 4)
	require.Len(t, nl[0], 3*desNside)

	assert.Equal(t, 0.0, nl[0][0])
	assert.Equal(t, 0.0, nl[0][1])
	assert.Greater(t, nl[0][2], 0.0)
	assert.Equal(t, nl[0], nl[3])
	for l := range nl[1] {
		assert.Equal(t, 0.0, nl[1][l])
		assert.Equal(t, 0.0, nl[2][l])
	}
}

func TestDESY1WLPSFMode(t *testing.T) {
	m := newDES(t, t.TempDir(), Config{"mode": "PSF"})

	assert.Equal(t, DTypeGalaxyShear, m.DType())
	assert.Equal(t, 2, m.Spin())

	signal, err := m.SignalMap()
	require.NoError(t, err)
	require.Len(t, signal, 2)

	// PSF components skip the shear calibration but share the sign flip.
	pA := healpix.LonLat2Pix(desNside, 10, -40)
	assert.InDelta(t, -0.02, signal[0][pA], 1e-12)
	assert.InDelta(t, -0.01, signal[1][pA], 1e-12)
}

func TestDESY1WLRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	dataPath, zbinPath := writeDESInputs(t, dir)
	_, err := NewDESY1WL(Config{
		"nside":    desNside,
		"data_cat": dataPath,
		"zbin_cat": zbinPath,
		"zbin":     1,
		"mode":     "tangential",
	}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDESY1WLSelectionResponseFiniteDifferences(t *testing.T) {
	m, err := NewDESY1WL(Config{"nside": desNside, "zbin": 0}, nil)
	require.NoError(t, err)

	c := catalog.New(3)
	require.NoError(t, c.AddFloat("e1", []float64{1, 2, 3}))
	require.NoError(t, c.AddFloat("e2", []float64{2, 4, 6}))
	require.NoError(t, c.AddFloat("zbin_mcal_1p", []float64{0, 0, 9}))
	require.NoError(t, c.AddFloat("zbin_mcal_1m", []float64{9, 0, 0}))
	require.NoError(t, c.AddFloat("zbin_mcal_2p", []float64{0, 9, 9}))
	require.NoError(t, c.AddFloat("zbin_mcal_2m", []float64{9, 9, 0}))

	rs, err := m.selectionResponse(c)
	require.NoError(t, err)

	// Symmetric differences of the subsample means over the 0.02 step.
	assert.InDelta(t, (1.5-2.5)/0.02, rs[0][0], 1e-9)
	assert.InDelta(t, (1.0-3.0)/0.02, rs[0][1], 1e-9)
	assert.InDelta(t, (3.0-5.0)/0.02, rs[1][0], 1e-9)
	assert.InDelta(t, (2.0-6.0)/0.02, rs[1][1], 1e-9)
}

func TestDESY1WLNz(t *testing.T) {
	dir := t.TempDir()
	nzTable := catalog.New(3)
	require.NoError(t, nzTable.AddFloat("Z_MID", []float64{0.25, 0.55, 0.85}))
	require.NoError(t, nzTable.AddFloat("BIN1", []float64{1, 0, 0}))
	require.NoError(t, nzTable.AddFloat("BIN2", []float64{0.2, 1.4, 0.4}))
	nzPath := filepath.Join(dir, "nz.fits")
	require.NoError(t, fits.WriteTable(nzPath, nzTable))

	m := newDES(t, dir, Config{"file_nz": nzPath})

	d, err := m.Nz(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.55, 0.85}, d.Z)
	assert.Equal(t, []float64{0.2, 1.4, 0.4}, d.Nz)

	shifted, err := m.Nz(-0.3)
	require.NoError(t, err)
	require.Len(t, shifted.Z, 2)
	assert.InDelta(t, 0.25, shifted.Z[0], 1e-12)
	assert.Equal(t, []float64{1.4, 0.4}, shifted.Nz)
}

func TestDESY1WLSignalMeanVanishes(t *testing.T) {
	m := newDES(t, t.TempDir(), nil)

	signal, err := m.SignalMap()
	require.NoError(t, err)
	mask, err := m.Mask()
	require.NoError(t, err)

	// The mask-weighted signal mean is zero after additive bias removal.
	num := 0.0
	for p := range mask {
		num += mask[p] * signal[1][p]
	}
	assert.True(t, math.Abs(num) < 1e-9)
}
