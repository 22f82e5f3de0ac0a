package mappers

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
)

func TestParseBeamInfoDefault(t *testing.T) {
	infos, err := parseBeamInfo(Config{})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Gaussian", infos[0].Type)
	assert.Equal(t, 5.0, infos[0].FWHMArcmin)
}

func TestParseBeamInfoFromYAML(t *testing.T) {
	cfg := Config{"beam_info": []any{
		map[string]any{"type": "Gaussian", "FWHM_arcmin": 10.0},
		map[string]any{"type": "Custom", "file": "w.csv", "field": "Wl_eff"},
	}}
	infos, err := parseBeamInfo(cfg)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 10.0, infos[0].FWHMArcmin)
	assert.Equal(t, "w.csv", infos[1].File)
	assert.Equal(t, "Wl_eff", infos[1].Field)
}

func TestParseBeamInfoRejectsUnknownType(t *testing.T) {
	_, err := parseBeamInfo(Config{"beam_info": []any{
		map[string]any{"type": "Airy"},
	}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestGaussianBeam(t *testing.T) {
	b := gaussianBeam(5, 10)
	require.Len(t, b, 10)
	assert.Equal(t, 1.0, b[0])

	// Monotonically decreasing, matching exp(-l(l+1)sigma^2/2).
	sigma := 5.0 / 60 * math.Pi / 180 / math.Sqrt(8*math.Ln2)
	for l := 1; l < 10; l++ {
		assert.Less(t, b[l], b[l-1])
		want := math.Exp(-0.5 * float64(l) * float64(l+1) * sigma * sigma)
		assert.InDelta(t, want, b[l], 1e-15, "ell %d", l)
	}
}

func TestLerpExtrap(t *testing.T) {
	xs := []float64{0, 10, 20}
	ys := []float64{0, 1, 3}

	assert.InDelta(t, 0.5, lerpExtrap(xs, ys, 5), 1e-12)
	assert.InDelta(t, 2.0, lerpExtrap(xs, ys, 15), 1e-12)
	// End segments continue outside the range.
	assert.InDelta(t, -0.5, lerpExtrap(xs, ys, -5), 1e-12)
	assert.InDelta(t, 4.0, lerpExtrap(xs, ys, 25), 1e-12)
	// Single node degenerates to a constant.
	assert.Equal(t, 7.0, lerpExtrap([]float64{1}, []float64{7}, 99))
}

func TestCustomBeamWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window.csv")
	content := "# tabulated window\nell,Wl_eff\n0,1.0\n10,0.5\n20,0.25\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b, err := customBeam(BeamInfo{Type: "Custom", File: path, Field: "Wl_eff"}, 25)
	require.NoError(t, err)
	require.Len(t, b, 25)

	assert.InDelta(t, 1.0, b[0], 1e-12)
	assert.InDelta(t, 0.5, b[10], 1e-12)
	assert.InDelta(t, 0.25, b[20], 1e-12)
	// Log-linear interpolation halves every 10 multipoles.
	assert.InDelta(t, math.Sqrt(0.5), b[5], 1e-12)
	// And keeps halving beyond the table.
	assert.InDelta(t, 0.25*math.Pow(0.5, 0.4), b[24], 1e-12)
}

func TestCustomBeamMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window.csv")
	require.NoError(t, os.WriteFile(path, []byte("ell,other\n0,1\n"), 0o644))

	_, err := customBeam(BeamInfo{Type: "Custom", File: path, Field: "Wl_eff"}, 5)
	assert.Error(t, err)
}

func TestP15CIBProducts(t *testing.T) {
	dir := t.TempDir()
	const nativeNside, nside = 8, 4

	raw := make([]float64, healpix.Npix(nativeNside))
	mask := make([]float64, healpix.Npix(nativeNside))
	for i := range raw {
		raw[i] = 3
		mask[i] = 1
	}
	mapPath := filepath.Join(dir, "cib.fits")
	maskPath := filepath.Join(dir, "cibmask.fits")
	require.NoError(t, fits.WriteMap(mapPath, raw))
	require.NoError(t, fits.WriteMap(maskPath, mask))

	m, err := NewP15CIB(Config{
		"nside":     nside,
		"file_map":  mapPath,
		"file_mask": maskPath,
		"map_name":  "P15_545",
	}, nil)
	require.NoError(t, err)

	signal, err := m.SignalMap()
	require.NoError(t, err)
	require.Len(t, signal, 1)
	require.Len(t, signal[0], healpix.Npix(nside))
	for _, v := range signal[0] {
		assert.InDelta(t, 3.0, v, 1e-12)
	}

	beam, err := m.Beam()
	require.NoError(t, err)
	require.Len(t, beam, 3*nside)
	assert.Equal(t, 1.0, beam[0])
	assert.Less(t, beam[11], 1.0)

	_, err = m.NlCoupled()
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = m.Nz(0)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	assert.Equal(t, DTypeCMBCIB, m.DType())
}

func TestCIBLenzBeamProduct(t *testing.T) {
	dir := t.TempDir()
	windowPath := filepath.Join(dir, "window.csv")
	require.NoError(t, os.WriteFile(windowPath, []byte("ell,Wl\n0,1\n100,1\n"), 0o644))

	m, err := NewCIBLenz(Config{
		"nside": 4,
		"beam_info": []any{
			map[string]any{"type": "Gaussian", "FWHM_arcmin": 5.0},
			map[string]any{"type": "Custom", "file": windowPath, "field": "Wl"},
		},
	}, nil)
	require.NoError(t, err)

	beam, err := m.Beam()
	require.NoError(t, err)

	// The flat custom window leaves the Gaussian beam unchanged.
	want := gaussianBeam(5, 12)
	for l := range beam {
		assert.InDelta(t, want[l], beam[l], 1e-12, "ell %d", l)
	}
}
