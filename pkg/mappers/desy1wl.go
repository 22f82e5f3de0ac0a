package mappers

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
)

// Mode selects which ellipticity components a shear mapper works on.
type Mode string

const (
	ModeShear Mode = "shear"
	ModePSF   Mode = "PSF"
)

// selStep is the metacalibration perturbation step used for the selection
// response finite differences.
const selStep = 0.02

// DESY1WL maps the DES Y1 metacalibration shear catalog: per-bin selection,
// additive and multiplicative (response matrix) bias correction, weighted
// ellipticity maps and shape-noise spectra, per mode (shear or PSF).
//
// Recognized options: data_cat, zbin_cat, file_nz, zbin, mode (default
// "shear"), nside, mask_name, path_rerun.
type DESY1WL struct {
	base
	zbin int
	mode Mode

	cat  *catalog.Table
	rs   [2][2]float64
	maps map[Mode][][]float64
	nls  map[Mode][][]float64
	mask []float64
	dndz *nz.Distribution
}

// NewDESY1WL creates a DES Y1 shear mapper.
func NewDESY1WL(cfg Config, log *zap.Logger) (*DESY1WL, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return nil, err
	}
	zbin, err := cfg.RequiredInt("zbin")
	if err != nil {
		return nil, err
	}
	m := &DESY1WL{
		base: b,
		zbin: zbin,
		mode: Mode(cfg.String("mode", string(ModeShear))),
		maps: make(map[Mode][][]float64),
		nls:  make(map[Mode][][]float64),
	}
	if _, _, err := m.modeColumns(m.mode); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DESY1WL) modeColumns(mode Mode) (e1, e2 string, err error) {
	if mode == "" {
		mode = m.mode
	}
	switch mode {
	case ModeShear:
		return "e1", "e2", nil
	case ModePSF:
		return "psf_e1", "psf_e2", nil
	}
	return "", "", fmt.Errorf("%w: unknown mode %q", ErrConfig, mode)
}

// rawCatalog loads and pre-filters the combined shape and bin-membership
// catalog, cached as a table artifact.
func (m *DESY1WL) rawCatalog() (*catalog.Table, error) {
	return m.cache.Table(fmt.Sprintf("DESY1wl_catalog_rerun_bin%d.fits", m.zbin), func() (*catalog.Table, error) {
		m.log.Info("loading full catalog", zap.Int("zbin", m.zbin))
		dataPath, err := m.cfg.File("data_cat")
		if err != nil {
			return nil, err
		}
		zbinPath, err := m.cfg.File("zbin_cat")
		if err != nil {
			return nil, err
		}
		cat, err := fits.ReadTable(dataPath)
		if err != nil {
			return nil, err
		}
		cat.KeepColumns("coadd_objects_id", "e1", "e2", "psf_e1", "psf_e2",
			"ra", "dec", "R11", "R12", "R21", "R22", "flags_select")
		zcat, err := fits.ReadTable(zbinPath)
		if err != nil {
			return nil, err
		}
		if zcat.Len() != cat.Len() {
			return nil, fmt.Errorf("mappers: shape catalog has %d rows, bin catalog %d", cat.Len(), zcat.Len())
		}
		for _, name := range []string{"zbin_mcal", "zbin_mcal_1p", "zbin_mcal_1m", "zbin_mcal_2p", "zbin_mcal_2m"} {
			col, err := zcat.Float(name)
			if err != nil {
				return nil, err
			}
			if err := cat.AddFloat(name, col); err != nil {
				return nil, err
			}
		}

		// Keep rows belonging to this bin under any of the perturbed
		// reclassifications; they are needed for the selection response.
		zb := float64(m.zbin)
		inBin := func(name string) []float64 { c, _ := cat.Float(name); return c }
		zm := inBin("zbin_mcal")
		z1p, z1m := inBin("zbin_mcal_1p"), inBin("zbin_mcal_1m")
		z2p, z2m := inBin("zbin_mcal_2p"), inBin("zbin_mcal_2m")
		dec, _ := cat.Float("dec")
		flags, _ := cat.Float("flags_select")
		keep := make([]bool, cat.Len())
		for i := range keep {
			keep[i] = (zm[i] == zb || z1p[i] == zb || z1m[i] == zb || z2p[i] == zb || z2m[i] == zb) &&
				dec[i] >= -90 && dec[i] <= -35 && flags[i] == 0
		}
		if err := cat.Keep(keep); err != nil {
			return nil, err
		}
		return cat, nil
	})
}

// selectionResponse estimates the selection response matrix from the
// perturbed bin-membership subsamples by symmetric finite differences.
func (m *DESY1WL) selectionResponse(cat *catalog.Table) ([2][2]float64, error) {
	zb := float64(m.zbin)
	e1, err := cat.Float("e1")
	if err != nil {
		return [2][2]float64{}, err
	}
	e2, err := cat.Float("e2")
	if err != nil {
		return [2][2]float64{}, err
	}
	meanIn := func(binCol string, e []float64) (float64, error) {
		col, err := cat.Float(binCol)
		if err != nil {
			return 0, err
		}
		sum, n := 0.0, 0
		for i := range col {
			if col[i] == zb {
				sum += e[i]
				n++
			}
		}
		if n == 0 {
			return 0, nil
		}
		return sum / float64(n), nil
	}

	var rs [2][2]float64
	for i, e := range [][]float64{e1, e2} {
		m1p, err := meanIn("zbin_mcal_1p", e)
		if err != nil {
			return rs, err
		}
		m1m, err := meanIn("zbin_mcal_1m", e)
		if err != nil {
			return rs, err
		}
		m2p, err := meanIn("zbin_mcal_2p", e)
		if err != nil {
			return rs, err
		}
		m2m, err := meanIn("zbin_mcal_2m", e)
		if err != nil {
			return rs, err
		}
		rs[i][0] = (m1p - m1m) / selStep
		rs[i][1] = (m2p - m2m) / selStep
	}
	return rs, nil
}

// Catalog loads and calibrates the shear catalog exactly once, regardless of
// mode. The calibration order is fixed: selection response first (it needs
// the perturbed subsamples), then the bin cut, then additive, then
// multiplicative correction.
func (m *DESY1WL) Catalog() (*catalog.Table, error) {
	if m.cat != nil {
		return m.cat, nil
	}
	cat, err := m.rawCatalog()
	if err != nil {
		return nil, err
	}
	m.rs, err = m.selectionResponse(cat)
	if err != nil {
		return nil, err
	}

	zm, err := cat.Float("zbin_mcal")
	if err != nil {
		return nil, err
	}
	keep := make([]bool, cat.Len())
	for i := range keep {
		keep[i] = zm[i] == float64(m.zbin)
	}
	if err := cat.Keep(keep); err != nil {
		return nil, err
	}
	if err := m.removeAdditiveBias(cat); err != nil {
		return nil, err
	}
	if err := m.removeMultiplicativeBias(cat); err != nil {
		return nil, err
	}
	m.cat = cat
	return m.cat, nil
}

func (m *DESY1WL) removeAdditiveBias(cat *catalog.Table) error {
	for _, name := range []string{"e1", "e2"} {
		e, err := cat.Float(name)
		if err != nil {
			return err
		}
		mean := stat.Mean(e, nil)
		for i := range e {
			e[i] -= mean
		}
	}
	return nil
}

func (m *DESY1WL) removeMultiplicativeBias(cat *catalog.Table) error {
	// Mean response over galaxies truly in the bin.
	var rg [2][2]float64
	for i, row := range [][2]string{{"R11", "R12"}, {"R21", "R22"}} {
		for j, name := range row {
			col, err := cat.Float(name)
			if err != nil {
				return err
			}
			rg[i][j] = stat.Mean(col, nil)
		}
	}
	onePlusM := 0.5 * (rg[0][0] + m.rs[0][0] + rg[1][1] + m.rs[1][1])
	for _, name := range []string{"e1", "e2"} {
		e, err := cat.Float(name)
		if err != nil {
			return err
		}
		floats.Scale(1/onePlusM, e)
	}
	return nil
}

// SelectionResponse exposes the estimated selection response matrix.
func (m *DESY1WL) SelectionResponse() ([2][2]float64, error) {
	if _, err := m.Catalog(); err != nil {
		return [2][2]float64{}, err
	}
	return m.rs, nil
}

func (m *DESY1WL) ellipticityMaps(mode Mode) ([][]float64, error) {
	e1Col, e2Col, err := m.modeColumns(mode)
	if err != nil {
		return nil, err
	}
	m.log.Info("computing signal map", zap.Int("zbin", m.zbin), zap.String("mode", string(mode)))
	cat, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	ra, _ := cat.Float("ra")
	dec, _ := cat.Float("dec")
	e1, err := cat.Float(e1Col)
	if err != nil {
		return nil, err
	}
	e2, err := cat.Float(e2Col)
	if err != nil {
		return nil, err
	}
	we1, err := MapFromPoints(m.nside, ra, dec, e1)
	if err != nil {
		return nil, err
	}
	we2, err := MapFromPoints(m.nside, ra, dec, e2)
	if err != nil {
		return nil, err
	}
	mask, err := m.Mask()
	if err != nil {
		return nil, err
	}
	for p := range mask {
		if mask[p] > 0 {
			we1[p] /= mask[p]
			we2[p] /= mask[p]
		}
	}
	return [][]float64{we1, we2}, nil
}

// SignalMapMode returns the two ellipticity component maps for a mode. The
// first component is sign-flipped to match the downstream spin-2 convention.
func (m *DESY1WL) SignalMapMode(mode Mode) ([][]float64, error) {
	if mode == "" {
		mode = m.mode
	}
	if cached, ok := m.maps[mode]; ok {
		return cached, nil
	}
	if _, _, err := m.modeColumns(mode); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("DESY1wl_signal_map_%s_bin%d_ns%d.fits.gz", mode, m.zbin, m.nside)
	d, err := m.cache.Maps(name, func() ([][]float64, error) {
		return m.ellipticityMaps(mode)
	})
	if err != nil {
		return nil, err
	}
	neg := make([]float64, len(d[0]))
	for p, v := range d[0] {
		neg[p] = -v
	}
	m.maps[mode] = [][]float64{neg, d[1]}
	return m.maps[mode], nil
}

// SignalMap returns the component maps for the configured mode.
func (m *DESY1WL) SignalMap() ([][]float64, error) {
	return m.SignalMapMode(m.mode)
}

// Mask is the per-pixel galaxy count map, cached per bin.
func (m *DESY1WL) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	name := fmt.Sprintf("DESY1wl_mask_bin%d_ns%d.fits.gz", m.zbin, m.nside)
	mask, err := m.cache.Map(name, func() ([]float64, error) {
		cat, err := m.Catalog()
		if err != nil {
			return nil, err
		}
		ra, _ := cat.Float("ra")
		dec, _ := cat.Float("dec")
		return MapFromPoints(m.nside, ra, dec, nil)
	})
	if err != nil {
		return nil, err
	}
	m.mask = mask
	return m.mask, nil
}

// NlCoupledMode returns the mask-coupled shape-noise spectrum for a mode as
// the four EE/EB/BE/BB rows, with multipoles below the spin zeroed.
func (m *DESY1WL) NlCoupledMode(mode Mode) ([][]float64, error) {
	if mode == "" {
		mode = m.mode
	}
	if cached, ok := m.nls[mode]; ok {
		return cached, nil
	}
	e1Col, e2Col, err := m.modeColumns(mode)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("DESY1wl_%s_w2s2_bin%d_ns%d.fits.gz", mode, m.zbin, m.nside)
	w2s2, err := m.cache.Map(name, func() ([]float64, error) {
		cat, err := m.Catalog()
		if err != nil {
			return nil, err
		}
		ra, _ := cat.Float("ra")
		dec, _ := cat.Float("dec")
		e1, err := cat.Float(e1Col)
		if err != nil {
			return nil, err
		}
		e2, err := cat.Float(e2Col)
		if err != nil {
			return nil, err
		}
		w := make([]float64, len(e1))
		for i := range w {
			w[i] = 0.5 * (e1[i]*e1[i] + e2[i]*e2[i])
		}
		return MapFromPoints(m.nside, ra, dec, w)
	})
	if err != nil {
		return nil, err
	}
	m.nls[mode] = shapeNoise(w2s2, m.nside, m.Spin())
	return m.nls[mode], nil
}

// NlCoupled returns the shape-noise spectrum for the configured mode.
func (m *DESY1WL) NlCoupled() ([][]float64, error) {
	return m.NlCoupledMode(m.mode)
}

// Nz reads the tabulated per-bin redshift distribution.
func (m *DESY1WL) Nz(dz float64) (*nz.Distribution, error) {
	if m.dndz == nil {
		path, err := m.cfg.File("file_nz")
		if err != nil {
			return nil, err
		}
		t, err := fits.ReadTable(path)
		if err != nil {
			return nil, err
		}
		z, err := t.Float("Z_MID")
		if err != nil {
			return nil, err
		}
		dist, err := t.Float(fmt.Sprintf("BIN%d", m.zbin+1))
		if err != nil {
			return nil, err
		}
		m.dndz = &nz.Distribution{Z: z, Nz: dist}
	}
	return m.dndz.Shifted(dz), nil
}

func (m *DESY1WL) DType() DType { return DTypeGalaxyShear }

func (m *DESY1WL) Spin() int { return 2 }

// shapeNoise turns a weighted squared-ellipticity map into the flat coupled
// noise rows: Nl = pixarea * sum(w2s2)/npix, zero below the spin, with
// vanishing cross terms.
func shapeNoise(w2s2 []float64, nside, spin int) [][]float64 {
	level := healpix.PixArea(nside) * floats.Sum(w2s2) / float64(len(w2s2))
	nl := make([]float64, 3*nside)
	for l := range nl {
		if l >= spin {
			nl[l] = level
		}
	}
	// Rows 0 and 3 carry the same level but must not alias each other.
	nlBB := make([]float64, len(nl))
	copy(nlBB, nl)
	return [][]float64{nl, make([]float64, 3*nside), make([]float64, 3*nside), nlBB}
}
