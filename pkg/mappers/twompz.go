package mappers

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
)

// dirBands are the photometric magnitudes the 2MPZ DIR estimator trains on.
var dirBands = []string{
	"JCORR", "KCORR", "HCORR",
	"W1MCORR", "W2MCORR",
	"BCALCORR", "RCALCORR", "ICALCORR",
}

// TwoMPZ maps the 2MPZ photometric galaxy sample into a density-contrast map,
// with a DIR redshift distribution built from its spectroscopic subsample.
//
// Recognized options: data_catalog, mask, z_edges (default [0, 0.5]),
// coordinates ("G" or "C"), n_jk_dir (default 100), nside, mask_name,
// path_rerun.
type TwoMPZ struct {
	base
	zEdges          [2]float64
	raName, decName string
	njk             int

	cat   *catalog.Table
	mask  []float64
	delta [][]float64
	nl    [][]float64
	dndz  *nz.Distribution
}

// NewTwoMPZ creates a 2MPZ density mapper.
func NewTwoMPZ(cfg Config, log *zap.Logger) (*TwoMPZ, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return nil, err
	}
	zEdges, err := cfg.FloatPair("z_edges", [2]float64{0, 0.5})
	if err != nil {
		return nil, err
	}
	njk, err := cfg.Int("n_jk_dir", 100)
	if err != nil {
		return nil, err
	}
	m := &TwoMPZ{base: b, zEdges: zEdges, njk: njk}
	switch coords := cfg.String("coordinates", "G"); coords {
	case "G":
		m.raName, m.decName = "L", "B"
	case "C":
		m.raName, m.decName = "SUPRA", "SUPDEC"
	default:
		return nil, fmt.Errorf("%w: unknown coordinates %q", ErrConfig, coords)
	}
	return m, nil
}

// Catalog loads the source table, restricts it to the configured redshift bin
// and drops rows outside the footprint. The table is owned by the mapper.
func (m *TwoMPZ) Catalog() (*catalog.Table, error) {
	if m.cat != nil {
		return m.cat, nil
	}
	path, err := m.cfg.File("data_catalog")
	if err != nil {
		return nil, err
	}
	cat, err := fits.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := m.binZ(cat); err != nil {
		return nil, err
	}
	if err := m.maskCatalog(cat); err != nil {
		return nil, err
	}
	m.cat = cat
	return m.cat, nil
}

func (m *TwoMPZ) binZ(cat *catalog.Table) error {
	z, err := cat.Float("ZPHOTO")
	if err != nil {
		return err
	}
	keep := make([]bool, len(z))
	for i, v := range z {
		keep[i] = v > m.zEdges[0] && v <= m.zEdges[1]
	}
	return cat.Keep(keep)
}

func (m *TwoMPZ) maskCatalog(cat *catalog.Table) error {
	mask, err := m.Mask()
	if err != nil {
		return err
	}
	lon, err := cat.Float(m.raName)
	if err != nil {
		return err
	}
	lat, err := cat.Float(m.decName)
	if err != nil {
		return err
	}
	keep := make([]bool, len(lon))
	for i := range lon {
		// Mask is binary, so the exact threshold does not matter.
		keep[i] = mask[healpix.LonLat2Pix(m.nside, lon[i], lat[i])] > 0.1
	}
	return cat.Keep(keep)
}

func (m *TwoMPZ) countMap() ([]float64, error) {
	cat, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	lon, _ := cat.Float(m.raName)
	lat, _ := cat.Float(m.decName)
	return MapFromPoints(m.nside, lon, lat, nil)
}

// SignalMap returns the density contrast map as a single component.
func (m *TwoMPZ) SignalMap() ([][]float64, error) {
	if m.delta != nil {
		return m.delta, nil
	}
	counts, err := m.countMap()
	if err != nil {
		return nil, err
	}
	mask, err := m.Mask()
	if err != nil {
		return nil, err
	}
	m.delta = [][]float64{densityContrast(counts, mask)}
	return m.delta, nil
}

// Mask reads the survey mask and regrids it to the mapper resolution.
func (m *TwoMPZ) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	path, err := m.cfg.File("mask")
	if err != nil {
		return nil, err
	}
	raw, err := fits.ReadMap(path)
	if err != nil {
		return nil, err
	}
	m.mask, err = healpix.UDGrade(raw, m.nside)
	return m.mask, err
}

// NlCoupled returns the mask-coupled shot-noise spectrum.
func (m *TwoMPZ) NlCoupled() ([][]float64, error) {
	if m.nl != nil {
		return m.nl, nil
	}
	counts, err := m.countMap()
	if err != nil {
		return nil, err
	}
	mask, err := m.Mask()
	if err != nil {
		return nil, err
	}
	m.nl = shotNoise(counts, mask, m.nside)
	return m.nl, nil
}

func (m *TwoMPZ) computeNz() (*nz.Distribution, error) {
	m.log.Info("computing DIR redshift distribution", zap.String("mapper", "2mpz"))
	cat, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	zspec, err := cat.Float("ZSPEC")
	if err != nil {
		return nil, err
	}
	lon, _ := cat.Float(m.raName)
	lat, _ := cat.Float(m.decName)

	photo := make([][]float64, cat.Len())
	cols := make([][]float64, len(dirBands))
	for j, name := range dirBands {
		col, err := cat.Float(name)
		if err != nil {
			return nil, err
		}
		cols[j] = col
	}
	for i := range photo {
		row := make([]float64, len(dirBands))
		for j := range dirBands {
			row[j] = cols[j][i]
		}
		photo[i] = row
	}

	// Spectroscopic subsample, sorted by nested pixel index so that
	// contiguous jackknife blocks are spatially correlated.
	type specRow struct {
		nestPix int
		z       float64
		bands   []float64
	}
	var spec []specRow
	for i := range zspec {
		if zspec[i] > -1 {
			p := healpix.Ring2Nest(m.nside, healpix.LonLat2Pix(m.nside, lon[i], lat[i]))
			spec = append(spec, specRow{nestPix: p, z: zspec[i], bands: photo[i]})
		}
	}
	if len(spec) == 0 {
		return nil, fmt.Errorf("%w: no spectroscopic subsample in catalog", ErrNotImplemented)
	}
	sort.SliceStable(spec, func(i, j int) bool { return spec[i].nestPix < spec[j].nestPix })

	train := make([][]float64, len(spec))
	trainZ := make([]float64, len(spec))
	for i, s := range spec {
		train[i] = s.bands
		trainZ[i] = s.z
	}
	return nz.DIR(train, trainZ, photo, nz.DIROptions{
		ZMin: 0, ZMax: 0.4, NBins: 100, NJK: m.njk,
	})
}

// Nz returns the DIR redshift distribution, optionally displaced by dz. The
// jackknife ensemble rides along for error propagation.
func (m *TwoMPZ) Nz(dz float64) (*nz.Distribution, error) {
	if m.dndz == nil {
		d, err := m.cache.Nz("nz_2MPZ.npz", m.computeNz)
		if err != nil {
			return nil, err
		}
		m.dndz = d
	}
	return m.dndz.Shifted(dz), nil
}

func (m *TwoMPZ) DType() DType { return DTypeGalaxyDensity }

func (m *TwoMPZ) Spin() int { return 0 }
