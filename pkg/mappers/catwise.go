package mappers

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
)

// CatWISE maps the CatWISE infrared AGN sample into a density-contrast map.
// When no mask file is supplied, the mask is synthesized from a Galactic
// plane cut and disc exclusions around a list of point sources.
//
// Recognized options: data_catalog, mask_file, mask_sources, flux_max_W1
// (default 16.4), GLAT_max_deg (default 30), nside, mask_name, path_rerun.
type CatWISE struct {
	base
	fluxMax float64
	glatMax float64

	cat   *catalog.Table
	mask  []float64
	delta [][]float64
	nl    [][]float64
}

// NewCatWISE creates a CatWISE density mapper.
func NewCatWISE(cfg Config, log *zap.Logger) (*CatWISE, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return nil, err
	}
	fluxMax, err := cfg.Float("flux_max_W1", 16.4)
	if err != nil {
		return nil, err
	}
	glatMax, err := cfg.Float("GLAT_max_deg", 30)
	if err != nil {
		return nil, err
	}
	return &CatWISE{base: b, fluxMax: fluxMax, glatMax: glatMax}, nil
}

// Catalog loads the AGN table and applies the W1 flux selection.
func (m *CatWISE) Catalog() (*catalog.Table, error) {
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
	w1, err := cat.Float("w1")
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(w1))
	for i, v := range w1 {
		keep[i] = v < m.fluxMax
	}
	if err := cat.Keep(keep); err != nil {
		return nil, err
	}
	m.cat = cat
	return m.cat, nil
}

func (m *CatWISE) countMap() ([]float64, error) {
	cat, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	ra, err := cat.Float("ra")
	if err != nil {
		return nil, err
	}
	dec, err := cat.Float("dec")
	if err != nil {
		return nil, err
	}
	return MapFromPoints(m.nside, ra, dec, nil)
}

// SignalMap returns the density contrast map as a single component.
func (m *CatWISE) SignalMap() ([][]float64, error) {
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

// cutMask synthesizes the footprint: Galactic-plane cut plus inclusive disc
// exclusions around each source in the hole table.
func (m *CatWISE) cutMask() ([]float64, error) {
	m.log.Info("synthesizing mask", zap.String("mapper", "catwise"), zap.Int("nside", m.nside))
	mask := make([]float64, m.npix)
	rot, err := healpix.NewRotator("C", "G")
	if err != nil {
		return nil, err
	}
	for p := range mask {
		ra, dec := healpix.Pix2LonLat(m.nside, p)
		_, b := rot.Apply(ra, dec)
		if math.Abs(b) < m.glatMax {
			mask[p] = 0
		} else {
			mask[p] = 1
		}
	}
	if srcPath := m.cfg.String("mask_sources", ""); srcPath != "" {
		holes, err := fits.ReadTable(srcPath)
		if err != nil {
			return nil, err
		}
		ra, err := holes.Float("ra")
		if err != nil {
			return nil, err
		}
		dec, err := holes.Float("dec")
		if err != nil {
			return nil, err
		}
		radius, err := holes.Float("radius")
		if err != nil {
			return nil, err
		}
		for i := range ra {
			for _, p := range healpix.QueryDiscInclusive(m.nside, ra[i], dec[i], radius[i]*math.Pi/180) {
				mask[p] = 0
			}
		}
	}
	return mask, nil
}

// Mask returns the configured external mask regridded to the mapper
// resolution, or the synthesized cutout mask when none is configured.
func (m *CatWISE) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	if path := m.cfg.String("mask_file", ""); path != "" {
		raw, err := fits.ReadMap(path)
		if err != nil {
			return nil, err
		}
		m.mask, err = healpix.UDGrade(raw, m.nside)
		return m.mask, err
	}
	mask, err := m.cache.Map(fmt.Sprintf("CatWise_cutout_mask_ns%d.fits.gz", m.nside), m.cutMask)
	if err != nil {
		return nil, err
	}
	m.mask = mask
	return m.mask, nil
}

// NlCoupled returns the mask-coupled shot-noise spectrum.
func (m *CatWISE) NlCoupled() ([][]float64, error) {
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

// Nz is unavailable: the sample has no reference redshift dataset.
func (m *CatWISE) Nz(dz float64) (*nz.Distribution, error) {
	return nil, fmt.Errorf("%w: no dNdz for CatWISE", ErrNotImplemented)
}

func (m *CatWISE) DType() DType { return DTypeGalaxyDensity }

func (m *CatWISE) Spin() int { return 0 }
