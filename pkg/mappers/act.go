package mappers

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
)

// carGrid is a rectangular map in plate-carree projection. Its placement on
// the sky follows the reference-pixel convention of the image's WCS records:
// world = crval + cdelt*(pix+1-crpix) with 0-based pixel indices. Files
// without WCS records default to a full-sky grid with row 0 at +90 degrees
// latitude.
type carGrid struct {
	data          []float64
	width, height int

	crval1, crval2 float64
	crpix1, crpix2 float64
	cdelt1, cdelt2 float64
}

func newCARGrid(data []float64, width, height int) *carGrid {
	return &carGrid{
		data: data, width: width, height: height,
		crval2: 90,
		crpix1: 0.5, crpix2: 0.5,
		cdelt1: 360 / float64(width),
		cdelt2: -180 / float64(height),
	}
}

// sample returns the grid value nearest to the given direction, or zero when
// the direction falls outside the footprint of a partial-sky cutout.
func (g *carGrid) sample(lonDeg, latDeg float64) float64 {
	fy := (latDeg-g.crval2)/g.cdelt2 + g.crpix2 - 1
	if fy < -0.5 || fy > float64(g.height)-0.5 {
		return 0
	}
	y := clampIndex(int(math.Round(fy)), g.height)

	// Longitudes wrap: try the branch that lands on the grid.
	dlon := math.Mod(lonDeg-g.crval1, 360)
	for _, d := range []float64{dlon, dlon + 360, dlon - 360} {
		fx := d/g.cdelt1 + g.crpix1 - 1
		if fx < -0.5 || fx > float64(g.width)-0.5 {
			continue
		}
		return g.data[y*g.width+clampIndex(int(math.Round(fx)), g.width)]
	}
	return 0
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// toHealpix resamples the grid onto RING-ordered HEALPix pixels.
func (g *carGrid) toHealpix(nside int) []float64 {
	out := make([]float64, healpix.Npix(nside))
	for p := range out {
		lon, lat := healpix.Pix2LonLat(nside, p)
		out[p] = g.sample(lon, lat)
	}
	return out
}

func readCAR(path string) (*carGrid, error) {
	data, w, h, hdr, err := fits.ReadImageHDU(path)
	if err != nil {
		return nil, err
	}
	g := newCARGrid(data, w, h)
	for _, kw := range []struct {
		key string
		dst *float64
	}{
		{"CRVAL1", &g.crval1}, {"CRVAL2", &g.crval2},
		{"CRPIX1", &g.crpix1}, {"CRPIX2", &g.crpix2},
		{"CDELT1", &g.cdelt1}, {"CDELT2", &g.cdelt2},
	} {
		if v, ok := hdr.GetDouble(kw.key); ok {
			*kw.dst = v
		}
	}
	return g, nil
}

// actBase holds what the ACT mappers share: a native rectangular-pixel map
// and mask that get reprojected onto HEALPix.
//
// Recognized options: file_map, file_mask, map_name, lmax (default 6000),
// nside, mask_name, path_rerun.
type actBase struct {
	base
	mapName string
	lmax    int

	nativeMask *carGrid
	mask       []float64
}

func newACTBase(cfg Config, log *zap.Logger) (actBase, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return actBase{}, err
	}
	lmax, err := cfg.Int("lmax", 6000)
	if err != nil {
		return actBase{}, err
	}
	return actBase{base: b, mapName: cfg.String("map_name", ""), lmax: lmax}, nil
}

func (m *actBase) nativeMaskGrid() (*carGrid, error) {
	if m.nativeMask != nil {
		return m.nativeMask, nil
	}
	path, err := m.cfg.File("file_mask")
	if err != nil {
		return nil, err
	}
	m.nativeMask, err = readCAR(path)
	return m.nativeMask, err
}

// Mask reprojects the native mask onto HEALPix, cached per map name.
func (m *actBase) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	mask, err := m.cache.Map(fmt.Sprintf("ACT_%s_mask.fits.gz", m.mapName), func() ([]float64, error) {
		m.log.Info("reprojecting mask", zap.String("map", m.mapName), zap.Int("nside", m.nside))
		grid, err := m.nativeMaskGrid()
		if err != nil {
			return nil, err
		}
		return grid.toHealpix(m.nside), nil
	})
	if err != nil {
		return nil, err
	}
	m.mask = mask
	return m.mask, nil
}

// SignalMap on the base always fails: concrete ACT mappers override it.
func (m *actBase) SignalMap() ([][]float64, error) {
	return nil, fmt.Errorf("%w: do not use the ACT base mapper directly", ErrNotImplemented)
}

// Nz is unavailable for CMB maps.
func (m *actBase) Nz(dz float64) (*nz.Distribution, error) {
	return nil, fmt.Errorf("%w: no redshift distribution for ACT maps", ErrNotImplemented)
}

// ACTKappa maps the ACT CMB lensing convergence reconstruction.
type ACTKappa struct {
	actBase
	signal [][]float64
}

// NewACTKappa creates an ACT convergence mapper.
func NewACTKappa(cfg Config, log *zap.Logger) (*ACTKappa, error) {
	b, err := newACTBase(cfg, log)
	if err != nil {
		return nil, err
	}
	return &ACTKappa{actBase: b}, nil
}

func (m *ACTKappa) computeSignal() ([]float64, error) {
	m.log.Info("reprojecting signal map", zap.String("map", m.mapName), zap.Int("nside", m.nside))
	path, err := m.cfg.File("file_map")
	if err != nil {
		return nil, err
	}
	grid, err := readCAR(path)
	if err != nil {
		return nil, err
	}
	mp := grid.toHealpix(m.nside)

	// Renormalize by the mean squared native mask to undo the power lost
	// in reprojecting a masked map.
	nativeMask, err := m.nativeMaskGrid()
	if err != nil {
		return nil, err
	}
	msq := 0.0
	for _, v := range nativeMask.data {
		msq += v * v
	}
	msq /= float64(len(nativeMask.data))
	for p := range mp {
		mp[p] *= msq
	}
	return mp, nil
}

// SignalMap returns the reprojected convergence map as a single component.
func (m *ACTKappa) SignalMap() ([][]float64, error) {
	if m.signal != nil {
		return m.signal, nil
	}
	mp, err := m.cache.Map(fmt.Sprintf("ACT_%s_signal.fits.gz", m.mapName), m.computeSignal)
	if err != nil {
		return nil, err
	}
	m.signal = [][]float64{mp}
	return m.signal, nil
}

// NlCoupled is not estimated for the convergence map; the downstream
// pipeline derives it from the reconstruction noise curves.
func (m *ACTKappa) NlCoupled() ([][]float64, error) {
	return nil, fmt.Errorf("%w: no coupled noise model for ACT convergence", ErrNotImplemented)
}

func (m *ACTKappa) DType() DType { return DTypeCMBConvergence }

func (m *ACTKappa) Spin() int { return 0 }
