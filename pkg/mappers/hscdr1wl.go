package mappers

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/nz"
)

const (
	hscShapePrefix = "ishape_hsm_regauss"
	hscWeightCol   = "ishape_hsm_regauss_derived_shape_weight"

	// Blendedness cut at abs_flux < 10^-0.375.
	hscBlendednessMax = 0.42169650342
)

// HSCDR1WL maps the HSC DR1 weak-lensing sample: per-field quality cuts,
// regauss shear calibration, shape-weighted ellipticity maps, and a COSMOS
// cross-matched redshift distribution.
//
// Recognized options: data_catalogs (one file per field), depth_cut (default
// 24.5), z_edges (required), bin_name, shear_mod_thr (default 2),
// fname_cosmos, fnames_cosmos_ph, nbin_nz (default 100), zlim_nz (default
// [0, 4]), nside, mask_name, path_rerun.
type HSCDR1WL struct {
	base
	depthCut float64
	zEdges   [2]float64
	binName  string
	shearThr float64

	cat    *catalog.Table
	mask   []float64
	signal [][]float64
	nl     [][]float64
	dndz   *nz.Distribution
}

// NewHSCDR1WL creates an HSC DR1 shear mapper.
func NewHSCDR1WL(cfg Config, log *zap.Logger) (*HSCDR1WL, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return nil, err
	}
	depthCut, err := cfg.Float("depth_cut", 24.5)
	if err != nil {
		return nil, err
	}
	zEdges, err := cfg.RequiredFloatPair("z_edges")
	if err != nil {
		return nil, err
	}
	shearThr, err := cfg.Float("shear_mod_thr", 2)
	if err != nil {
		return nil, err
	}
	return &HSCDR1WL{
		base:     b,
		depthCut: depthCut,
		zEdges:   zEdges,
		binName:  cfg.String("bin_name", ""),
		shearThr: shearThr,
	}, nil
}

// cleanRawCatalog reads one field file and applies the sample quality cuts.
func (m *HSCDR1WL) cleanRawCatalog(path string) (*catalog.Table, error) {
	c, err := fits.ReadTable(path)
	if err != nil {
		return nil, err
	}

	// Null flags and NaNs. Photo-z and shape columns keep their NaNs: those
	// rows are judged by the shear cuts instead.
	sel := make([]bool, c.Len())
	for i := range sel {
		sel[i] = true
	}
	for _, name := range c.Names() {
		if strings.Contains(name, "isnull") {
			if !strings.HasPrefix(name, hscShapePrefix) {
				col, err := c.Bool(name)
				if err != nil {
					return nil, err
				}
				for i, null := range col {
					if null {
						sel[i] = false
					}
				}
			}
			continue
		}
		if c.IsBool(name) || strings.HasPrefix(name, "pz_") || strings.HasPrefix(name, hscShapePrefix) {
			continue
		}
		col, err := c.Float(name)
		if err != nil {
			return nil, err
		}
		for i, v := range col {
			if math.IsNaN(v) {
				sel[i] = false
			}
		}
	}
	var keepNames []string
	for _, name := range c.Names() {
		if !strings.Contains(name, "isnull") {
			keepNames = append(keepNames, name)
		}
	}
	c.KeepColumns(keepNames...)
	if err := c.Keep(sel); err != nil {
		return nil, err
	}

	bcol := func(name string) ([]bool, error) { return c.Bool(name) }
	fcol := func(name string) ([]float64, error) { return c.Float(name) }

	area, err := bcol("wl_fulldepth_fullcolor")
	if err != nil {
		return nil, err
	}
	clean, err := bcol("clean_photometry")
	if err != nil {
		return nil, err
	}
	imag, err := fcol("icmodel_mag")
	if err != nil {
		return nil, err
	}
	ai, err := fcol("a_i")
	if err != nil {
		return nil, err
	}
	blend, err := fcol("iblendedness_abs_flux")
	if err != nil {
		return nil, err
	}
	ext, err := fcol("iclassification_extendedness")
	if err != nil {
		return nil, err
	}
	iflux, err := fcol("icmodel_flux")
	if err != nil {
		return nil, err
	}
	ifluxErr, err := fcol("icmodel_flux_err")
	if err != nil {
		return nil, err
	}

	snPass := make([]int, c.Len())
	for _, band := range []string{"g", "r", "z", "y"} {
		flux, err := fcol(band + "cmodel_flux")
		if err != nil {
			return nil, err
		}
		fluxErr, err := fcol(band + "cmodel_flux_err")
		if err != nil {
			return nil, err
		}
		for i := range snPass {
			if flux[i] >= 5*fluxErr[i] {
				snPass[i]++
			}
		}
	}

	keep := make([]bool, c.Len())
	for i := range keep {
		keep[i] = area[i] && clean[i] &&
			imag[i]-ai[i] <= m.depthCut &&
			blend[i] < hscBlendednessMax &&
			iflux[i] >= 10*ifluxErr[i] &&
			snPass[i] >= 2 &&
			ext[i] >= 0.99
	}
	if err := c.Keep(keep); err != nil {
		return nil, err
	}
	return c, nil
}

// calibrateField applies the shear cuts and regauss calibration to one
// cleaned field, leaving only the mapping columns.
func (m *HSCDR1WL) calibrateField(c *catalog.Table) (*catalog.Table, error) {
	flags, err := c.Bool(hscShapePrefix + "_flags")
	if err != nil {
		return nil, err
	}
	sigma, err := c.Float(hscShapePrefix + "_sigma")
	if err != nil {
		return nil, err
	}
	res, err := c.Float(hscShapePrefix + "_resolution")
	if err != nil {
		return nil, err
	}
	e1raw, err := c.Float(hscShapePrefix + "_e1")
	if err != nil {
		return nil, err
	}
	e2raw, err := c.Float(hscShapePrefix + "_e2")
	if err != nil {
		return nil, err
	}
	brightCenter, err := c.Bool("iflags_pixel_bright_object_center")
	if err != nil {
		return nil, err
	}
	brightAny, err := c.Bool("iflags_pixel_bright_object_any")
	if err != nil {
		return nil, err
	}
	fdfc, err := c.Bool("wl_fulldepth_fullcolor")
	if err != nil {
		return nil, err
	}
	zs, err := c.Float("pz_best_eab")
	if err != nil {
		return nil, err
	}

	keep := make([]bool, c.Len())
	for i := range keep {
		keep[i] = !flags[i] &&
			!math.IsNaN(sigma[i]) && sigma[i] >= 0 && sigma[i] <= 0.4 &&
			res[i] >= 0.3 &&
			e1raw[i]*e1raw[i]+e2raw[i]*e2raw[i] < m.shearThr &&
			!brightCenter[i] && !brightAny[i] &&
			fdfc[i] &&
			zs[i] > m.zEdges[0] && zs[i] <= m.zEdges[1]
	}
	if err := c.Keep(keep); err != nil {
		return nil, err
	}

	w, err := c.Float(hscWeightCol)
	if err != nil {
		return nil, err
	}
	biasM, err := c.Float(hscShapePrefix + "_derived_shear_bias_m")
	if err != nil {
		return nil, err
	}
	c1, err := c.Float(hscShapePrefix + "_derived_shear_bias_c1")
	if err != nil {
		return nil, err
	}
	c2, err := c.Float(hscShapePrefix + "_derived_shear_bias_c2")
	if err != nil {
		return nil, err
	}
	rmsE, err := c.Float(hscShapePrefix + "_derived_rms_e")
	if err != nil {
		return nil, err
	}
	e1raw, _ = c.Float(hscShapePrefix + "_e1")
	e2raw, _ = c.Float(hscShapePrefix + "_e2")

	mhat := stat.Mean(biasM, w)
	rms2 := make([]float64, len(rmsE))
	for i, v := range rmsE {
		rms2[i] = v * v
	}
	resp := 1 - stat.Mean(rms2, w)

	e1 := make([]float64, c.Len())
	e2 := make([]float64, c.Len())
	for i := range e1 {
		e1[i] = (e1raw[i]/(2*resp) - c1[i]) / (1 + mhat)
		e2[i] = (e2raw[i]/(2*resp) - c2[i]) / (1 + mhat)
	}
	if err := c.AddFloat("e1", e1); err != nil {
		return nil, err
	}
	if err := c.AddFloat("e2", e2); err != nil {
		return nil, err
	}
	c.KeepColumns("ra", "dec", "e1", "e2", hscWeightCol)
	return c, nil
}

// Catalog loads, cuts, calibrates and stacks all fields, cached as a table
// artifact per bin.
func (m *HSCDR1WL) Catalog() (*catalog.Table, error) {
	if m.cat != nil {
		return m.cat, nil
	}
	cat, err := m.cache.Table(fmt.Sprintf("HSCDR1wl_%s.fits", m.binName), func() (*catalog.Table, error) {
		files, err := m.cfg.Strings("data_catalogs")
		if err != nil {
			return nil, err
		}
		var fields []*catalog.Table
		for _, path := range files {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("%w: field catalog %s not found", ErrConfig, path)
			}
			m.log.Info("cleaning field catalog", zap.String("bin", m.binName), zap.String("file", path))
			c, err := m.cleanRawCatalog(path)
			if err != nil {
				return nil, err
			}
			c, err = m.calibrateField(c)
			if err != nil {
				return nil, err
			}
			fields = append(fields, c)
		}
		return catalog.VStack(fields...)
	})
	if err != nil {
		return nil, err
	}
	m.cat = cat
	return m.cat, nil
}

// SignalMap returns the shape-weighted ellipticity component maps.
func (m *HSCDR1WL) SignalMap() ([][]float64, error) {
	if m.signal != nil {
		return m.signal, nil
	}
	name := fmt.Sprintf("HSCDR1wl_signal_%s_ns%d.fits.gz", m.binName, m.nside)
	d, err := m.cache.Maps(name, func() ([][]float64, error) {
		m.log.Info("computing signal map", zap.String("bin", m.binName))
		cat, err := m.Catalog()
		if err != nil {
			return nil, err
		}
		ra, _ := cat.Float("ra")
		dec, _ := cat.Float("dec")
		e1, _ := cat.Float("e1")
		e2, _ := cat.Float("e2")
		w, _ := cat.Float(hscWeightCol)
		we1 := make([]float64, len(w))
		we2 := make([]float64, len(w))
		for i := range w {
			we1[i] = e1[i] * w[i]
			we2[i] = e2[i] * w[i]
		}
		m1, err := MapFromPoints(m.nside, ra, dec, we1)
		if err != nil {
			return nil, err
		}
		m2, err := MapFromPoints(m.nside, ra, dec, we2)
		if err != nil {
			return nil, err
		}
		mask, err := m.Mask()
		if err != nil {
			return nil, err
		}
		for p := range mask {
			if mask[p] > 0 {
				m1[p] /= mask[p]
				m2[p] /= mask[p]
			}
		}
		return [][]float64{m1, m2}, nil
	})
	if err != nil {
		return nil, err
	}
	m.signal = d
	return m.signal, nil
}

// Mask is the shape-weighted galaxy count map; it is continuous, not binary.
func (m *HSCDR1WL) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	name := fmt.Sprintf("HSCDR1wl_mask_%s_ns%d.fits.gz", m.binName, m.nside)
	mask, err := m.cache.Map(name, func() ([]float64, error) {
		m.log.Info("computing mask", zap.String("bin", m.binName))
		cat, err := m.Catalog()
		if err != nil {
			return nil, err
		}
		ra, _ := cat.Float("ra")
		dec, _ := cat.Float("dec")
		w, _ := cat.Float(hscWeightCol)
		return MapFromPoints(m.nside, ra, dec, w)
	})
	if err != nil {
		return nil, err
	}
	m.mask = mask
	return m.mask, nil
}

// NlCoupled returns the mask-coupled shape-noise spectrum.
func (m *HSCDR1WL) NlCoupled() ([][]float64, error) {
	if m.nl != nil {
		return m.nl, nil
	}
	name := fmt.Sprintf("HSCDR1wl_w2s2_%s_ns%d.fits.gz", m.binName, m.nside)
	w2s2, err := m.cache.Map(name, func() ([]float64, error) {
		m.log.Info("computing w2s2 map", zap.String("bin", m.binName))
		cat, err := m.Catalog()
		if err != nil {
			return nil, err
		}
		ra, _ := cat.Float("ra")
		dec, _ := cat.Float("dec")
		e1, _ := cat.Float("e1")
		e2, _ := cat.Float("e2")
		w, _ := cat.Float(hscWeightCol)
		ws := make([]float64, len(w))
		for i := range ws {
			ws[i] = 0.5 * (e1[i]*e1[i] + e2[i]*e2[i]) * w[i] * w[i]
		}
		return MapFromPoints(m.nside, ra, dec, ws)
	})
	if err != nil {
		return nil, err
	}
	m.nl = shapeNoise(w2s2, m.nside, m.Spin())
	return m.nl, nil
}

// computeNz cross-matches the COSMOS reference catalog with its photometric
// companions by object id and builds the reweighted redshift histogram.
func (m *HSCDR1WL) computeNz() (*nz.Distribution, error) {
	m.log.Info("computing nz", zap.String("bin", m.binName))
	cosmosPath, err := m.cfg.File("fname_cosmos")
	if err != nil {
		return nil, err
	}
	cosmos, err := fits.ReadTable(cosmosPath)
	if err != nil {
		return nil, err
	}
	phPaths, err := m.cfg.Strings("fnames_cosmos_ph")
	if err != nil {
		return nil, err
	}
	var phTables []*catalog.Table
	for _, p := range phPaths {
		t, err := fits.ReadTable(p)
		if err != nil {
			return nil, err
		}
		phTables = append(phTables, t)
	}
	photo, err := catalog.VStack(phTables...)
	if err != nil {
		return nil, err
	}

	phID, err := photo.Float("ID")
	if err != nil {
		return nil, err
	}
	csID, err := cosmos.Float("S17a_objid")
	if err != nil {
		return nil, err
	}
	phz, err := photo.Float("PHOTOZ_BEST")
	if err != nil {
		return nil, err
	}
	somW, err := cosmos.Float("SOM_weight")
	if err != nil {
		return nil, err
	}
	srcW, err := cosmos.Float("weight_source")
	if err != nil {
		return nil, err
	}
	cosmosZ, err := cosmos.Float("COSMOS_photoz")
	if err != nil {
		return nil, err
	}

	// Intersect ids, first occurrence on either side.
	phIdx := make(map[float64]int, len(phID))
	for i, id := range phID {
		if _, ok := phIdx[id]; !ok {
			phIdx[id] = i
		}
	}
	type match struct{ ph, cs int }
	seen := make(map[float64]bool)
	var matches []match
	for i, id := range csID {
		if j, ok := phIdx[id]; ok && !seen[id] {
			matches = append(matches, match{ph: j, cs: i})
			seen[id] = true
		}
	}
	sort.Slice(matches, func(a, b int) bool { return csID[matches[a].cs] < csID[matches[b].cs] })

	nbin, err := m.cfg.Int("nbin_nz", 100)
	if err != nil {
		return nil, err
	}
	zlim, err := m.cfg.FloatPair("zlim_nz", [2]float64{0, 4})
	if err != nil {
		return nil, err
	}

	var zs, ws []float64
	nSample := 0
	for _, mt := range matches {
		if phz[mt.ph] > m.zEdges[0] && phz[mt.ph] <= m.zEdges[1] {
			zs = append(zs, cosmosZ[mt.cs])
			ws = append(ws, somW[mt.cs]*srcW[mt.cs])
			nSample++
		}
	}
	if nSample == 0 {
		return nil, fmt.Errorf("no COSMOS matches in redshift bin %s", m.binName)
	}
	h := nz.HistogramDensity(zs, ws, zlim[0], zlim[1], nbin)
	dist := make([]float64, nbin)
	for b := range dist {
		dist[b] = h[b] * float64(nSample)
	}
	return &nz.Distribution{Z: nz.BinCenters(zlim[0], zlim[1], nbin), Nz: dist}, nil
}

// Nz returns the COSMOS-reweighted redshift distribution, shifted by dz.
func (m *HSCDR1WL) Nz(dz float64) (*nz.Distribution, error) {
	if m.dndz == nil {
		d, err := m.cache.Nz(fmt.Sprintf("HSCDR1wl_nz_%s.npz", m.binName), m.computeNz)
		if err != nil {
			return nil, err
		}
		m.dndz = d
	}
	return m.dndz.Shifted(dz), nil
}

func (m *HSCDR1WL) DType() DType { return DTypeGalaxyShear }

func (m *HSCDR1WL) Spin() int { return 2 }
