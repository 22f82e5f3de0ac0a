package mappers

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"go.uber.org/zap"

	"skymapper/pkg/fits"
	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
)

// BeamInfo describes one multiplicative beam/window contribution.
type BeamInfo struct {
	Type       string  // "Gaussian" or "Custom"
	FWHMArcmin float64 // Gaussian only
	File       string  // Custom only: CSV of tabulated window values
	Field      string  // Custom only: window column name
}

// planckBase handles Planck-style pre-gridded HEALPix maps: mask and signal
// are read in their native resolution and regridded, and a product of beam
// window functions is exposed for the downstream pipeline.
//
// Recognized options: file_map, file_mask, map_name, beam_info, nside,
// mask_name, path_rerun.
type planckBase struct {
	base
	mapName  string
	beamInfo []BeamInfo

	mask   []float64
	signal [][]float64
	beam   []float64
}

func newPlanckBase(cfg Config, log *zap.Logger) (planckBase, error) {
	b, err := newBase(cfg, log)
	if err != nil {
		return planckBase{}, err
	}
	m := planckBase{base: b, mapName: cfg.String("map_name", "")}
	m.beamInfo, err = parseBeamInfo(cfg)
	return m, err
}

func parseBeamInfo(cfg Config) ([]BeamInfo, error) {
	v, ok := cfg["beam_info"]
	if !ok {
		return []BeamInfo{{Type: "Gaussian", FWHMArcmin: 5.0}}, nil
	}
	list, ok := v.([]any)
	if !ok {
		if infos, isTyped := v.([]BeamInfo); isTyped {
			return infos, nil
		}
		return nil, fmt.Errorf("%w: beam_info is not a list", ErrConfig)
	}
	out := make([]BeamInfo, 0, len(list))
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed beam_info entry", ErrConfig)
		}
		info := BeamInfo{Type: Config(entry).String("type", "")}
		switch info.Type {
		case "Gaussian":
			f, err := Config(entry).Float("FWHM_arcmin", 0)
			if err != nil {
				return nil, err
			}
			info.FWHMArcmin = f
		case "Custom":
			info.File = Config(entry).String("file", "")
			info.Field = Config(entry).String("field", "")
		default:
			return nil, fmt.Errorf("%w: unknown beam type %q", ErrConfig, info.Type)
		}
		out = append(out, info)
	}
	return out, nil
}

// Mask reads the native mask and regrids it to the mapper resolution.
func (m *planckBase) Mask() ([]float64, error) {
	if m.mask != nil {
		return m.mask, nil
	}
	path, err := m.cfg.File("file_mask")
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

// SignalMap reads and regrids the native map, cached per map name.
func (m *planckBase) SignalMap() ([][]float64, error) {
	if m.signal != nil {
		return m.signal, nil
	}
	mp, err := m.cache.Map(fmt.Sprintf("%s_signal.fits.gz", m.mapName), func() ([]float64, error) {
		m.log.Info("regridding signal map", zap.String("map", m.mapName), zap.Int("nside", m.nside))
		path, err := m.cfg.File("file_map")
		if err != nil {
			return nil, err
		}
		raw, err := fits.ReadMap(path)
		if err != nil {
			return nil, err
		}
		return healpix.UDGrade(raw, m.nside)
	})
	if err != nil {
		return nil, err
	}
	m.signal = [][]float64{mp}
	return m.signal, nil
}

// Beam returns the beam window function over the 3*nside multipoles: the
// product of every configured contribution.
func (m *planckBase) Beam() ([]float64, error) {
	if m.beam != nil {
		return m.beam, nil
	}
	beam := make([]float64, 3*m.nside)
	for l := range beam {
		beam[l] = 1
	}
	for _, info := range m.beamInfo {
		var contrib []float64
		var err error
		switch info.Type {
		case "Gaussian":
			contrib = gaussianBeam(info.FWHMArcmin, 3*m.nside)
		case "Custom":
			contrib, err = customBeam(info, 3*m.nside)
		default:
			err = fmt.Errorf("%w: unknown beam type %q", ErrConfig, info.Type)
		}
		if err != nil {
			return nil, err
		}
		for l := range beam {
			beam[l] *= contrib[l]
		}
	}
	m.beam = beam
	return m.beam, nil
}

func gaussianBeam(fwhmArcmin float64, nl int) []float64 {
	sigma := fwhmArcmin / 60 * math.Pi / 180 / math.Sqrt(8*math.Ln2)
	out := make([]float64, nl)
	for l := range out {
		fl := float64(l)
		out[l] = math.Exp(-0.5 * fl * (fl + 1) * sigma * sigma)
	}
	return out
}

// customBeam reads a tabulated window function and evaluates it at every
// integer multipole, interpolating log-linearly and extrapolating beyond the
// tabulated range.
func customBeam(info BeamInfo, nl int) ([]float64, error) {
	ells, logw, err := readWindowTable(info.File, info.Field)
	if err != nil {
		return nil, err
	}
	out := make([]float64, nl)
	for l := range out {
		out[l] = math.Exp(lerpExtrap(ells, logw, float64(l)))
	}
	return out, nil
}

func readWindowTable(path, field string) (ells, logw []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: beam file %s not found", ErrConfig, path)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comment = '#'
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("mappers: reading %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("mappers: %s: empty window table", path)
	}
	ellCol, fieldCol := -1, -1
	for i, name := range rows[0] {
		switch name {
		case "ell":
			ellCol = i
		case field:
			fieldCol = i
		}
	}
	if ellCol < 0 || fieldCol < 0 {
		return nil, nil, fmt.Errorf("mappers: %s: missing ell or %q column", path, field)
	}
	for _, row := range rows[1:] {
		l, err := strconv.ParseFloat(row[ellCol], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("mappers: %s: %w", path, err)
		}
		w, err := strconv.ParseFloat(row[fieldCol], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("mappers: %s: %w", path, err)
		}
		ells = append(ells, l)
		logw = append(logw, math.Log(w))
	}
	return ells, logw, nil
}

// lerpExtrap interpolates linearly on the tabulated nodes, continuing the
// end segments outside the tabulated range.
func lerpExtrap(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 1 {
		return ys[0]
	}
	i := 0
	for i < n-2 && x > xs[i+1] {
		i++
	}
	t := (x - xs[i]) / (xs[i+1] - xs[i])
	return ys[i] + t*(ys[i+1]-ys[i])
}

// NlCoupled is not modeled for pre-gridded background maps.
func (m *planckBase) NlCoupled() ([][]float64, error) {
	return nil, fmt.Errorf("%w: no coupled noise model for pre-gridded maps", ErrNotImplemented)
}

// Nz is unavailable for background maps.
func (m *planckBase) Nz(dz float64) (*nz.Distribution, error) {
	return nil, fmt.Errorf("%w: no redshift distribution for background maps", ErrNotImplemented)
}

// P15CIB maps the Planck 2015 cosmic infrared background with a Gaussian
// beam.
type P15CIB struct {
	planckBase
}

// NewP15CIB creates a Planck 2015 CIB mapper.
func NewP15CIB(cfg Config, log *zap.Logger) (*P15CIB, error) {
	b, err := newPlanckBase(cfg, log)
	if err != nil {
		return nil, err
	}
	return &P15CIB{planckBase: b}, nil
}

func (m *P15CIB) DType() DType { return DTypeCMBCIB }

func (m *P15CIB) Spin() int { return 0 }

// CIBLenz maps the Lenz et al. CIB reconstruction; its beam_info may
// include tabulated custom window functions on top of the Gaussian beam.
type CIBLenz struct {
	planckBase
}

// NewCIBLenz creates a Lenz CIB mapper.
func NewCIBLenz(cfg Config, log *zap.Logger) (*CIBLenz, error) {
	b, err := newPlanckBase(cfg, log)
	if err != nil {
		return nil, err
	}
	return &CIBLenz{planckBase: b}, nil
}

func (m *CIBLenz) DType() DType { return DTypeCMBCIB }

func (m *CIBLenz) Spin() int { return 0 }
