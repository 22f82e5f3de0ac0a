// Package mappers turns survey catalogs and pre-gridded maps into the uniform
// set of products consumed by an angular power-spectrum pipeline: a signal
// map, a mask, a coupled noise spectrum and a redshift distribution. Each
// mapper owns its catalog, applies its survey's selection and calibration, and
// memoizes every product both in memory and through the rerun cache.
//
// Mapper instances are not safe for concurrent use; independent instances
// share no state.
package mappers

import (
	"fmt"

	"go.uber.org/zap"

	"skymapper/pkg/healpix"
	"skymapper/pkg/nz"
	"skymapper/pkg/rerun"
)

// DType labels the kind of signal a mapper traces.
type DType string

const (
	DTypeGalaxyDensity  DType = "galaxy_density"
	DTypeGalaxyShear    DType = "galaxy_shear"
	DTypeCMBConvergence DType = "cmb_convergence"
	DTypeCMBCIB         DType = "cmb_cib"
)

// Mapper is the uniform per-survey contract. Signal maps carry one component
// for spin-0 mappers and two for spin-2 mappers; the coupled noise spectrum
// has one or four rows of 3*nside multipoles accordingly. Masks take values
// in [0, 1]. All products are computed lazily and memoized.
type Mapper interface {
	SignalMap() ([][]float64, error)
	Mask() ([]float64, error)
	NlCoupled() ([][]float64, error)
	Nz(dz float64) (*nz.Distribution, error)
	DType() DType
	Spin() int
}

// base carries the options every mapper shares.
type base struct {
	cfg      Config
	nside    int
	npix     int
	maskName string
	cache    *rerun.Cache
	log      *zap.Logger
}

func newBase(cfg Config, log *zap.Logger) (base, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nside, err := cfg.RequiredInt("nside")
	if err != nil {
		return base{}, err
	}
	if !healpix.ValidNside(nside) {
		return base{}, fmt.Errorf("%w: nside %d is not a power of two", ErrConfig, nside)
	}
	return base{
		cfg:      cfg,
		nside:    nside,
		npix:     healpix.Npix(nside),
		maskName: cfg.String("mask_name", ""),
		cache:    rerun.New(cfg.String("path_rerun", ""), log),
		log:      log,
	}, nil
}

// MaskName returns the configured mask identifier.
func (b *base) MaskName() string { return b.maskName }

// Nside returns the mapper resolution.
func (b *base) Nside() int { return b.nside }

// New instantiates a mapper by survey type name.
func New(kind string, cfg Config, log *zap.Logger) (Mapper, error) {
	switch kind {
	case "2mpz":
		return NewTwoMPZ(cfg, log)
	case "catwise":
		return NewCatWISE(cfg, log)
	case "act_kappa":
		return NewACTKappa(cfg, log)
	case "p15cib":
		return NewP15CIB(cfg, log)
	case "cib_lenz":
		return NewCIBLenz(cfg, log)
	case "des_y1_wl":
		return NewDESY1WL(cfg, log)
	case "hsc_dr1_wl":
		return NewHSCDR1WL(cfg, log)
	}
	return nil, fmt.Errorf("%w: unknown mapper type %q", ErrConfig, kind)
}
