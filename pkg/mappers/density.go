package mappers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"skymapper/pkg/healpix"
)

// MapFromPoints accumulates catalog positions (longitude/latitude in degrees)
// into a RING-ordered map at the given nside. A nil weight slice counts each
// point as one.
func MapFromPoints(nside int, lon, lat, w []float64) ([]float64, error) {
	if len(lon) != len(lat) {
		return nil, fmt.Errorf("mappers: %d longitudes but %d latitudes", len(lon), len(lat))
	}
	if w != nil && len(w) != len(lon) {
		return nil, fmt.Errorf("mappers: %d weights for %d points", len(w), len(lon))
	}
	m := make([]float64, healpix.Npix(nside))
	for i := range lon {
		p := healpix.LonLat2Pix(nside, lon[i], lat[i])
		if w != nil {
			m[p] += w[i]
		} else {
			m[p]++
		}
	}
	return m, nil
}

// densityContrast converts a count map into a density contrast map:
// delta = n/(mean_n * mask) - 1 on good pixels and 0 elsewhere, where mean_n
// is the mask-weighted mean count. Good pixels are mask > 0; the restriction
// has to happen before the division to keep masked pixels finite.
func densityContrast(counts, mask []float64) []float64 {
	meanN := stat.Mean(counts, mask)
	d := make([]float64, len(counts))
	for p := range counts {
		if mask[p] > 0 {
			d[p] = counts[p]/(meanN*mask[p]) - 1
		}
	}
	return d
}

// shotNoise builds the mask-coupled Poisson noise spectrum of a count map:
// the mean count density per steradian sets a flat noise level over all
// 3*nside multipoles.
func shotNoise(counts, mask []float64, nside int) [][]float64 {
	meanN := stat.Mean(counts, mask)
	meanSrad := meanN * float64(healpix.Npix(nside)) / (4 * math.Pi)
	level := (floats.Sum(mask) / float64(len(mask))) / meanSrad
	nl := make([]float64, 3*nside)
	for l := range nl {
		nl[l] = level
	}
	return [][]float64{nl}
}
