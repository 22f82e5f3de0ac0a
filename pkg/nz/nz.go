// Package nz estimates and manipulates redshift distributions.
package nz

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Distribution is a binned redshift distribution: bin centers, density
// values, and an optional jackknife ensemble of resampled densities.
type Distribution struct {
	Z  []float64
	Nz []float64
	JK [][]float64
}

// Shifted returns a copy displaced by dz: bin centers move by dz and bins
// whose shifted center would be negative are dropped. The density values are
// carried along unchanged, so the integral over the surviving bins is
// conserved.
func (d *Distribution) Shifted(dz float64) *Distribution {
	start := 0
	for start < len(d.Z) && d.Z[start]+dz < 0 {
		start++
	}
	out := &Distribution{
		Z:  make([]float64, len(d.Z)-start),
		Nz: make([]float64, len(d.Z)-start),
	}
	for i := start; i < len(d.Z); i++ {
		out.Z[i-start] = d.Z[i] + dz
		out.Nz[i-start] = d.Nz[i]
	}
	if d.JK != nil {
		out.JK = make([][]float64, len(d.JK))
		for j, row := range d.JK {
			out.JK[j] = append([]float64(nil), row[start:]...)
		}
	}
	return out
}

// JKError returns per-bin jackknife error bars: the scatter of the ensemble
// scaled by sqrt(njk-1).
func (d *Distribution) JKError() ([]float64, error) {
	if len(d.JK) == 0 {
		return nil, fmt.Errorf("nz: no jackknife ensemble available")
	}
	njk := len(d.JK)
	out := make([]float64, len(d.Nz))
	col := make([]float64, njk)
	for b := range out {
		for j, row := range d.JK {
			col[j] = row[b]
		}
		mean := stat.Mean(col, nil)
		varSum := 0.0
		for _, v := range col {
			varSum += (v - mean) * (v - mean)
		}
		out[b] = math.Sqrt(varSum/float64(njk)) * math.Sqrt(float64(njk-1))
	}
	return out, nil
}

// BinCenters returns the midpoints of nbins equal bins over [zmin, zmax].
func BinCenters(zmin, zmax float64, nbins int) []float64 {
	width := (zmax - zmin) / float64(nbins)
	out := make([]float64, nbins)
	for i := range out {
		out[i] = zmin + (float64(i)+0.5)*width
	}
	return out
}

// HistogramDensity computes a weighted density histogram of z over nbins
// equal bins: each bin holds the in-range weight fraction divided by the bin
// width, so the histogram integrates to one. Values on the upper edge fall in
// the last bin. nil weights count each value as one.
func HistogramDensity(z, weights []float64, zmin, zmax float64, nbins int) []float64 {
	h := make([]float64, nbins)
	width := (zmax - zmin) / float64(nbins)
	total := 0.0
	for i, v := range z {
		if v < zmin || v > zmax {
			continue
		}
		b := int((v - zmin) / width)
		if b == nbins {
			b = nbins - 1
		}
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		h[b] += w
		total += w
	}
	if total > 0 {
		for b := range h {
			h[b] /= total * width
		}
	}
	return h
}
