package nz

import (
	"fmt"
	"math"
	"sort"
)

// DIROptions configures the DIR estimator.
type DIROptions struct {
	ZMin, ZMax float64 // redshift range of the histogram
	NBins      int     // number of redshift bins
	NJK        int     // jackknife regions (0 disables resampling)
	NNeighbors int     // color-space neighbours per training object (default 20)
}

// DIR reconstructs the redshift distribution of a photometric sample from a
// spectroscopic training subsample by direct color-space reweighting: each
// training object is weighted by the local density ratio of photometric to
// training objects inside the ball reaching its k-th nearest training
// neighbour, and the weighted redshift histogram is returned together with a
// leave-one-block-out jackknife ensemble. The caller is expected to order the
// training sample so that contiguous index blocks are spatially correlated.
func DIR(train [][]float64, trainZ []float64, photo [][]float64, opt DIROptions) (*Distribution, error) {
	n := len(train)
	if n == 0 || len(photo) == 0 {
		return nil, fmt.Errorf("nz: empty DIR sample")
	}
	if len(trainZ) != n {
		return nil, fmt.Errorf("nz: training sample has %d rows but %d redshifts", n, len(trainZ))
	}
	dim := len(train[0])
	k := opt.NNeighbors
	if k <= 0 {
		k = 20
	}
	if k > n {
		k = n
	}

	// Radius of the ball holding the k nearest training neighbours
	// (the object itself included, as its distance is zero).
	radii := make([]float64, n)
	dists := make([]float64, n)
	for i := range train {
		for j := range train {
			dists[j] = sqDist(train[i], train[j], dim)
		}
		sort.Float64s(dists)
		radii[i] = math.Sqrt(dists[k-1])
	}

	// Photometric counts inside each ball set the weights.
	weights := make([]float64, n)
	nPhoto := len(photo)
	for i := range train {
		limit := (radii[i] + 1e-6) * (radii[i] + 1e-6)
		count := 0
		for j := range photo {
			if sqDist(train[i], photo[j], dim) <= limit {
				count++
			}
		}
		weights[i] = float64(count) * float64(n) / (float64(k) * float64(nPhoto))
	}

	d := &Distribution{
		Z:  BinCenters(opt.ZMin, opt.ZMax, opt.NBins),
		Nz: HistogramDensity(trainZ, weights, opt.ZMin, opt.ZMax, opt.NBins),
	}
	if opt.NJK > 0 {
		d.JK = make([][]float64, opt.NJK)
		for r := 0; r < opt.NJK; r++ {
			lo, hi := JackknifeRegion(n, r, opt.NJK)
			z := make([]float64, 0, n-(hi-lo))
			w := make([]float64, 0, n-(hi-lo))
			for i := 0; i < n; i++ {
				if i >= lo && i < hi {
					continue
				}
				z = append(z, trainZ[i])
				w = append(w, weights[i])
			}
			d.JK[r] = HistogramDensity(z, w, opt.ZMin, opt.ZMax, opt.NBins)
		}
	}
	return d, nil
}

// JackknifeRegion returns the half-open row range [lo, hi) of region r out of
// njk contiguous blocks over n rows.
func JackknifeRegion(n, r, njk int) (lo, hi int) {
	lo = r * n / njk
	hi = (r + 1) * n / njk
	if r == njk-1 {
		hi = n
	}
	return lo, hi
}

func sqDist(a, b []float64, dim int) float64 {
	s := 0.0
	for d := 0; d < dim; d++ {
		diff := a[d] - b[d]
		s += diff * diff
	}
	return s
}
