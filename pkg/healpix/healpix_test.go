package healpix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNpix(t *testing.T) {
	assert.Equal(t, 12, Npix(1))
	assert.Equal(t, 3072, Npix(16))
	assert.Equal(t, 786432, Npix(256))
}

func TestValidNside(t *testing.T) {
	for _, ns := range []int{1, 2, 4, 64, 1024} {
		assert.True(t, ValidNside(ns), "nside=%d", ns)
	}
	for _, ns := range []int{0, -2, 3, 12, 100} {
		assert.False(t, ValidNside(ns), "nside=%d", ns)
	}
}

func TestPixAreaSumsToSphere(t *testing.T) {
	for _, ns := range []int{1, 8, 64} {
		total := PixArea(ns) * float64(Npix(ns))
		assert.InDelta(t, 4*math.Pi, total, 1e-12)
	}
}

func TestAngPixRoundtrip(t *testing.T) {
	// Pixel centers must map back to their own index.
	for _, ns := range []int{1, 2, 16, 64} {
		for pix := 0; pix < Npix(ns); pix++ {
			theta, phi := Pix2Ang(ns, pix)
			assert.Equal(t, pix, Ang2Pix(ns, theta, phi), "nside=%d pix=%d", ns, pix)
		}
	}
}

func TestRingNestRoundtrip(t *testing.T) {
	for _, ns := range []int{1, 2, 16, 64} {
		seen := make(map[int]bool)
		for pix := 0; pix < Npix(ns); pix++ {
			nest := Ring2Nest(ns, pix)
			require.GreaterOrEqual(t, nest, 0)
			require.Less(t, nest, Npix(ns))
			require.False(t, seen[nest], "nside=%d duplicate nest index %d", ns, nest)
			seen[nest] = true
			assert.Equal(t, pix, Nest2Ring(ns, nest), "nside=%d pix=%d", ns, pix)
		}
	}
}

func TestRingNestKnownValues(t *testing.T) {
	// At nside=1 the orderings coincide.
	for pix := 0; pix < 12; pix++ {
		assert.Equal(t, pix, Ring2Nest(1, pix))
	}
	// First ring pixel sits in the top corner of face 0; the last one in the
	// bottom corner of face 11.
	assert.Equal(t, 15, Ring2Nest(4, 0))
	assert.Equal(t, 11*16, Ring2Nest(4, Npix(4)-1))
}

func TestLonLatRoundtrip(t *testing.T) {
	const ns = 32
	for _, c := range []struct{ lon, lat float64 }{
		{0, 0}, {90, 45}, {180, -45}, {359, 85}, {12.3, -67.8},
	} {
		pix := LonLat2Pix(ns, c.lon, c.lat)
		lon, lat := Pix2LonLat(ns, pix)
		assert.Equal(t, pix, LonLat2Pix(ns, lon, lat))
	}
}

func TestUDGradeDegradePreservesMean(t *testing.T) {
	const nsideIn, nsideOut = 16, 4
	m := make([]float64, Npix(nsideIn))
	sum := 0.0
	for i := range m {
		m[i] = float64(i%7) - 3
		sum += m[i]
	}
	out, err := UDGrade(m, nsideOut)
	require.NoError(t, err)
	require.Len(t, out, Npix(nsideOut))

	outSum := 0.0
	for _, v := range out {
		outSum += v
	}
	ratio := float64(Npix(nsideIn)) / float64(Npix(nsideOut))
	assert.InDelta(t, sum, outSum*ratio, 1e-9)
}

func TestUDGradeUpgradeCopiesParent(t *testing.T) {
	const nsideIn, nsideOut = 2, 8
	m := make([]float64, Npix(nsideIn))
	for i := range m {
		m[i] = float64(i)
	}
	out, err := UDGrade(m, nsideOut)
	require.NoError(t, err)
	require.Len(t, out, Npix(nsideOut))

	// Each fine pixel holds its parent's value.
	ratio := (nsideOut / nsideIn) * (nsideOut / nsideIn)
	for pix := 0; pix < Npix(nsideOut); pix++ {
		parentNest := Ring2Nest(nsideOut, pix) / ratio
		want := m[Nest2Ring(nsideIn, parentNest)]
		assert.Equal(t, want, out[pix], "pix=%d", pix)
	}
}

func TestUDGradeIdentity(t *testing.T) {
	m := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	out, err := UDGrade(m, 1)
	require.NoError(t, err)
	assert.Equal(t, m, out)
}

func TestUDGradeRejectsBadLength(t *testing.T) {
	_, err := UDGrade(make([]float64, 13), 1)
	assert.Error(t, err)
}

func TestQueryDiscInclusive(t *testing.T) {
	const ns = 64
	lon, lat := 120.0, -30.0
	radius := 2.0 * math.Pi / 180

	pixels := QueryDiscInclusive(ns, lon, lat, radius)
	require.NotEmpty(t, pixels)

	center := LonLat2Pix(ns, lon, lat)
	assert.Contains(t, pixels, center)

	// All returned pixel centers are within radius plus one pixel scale.
	slack := radius + 2*math.Sqrt(PixArea(ns))
	for _, p := range pixels {
		plon, plat := Pix2LonLat(ns, p)
		assert.LessOrEqual(t, angSep(lon, lat, plon, plat), slack, "pix=%d", p)
	}

	// A faraway pixel is not included.
	far := LonLat2Pix(ns, lon+90, -lat)
	assert.NotContains(t, pixels, far)
}

func TestRotatorCelestialToGalactic(t *testing.T) {
	r, err := NewRotator("C", "G")
	require.NoError(t, err)

	// North celestial pole in galactic coordinates.
	l, b := r.Apply(0, 90)
	assert.InDelta(t, 122.932, l, 0.01)
	assert.InDelta(t, 27.128, b, 0.01)

	// Galactic center is at (266.4, -28.94) equatorial.
	l, b = r.Apply(266.405, -28.936)
	assert.InDelta(t, 0, b, 0.01)
	if l > 180 {
		l -= 360
	}
	assert.InDelta(t, 0, l, 0.01)
}

func TestRotatorInverse(t *testing.T) {
	fwd, err := NewRotator("C", "G")
	require.NoError(t, err)
	back, err := NewRotator("G", "C")
	require.NoError(t, err)

	lon, lat := 201.5, -12.25
	gl, gb := fwd.Apply(lon, lat)
	rlon, rlat := back.Apply(gl, gb)
	// Tolerance bounded by the 10-digit rotation matrix constants.
	assert.InDelta(t, lon, rlon, 1e-6)
	assert.InDelta(t, lat, rlat, 1e-6)
}

func TestRotatorRejectsUnknownFrame(t *testing.T) {
	_, err := NewRotator("C", "E")
	assert.Error(t, err)
}

// angSep returns the angle in radians between two sky directions in degrees.
func angSep(lon1, lat1, lon2, lat2 float64) float64 {
	x1, y1, z1 := lonLat2Vec(lon1, lat1)
	x2, y2, z2 := lonLat2Vec(lon2, lat2)
	dot := x1*x2 + y1*y2 + z1*z2
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return math.Acos(dot)
}
