// Package healpix implements the HEALPix equal-area sky pixelization in pure Go:
// angle/pixel conversions in both RING and NESTED ordering, resolution changes,
// inclusive disc queries and coordinate-frame rotation. Only power-of-two nside
// values are supported.
package healpix

import (
	"fmt"
	"math"
)

// Face rings and starting phi offsets of the 12 base faces.
var (
	jrll = [12]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// Npix returns the number of pixels at resolution nside.
func Npix(nside int) int { return 12 * nside * nside }

// PixArea returns the solid angle of one pixel in steradians.
func PixArea(nside int) float64 { return 4 * math.Pi / float64(Npix(nside)) }

// ValidNside reports whether nside is a positive power of two.
func ValidNside(nside int) bool {
	return nside > 0 && nside&(nside-1) == 0
}

// isqrt is an integer square root that never overshoots.
func isqrt(v int) int {
	r := int(math.Sqrt(float64(v)))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}

// Ang2Pix returns the RING-ordered pixel containing the direction
// (theta, phi), with theta the colatitude in [0, pi].
func Ang2Pix(nside int, theta, phi float64) int {
	z := math.Cos(theta)
	za := math.Abs(z)
	tt := math.Mod(phi, 2*math.Pi)
	if tt < 0 {
		tt += 2 * math.Pi
	}
	tt /= math.Pi / 2 // in [0,4)

	ns := float64(nside)
	if za <= 2.0/3.0 {
		// Equatorial region
		temp1 := ns * (0.5 + tt)
		temp2 := ns * z * 0.75
		jp := int(math.Floor(temp1 - temp2))
		jm := int(math.Floor(temp1 + temp2))

		ir := nside + 1 + jp - jm // ring number counted from z=2/3
		kshift := 1 - (ir & 1)
		ip := (jp + jm - nside + kshift + 1) / 2
		ip = ip % (4 * nside)
		if ip < 0 {
			ip += 4 * nside
		}
		ncap := 2 * nside * (nside - 1)
		return ncap + (ir-1)*4*nside + ip
	}
	// Polar caps
	tp := tt - math.Floor(tt)
	tmp := ns * math.Sqrt(3*(1-za))
	jp := int(math.Floor(tp * tmp))
	jm := int(math.Floor((1 - tp) * tmp))

	ir := jp + jm + 1
	ip := int(math.Floor(tt * float64(ir)))
	ip = ip % (4 * ir)
	if ip < 0 {
		ip += 4 * ir
	}
	if z > 0 {
		return 2*ir*(ir-1) + ip
	}
	return Npix(nside) - 2*ir*(ir+1) + ip
}

// Pix2Ang returns the angular position (theta, phi) of the center of a
// RING-ordered pixel.
func Pix2Ang(nside, pix int) (theta, phi float64) {
	npix := Npix(nside)
	ncap := 2 * nside * (nside - 1)

	if pix < ncap {
		// North polar cap
		iring := (1 + isqrt(1+2*pix)) / 2
		iphi := pix + 1 - 2*iring*(iring-1)
		z := 1 - float64(iring*iring)/(3*float64(nside*nside))
		theta = math.Acos(z)
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
		return theta, phi
	}
	if pix < npix-ncap {
		// Equatorial belt
		ip := pix - ncap
		iring := ip/(4*nside) + nside
		iphi := ip%(4*nside) + 1
		var fodd float64 = 0.5
		if (iring+nside)&1 == 1 {
			fodd = 1.0
		}
		z := float64(2*nside-iring) * 2.0 / (3.0 * float64(nside))
		theta = math.Acos(z)
		phi = (float64(iphi) - fodd) * math.Pi / (2 * float64(nside))
		return theta, phi
	}
	// South polar cap
	ip := npix - pix
	iring := (1 + isqrt(2*ip-1)) / 2
	iphi := 4*iring + 1 - (ip - 2*iring*(iring-1))
	z := -1 + float64(iring*iring)/(3*float64(nside*nside))
	theta = math.Acos(z)
	phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	return theta, phi
}

// LonLat2Pix returns the RING pixel containing the direction given as
// longitude/latitude in degrees.
func LonLat2Pix(nside int, lonDeg, latDeg float64) int {
	theta := math.Pi/2 - latDeg*math.Pi/180
	phi := lonDeg * math.Pi / 180
	return Ang2Pix(nside, theta, phi)
}

// Pix2LonLat returns the longitude/latitude in degrees of a RING pixel center.
func Pix2LonLat(nside, pix int) (lonDeg, latDeg float64) {
	theta, phi := Pix2Ang(nside, pix)
	return phi * 180 / math.Pi, 90 - theta*180/math.Pi
}

// xyf2nest encodes face coordinates into a NESTED pixel index.
func xyf2nest(nside, ix, iy, face int) int {
	return face*nside*nside + spread(ix) + spread(iy)<<1
}

// nest2xyf decodes a NESTED pixel index into face coordinates.
func nest2xyf(nside, pix int) (ix, iy, face int) {
	face = pix / (nside * nside)
	p := pix % (nside * nside)
	return compress(p), compress(p >> 1), face
}

// spread interleaves the bits of v with zeros.
func spread(v int) int {
	r := 0
	for b := 0; v != 0; b++ {
		r |= (v & 1) << (2 * b)
		v >>= 1
	}
	return r
}

// compress extracts the even bits of v.
func compress(v int) int {
	r := 0
	for b := 0; v != 0; b++ {
		r |= (v & 1) << b
		v >>= 2
	}
	return r
}

// ring2xyf decodes a RING pixel index into face coordinates.
func ring2xyf(nside, pix int) (ix, iy, face int) {
	npix := Npix(nside)
	ncap := 2 * nside * (nside - 1)
	nl4 := 4 * nside
	var iring, iphi, kshift, nr int

	switch {
	case pix < ncap:
		iring = (1 + isqrt(1+2*pix)) / 2
		iphi = pix + 1 - 2*iring*(iring-1)
		kshift = 0
		nr = iring
		face = (iphi - 1) / nr
	case pix < npix-ncap:
		ip := pix - ncap
		iring = ip/nl4 + nside
		iphi = ip%nl4 + 1
		kshift = (iring + nside) & 1
		nr = nside
		ire := iring - nside + 1
		irm := 2*nside + 2 - ire
		ifm := (iphi - ire/2 + nside - 1) / nside
		ifp := (iphi - irm/2 + nside - 1) / nside
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
	default:
		ip := npix - pix
		iring = (1 + isqrt(2*ip-1)) / 2
		iphi = 4*iring + 1 - (ip - 2*iring*(iring-1))
		kshift = 0
		nr = iring
		iring = 2*2*nside - iring
		face = 8 + (iphi-1)/nr
	}

	irt := iring - jrll[face]*nside + 1
	ipt := 2*iphi - jpll[face]*nr - kshift - 1
	if ipt >= 2*nside {
		ipt -= 8 * nside
	}
	ix = (ipt - irt) >> 1
	iy = (-ipt - irt) >> 1
	return ix, iy, face
}

// xyf2ring encodes face coordinates into a RING pixel index.
func xyf2ring(nside, ix, iy, face int) int {
	nl4 := 4 * nside
	jr := jrll[face]*nside - ix - iy - 1

	var nr, kshift, nBefore int
	switch {
	case jr < nside:
		nr = jr
		nBefore = 2 * nr * (nr - 1)
		kshift = 0
	case jr > 3*nside:
		nr = nl4 - jr
		nBefore = Npix(nside) - 2*(nr+1)*nr
		kshift = 0
	default:
		nr = nside
		nBefore = 2*nside*(nside-1) + (jr-nside)*nl4
		kshift = (jr - nside) & 1
	}

	jp := (jpll[face]*nr + ix - iy + 1 + kshift) / 2
	if jp > nl4 {
		jp -= nl4
	} else if jp < 1 {
		jp += nl4
	}
	return nBefore + jp - 1
}

// Ring2Nest converts a pixel index from RING to NESTED ordering.
func Ring2Nest(nside, pix int) int {
	ix, iy, face := ring2xyf(nside, pix)
	return xyf2nest(nside, ix, iy, face)
}

// Nest2Ring converts a pixel index from NESTED to RING ordering.
func Nest2Ring(nside, pix int) int {
	ix, iy, face := nest2xyf(nside, pix)
	return xyf2ring(nside, ix, iy, face)
}

// UDGrade resamples a RING-ordered map to a different nside: degrading
// averages nested child pixels, upgrading copies the parent value.
func UDGrade(m []float64, nsideOut int) ([]float64, error) {
	nsideIn := isqrt(len(m) / 12)
	if Npix(nsideIn) != len(m) || !ValidNside(nsideIn) {
		return nil, fmt.Errorf("healpix: map length %d is not a valid pixelization", len(m))
	}
	if !ValidNside(nsideOut) {
		return nil, fmt.Errorf("healpix: invalid nside %d", nsideOut)
	}
	if nsideOut == nsideIn {
		out := make([]float64, len(m))
		copy(out, m)
		return out, nil
	}

	out := make([]float64, Npix(nsideOut))
	if nsideOut < nsideIn {
		ratio := (nsideIn / nsideOut) * (nsideIn / nsideOut)
		for p := range out {
			pn := Ring2Nest(nsideOut, p)
			sum := 0.0
			for c := pn * ratio; c < (pn+1)*ratio; c++ {
				sum += m[Nest2Ring(nsideIn, c)]
			}
			out[p] = sum / float64(ratio)
		}
		return out, nil
	}
	ratio := (nsideOut / nsideIn) * (nsideOut / nsideIn)
	for p := range out {
		pn := Ring2Nest(nsideOut, p)
		out[p] = m[Nest2Ring(nsideIn, pn/ratio)]
	}
	return out, nil
}

// QueryDiscInclusive returns the RING pixels whose centers lie within
// radiusRad of the given direction, padded by one pixel diameter so that any
// pixel overlapping the disc is included.
func QueryDiscInclusive(nside int, lonDeg, latDeg, radiusRad float64) []int {
	cx, cy, cz := lonLat2Vec(lonDeg, latDeg)
	limit := math.Cos(radiusRad + maxPixRad(nside))
	var pix []int
	for p := 0; p < Npix(nside); p++ {
		lon, lat := Pix2LonLat(nside, p)
		x, y, z := lonLat2Vec(lon, lat)
		if cx*x+cy*y+cz*z >= limit {
			pix = append(pix, p)
		}
	}
	return pix
}

// maxPixRad bounds the distance from any pixel center to its corners.
func maxPixRad(nside int) float64 {
	return math.Sqrt2 * math.Sqrt(PixArea(nside)) / 2
}

func lonLat2Vec(lonDeg, latDeg float64) (x, y, z float64) {
	lon := lonDeg * math.Pi / 180
	lat := latDeg * math.Pi / 180
	return math.Cos(lat) * math.Cos(lon), math.Cos(lat) * math.Sin(lon), math.Sin(lat)
}

func vec2LonLat(x, y, z float64) (lonDeg, latDeg float64) {
	lon := math.Atan2(y, x)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	lat := math.Asin(math.Max(-1, math.Min(1, z)))
	return lon * 180 / math.Pi, lat * 180 / math.Pi
}

// Rotator rotates directions between the equatorial ("C") and galactic ("G")
// coordinate frames.
type Rotator struct {
	m [3][3]float64
}

// J2000 equatorial to galactic rotation matrix.
var eq2gal = [3][3]float64{
	{-0.0548755604, -0.8734370902, -0.4838350155},
	{0.4941094279, -0.4448296300, 0.7469822445},
	{-0.8676661490, -0.1980763734, 0.4559837762},
}

// NewRotator builds a rotator taking directions from frame `from` into frame
// `to`. Supported frames are "C" (equatorial) and "G" (galactic).
func NewRotator(from, to string) (*Rotator, error) {
	check := func(f string) error {
		if f != "C" && f != "G" {
			return fmt.Errorf("healpix: unknown coordinate frame %q", f)
		}
		return nil
	}
	if err := check(from); err != nil {
		return nil, err
	}
	if err := check(to); err != nil {
		return nil, err
	}
	r := &Rotator{}
	switch {
	case from == to:
		r.m = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	case from == "C":
		r.m = eq2gal
	default:
		// Transpose of an orthogonal matrix is its inverse.
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				r.m[i][j] = eq2gal[j][i]
			}
		}
	}
	return r, nil
}

// Apply rotates a direction given as longitude/latitude in degrees.
func (r *Rotator) Apply(lonDeg, latDeg float64) (float64, float64) {
	x, y, z := lonLat2Vec(lonDeg, latDeg)
	rx := r.m[0][0]*x + r.m[0][1]*y + r.m[0][2]*z
	ry := r.m[1][0]*x + r.m[1][1]*y + r.m[1][2]*z
	rz := r.m[2][0]*x + r.m[2][1]*y + r.m[2][2]*z
	return vec2LonLat(rx, ry, rz)
}
