package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// openFile opens a possibly gzip-compressed FITS file for reading.
func openFile(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("fits: opening %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f.Close, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("fits: opening %s: %w", path, err)
	}
	closeAll := func() error {
		zr.Close()
		return f.Close()
	}
	return zr, closeAll, nil
}

// createFile creates a possibly gzip-compressed FITS file for writing.
func createFile(path string) (io.Writer, func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("fits: creating %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f.Close, nil
	}
	zw := gzip.NewWriter(f)
	closeAll := func() error {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return zw, closeAll, nil
}

// decode converts raw big-endian pixel data to float64, applying BSCALE/BZERO.
func (u *hdu) decode() ([]float64, error) {
	bscale := 1.0
	bzero := 0.0
	if v, ok := u.header.GetDouble("BSCALE"); ok {
		bscale = v
	}
	if v, ok := u.header.GetDouble("BZERO"); ok {
		bzero = v
	}
	n := len(u.data) / (abs(u.bitpix) / 8)
	out := make([]float64, n)
	switch u.bitpix {
	case 8:
		for i := range out {
			out[i] = float64(u.data[i])*bscale + bzero
		}
	case 16:
		for i := range out {
			out[i] = float64(int16(binary.BigEndian.Uint16(u.data[i*2:])))*bscale + bzero
		}
	case 32:
		for i := range out {
			out[i] = float64(int32(binary.BigEndian.Uint32(u.data[i*4:])))*bscale + bzero
		}
	case -32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(u.data[i*4:])))*bscale + bzero
		}
	case -64:
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(u.data[i*8:]))*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("fits: unsupported BITPIX %d", u.bitpix)
	}
	return out, nil
}

// firstImage returns the first HDU carrying image data.
func firstImage(units []*hdu) (*hdu, error) {
	for _, u := range units {
		if len(u.data) > 0 && !u.isTable() {
			return u, nil
		}
	}
	return nil, fmt.Errorf("fits: no image data found")
}

// ReadMaps reads one or more equal-length map components from an image HDU:
// a 1-D image is one component, a 2-D image is NAXIS2 components of NAXIS1
// pixels each.
func ReadMaps(path string) ([][]float64, error) {
	r, closeFn, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	units, err := readHDUs(r)
	if err != nil {
		return nil, err
	}
	u, err := firstImage(units)
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}
	data, err := u.decode()
	if err != nil {
		return nil, err
	}
	switch len(u.naxis) {
	case 1:
		return [][]float64{data}, nil
	case 2:
		n, ncomp := u.naxis[0], u.naxis[1]
		out := make([][]float64, ncomp)
		for i := range out {
			out[i] = data[i*n : (i+1)*n]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fits: %s: unsupported NAXIS %d", path, len(u.naxis))
	}
}

// ReadMap reads the first map component of an image HDU.
func ReadMap(path string) ([]float64, error) {
	maps, err := ReadMaps(path)
	if err != nil {
		return nil, err
	}
	return maps[0], nil
}

// ReadImageHDU reads a 2-D image HDU, returning the row-major pixel data,
// the grid dimensions and the parsed header. The header carries any world
// coordinate records (CRVAL, CRPIX, CDELT) the file declares.
func ReadImageHDU(path string) (data []float64, width, height int, hdr *Header, err error) {
	r, closeFn, err := openFile(path)
	if err != nil {
		return nil, 0, 0, nil, err
	}
	defer closeFn()
	units, err := readHDUs(r)
	if err != nil {
		return nil, 0, 0, nil, err
	}
	u, err := firstImage(units)
	if err != nil {
		return nil, 0, 0, nil, fmt.Errorf("fits: %s: %w", path, err)
	}
	if len(u.naxis) != 2 {
		return nil, 0, 0, nil, fmt.Errorf("fits: %s: expected 2-D image, got NAXIS %d", path, len(u.naxis))
	}
	data, err = u.decode()
	if err != nil {
		return nil, 0, 0, nil, err
	}
	return data, u.naxis[0], u.naxis[1], u.header, nil
}

// ReadImage reads a 2-D image HDU, returning the row-major pixel data and the
// grid dimensions.
func ReadImage(path string) (data []float64, width, height int, err error) {
	data, width, height, _, err = ReadImageHDU(path)
	return data, width, height, err
}

// WriteMaps writes map components as a float64 image HDU (1-D for a single
// component, 2-D otherwise).
func WriteMaps(path string, maps [][]float64) error {
	if len(maps) == 0 {
		return fmt.Errorf("fits: no map components to write")
	}
	n := len(maps[0])
	for _, m := range maps {
		if len(m) != n {
			return fmt.Errorf("fits: map components differ in length")
		}
	}
	records := []string{
		record("SIMPLE", "T", "conforms to FITS standard"),
		record("BITPIX", "-64", "64-bit floating point"),
	}
	if len(maps) == 1 {
		records = append(records,
			record("NAXIS", "1", ""),
			record("NAXIS1", fmt.Sprint(n), "number of pixels"))
	} else {
		records = append(records,
			record("NAXIS", "2", ""),
			record("NAXIS1", fmt.Sprint(n), "number of pixels"),
			record("NAXIS2", fmt.Sprint(len(maps)), "number of components"))
	}

	w, closeFn, err := createFile(path)
	if err != nil {
		return err
	}
	if err := writeHeader(w, records); err != nil {
		closeFn()
		return err
	}
	buf := make([]byte, 8)
	written := 0
	for _, m := range maps {
		for _, v := range m {
			binary.BigEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := w.Write(buf); err != nil {
				closeFn()
				return fmt.Errorf("fits: writing %s: %w", path, err)
			}
			written += 8
		}
	}
	if err := writePadding(w, written); err != nil {
		closeFn()
		return err
	}
	return closeFn()
}

// WriteMap writes a single map component.
func WriteMap(path string, m []float64) error {
	return WriteMaps(path, [][]float64{m})
}

// WriteImage writes a 2-D float64 image HDU from row-major data.
func WriteImage(path string, data []float64, width, height int) error {
	return writeImage(path, data, width, height, nil)
}

// WriteImageWCS writes a 2-D float64 image HDU with world coordinate
// records (CRVAL1/2, CRPIX1/2, CDELT1/2 and friends) describing the grid
// placement on the sky.
func WriteImageWCS(path string, data []float64, width, height int, wcs map[string]float64) error {
	keys := make([]string, 0, len(wcs))
	for k := range wcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]string, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, record(strings.ToUpper(k), strconv.FormatFloat(wcs[k], 'G', -1, 64), ""))
	}
	return writeImage(path, data, width, height, extra)
}

func writeImage(path string, data []float64, width, height int, extra []string) error {
	if len(data) != width*height {
		return fmt.Errorf("fits: image data length %d does not match %dx%d", len(data), width, height)
	}
	records := []string{
		record("SIMPLE", "T", "conforms to FITS standard"),
		record("BITPIX", "-64", "64-bit floating point"),
		record("NAXIS", "2", ""),
		record("NAXIS1", fmt.Sprint(width), ""),
		record("NAXIS2", fmt.Sprint(height), ""),
	}
	records = append(records, extra...)
	w, closeFn, err := createFile(path)
	if err != nil {
		return err
	}
	if err := writeHeader(w, records); err != nil {
		closeFn()
		return err
	}
	buf := make([]byte, 8)
	for _, v := range data {
		binary.BigEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			closeFn()
			return fmt.Errorf("fits: writing %s: %w", path, err)
		}
	}
	if err := writePadding(w, len(data)*8); err != nil {
		closeFn()
		return err
	}
	return closeFn()
}

// record formats one 80-character header record.
func record(key, value, comment string) string {
	s := fmt.Sprintf("%-8s= %20s", key, value)
	if comment != "" {
		s += " / " + comment
	}
	if len(s) > recordSize {
		s = s[:recordSize]
	}
	return s + strings.Repeat(" ", recordSize-len(s))
}

// writeHeader writes records plus END, padded to a full block.
func writeHeader(w io.Writer, records []string) error {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r)
	}
	sb.WriteString("END" + strings.Repeat(" ", recordSize-3))
	for sb.Len()%blockSize != 0 {
		sb.WriteString(strings.Repeat(" ", recordSize))
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("fits: writing header: %w", err)
	}
	return nil
}

// writePadding pads the data section of size n to a full block with zeros.
func writePadding(w io.Writer, n int) error {
	if pad := (blockSize - n%blockSize) % blockSize; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("fits: writing padding: %w", err)
		}
	}
	return nil
}
