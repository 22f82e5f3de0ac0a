// Package npz reads and writes NumPy ".npz" archives restricted to what the
// mapper cache needs: little-endian float64 arrays of one or two dimensions.
package npz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Array is an n-dimensional float64 array with row-major data.
type Array struct {
	Shape []int
	Data  []float64
}

// Vector wraps a 1-D slice as an Array.
func Vector(v []float64) Array {
	return Array{Shape: []int{len(v)}, Data: v}
}

// Matrix wraps rows of equal length as a 2-D Array.
func Matrix(rows [][]float64) (Array, error) {
	if len(rows) == 0 {
		return Array{Shape: []int{0, 0}}, nil
	}
	n := len(rows[0])
	data := make([]float64, 0, len(rows)*n)
	for _, r := range rows {
		if len(r) != n {
			return Array{}, fmt.Errorf("npz: ragged matrix rows")
		}
		data = append(data, r...)
	}
	return Array{Shape: []int{len(rows), n}, Data: data}, nil
}

// Rows returns a 2-D array as a slice of row slices.
func (a Array) Rows() ([][]float64, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("npz: array is %d-dimensional, want 2", len(a.Shape))
	}
	out := make([][]float64, a.Shape[0])
	for i := range out {
		out[i] = a.Data[i*a.Shape[1] : (i+1)*a.Shape[1]]
	}
	return out, nil
}

var npyMagic = []byte("\x93NUMPY")

// Write stores the named arrays in a zip archive of ".npy" members, sorted by
// name for deterministic output.
func Write(path string, arrays map[string]Array) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("npz: creating %s: %w", path, err)
	}
	zw := zip.NewWriter(f)

	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w, err := zw.Create(name + ".npy")
		if err != nil {
			f.Close()
			return fmt.Errorf("npz: adding %s: %w", name, err)
		}
		if err := writeNpy(w, arrays[name]); err != nil {
			f.Close()
			return fmt.Errorf("npz: writing %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("npz: closing %s: %w", path, err)
	}
	return f.Close()
}

// Read loads all arrays from an archive written by Write (or by NumPy, as
// long as the members are little-endian float64).
func Read(path string) (map[string]Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("npz: opening %s: %w", path, err)
	}
	defer zr.Close()

	out := make(map[string]Array, len(zr.File))
	for _, zf := range zr.File {
		name := strings.TrimSuffix(zf.Name, ".npy")
		r, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("npz: opening member %s: %w", zf.Name, err)
		}
		a, err := readNpy(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("npz: reading member %s: %w", zf.Name, err)
		}
		out[name] = a
	}
	return out, nil
}

func writeNpy(w io.Writer, a Array) error {
	dims := make([]string, len(a.Shape))
	n := 1
	for i, d := range a.Shape {
		dims[i] = strconv.Itoa(d)
		n *= d
	}
	if n != len(a.Data) {
		return fmt.Errorf("shape %v does not match %d values", a.Shape, len(a.Data))
	}
	shape := strings.Join(dims, ", ")
	if len(a.Shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", shape)
	// Pad so the data section starts at a 64-byte boundary, newline-terminated.
	total := len(npyMagic) + 4 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	if _, err := w.Write(hlen[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, v := range a.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

var shapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)

func readNpy(r io.Reader) (Array, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return Array{}, err
	}
	if !bytes.Equal(head[:6], npyMagic) {
		return Array{}, fmt.Errorf("bad npy magic")
	}
	var hlen [2]byte
	if _, err := io.ReadFull(r, hlen[:]); err != nil {
		return Array{}, err
	}
	header := make([]byte, binary.LittleEndian.Uint16(hlen[:]))
	if _, err := io.ReadFull(r, header); err != nil {
		return Array{}, err
	}
	hs := string(header)
	if !strings.Contains(hs, "'<f8'") {
		return Array{}, fmt.Errorf("unsupported dtype in %q", hs)
	}
	m := shapeRe.FindStringSubmatch(hs)
	if m == nil {
		return Array{}, fmt.Errorf("no shape in %q", hs)
	}
	var shape []int
	n := 1
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return Array{}, fmt.Errorf("bad shape in %q", hs)
		}
		shape = append(shape, d)
		n *= d
	}
	raw := make([]byte, n*8)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Array{}, err
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return Array{Shape: shape, Data: data}, nil
}
