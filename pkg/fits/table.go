package fits

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"skymapper/pkg/catalog"
)

// tableColumn describes one binary-table field.
type tableColumn struct {
	name  string
	form  byte // FITS TFORM type code
	width int  // bytes per row
}

var formWidths = map[byte]int{'L': 1, 'B': 1, 'I': 2, 'J': 4, 'K': 8, 'E': 4, 'D': 8}

// ReadTable reads the first binary-table HDU into a catalog table. Logical
// columns become bool columns, all numeric columns become float columns.
func ReadTable(path string) (*catalog.Table, error) {
	r, closeFn, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	units, err := readHDUs(r)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if u.isTable() {
			return decodeTable(path, u)
		}
	}
	return nil, fmt.Errorf("fits: %s: no binary table found", path)
}

func decodeTable(path string, u *hdu) (*catalog.Table, error) {
	if len(u.naxis) != 2 {
		return nil, fmt.Errorf("fits: %s: malformed binary table", path)
	}
	rowLen, nrows := u.naxis[0], u.naxis[1]
	nfields, _ := u.header.GetInt("TFIELDS")

	cols := make([]tableColumn, 0, nfields)
	total := 0
	for i := 1; i <= nfields; i++ {
		name := u.header.GetString(fmt.Sprintf("TTYPE%d", i))
		form := strings.TrimSpace(u.header.GetString(fmt.Sprintf("TFORM%d", i)))
		if form == "" {
			return nil, fmt.Errorf("fits: %s: missing TFORM%d", path, i)
		}
		repeat := 1
		code := form[len(form)-1]
		if len(form) > 1 {
			if r, err := strconv.Atoi(form[:len(form)-1]); err == nil {
				repeat = r
			}
		}
		if repeat != 1 {
			return nil, fmt.Errorf("fits: %s: array column %q not supported", path, name)
		}
		width, ok := formWidths[code]
		if !ok {
			return nil, fmt.Errorf("fits: %s: unsupported TFORM %q", path, form)
		}
		cols = append(cols, tableColumn{name: name, form: code, width: width})
		total += width
	}
	if total != rowLen {
		return nil, fmt.Errorf("fits: %s: row length %d does not match columns (%d)", path, rowLen, total)
	}

	t := catalog.New(nrows)
	offset := 0
	for _, c := range cols {
		if c.form == 'L' {
			col := make([]bool, nrows)
			for row := 0; row < nrows; row++ {
				col[row] = u.data[row*rowLen+offset] == 'T'
			}
			if err := t.AddBool(c.name, col); err != nil {
				return nil, err
			}
		} else {
			col := make([]float64, nrows)
			for row := 0; row < nrows; row++ {
				b := u.data[row*rowLen+offset:]
				switch c.form {
				case 'B':
					col[row] = float64(b[0])
				case 'I':
					col[row] = float64(int16(binary.BigEndian.Uint16(b)))
				case 'J':
					col[row] = float64(int32(binary.BigEndian.Uint32(b)))
				case 'K':
					col[row] = float64(int64(binary.BigEndian.Uint64(b)))
				case 'E':
					col[row] = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
				case 'D':
					col[row] = math.Float64frombits(binary.BigEndian.Uint64(b))
				}
			}
			if err := t.AddFloat(c.name, col); err != nil {
				return nil, err
			}
		}
		offset += c.width
	}
	return t, nil
}

// WriteTable writes a catalog table as a binary-table extension. Float
// columns are written as doubles, boolean columns as logicals.
func WriteTable(path string, t *catalog.Table) error {
	names := t.Names()
	rowLen := 0
	for _, n := range names {
		if t.IsBool(n) {
			rowLen++
		} else {
			rowLen += 8
		}
	}

	primary := []string{
		record("SIMPLE", "T", "conforms to FITS standard"),
		record("BITPIX", "8", ""),
		record("NAXIS", "0", ""),
		record("EXTEND", "T", ""),
	}
	ext := []string{
		record("XTENSION", "'BINTABLE'", "binary table extension"),
		record("BITPIX", "8", ""),
		record("NAXIS", "2", ""),
		record("NAXIS1", fmt.Sprint(rowLen), "bytes per row"),
		record("NAXIS2", fmt.Sprint(t.Len()), "number of rows"),
		record("PCOUNT", "0", ""),
		record("GCOUNT", "1", ""),
		record("TFIELDS", fmt.Sprint(len(names)), ""),
	}
	for i, n := range names {
		form := "'D'"
		if t.IsBool(n) {
			form = "'L'"
		}
		ext = append(ext,
			record(fmt.Sprintf("TTYPE%d", i+1), fmt.Sprintf("'%s'", n), ""),
			record(fmt.Sprintf("TFORM%d", i+1), form, ""))
	}

	w, closeFn, err := createFile(path)
	if err != nil {
		return err
	}
	if err := writeHeader(w, primary); err != nil {
		closeFn()
		return err
	}
	if err := writeHeader(w, ext); err != nil {
		closeFn()
		return err
	}

	row := make([]byte, rowLen)
	for r := 0; r < t.Len(); r++ {
		off := 0
		for _, n := range names {
			if t.IsBool(n) {
				col, _ := t.Bool(n)
				if col[r] {
					row[off] = 'T'
				} else {
					row[off] = 'F'
				}
				off++
				continue
			}
			col, _ := t.Float(n)
			binary.BigEndian.PutUint64(row[off:], math.Float64bits(col[r]))
			off += 8
		}
		if _, err := w.Write(row); err != nil {
			closeFn()
			return fmt.Errorf("fits: writing %s: %w", path, err)
		}
	}
	if err := writePadding(w, t.Len()*rowLen); err != nil {
		closeFn()
		return err
	}
	return closeFn()
}
