// Package fits reads and writes the subset of FITS used by the mappers: float
// image HDUs holding HEALPix maps or rectangular-grid maps, and binary tables
// holding catalogs. Files whose name ends in ".gz" are handled transparently.
package fits

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	blockSize  = 2880
	recordSize = 80
)

// Header holds the parsed key-value records of one HDU.
type Header struct {
	records map[string]string
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{records: make(map[string]string)}
}

func (h *Header) GetString(key string) string {
	return h.records[strings.ToUpper(key)]
}

func (h *Header) GetInt(key string) (int, bool) {
	v, ok := h.records[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (h *Header) GetDouble(key string) (float64, bool) {
	v, ok := h.records[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (h *Header) set(key, value string) {
	h.records[strings.ToUpper(key)] = value
}

// hdu is one header/data unit with its raw data block.
type hdu struct {
	header *Header
	data   []byte
	bitpix int
	naxis  []int
}

func (u *hdu) isTable() bool {
	return strings.EqualFold(strings.TrimSpace(u.header.GetString("XTENSION")), "BINTABLE")
}

// readHDUs parses consecutive header/data units until EOF.
func readHDUs(r io.Reader) ([]*hdu, error) {
	var units []*hdu
	buf := make([]byte, recordSize)
	for {
		h := NewHeader()
		bitpix, naxisN := 0, 0
		var naxis []int
		headerDone := false
		first := true
		for !headerDone {
			for i := 0; i < blockSize/recordSize; i++ {
				if _, err := io.ReadFull(r, buf); err != nil {
					if first && i == 0 && err == io.EOF {
						return units, nil
					}
					return nil, fmt.Errorf("fits: reading header record: %w", err)
				}
				record := string(buf)
				keyword := strings.TrimSpace(record[:8])
				if keyword == "END" {
					headerDone = true
					continue
				}
				if len(record) > 10 && record[8] == '=' && record[9] == ' ' {
					rawValue := strings.TrimSpace(strings.SplitN(record[10:], "/", 2)[0])
					h.set(keyword, parseValue(rawValue))
					switch keyword {
					case "BITPIX":
						bitpix, _ = strconv.Atoi(rawValue)
					case "NAXIS":
						naxisN, _ = strconv.Atoi(rawValue)
						naxis = make([]int, naxisN)
					default:
						if strings.HasPrefix(keyword, "NAXIS") {
							if idx, err := strconv.Atoi(keyword[5:]); err == nil && idx >= 1 && idx <= naxisN {
								naxis[idx-1], _ = strconv.Atoi(rawValue)
							}
						}
					}
				}
			}
			first = false
		}

		n := 0
		if len(naxis) > 0 {
			n = 1
			for _, ax := range naxis {
				n *= ax
			}
		}
		size := n * abs(bitpix) / 8
		data := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("fits: reading data block: %w", err)
			}
			if pad := (blockSize - size%blockSize) % blockSize; pad > 0 {
				if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil && err != io.EOF {
					return nil, fmt.Errorf("fits: skipping padding: %w", err)
				}
			}
		}
		units = append(units, &hdu{header: h, data: data, bitpix: bitpix, naxis: naxis})
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func parseValue(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "'") {
		end := strings.LastIndex(raw, "'")
		if end > 0 {
			return strings.TrimRight(raw[1:end], " ")
		}
		return strings.Trim(raw, "' ")
	}
	return raw
}
