// Package catalog provides a small row-oriented column table for survey
// catalogs: float and boolean columns of equal length, filtered in place
// through monotonic row masks.
package catalog

import "fmt"

// Table is a column-oriented table. Rows are only ever removed, never
// reinstated; accessors return internal buffers, so callers must not append
// to them or hold them across further filtering.
type Table struct {
	length int
	names  []string
	fcols  map[string][]float64
	bcols  map[string][]bool
}

// New creates an empty table with the given row count.
func New(length int) *Table {
	return &Table{
		length: length,
		fcols:  make(map[string][]float64),
		bcols:  make(map[string][]bool),
	}
}

// Len returns the current number of rows.
func (t *Table) Len() int { return t.length }

// Names returns the column names in insertion order.
func (t *Table) Names() []string { return t.names }

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	_, f := t.fcols[name]
	_, b := t.bcols[name]
	return f || b
}

// IsBool reports whether a column is boolean.
func (t *Table) IsBool(name string) bool {
	_, ok := t.bcols[name]
	return ok
}

// AddFloat adds a float column. The slice is owned by the table afterwards.
func (t *Table) AddFloat(name string, v []float64) error {
	if len(v) != t.length {
		return fmt.Errorf("catalog: column %q has %d rows, table has %d", name, len(v), t.length)
	}
	if t.Has(name) {
		return fmt.Errorf("catalog: duplicate column %q", name)
	}
	t.names = append(t.names, name)
	t.fcols[name] = v
	return nil
}

// AddBool adds a boolean column. The slice is owned by the table afterwards.
func (t *Table) AddBool(name string, v []bool) error {
	if len(v) != t.length {
		return fmt.Errorf("catalog: column %q has %d rows, table has %d", name, len(v), t.length)
	}
	if t.Has(name) {
		return fmt.Errorf("catalog: duplicate column %q", name)
	}
	t.names = append(t.names, name)
	t.bcols[name] = v
	return nil
}

// Float returns a float column.
func (t *Table) Float(name string) ([]float64, error) {
	v, ok := t.fcols[name]
	if !ok {
		return nil, fmt.Errorf("catalog: no float column %q", name)
	}
	return v, nil
}

// Bool returns a boolean column.
func (t *Table) Bool(name string) ([]bool, error) {
	v, ok := t.bcols[name]
	if !ok {
		return nil, fmt.Errorf("catalog: no bool column %q", name)
	}
	return v, nil
}

// SetFloat replaces the values of an existing float column.
func (t *Table) SetFloat(name string, v []float64) error {
	if _, ok := t.fcols[name]; !ok {
		return t.AddFloat(name, v)
	}
	if len(v) != t.length {
		return fmt.Errorf("catalog: column %q has %d rows, table has %d", name, len(v), t.length)
	}
	t.fcols[name] = v
	return nil
}

// Keep removes every row whose mask entry is false. The filter is monotonic:
// removed rows cannot come back.
func (t *Table) Keep(mask []bool) error {
	if len(mask) != t.length {
		return fmt.Errorf("catalog: mask has %d rows, table has %d", len(mask), t.length)
	}
	kept := 0
	for _, m := range mask {
		if m {
			kept++
		}
	}
	for name, col := range t.fcols {
		out := make([]float64, 0, kept)
		for i, m := range mask {
			if m {
				out = append(out, col[i])
			}
		}
		t.fcols[name] = out
	}
	for name, col := range t.bcols {
		out := make([]bool, 0, kept)
		for i, m := range mask {
			if m {
				out = append(out, col[i])
			}
		}
		t.bcols[name] = out
	}
	t.length = kept
	return nil
}

// KeepColumns drops all columns not in the given list.
func (t *Table) KeepColumns(names ...string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	var newNames []string
	for _, n := range t.names {
		if keep[n] {
			newNames = append(newNames, n)
		} else {
			delete(t.fcols, n)
			delete(t.bcols, n)
		}
	}
	t.names = newNames
}

// VStack concatenates tables with identical column sets row-wise.
func VStack(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("catalog: nothing to stack")
	}
	total := 0
	for _, t := range tables {
		total += t.length
	}
	out := New(total)
	first := tables[0]
	for _, name := range first.names {
		if first.IsBool(name) {
			col := make([]bool, 0, total)
			for _, t := range tables {
				c, err := t.Bool(name)
				if err != nil {
					return nil, err
				}
				col = append(col, c...)
			}
			if err := out.AddBool(name, col); err != nil {
				return nil, err
			}
			continue
		}
		col := make([]float64, 0, total)
		for _, t := range tables {
			c, err := t.Float(name)
			if err != nil {
				return nil, err
			}
			col = append(col, c...)
		}
		if err := out.AddFloat(name, col); err != nil {
			return nil, err
		}
	}
	return out, nil
}
