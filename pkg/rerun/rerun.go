// Package rerun provides disk-backed memoization of derived mapper products.
// Artifacts are addressed by file name under a single output directory: a hit
// is read back, a miss is computed and persisted. Cached files are never
// invalidated automatically; stale artifacts must be deleted by the caller.
package rerun

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"skymapper/pkg/catalog"
	"skymapper/pkg/fits"
	"skymapper/pkg/npz"
	"skymapper/pkg/nz"
)

// Cache is a disk-backed artifact store. A nil Cache, or one rooted at the
// empty directory, computes results without persisting them. Concurrent
// requests for the same artifact within one process are collapsed to a single
// computation; concurrent writers from separate processes are not coordinated.
type Cache struct {
	dir   string
	log   *zap.Logger
	group singleflight.Group
}

// New creates a cache rooted at dir. The directory is created on first write.
func New(dir string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{dir: dir, log: log}
}

func (c *Cache) enabled() bool { return c != nil && c.dir != "" }

func (c *Cache) path(name string) string { return filepath.Join(c.dir, name) }

func (c *Cache) exists(name string) bool {
	_, err := os.Stat(c.path(name))
	return err == nil
}

func (c *Cache) ensureDir() error {
	return os.MkdirAll(c.dir, 0o755)
}

// cycle runs the shared read-or-compute-and-write logic.
func (c *Cache) cycle(name string,
	read func(string) (any, error),
	compute func() (any, error),
	write func(string, any) error) (any, error) {

	if !c.enabled() {
		return compute()
	}
	v, err, _ := c.group.Do(name, func() (any, error) {
		if c.exists(name) {
			c.log.Debug("rerun cache hit", zap.String("artifact", name))
			return read(c.path(name))
		}
		c.log.Debug("rerun cache miss", zap.String("artifact", name))
		v, err := compute()
		if err != nil {
			return nil, err
		}
		if err := c.ensureDir(); err != nil {
			return nil, fmt.Errorf("rerun: %w", err)
		}
		if err := write(c.path(name), v); err != nil {
			return nil, err
		}
		return v, nil
	})
	return v, err
}

// Maps memoizes a multi-component sky map as a FITS artifact.
func (c *Cache) Maps(name string, compute func() ([][]float64, error)) ([][]float64, error) {
	v, err := c.cycle(name,
		func(p string) (any, error) { return fits.ReadMaps(p) },
		func() (any, error) { return compute() },
		func(p string, v any) error { return fits.WriteMaps(p, v.([][]float64)) })
	if err != nil {
		return nil, err
	}
	return v.([][]float64), nil
}

// Map memoizes a single-component sky map as a FITS artifact.
func (c *Cache) Map(name string, compute func() ([]float64, error)) ([]float64, error) {
	maps, err := c.Maps(name, func() ([][]float64, error) {
		m, err := compute()
		if err != nil {
			return nil, err
		}
		return [][]float64{m}, nil
	})
	if err != nil {
		return nil, err
	}
	return maps[0], nil
}

// Table memoizes a catalog as a FITS binary-table artifact.
func (c *Cache) Table(name string, compute func() (*catalog.Table, error)) (*catalog.Table, error) {
	v, err := c.cycle(name,
		func(p string) (any, error) { return fits.ReadTable(p) },
		func() (any, error) { return compute() },
		func(p string, v any) error { return fits.WriteTable(p, v.(*catalog.Table)) })
	if err != nil {
		return nil, err
	}
	return v.(*catalog.Table), nil
}

// Nz memoizes a redshift distribution as an NPZ artifact with members z_mid,
// nz, and optionally nz_jk.
func (c *Cache) Nz(name string, compute func() (*nz.Distribution, error)) (*nz.Distribution, error) {
	v, err := c.cycle(name,
		func(p string) (any, error) { return readNz(p) },
		func() (any, error) { return compute() },
		func(p string, v any) error { return writeNz(p, v.(*nz.Distribution)) })
	if err != nil {
		return nil, err
	}
	return v.(*nz.Distribution), nil
}

func readNz(path string) (*nz.Distribution, error) {
	arrays, err := npz.Read(path)
	if err != nil {
		return nil, err
	}
	zm, ok := arrays["z_mid"]
	if !ok {
		return nil, fmt.Errorf("rerun: %s: missing z_mid", path)
	}
	nzv, ok := arrays["nz"]
	if !ok {
		return nil, fmt.Errorf("rerun: %s: missing nz", path)
	}
	d := &nz.Distribution{Z: zm.Data, Nz: nzv.Data}
	if jk, ok := arrays["nz_jk"]; ok {
		rows, err := jk.Rows()
		if err != nil {
			return nil, fmt.Errorf("rerun: %s: %w", path, err)
		}
		d.JK = rows
	}
	return d, nil
}

func writeNz(path string, d *nz.Distribution) error {
	arrays := map[string]npz.Array{
		"z_mid": npz.Vector(d.Z),
		"nz":    npz.Vector(d.Nz),
	}
	if d.JK != nil {
		jk, err := npz.Matrix(d.JK)
		if err != nil {
			return err
		}
		arrays["nz_jk"] = jk
	}
	return npz.Write(path, arrays)
}
