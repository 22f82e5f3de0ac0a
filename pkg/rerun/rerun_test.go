package rerun

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymapper/pkg/catalog"
	"skymapper/pkg/nz"
)

func TestMapComputeOnce(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	compute := func() ([]float64, error) {
		calls++
		return []float64{1, 2, 3}, nil
	}

	c := New(dir, nil)
	got, err := c.Map("m.fits.gz", compute)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.Equal(t, 1, calls)

	// The artifact landed on disk.
	_, err = os.Stat(filepath.Join(dir, "m.fits.gz"))
	require.NoError(t, err)

	// A second request, even from a fresh cache, is a hit.
	got, err = New(dir, nil).Map("m.fits.gz", compute)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.Equal(t, 1, calls)
}

func TestMapConcurrentComputeOnce(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)

	var calls int32
	compute := func() ([]float64, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return []float64{9, 8}, nil
	}

	// Concurrent requests either join the in-flight computation or hit
	// the artifact it wrote; either way the closure runs once.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := c.Map("shared.fits.gz", compute)
			assert.NoError(t, err)
			assert.Equal(t, []float64{9, 8}, got)
		}()
	}
	close(start)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDisabledCacheRecomputes(t *testing.T) {
	calls := 0
	compute := func() ([]float64, error) {
		calls++
		return []float64{4}, nil
	}

	c := New("", nil)
	for i := 0; i < 2; i++ {
		got, err := c.Map("m.fits", compute)
		require.NoError(t, err)
		assert.Equal(t, []float64{4}, got)
	}
	assert.Equal(t, 2, calls)
	assert.NoFileExists(t, "m.fits")
}

func TestComputeErrorNotCached(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)

	calls := 0
	_, err := c.Map("bad.fits", func() ([]float64, error) {
		calls++
		return nil, fmt.Errorf("boom")
	})
	require.Error(t, err)

	// The failure left nothing behind, so the next call computes again.
	got, err := c.Map("bad.fits", func() ([]float64, error) {
		calls++
		return []float64{7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, got)
	assert.Equal(t, 2, calls)
}

func TestMapsRoundtrip(t *testing.T) {
	dir := t.TempDir()
	maps := [][]float64{{1, 2}, {3, 4}}

	c := New(dir, nil)
	_, err := c.Maps("two.fits.gz", func() ([][]float64, error) { return maps, nil })
	require.NoError(t, err)

	got, err := New(dir, nil).Maps("two.fits.gz", func() ([][]float64, error) {
		return nil, fmt.Errorf("should not compute")
	})
	require.NoError(t, err)
	assert.Equal(t, maps, got)
}

func TestTableRoundtrip(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)

	_, err := c.Table("cat.fits", func() (*catalog.Table, error) {
		tbl := catalog.New(2)
		if err := tbl.AddFloat("ra", []float64{10, 20}); err != nil {
			return nil, err
		}
		return tbl, nil
	})
	require.NoError(t, err)

	got, err := New(dir, nil).Table("cat.fits", func() (*catalog.Table, error) {
		return nil, fmt.Errorf("should not compute")
	})
	require.NoError(t, err)
	ra, err := got.Float("ra")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20}, ra)
}

func TestNzRoundtrip(t *testing.T) {
	dir := t.TempDir()
	d := &nz.Distribution{
		Z:  []float64{0.1, 0.3},
		Nz: []float64{2, 1},
		JK: [][]float64{{2, 1}, {1.8, 1.2}},
	}

	c := New(dir, nil)
	_, err := c.Nz("nz.npz", func() (*nz.Distribution, error) { return d, nil })
	require.NoError(t, err)

	got, err := New(dir, nil).Nz("nz.npz", func() (*nz.Distribution, error) {
		return nil, fmt.Errorf("should not compute")
	})
	require.NoError(t, err)
	assert.Equal(t, d.Z, got.Z)
	assert.Equal(t, d.Nz, got.Nz)
	assert.Equal(t, d.JK, got.JK)
}
