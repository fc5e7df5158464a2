package rawfile

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "out"))
	meta := raster.Metadata{
		GeoTransform: raster.GeoTransform{500000, 30, 0, 4200000, 0, -30},
		NoData:       -9999,
		HasNoData:    true,
	}

	t.Run("float64", func(t *testing.T) {
		g := raster.FromRows([][]float64{{1.5, -2.25, math.NaN()}, {0, 1e-300, math.Inf(1)}})
		require.NoError(t, store.WriteFloat64(ctx, "unwrapped", g, meta))

		got, gotMeta, err := store.ReadFloat64(ctx, "unwrapped")
		require.NoError(t, err)
		require.Equal(t, meta, gotMeta)
		require.Equal(t, 2, got.Rows)
		require.Equal(t, 3, got.Cols)
		require.True(t, math.IsNaN(got.At(0, 2)))
		got.Set(0, 2, 0)
		g.Set(0, 2, 0)
		require.Equal(t, g.Data, got.Data)
	})

	t.Run("uint32", func(t *testing.T) {
		g := raster.FromRows([][]uint32{{0, 1}, {4000000000, 7}})
		require.NoError(t, store.WriteUint32(ctx, "conncomp", g, raster.Metadata{}))

		h, err := store.ReadHeader("conncomp")
		require.NoError(t, err)
		require.Equal(t, Uint32, h.DType)
		require.Nil(t, h.NoData)

		got, gotMeta, err := store.ReadFloat64(ctx, "conncomp")
		require.NoError(t, err)
		require.False(t, gotMeta.HasNoData)
		require.Equal(t, []float64{0, 1, 4000000000, 7}, got.Data)
	})

	t.Run("uint8", func(t *testing.T) {
		g := raster.FromRows([][]uint8{{0, 1, 2, 3, 4}})
		require.NoError(t, store.WriteUint8(ctx, "quality", g, meta))

		b, err := os.ReadFile(filepath.Join(store.dir, "quality.bin"))
		require.NoError(t, err)
		require.Equal(t, []byte{0, 1, 2, 3, 4}, b)
	})

	t.Run("nan_nodata_is_omitted", func(t *testing.T) {
		g := raster.Fill(1, 1, 3.0)
		require.NoError(t, store.WriteFloat64(ctx, "nan", g, raster.Metadata{NoData: math.NaN(), HasNoData: true}))
		h, err := store.ReadHeader("nan")
		require.NoError(t, err)
		require.Nil(t, h.NoData)
	})
}

func TestStoreReadsFloat32(t *testing.T) {
	dir := t.TempDir()
	samples := []float32{0.5, -1, 3.25, 8}
	f, err := os.Create(filepath.Join(dir, "phase.bin"))
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, samples))
	require.NoError(t, f.Close())
	header := "rows: 2\ncols: 2\ndtype: float32\ngeoTransform: [0, 1, 0, 0, 0, 1]\nnoData: 8\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phase.yaml"), []byte(header), 0o644))

	got, meta, err := New(dir).ReadFloat64(context.Background(), "phase")
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, -1, 3.25, 8}, got.Data)
	require.True(t, meta.IsNoData(got.At(1, 1)))
	require.Equal(t, raster.IdentityGeoTransform, meta.GeoTransform)
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := New(dir)

	t.Run("missing", func(t *testing.T) {
		_, _, err := store.ReadFloat64(ctx, "absent")
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid_name", func(t *testing.T) {
		for _, name := range []string{"", "..", "../etc", `a\b`} {
			_, _, err := store.ReadFloat64(ctx, name)
			require.ErrorIs(t, err, ErrInvalidName)
		}
		require.ErrorIs(t, store.WriteUint8(ctx, "x/y", raster.New[uint8](1, 1), raster.Metadata{}), ErrInvalidName)
	})

	t.Run("truncated_data", func(t *testing.T) {
		require.NoError(t, store.WriteFloat64(ctx, "short", raster.Fill(2, 2, 1.0), raster.Metadata{}))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "short.bin"), make([]byte, 8), 0o644))
		_, _, err := store.ReadFloat64(ctx, "short")
		require.ErrorContains(t, err, "file holds 8 bytes, header describes 32")
	})

	t.Run("unknown_dtype", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "odd.yaml"), []byte("rows: 1\ncols: 1\ndtype: complex64\n"), 0o644))
		_, err := store.ReadHeader("odd")
		require.ErrorContains(t, err, `unsupported dtype "complex64"`)
	})

	t.Run("unknown_header_field", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte("rows: 1\ncols: 1\ndtype: uint8\nbands: 3\n"), 0o644))
		_, err := store.ReadHeader("extra")
		require.Error(t, err)
	})
}
