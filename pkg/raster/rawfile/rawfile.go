// Package rawfile implements raster.Access on a directory of raw sample files.
//
// A raster named "phase" is stored as two files: phase.bin holds the samples in
// row-major order as little-endian values, and phase.yaml holds the header
// describing shape, sample type and georeferencing.
package rawfile

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/raster/rawfile")

// DType names the on-disk sample type.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Uint32  DType = "uint32"
	Uint8   DType = "uint8"
)

func (d DType) size() int {
	switch d {
	case Float32, Uint32:
		return 4
	case Float64:
		return 8
	case Uint8:
		return 1
	}
	return 0
}

// ErrInvalidName is returned for raster names that would escape the store directory.
var ErrInvalidName = errors.New("invalid raster name")

// Header is the content of the .yaml sidecar.
type Header struct {
	Rows         int                 `json:"rows"`
	Cols         int                 `json:"cols"`
	DType        DType               `json:"dtype"`
	GeoTransform raster.GeoTransform `json:"geoTransform"`
	NoData       *float64            `json:"noData,omitempty"`
}

func (h *Header) metadata() raster.Metadata {
	meta := raster.Metadata{GeoTransform: h.GeoTransform}
	if h.NoData != nil {
		meta.NoData, meta.HasNoData = *h.NoData, true
	}
	return meta
}

func header[T raster.Element](g *raster.Grid[T], dtype DType, meta raster.Metadata) *Header {
	h := &Header{Rows: g.Rows, Cols: g.Cols, DType: dtype, GeoTransform: meta.GeoTransform}
	// NaN is always treated as missing and has no JSON encoding.
	if meta.HasNoData && !math.IsNaN(meta.NoData) {
		v := meta.NoData
		h.NoData = &v
	}
	return h
}

// Store reads and writes rasters under a single directory.
type Store struct {
	dir string
}

var _ raster.Access = (*Store)(nil)

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) paths(name string) (string, string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	base := filepath.Join(s.dir, name)
	return base + ".bin", base + ".yaml", nil
}

// ReadHeader returns the header of the named raster.
func (s *Store) ReadHeader(name string) (*Header, error) {
	_, headerPath, err := s.paths(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(headerPath)
	if err != nil {
		return nil, fmt.Errorf("reading raster header %q: %w", name, err)
	}
	var h Header
	if err := yaml.UnmarshalStrict(b, &h); err != nil {
		return nil, fmt.Errorf("decoding raster header %q: %w", name, err)
	}
	if h.Rows < 0 || h.Cols < 0 {
		return nil, fmt.Errorf("raster header %q: negative shape (%d, %d)", name, h.Rows, h.Cols)
	}
	if h.DType.size() == 0 {
		return nil, fmt.Errorf("raster header %q: unsupported dtype %q", name, h.DType)
	}
	return &h, nil
}

// ReadFloat64 reads the named raster, converting any stored sample type to float64.
func (s *Store) ReadFloat64(ctx context.Context, name string) (*raster.Grid[float64], raster.Metadata, error) {
	_, span := tracer.Start(ctx, "rawfile.ReadFloat64", trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	g, meta, err := s.read(name)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, raster.Metadata{}, err
	}
	return g, meta, nil
}

func (s *Store) read(name string) (*raster.Grid[float64], raster.Metadata, error) {
	h, err := s.ReadHeader(name)
	if err != nil {
		return nil, raster.Metadata{}, err
	}
	dataPath, _, _ := s.paths(name)

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, raster.Metadata{}, fmt.Errorf("opening raster %q: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, raster.Metadata{}, err
	}
	if want := int64(h.Rows) * int64(h.Cols) * int64(h.DType.size()); info.Size() != want {
		return nil, raster.Metadata{}, fmt.Errorf("raster %q: file holds %d bytes, header describes %d", name, info.Size(), want)
	}

	g := raster.New[float64](h.Rows, h.Cols)
	r := bufio.NewReader(f)
	switch h.DType {
	case Float64:
		err = binary.Read(r, binary.LittleEndian, g.Data)
	case Float32:
		err = readConverted[float32](r, g.Data)
	case Uint32:
		err = readConverted[uint32](r, g.Data)
	case Uint8:
		err = readConverted[uint8](r, g.Data)
	}
	if err != nil {
		return nil, raster.Metadata{}, fmt.Errorf("reading raster %q: %w", name, err)
	}
	return g, h.metadata(), nil
}

func readConverted[T float32 | uint32 | uint8](r io.Reader, dst []float64) error {
	buf := make([]T, len(dst))
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}

func (s *Store) WriteFloat64(ctx context.Context, name string, g *raster.Grid[float64], meta raster.Metadata) error {
	return write(ctx, s, name, g, Float64, meta)
}

func (s *Store) WriteUint32(ctx context.Context, name string, g *raster.Grid[uint32], meta raster.Metadata) error {
	return write(ctx, s, name, g, Uint32, meta)
}

func (s *Store) WriteUint8(ctx context.Context, name string, g *raster.Grid[uint8], meta raster.Metadata) error {
	return write(ctx, s, name, g, Uint8, meta)
}

// write stores the samples first and the header last, each through a temporary
// file renamed into place, so a header never describes a partial data file.
func write[T raster.Element](ctx context.Context, s *Store, name string, g *raster.Grid[T], dtype DType, meta raster.Metadata) (err error) {
	_, span := tracer.Start(ctx, "rawfile.Write", trace.WithAttributes(
		attribute.String("name", name),
		attribute.String("dtype", string(dtype)),
	))
	defer func() {
		if err != nil {
			telemetry.TraceError(span, err)
		}
		span.End()
	}()

	if err := g.Validate(); err != nil {
		return err
	}
	dataPath, headerPath, err := s.paths(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating raster directory: %w", err)
	}

	err = writeAtomic(dataPath, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := binary.Write(bw, binary.LittleEndian, g.Data); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil {
		return fmt.Errorf("writing raster %q: %w", name, err)
	}

	b, err := yaml.Marshal(header(g, dtype, meta))
	if err != nil {
		return fmt.Errorf("encoding raster header %q: %w", name, err)
	}
	err = writeAtomic(headerPath, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing raster header %q: %w", name, err)
	}
	return nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
