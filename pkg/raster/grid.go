// Package raster contains the in-memory grid types shared by every stage of the
// multiscale unwrapping pipeline and the interface used to read and write them.
package raster

import (
	"fmt"
	"math"
)

// Element is the set of sample types a Grid can hold.
type Element interface {
	~float64 | ~float32 | ~uint32 | ~uint8
}

// Grid is a dense, row-major two-dimensional array.
type Grid[T Element] struct {
	Rows int
	Cols int
	Data []T
}

// New allocates a zero-filled grid.
func New[T Element](rows, cols int) *Grid[T] {
	return &Grid[T]{
		Rows: rows,
		Cols: cols,
		Data: make([]T, rows*cols),
	}
}

// FromRows builds a grid from a slice of equally sized rows. It panics on ragged input
// and is intended for tests and small fixtures.
func FromRows[T Element](rows [][]T) *Grid[T] {
	if len(rows) == 0 {
		return New[T](0, 0)
	}
	g := New[T](len(rows), len(rows[0]))
	for r, row := range rows {
		if len(row) != g.Cols {
			panic(fmt.Sprintf("raster: ragged row %d: got %d columns, want %d", r, len(row), g.Cols))
		}
		copy(g.Data[r*g.Cols:], row)
	}
	return g
}

// Fill allocates a grid with every sample set to v.
func Fill[T Element](rows, cols int, v T) *Grid[T] {
	g := New[T](rows, cols)
	for i := range g.Data {
		g.Data[i] = v
	}
	return g
}

// Shape returns the grid dimensions as (rows, cols).
func (g *Grid[T]) Shape() (int, int) {
	return g.Rows, g.Cols
}

// SameShape reports whether both grids have identical dimensions.
func SameShape[T, U Element](a *Grid[T], b *Grid[U]) bool {
	return a.Rows == b.Rows && a.Cols == b.Cols
}

// Len returns the number of samples.
func (g *Grid[T]) Len() int {
	return g.Rows * g.Cols
}

func (g *Grid[T]) At(r, c int) T {
	return g.Data[r*g.Cols+c]
}

func (g *Grid[T]) Set(r, c int, v T) {
	g.Data[r*g.Cols+c] = v
}

// Clone returns a deep copy.
func (g *Grid[T]) Clone() *Grid[T] {
	out := New[T](g.Rows, g.Cols)
	copy(out.Data, g.Data)
	return out
}

// Window copies the samples inside rect into a new grid. The rectangle must lie
// inside the grid.
func (g *Grid[T]) Window(rect Rect) *Grid[T] {
	out := New[T](rect.Rows.Len(), rect.Cols.Len())
	for r := 0; r < out.Rows; r++ {
		src := (rect.Rows.Start+r)*g.Cols + rect.Cols.Start
		copy(out.Data[r*out.Cols:(r+1)*out.Cols], g.Data[src:src+out.Cols])
	}
	return out
}

// Validate checks that the data slice matches the declared shape.
func (g *Grid[T]) Validate() error {
	if g == nil {
		return fmt.Errorf("raster: nil grid")
	}
	if g.Rows < 0 || g.Cols < 0 {
		return fmt.Errorf("raster: negative shape (%d, %d)", g.Rows, g.Cols)
	}
	if len(g.Data) != g.Rows*g.Cols {
		return fmt.Errorf("raster: data length %d does not match shape (%d, %d)", len(g.Data), g.Rows, g.Cols)
	}
	return nil
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Span is a half-open index interval [Start, End).
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

func (s Span) Empty() bool {
	return s.End <= s.Start
}

// Intersect returns the overlap of two spans. The result may be empty.
func (s Span) Intersect(o Span) Span {
	return Span{Start: max(s.Start, o.Start), End: min(s.End, o.End)}
}

// Center returns the midpoint of the span in pixel coordinates.
func (s Span) Center() float64 {
	return float64(s.Start+s.End-1) / 2
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}

// Rect is an axis-aligned rectangle of pixels.
type Rect struct {
	Rows Span
	Cols Span
}

func (r Rect) Empty() bool {
	return r.Rows.Empty() || r.Cols.Empty()
}

func (r Rect) Area() int {
	return r.Rows.Len() * r.Cols.Len()
}

func (r Rect) Intersect(o Rect) Rect {
	return Rect{Rows: r.Rows.Intersect(o.Rows), Cols: r.Cols.Intersect(o.Cols)}
}

// Contains reports whether the pixel (row, col) lies inside the rectangle.
func (r Rect) Contains(row, col int) bool {
	return row >= r.Rows.Start && row < r.Rows.End && col >= r.Cols.Start && col < r.Cols.End
}

func (r Rect) String() string {
	return fmt.Sprintf("rows%s cols%s", r.Rows, r.Cols)
}
