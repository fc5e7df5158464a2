// Package tiling partitions a raster into an ordered grid of overlapping tiles
// and carries the per-tile results through the rest of the pipeline.
package tiling

import (
	"fmt"

	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

// Tile describes one cell of the tiling grid.
type Tile struct {
	// Index is the position in schedule order (row-major over the tile grid).
	Index   int
	GridRow int
	GridCol int
	Rows    raster.Span
	Cols    raster.Span
	// Overlap is the configured overlap (rows, cols) shared with neighbours.
	Overlap [2]int
}

// Rect returns the pixel rectangle covered by the tile.
func (t Tile) Rect() raster.Rect {
	return raster.Rect{Rows: t.Rows, Cols: t.Cols}
}

// Center returns the tile centre in pixel coordinates.
func (t Tile) Center() (float64, float64) {
	return t.Rows.Center(), t.Cols.Center()
}

func (t Tile) String() string {
	return fmt.Sprintf("tile %d (%d,%d) %s", t.Index, t.GridRow, t.GridCol, t.Rect())
}

// Plan describes the tiling of a raster.
type Plan struct {
	Rows    int
	Cols    int
	Shape   [2]int // number of tiles along (rows, cols)
	Tiles   []Tile
	Size    [2]int
	Overlap [2]int
}

// Single reports whether the plan is the degenerate single-tile case.
func (p *Plan) Single() bool {
	return len(p.Tiles) == 1
}

// NewPlan partitions a rows×cols raster into tiles of at most tile pixels whose
// neighbours overlap by exactly overlap pixels. Boundary tiles are clipped to the
// raster. A dimension no larger than the tile size gets a single tile spanning it.
func NewPlan(rows, cols int, tile, overlap [2]int) (*Plan, error) {
	if rows < 1 || cols < 1 {
		return nil, tophuerrors.Configurationf("shape", "array axis lengths must be >= 1, got (%d, %d)", rows, cols)
	}

	rowSpans, err := split(rows, tile[0], overlap[0], "rows")
	if err != nil {
		return nil, err
	}
	colSpans, err := split(cols, tile[1], overlap[1], "cols")
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Rows:    rows,
		Cols:    cols,
		Shape:   [2]int{len(rowSpans), len(colSpans)},
		Tiles:   make([]Tile, 0, len(rowSpans)*len(colSpans)),
		Size:    tile,
		Overlap: overlap,
	}
	for i, rs := range rowSpans {
		for j, cs := range colSpans {
			plan.Tiles = append(plan.Tiles, Tile{
				Index:   len(plan.Tiles),
				GridRow: i,
				GridCol: j,
				Rows:    rs,
				Cols:    cs,
				Overlap: overlap,
			})
		}
	}
	return plan, nil
}

// split tiles one axis with stride size-overlap. The last tile starts early enough
// to add pixels beyond its predecessor and is clipped to the axis length.
func split(length, size, overlap int, axis string) ([]raster.Span, error) {
	field := "tile_size." + axis
	if size < 1 {
		return nil, tophuerrors.Configurationf(field, "tile size must be >= 1, got %d", size)
	}
	if overlap < 0 {
		return nil, tophuerrors.Configurationf("overlap_size."+axis, "overlap must be >= 0, got %d", overlap)
	}
	if size <= overlap {
		return nil, tophuerrors.Configurationf(field, "tile size %d must be greater than overlap %d", size, overlap)
	}
	if length <= size {
		return []raster.Span{{Start: 0, End: length}}, nil
	}
	if overlap == 0 {
		return nil, tophuerrors.Configurationf("overlap_size."+axis,
			"overlap must be >= 1 when the axis (%d) is split into tiles of %d", length, size)
	}

	stride := size - overlap
	n := (length - overlap + stride - 1) / stride
	spans := make([]raster.Span, n)
	for i := range spans {
		start := i * stride
		spans[i] = raster.Span{Start: start, End: min(start+size, length)}
	}
	return spans, nil
}

// TileDims returns the tile shape that splits shape into ntiles tiles per axis,
// rounded up to a multiple of snapTo.
func TileDims(shape, ntiles, snapTo [2]int) ([2]int, error) {
	var dims [2]int
	for i := range shape {
		if shape[i] < 1 {
			return dims, tophuerrors.Configurationf("shape", "array axis lengths must be >= 1")
		}
		if ntiles[i] < 1 {
			return dims, tophuerrors.Configurationf("ntiles", "number of tiles must be >= 1")
		}
		if snapTo[i] < 1 {
			return dims, tophuerrors.Configurationf("snap_to", "snap_to lengths must be >= 1")
		}
		d := ceilDiv(shape[i], ntiles[i])
		dims[i] = ceilDiv(d, snapTo[i]) * snapTo[i]
	}
	return dims, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Pair is an overlapping pair of tiles, A < B in schedule order.
type Pair struct {
	A       int
	B       int
	Overlap raster.Rect
}

// Neighbours lists every pair of tiles with a non-empty intersection, including
// diagonal neighbours that share only a corner block, and tiles further apart when
// the overlap exceeds half the tile size. The order is deterministic.
func (p *Plan) Neighbours() []Pair {
	var pairs []Pair
	for a := range p.Tiles {
		ta := p.Tiles[a]
		for b := a + 1; b < len(p.Tiles); b++ {
			ov := ta.Rect().Intersect(p.Tiles[b].Rect())
			if ov.Empty() {
				continue
			}
			pairs = append(pairs, Pair{A: a, B: b, Overlap: ov})
		}
	}
	return pairs
}

// Nearest returns the index of the tile whose centre is closest to (row, col)
// among the candidates accepted by keep. Ties resolve to the lowest index. It
// returns -1 when no tile is accepted.
func (p *Plan) Nearest(row, col float64, keep func(int) bool) int {
	best := -1
	bestDist := 0.0
	for _, t := range p.Tiles {
		if keep != nil && !keep(t.Index) {
			continue
		}
		cr, cc := t.Center()
		d := (cr-row)*(cr-row) + (cc-col)*(cc-col)
		if best < 0 || d < bestDist {
			best, bestDist = t.Index, d
		}
	}
	return best
}
