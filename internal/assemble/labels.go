package assemble

import (
	"github.com/2lambda123/isce-framework-tophu/internal/stitch"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

// labelSet gives every tile-local component a global id and merges ids that
// describe the same component in an overlap. Global ids are dense, so the
// union-find is sized by the number of distinct labels rather than their values.
type labelSet struct {
	ids    []map[uint32]uint32
	parent []uint32
}

func newLabelSet(results []*tiling.Result) *labelSet {
	ls := &labelSet{ids: make([]map[uint32]uint32, len(results))}
	next := uint32(1)
	for i, res := range results {
		if !res.Usable() {
			continue
		}
		ids := make(map[uint32]uint32)
		for _, l := range res.Labels.Data {
			if l == 0 {
				continue
			}
			if _, ok := ids[l]; !ok {
				ids[l] = next
				next++
			}
		}
		ls.ids[i] = ids
	}
	ls.parent = make([]uint32, next)
	for i := range ls.parent {
		ls.parent[i] = uint32(i)
	}
	return ls
}

// global maps a tile-local label to its global id. Label 0 stays 0.
func (ls *labelSet) global(tile int, label uint32) uint32 {
	if label == 0 {
		return 0
	}
	return ls.ids[tile][label]
}

func (ls *labelSet) find(x uint32) uint32 {
	for ls.parent[x] != x {
		ls.parent[x] = ls.parent[ls.parent[x]]
		x = ls.parent[x]
	}
	return x
}

func (ls *labelSet) union(a, b uint32) {
	ra, rb := ls.find(a), ls.find(b)
	if ra == rb {
		return
	}
	ls.parent[max(ra, rb)] = min(ra, rb)
}

// merge joins components that share a valid pixel in the overlap of two tiles.
// Overlaps left as unresolved seams are not merged.
func (ls *labelSet) merge(plan *tiling.Plan, results []*tiling.Result, sol *stitch.Solution) {
	for _, pair := range plan.Neighbours() {
		a, b := results[pair.A], results[pair.B]
		if !a.Usable() || !b.Usable() || sol.Seam(pair.A, pair.B) {
			continue
		}
		for r := pair.Overlap.Rows.Start; r < pair.Overlap.Rows.End; r++ {
			for c := pair.Overlap.Cols.Start; c < pair.Overlap.Cols.End; c++ {
				ar, ac := a.Local(r, c)
				br, bc := b.Local(r, c)
				if !a.Valid(ar, ac) || !b.Valid(br, bc) {
					continue
				}
				ls.union(ls.global(pair.A, a.Labels.At(ar, ac)), ls.global(pair.B, b.Labels.At(br, bc)))
			}
		}
	}
}

// compact rewrites the global ids in g as 1..N in raster-scan order of first
// appearance and returns N.
func (ls *labelSet) compact(g *raster.Grid[uint32]) int {
	renumber := make(map[uint32]uint32)
	for i, id := range g.Data {
		if id == 0 {
			continue
		}
		root := ls.find(id)
		n, ok := renumber[root]
		if !ok {
			n = uint32(len(renumber) + 1)
			renumber[root] = n
		}
		g.Data[i] = n
	}
	return len(renumber)
}
