package stitch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/trees/binaryheap"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
	"gonum.org/v1/gonum/mat"
)

// Solver selects how integer offsets are derived from the edge estimates.
type Solver string

const (
	SolverSpanningTree Solver = "spanning-tree"
	SolverLeastSquares Solver = "least-squares"
)

// minLinkWeight keeps zero-confidence links from producing empty rows in the
// least-squares system.
const minLinkWeight = 1e-6

// link is a trusted offset constraint: offset[v] − offset[u] = delta.
type link struct {
	u      int64
	v      int64
	delta  int
	weight float64
}

// compareLinks orders links by decreasing weight, then by endpoints, so that the
// spanning forest does not depend on estimation order.
func compareLinks(a, b any) int {
	x, y := a.(link), b.(link)
	switch {
	case x.weight > y.weight:
		return -1
	case x.weight < y.weight:
		return 1
	}
	if c := cmp.Compare(min(x.u, x.v), min(y.u, y.v)); c != 0 {
		return c
	}
	return cmp.Compare(max(x.u, x.v), max(y.u, y.v))
}

// tileGraph is the undirected graph of tiles joined by trusted links. The virtual
// reference node, when present, is joined to every anchored tile.
type tileGraph struct {
	nodes []int64
	links []link
	// ref is the id of the virtual reference node, or -1.
	ref int64
}

func (t *tileGraph) build(links []link) *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	for _, id := range t.nodes {
		g.AddNode(simple.Node(id))
	}
	if t.ref >= 0 && g.Node(t.ref) == nil {
		g.AddNode(simple.Node(t.ref))
	}
	for _, l := range links {
		g.SetEdge(simple.Edge{F: simple.Node(l.u), T: simple.Node(l.v)})
	}
	return g
}

// components returns the connected components with node ids in ascending order,
// the components themselves ordered by their smallest id.
func (t *tileGraph) components() [][]int64 {
	var out [][]int64
	for _, comp := range topo.ConnectedComponents(t.build(t.links)) {
		ids := make([]int64, 0, len(comp))
		for _, n := range comp {
			ids = append(ids, n.ID())
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []int64) int {
		return cmp.Compare(a[0], b[0])
	})
	return out
}

// spanningForest selects a maximum-weight spanning forest with Kruskal's
// algorithm. The candidate links are popped from a heap in compareLinks order.
func (t *tileGraph) spanningForest() []link {
	size := int64(0)
	for _, id := range t.nodes {
		size = max(size, id+1)
	}
	size = max(size, t.ref+1)

	parent := make([]int64, size)
	for i := range parent {
		parent[i] = int64(i)
	}
	var find func(int64) int64
	find = func(x int64) int64 {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	heap := binaryheap.NewWith(compareLinks)
	for _, l := range t.links {
		heap.Push(l)
	}

	var forest []link
	for !heap.Empty() {
		v, _ := heap.Pop()
		l := v.(link)
		ru, rv := find(l.u), find(l.v)
		if ru == rv {
			continue
		}
		parent[max(ru, rv)] = min(ru, rv)
		forest = append(forest, l)
	}
	return forest
}

// solveSpanningTree propagates offsets breadth-first from each root over the
// maximum-weight spanning forest.
func (t *tileGraph) solveSpanningTree(roots []int64) map[int64]int {
	forest := t.spanningForest()
	tree := t.build(forest)

	delta := make(map[[2]int64]int, 2*len(forest))
	for _, l := range forest {
		delta[[2]int64{l.u, l.v}] = l.delta
		delta[[2]int64{l.v, l.u}] = -l.delta
	}

	offsets := make(map[int64]int, len(t.nodes))
	for _, root := range roots {
		offsets[root] = 0
		bfs := traverse.BreadthFirst{
			Traverse: func(e graph.Edge) bool {
				u, v := e.From().ID(), e.To().ID()
				_, hasU := offsets[u]
				_, hasV := offsets[v]
				switch {
				case hasU && !hasV:
					offsets[v] = offsets[u] + delta[[2]int64{u, v}]
				case hasV && !hasU:
					offsets[u] = offsets[v] + delta[[2]int64{v, u}]
				}
				return true
			},
		}
		bfs.Walk(tree, simple.Node(root), nil)
	}
	return offsets
}

// solveLeastSquares solves the weighted least-squares system over every trusted
// link, one connected component at a time. Each component is pinned to zero at
// its root; the reference node is implicitly zero.
//
// The normal equations of a component form its weighted graph Laplacian with the
// root eliminated. Tile ids are row-major, so the Laplacian is banded with a
// bandwidth of about one tile-grid row and the factorization needs
// O(tiles × grid columns) memory.
func (t *tileGraph) solveLeastSquares(roots []int64) (map[int64]int, error) {
	isRoot := make(map[int64]bool, len(roots))
	for _, root := range roots {
		isRoot[root] = true
	}
	byNode := make(map[int64][]link)
	for _, l := range t.links {
		byNode[min(l.u, l.v)] = append(byNode[min(l.u, l.v)], l)
	}

	offsets := make(map[int64]int, len(t.nodes))
	for _, comp := range t.components() {
		var gauge int64 = -1
		for _, id := range comp {
			if isRoot[id] {
				gauge = id
			}
		}
		if gauge < 0 {
			return nil, fmt.Errorf("least-squares offset solve: component of tile %d has no root", comp[0])
		}

		var links []link
		for _, id := range comp {
			links = append(links, byNode[id]...)
		}
		x, err := solveComponent(comp, gauge, links)
		if err != nil {
			return nil, fmt.Errorf("least-squares offset solve: %w", err)
		}
		for id, v := range x {
			offsets[id] = roundCycles(v, nil)
		}
	}
	if t.ref >= 0 {
		offsets[t.ref] = 0
	}
	return offsets, nil
}

// solveComponent returns the least-squares offsets of the nodes in comp with the
// gauge node held at zero.
func solveComponent(comp []int64, gauge int64, links []link) (map[int64]float64, error) {
	idx := make(map[int64]int, len(comp))
	for _, id := range comp {
		if id != gauge {
			idx[id] = len(idx)
		}
	}
	x := map[int64]float64{gauge: 0}
	n := len(idx)
	if n == 0 {
		return x, nil
	}

	k := 0
	for _, l := range links {
		iu, okU := idx[l.u]
		iv, okV := idx[l.v]
		if okU && okV {
			k = max(k, abs(iu-iv))
		}
	}
	k = min(k, n-1)

	lap := mat.NewSymBandDense(n, k, nil)
	add := func(i, j int, v float64) {
		lap.SetSymBand(i, j, lap.At(i, j)+v)
	}
	b := mat.NewVecDense(n, nil)
	for _, l := range links {
		w := max(l.weight, minLinkWeight)
		d := w * float64(l.delta)
		iu, okU := idx[l.u]
		iv, okV := idx[l.v]
		if okV {
			add(iv, iv, w)
			b.SetVec(iv, b.AtVec(iv)+d)
		}
		if okU {
			add(iu, iu, w)
			b.SetVec(iu, b.AtVec(iu)-d)
		}
		if okU && okV {
			add(iu, iv, -w)
		}
	}

	var ch mat.BandCholesky
	if !ch.Factorize(lap) {
		return nil, errors.New("offset system is not positive definite")
	}
	var sol mat.VecDense
	if err := ch.SolveVecTo(&sol, b); err != nil {
		return nil, err
	}
	for id, i := range idx {
		x[id] = sol.AtVec(i)
	}
	return x, nil
}
