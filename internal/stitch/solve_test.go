package stitch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolveLeastSquares(t *testing.T) {
	t.Run("components_solved_independently", func(t *testing.T) {
		tg := &tileGraph{
			nodes: []int64{0, 1, 2, 3, 4, 5},
			links: []link{
				{u: 0, v: 1, delta: 2, weight: 1},
				{u: 1, v: 2, delta: -1, weight: 1},
				{u: 0, v: 2, delta: 1, weight: 0.5},
				{u: 3, v: 4, delta: 3, weight: 0},
			},
			ref: -1,
		}

		offsets, err := tg.solveLeastSquares([]int64{1, 4, 5})
		require.NoError(t, err)
		require.Equal(t, map[int64]int{0: -2, 1: 0, 2: -1, 3: -3, 4: 0, 5: 0}, offsets)
	})

	t.Run("weights_resolve_disagreement", func(t *testing.T) {
		tg := &tileGraph{
			nodes: []int64{0, 1, 2},
			links: []link{
				{u: 0, v: 1, delta: 1, weight: 1},
				{u: 0, v: 2, delta: 0, weight: 10},
				{u: 2, v: 1, delta: 0, weight: 10},
			},
			ref: -1,
		}

		offsets, err := tg.solveLeastSquares([]int64{0})
		require.NoError(t, err)
		require.Equal(t, map[int64]int{0: 0, 1: 0, 2: 0}, offsets)
	})

	t.Run("reference_node_is_the_gauge", func(t *testing.T) {
		tg := &tileGraph{
			nodes: []int64{0, 1, 2},
			links: []link{
				{u: 0, v: 1, delta: 1, weight: 1},
				{u: 3, v: 0, delta: 2, weight: 1},
				{u: 3, v: 2, delta: -1, weight: 1},
			},
			ref: 3,
		}

		offsets, err := tg.solveLeastSquares([]int64{3})
		require.NoError(t, err)
		require.Equal(t, map[int64]int{0: 2, 1: 3, 2: -1, 3: 0}, offsets)
	})

	t.Run("large_grid", func(t *testing.T) {
		const gridRows, gridCols = 60, 60
		rng := rand.New(rand.NewSource(7))
		cycles := make([]int, gridRows*gridCols)
		tg := &tileGraph{ref: -1}
		for i := range cycles {
			cycles[i] = rng.Intn(21) - 10
			tg.nodes = append(tg.nodes, int64(i))
		}
		connect := func(r, c, nr, nc int) {
			if nr >= gridRows || nc < 0 || nc >= gridCols {
				return
			}
			u, v := r*gridCols+c, nr*gridCols+nc
			tg.links = append(tg.links, link{u: int64(u), v: int64(v), delta: cycles[v] - cycles[u], weight: rng.Float64()})
		}
		for r := 0; r < gridRows; r++ {
			for c := 0; c < gridCols; c++ {
				connect(r, c, r, c+1)
				connect(r, c, r+1, c-1)
				connect(r, c, r+1, c)
				connect(r, c, r+1, c+1)
			}
		}

		offsets, err := tg.solveLeastSquares([]int64{0})
		require.NoError(t, err)
		require.Len(t, offsets, len(cycles))
		for i, want := range cycles {
			require.Equal(t, want-cycles[0], offsets[int64(i)], "tile %d", i)
		}
	})
}
