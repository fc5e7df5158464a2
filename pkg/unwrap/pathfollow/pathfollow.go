// Package pathfollow provides a minimal path-following unwrapper.
//
// It integrates wrapped phase differences breadth-first from a seed pixel across
// 4-connected valid pixels, so it is only correct where the true phase gradient stays
// below π per pixel and noise is negligible. It exists for tests, demos and
// synthetic data; production runs should plug in a statistical-cost unwrapper
// such as SNAPHU.
package pathfollow

import (
	"context"
	"math"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

// Unwrapper is a path-following unwrap.Unwrapper.
type Unwrapper struct {
	// MinComponentSize is the smallest region that keeps a non-zero label.
	// Smaller regions are unwrapped but labelled 0.
	MinComponentSize int
}

var _ unwrap.Unwrapper = (*Unwrapper)(nil)

// New returns an Unwrapper that labels every connected region.
func New() *Unwrapper {
	return &Unwrapper{MinComponentSize: 1}
}

// Wrap maps a phase value into [-π, π).
func Wrap(phase float64) float64 {
	w := math.Mod(phase+math.Pi, 2*math.Pi)
	if w < 0 {
		w += 2 * math.Pi
	}
	return w - math.Pi
}

func (u *Unwrapper) Unwrap(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rows, cols := req.Wrapped.Shape()
	unw := raster.New[float64](rows, cols)
	labels := raster.New[uint32](rows, cols)
	visited := make([]bool, rows*cols)
	queue := make([]int, 0, rows*cols)

	var next uint32 = 1
	for seed := range req.Wrapped.Data {
		if visited[seed] || !req.Valid(seed) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		queue = queue[:0]
		queue = append(queue, seed)
		visited[seed] = true
		unw.Data[seed] = req.Wrapped.Data[seed]

		for head := 0; head < len(queue); head++ {
			p := queue[head]
			r, c := p/cols, p%cols
			for _, n := range [4][2]int{{r - 1, c}, {r + 1, c}, {r, c - 1}, {r, c + 1}} {
				if n[0] < 0 || n[0] >= rows || n[1] < 0 || n[1] >= cols {
					continue
				}
				q := n[0]*cols + n[1]
				if visited[q] || !req.Valid(q) {
					continue
				}
				visited[q] = true
				unw.Data[q] = unw.Data[p] + Wrap(req.Wrapped.Data[q]-req.Wrapped.Data[p])
				queue = append(queue, q)
			}
		}

		if len(queue) < max(u.MinComponentSize, 1) {
			continue
		}
		for _, p := range queue {
			labels.Data[p] = next
		}
		next++
	}

	return &unwrap.Result{Unwrapped: unw, Labels: labels}, nil
}
