//go:generate mockgen -source unwrap.go -destination ../../internal/mocks/mock_unwrapper.go -package mocks Unwrapper

// Package unwrap defines the contract between the multiscale orchestrator and the
// two-dimensional phase unwrapping algorithms it drives.
//
// Any algorithm that satisfies Unwrapper can be plugged in: the orchestrator never
// inspects how a tile is unwrapped, it only relies on the output being the same
// shape as the input and on the returned phase being continuous inside each
// connected component.
package unwrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

// ErrShapeMismatch is returned when an Unwrapper violates the shape-preserving contract.
var ErrShapeMismatch = errors.New("unwrapper output shape does not match input")

// Request is the input of a single unwrap invocation.
type Request struct {
	// Wrapped is the wrapped phase in radians.
	Wrapped *raster.Grid[float64]
	// Coherence is the optional sample correlation coefficient in [0, 1].
	Coherence *raster.Grid[float64]
	// Mask optionally marks valid pixels with a non-zero value.
	Mask *raster.Grid[uint8]
	// NLooks is the effective number of looks used to form the coherence.
	NLooks float64
	// Power is the optional SAR signal power. Statistical cost models use it
	// alongside the coherence; other unwrappers ignore it.
	Power *raster.Grid[float64]
	// Estimate is an optional initial estimate of the unwrapped phase in radians.
	Estimate *raster.Grid[float64]
}

// Result is the output of a single unwrap invocation.
type Result struct {
	// Unwrapped is the unwrapped phase in radians.
	Unwrapped *raster.Grid[float64]
	// Labels holds connected component labels. Zero marks pixels that were not
	// assigned to any component.
	Labels *raster.Grid[uint32]
}

// Unwrapper performs two-dimensional phase unwrapping of a single array.
//
// Implementations must be safe for concurrent use: the orchestrator invokes Unwrap
// from several goroutines at once, each with its own Request.
type Unwrapper interface {
	Unwrap(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts an ordinary function to the Unwrapper interface.
type Func func(ctx context.Context, req *Request) (*Result, error)

func (f Func) Unwrap(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Validate checks that the request arrays are well formed and consistently shaped.
func (r *Request) Validate() error {
	if r == nil || r.Wrapped == nil {
		return errors.New("unwrap request is missing the wrapped phase")
	}
	if err := r.Wrapped.Validate(); err != nil {
		return err
	}
	if r.Coherence != nil && !raster.SameShape(r.Wrapped, r.Coherence) {
		return errors.New("shape mismatch: igram and coherence must have the same shape")
	}
	if r.Mask != nil && !raster.SameShape(r.Wrapped, r.Mask) {
		return errors.New("shape mismatch: igram and mask must have the same shape")
	}
	if r.Power != nil && !raster.SameShape(r.Wrapped, r.Power) {
		return errors.New("shape mismatch: igram and power must have the same shape")
	}
	if r.Estimate != nil && !raster.SameShape(r.Wrapped, r.Estimate) {
		return errors.New("shape mismatch: igram and unwrapped estimate must have the same shape")
	}
	if r.NLooks < 1 {
		return errors.New("effective number of looks must be >= 1")
	}
	return nil
}

// Valid reports whether pixel i of the request carries usable data.
func (r *Request) Valid(i int) bool {
	if !raster.IsFinite(r.Wrapped.Data[i]) {
		return false
	}
	if r.Mask != nil && r.Mask.Data[i] == 0 {
		return false
	}
	if r.Coherence != nil {
		c := r.Coherence.Data[i]
		if !raster.IsFinite(c) || c <= 0 {
			return false
		}
	}
	return true
}

// CheckResult enforces the shape-preserving contract. A violation is reported as
// ErrShapeMismatch, never silently truncated.
func CheckResult(req *Request, res *Result) error {
	if res == nil || res.Unwrapped == nil || res.Labels == nil {
		return fmt.Errorf("%w: missing output arrays", ErrShapeMismatch)
	}
	if err := res.Unwrapped.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := res.Labels.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if !raster.SameShape(req.Wrapped, res.Unwrapped) {
		return fmt.Errorf("%w: unwrapped phase is %dx%d, input is %dx%d",
			ErrShapeMismatch, res.Unwrapped.Rows, res.Unwrapped.Cols, req.Wrapped.Rows, req.Wrapped.Cols)
	}
	if !raster.SameShape(req.Wrapped, res.Labels) {
		return fmt.Errorf("%w: labels are %dx%d, input is %dx%d",
			ErrShapeMismatch, res.Labels.Rows, res.Labels.Cols, req.Wrapped.Rows, req.Wrapped.Cols)
	}
	return nil
}
