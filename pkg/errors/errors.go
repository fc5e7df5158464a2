// Package errors defines the error taxonomy of the multiscale unwrapping pipeline.
//
// Every error returned by the pipeline matches one of the sentinel kinds below with
// errors.Is. Configuration and insufficient-data errors are fatal for a job; tile
// failures, ambiguous edges and unresolved seams are recorded and only become
// fatal through the aggregate thresholds.
package errors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrConfiguration reports invalid tile geometry or job settings.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrTileUnwrap reports a single unwrap invocation that failed or returned
	// malformed output.
	ErrTileUnwrap = errors.New("tile unwrap failed")

	// ErrAmbiguousEdge reports an overlap whose cycle offset could not be trusted.
	ErrAmbiguousEdge = errors.New("ambiguous overlap edge")

	// ErrUnresolvedSeam reports an overlap that stayed inconsistent after offsets
	// were assigned.
	ErrUnresolvedSeam = errors.New("unresolved seam")

	// ErrInsufficientValidData reports that too many tiles or edges were unusable
	// to produce a trustworthy raster.
	ErrInsufficientValidData = errors.New("insufficient valid data")
)

// ConfigurationError describes which setting was rejected and why.
type ConfigurationError struct {
	Field  string
	Reason string
}

// Configurationf builds a ConfigurationError with a formatted reason.
func Configurationf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// TileUnwrapError carries the tile index alongside the underlying cause.
type TileUnwrapError struct {
	Tile int
	Err  error
}

func (e *TileUnwrapError) Error() string {
	return fmt.Sprintf("%s: tile %d: %v", ErrTileUnwrap, e.Tile, e.Err)
}

func (e *TileUnwrapError) Is(target error) bool {
	return target == ErrTileUnwrap
}

func (e *TileUnwrapError) Unwrap() error {
	return e.Err
}

// EdgeRef names an overlap edge between two tiles.
type EdgeRef struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (e EdgeRef) String() string {
	return fmt.Sprintf("%d-%d", e.A, e.B)
}

// InsufficientValidDataError aborts a job and reports which tiles or edges caused it.
type InsufficientValidDataError struct {
	Reason         string
	FailedTiles    []int
	AmbiguousEdges []EdgeRef
}

func (e *InsufficientValidDataError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInsufficientValidData.Error())
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if len(e.FailedTiles) > 0 {
		parts := make([]string, 0, len(e.FailedTiles))
		for _, t := range e.FailedTiles {
			parts = append(parts, strconv.Itoa(t))
		}
		b.WriteString("; failed tiles [")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("]")
	}
	if len(e.AmbiguousEdges) > 0 {
		parts := make([]string, 0, len(e.AmbiguousEdges))
		for _, edge := range e.AmbiguousEdges {
			parts = append(parts, edge.String())
		}
		b.WriteString("; ambiguous edges [")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *InsufficientValidDataError) Is(target error) bool {
	return target == ErrInsufficientValidData
}
