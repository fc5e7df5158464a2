package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigurationError(t *testing.T) {
	err := Configurationf("tile_size", "must be greater than overlap (%d <= %d)", 4, 4)

	require.ErrorIs(t, err, ErrConfiguration)
	require.NotErrorIs(t, err, ErrInsufficientValidData)
	require.Equal(t, "invalid configuration: tile_size: must be greater than overlap (4 <= 4)", err.Error())

	var target *ConfigurationError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &target)
	require.Equal(t, "tile_size", target.Field)
}

func TestTileUnwrapErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &TileUnwrapError{Tile: 4, Err: cause}

	require.ErrorIs(t, err, ErrTileUnwrap)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "tile unwrap failed: tile 4: boom", err.Error())
}

func TestInsufficientValidDataErrorReport(t *testing.T) {
	err := &InsufficientValidDataError{
		Reason:         "2 of 9 tiles failed",
		FailedTiles:    []int{1, 7},
		AmbiguousEdges: []EdgeRef{{A: 0, B: 1}},
	}

	require.ErrorIs(t, err, ErrInsufficientValidData)
	require.Equal(t, "insufficient valid data: 2 of 9 tiles failed; failed tiles [1 7]; ambiguous edges [0-1]", err.Error())
}
