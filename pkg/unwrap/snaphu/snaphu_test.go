package snaphu

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

func TestNewRejectsUnknownModes(t *testing.T) {
	_, err := New(WithCostMode("bogus"))
	require.EqualError(t, err, "unexpected cost mode 'bogus'")

	_, err = New(WithInitMethod("bogus"))
	require.EqualError(t, err, "unexpected initialization method 'bogus'")

	_, err = New(WithCostParams(map[string]float64{"defomax cycle": 1}))
	require.EqualError(t, err, "unexpected cost parameter 'DEFOMAX CYCLE'")

	_, err = New(WithCostParams(map[string]float64{"DEFOMAX_CYCLE": math.Inf(1)}))
	require.EqualError(t, err, "cost parameter 'DEFOMAX_CYCLE' must be finite")
}

func TestConfig(t *testing.T) {
	u, err := New(WithCostMode(CostDefo), WithInitMethod(InitMST))
	require.NoError(t, err)

	cfg := u.Config(&unwrap.Request{
		NLooks:    4.5,
		Coherence: raster.New[float64](1, 1),
		Mask:      raster.New[uint8](1, 1),
	})
	require.Equal(t, `STATCOSTMODE DEFO
INITMETHOD MST
INFILEFORMAT COMPLEX_DATA
UNWRAPPEDOUTFILEFORMAT FLOAT_DATA
CONNCOMPOUTTYPE UINT
NCORRLOOKS 4.5
CORRFILEFORMAT FLOAT_DATA
BYTEMASKFILE mask.u8
`, cfg)
}

func TestConfigAuxiliaryInputsAndCostParams(t *testing.T) {
	u, err := New(WithCostParams(map[string]float64{
		"laymineI":      1.25,
		"DEFOMAX_CYCLE": 0,
	}))
	require.NoError(t, err)

	cfg := u.Config(&unwrap.Request{
		NLooks:   1,
		Power:    raster.New[float64](1, 1),
		Estimate: raster.New[float64](1, 1),
	})
	require.Equal(t, `STATCOSTMODE SMOOTH
INITMETHOD MCF
INFILEFORMAT COMPLEX_DATA
UNWRAPPEDOUTFILEFORMAT FLOAT_DATA
CONNCOMPOUTTYPE UINT
NCORRLOOKS 1
PWRFILE pwr.f4
AMPFILEFORMAT FLOAT_DATA
ESTIMATEFILE unwest.f4
ESTFILEFORMAT FLOAT_DATA
DEFOMAX_CYCLE 0
LAYMINEI 1.25
`, cfg)
}

func fakeExecutable(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "snaphu")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestUnwrapRunsExecutable(t *testing.T) {
	exe := fakeExecutable(t, `n=$(( $(wc -c < igram.c8) / 2 ))
head -c $n /dev/zero > unw.f4
head -c $n /dev/zero > conncomp.u4
`)
	u, err := New(WithExecutable(exe), WithScratchDir(t.TempDir()))
	require.NoError(t, err)

	res, err := u.Unwrap(context.Background(), &unwrap.Request{
		Wrapped:   raster.New[float64](3, 5),
		Coherence: raster.Fill(3, 5, 1.0),
		NLooks:    1,
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Unwrapped.Rows)
	require.Equal(t, 5, res.Labels.Cols)
}

func TestUnwrapShortOutput(t *testing.T) {
	exe := fakeExecutable(t, `head -c 4 /dev/zero > unw.f4
head -c 4 /dev/zero > conncomp.u4
`)
	u, err := New(WithExecutable(exe))
	require.NoError(t, err)

	_, err = u.Unwrap(context.Background(), &unwrap.Request{Wrapped: raster.New[float64](3, 5), NLooks: 1})
	require.ErrorIs(t, err, unwrap.ErrShapeMismatch)
}

func TestUnwrapReportsFailure(t *testing.T) {
	exe := fakeExecutable(t, `echo "bad input" >&2
exit 3
`)
	u, err := New(WithExecutable(exe))
	require.NoError(t, err)

	_, err = u.Unwrap(context.Background(), &unwrap.Request{Wrapped: raster.New[float64](2, 2), NLooks: 1})
	require.ErrorContains(t, err, "bad input")
}

func TestUnwrapWritesAuxiliaryInputs(t *testing.T) {
	exe := fakeExecutable(t, `test -s pwr.f4 || exit 4
test -s unwest.f4 || exit 5
grep -q "^PWRFILE pwr.f4$" snaphu.conf || exit 6
n=$(( $(wc -c < igram.c8) / 2 ))
head -c $n /dev/zero > unw.f4
head -c $n /dev/zero > conncomp.u4
`)
	u, err := New(WithExecutable(exe), WithScratchDir(t.TempDir()))
	require.NoError(t, err)

	_, err = u.Unwrap(context.Background(), &unwrap.Request{
		Wrapped:  raster.New[float64](3, 5),
		Power:    raster.Fill(3, 5, 2.0),
		Estimate: raster.Fill(3, 5, 0.5),
		NLooks:   1,
	})
	require.NoError(t, err)

	_, err = u.Unwrap(context.Background(), &unwrap.Request{
		Wrapped: raster.New[float64](3, 5),
		Power:   raster.New[float64](2, 5),
		NLooks:  1,
	})
	require.ErrorContains(t, err, "igram and power must have the same shape")
}

func TestUnwrapTracesScratchFailure(t *testing.T) {
	tp := telemetry.MustNewTracerProvider(telemetry.WithSamplingRatio(1))
	t.Cleanup(func() {
		require.NoError(t, tp.Close(context.Background()))
	})
	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	u, err := New(WithScratchDir(filepath.Join(t.TempDir(), "missing")))
	require.NoError(t, err)

	_, err = u.Unwrap(context.Background(), &unwrap.Request{Wrapped: raster.New[float64](2, 2), NLooks: 1})
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorContains(t, err, "creating snaphu scratch directory")

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "snaphu.Unwrap", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Contains(t, spans[0].Status().Description, "creating snaphu scratch directory")
}
