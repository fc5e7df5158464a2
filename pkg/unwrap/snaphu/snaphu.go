// Package snaphu adapts the external SNAPHU program to the unwrap.Unwrapper contract.
//
// Each call writes the tile to a scratch directory in SNAPHU's flat binary formats,
// runs the executable and reads back the unwrapped phase and connected components.
package snaphu

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

var tracer = otel.Tracer("pkg/unwrap/snaphu")

// CostMode selects SNAPHU's statistical cost model.
type CostMode string

const (
	CostTopo   CostMode = "topo"
	CostDefo   CostMode = "defo"
	CostSmooth CostMode = "smooth"
	CostPNorm  CostMode = "p-norm"
)

// InitMethod selects SNAPHU's initialization algorithm.
type InitMethod string

const (
	InitMST InitMethod = "mst"
	InitMCF InitMethod = "mcf"
)

// Scratch file names inside the per-call directory.
const (
	igramFile    = "igram.c8"
	corrFile     = "corr.f4"
	maskFile     = "mask.u8"
	powerFile    = "pwr.f4"
	estimateFile = "unwest.f4"
	configFile   = "snaphu.conf"
	unwFile      = "unw.f4"
	conncompFile = "conncomp.u4"
)

var costParamKey = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Unwrapper runs SNAPHU once per request.
type Unwrapper struct {
	executable string
	cost       CostMode
	costParams map[string]float64
	initMethod InitMethod
	scratchDir string
	logger     logger.Logger
}

var _ unwrap.Unwrapper = (*Unwrapper)(nil)

// Option customizes an Unwrapper.
type Option func(*Unwrapper)

// WithExecutable sets the path of the snaphu binary.
func WithExecutable(path string) Option {
	return func(u *Unwrapper) {
		u.executable = path
	}
}

func WithCostMode(cost CostMode) Option {
	return func(u *Unwrapper) {
		u.cost = cost
	}
}

// WithCostParams sets additional cost model parameters, keyed by their SNAPHU
// configuration keyword (for example DEFOMAX_CYCLE or LAYMINEI).
func WithCostParams(params map[string]float64) Option {
	return func(u *Unwrapper) {
		u.costParams = params
	}
}

func WithInitMethod(method InitMethod) Option {
	return func(u *Unwrapper) {
		u.initMethod = method
	}
}

// WithScratchDir sets the parent directory for per-call scratch files.
func WithScratchDir(dir string) Option {
	return func(u *Unwrapper) {
		u.scratchDir = dir
	}
}

func WithLogger(l logger.Logger) Option {
	return func(u *Unwrapper) {
		u.logger = l
	}
}

// New validates the options and returns an Unwrapper. The defaults match SNAPHU's
// recommended settings for deformation-free smooth signals.
func New(opts ...Option) (*Unwrapper, error) {
	u := &Unwrapper{
		executable: "snaphu",
		cost:       CostSmooth,
		initMethod: InitMCF,
		logger:     logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}

	switch u.cost {
	case CostTopo, CostDefo, CostSmooth, CostPNorm:
	default:
		return nil, fmt.Errorf("unexpected cost mode '%s'", u.cost)
	}
	switch u.initMethod {
	case InitMST, InitMCF:
	default:
		return nil, fmt.Errorf("unexpected initialization method '%s'", u.initMethod)
	}
	params := make(map[string]float64, len(u.costParams))
	for key, v := range u.costParams {
		// Keywords are case-insensitive; config loaders lowercase map keys.
		key = strings.ToUpper(key)
		if !costParamKey.MatchString(key) {
			return nil, fmt.Errorf("unexpected cost parameter '%s'", key)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("cost parameter '%s' must be finite", key)
		}
		params[key] = v
	}
	u.costParams = params
	return u, nil
}

// Config renders the SNAPHU configuration file for a request. The optional inputs
// present in req are named after their scratch files.
func (u *Unwrapper) Config(req *unwrap.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STATCOSTMODE %s\n", costKeyword(u.cost))
	fmt.Fprintf(&b, "INITMETHOD %s\n", strings.ToUpper(string(u.initMethod)))
	b.WriteString("INFILEFORMAT COMPLEX_DATA\n")
	b.WriteString("UNWRAPPEDOUTFILEFORMAT FLOAT_DATA\n")
	b.WriteString("CONNCOMPOUTTYPE UINT\n")
	fmt.Fprintf(&b, "NCORRLOOKS %g\n", req.NLooks)
	if req.Coherence != nil {
		b.WriteString("CORRFILEFORMAT FLOAT_DATA\n")
	}
	if req.Mask != nil {
		fmt.Fprintf(&b, "BYTEMASKFILE %s\n", maskFile)
	}
	if req.Power != nil {
		fmt.Fprintf(&b, "PWRFILE %s\n", powerFile)
		b.WriteString("AMPFILEFORMAT FLOAT_DATA\n")
	}
	if req.Estimate != nil {
		fmt.Fprintf(&b, "ESTIMATEFILE %s\n", estimateFile)
		b.WriteString("ESTFILEFORMAT FLOAT_DATA\n")
	}
	keys := make([]string, 0, len(u.costParams))
	for key := range u.costParams {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s %g\n", key, u.costParams[key])
	}
	return b.String()
}

func costKeyword(c CostMode) string {
	switch c {
	case CostTopo:
		return "TOPO"
	case CostDefo:
		return "DEFO"
	case CostPNorm:
		return "NOSTATCOSTS"
	default:
		return "SMOOTH"
	}
}

func (u *Unwrapper) Unwrap(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
	ctx, span := tracer.Start(ctx, "snaphu.Unwrap")
	defer span.End()

	if err := req.Validate(); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	rows, cols := req.Wrapped.Shape()
	span.SetAttributes(attribute.Int("rows", rows), attribute.Int("cols", cols))

	dir, err := os.MkdirTemp(u.scratchDir, "snaphu-")
	if err != nil {
		err = fmt.Errorf("creating snaphu scratch directory: %w", err)
		telemetry.TraceError(span, err)
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := u.writeInputs(dir, req); err != nil {
		err = fmt.Errorf("writing snaphu inputs: %w", err)
		telemetry.TraceError(span, err)
		return nil, err
	}

	args := []string{"-f", configFile, "-o", unwFile, "-g", conncompFile}
	if req.Coherence != nil {
		args = append(args, "-c", corrFile)
	}
	args = append(args, igramFile, fmt.Sprint(cols))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, u.executable, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	u.logger.DebugWithContext(ctx, "running snaphu", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = fmt.Errorf("snaphu failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		telemetry.TraceError(span, err)
		return nil, err
	}

	unw := raster.New[float64](rows, cols)
	if err := readFloat32(filepath.Join(dir, unwFile), unw.Data); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	labels := raster.New[uint32](rows, cols)
	if err := readUint32(filepath.Join(dir, conncompFile), labels.Data); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return &unwrap.Result{Unwrapped: unw, Labels: labels}, nil
}

// writeInputs writes the interferogram, the optional rasters and the config file
// into dir.
func (u *Unwrapper) writeInputs(dir string, req *unwrap.Request) error {
	if err := writeInterferogram(filepath.Join(dir, igramFile), req); err != nil {
		return err
	}
	for name, g := range map[string]*raster.Grid[float64]{
		corrFile:     req.Coherence,
		powerFile:    req.Power,
		estimateFile: req.Estimate,
	} {
		if g == nil {
			continue
		}
		if err := writeFloat32(filepath.Join(dir, name), g.Data); err != nil {
			return err
		}
	}
	if req.Mask != nil {
		if err := os.WriteFile(filepath.Join(dir, maskFile), req.Mask.Data, 0o600); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, configFile), []byte(u.Config(req)), 0o600)
}

func writeInterferogram(path string, req *unwrap.Request) error {
	buf := make([]float32, 0, 2*len(req.Wrapped.Data))
	for i, phase := range req.Wrapped.Data {
		if !req.Valid(i) {
			buf = append(buf, 0, 0)
			continue
		}
		buf = append(buf, float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	return writeBinary(path, buf)
}

func writeFloat32(path string, data []float64) error {
	buf := make([]float32, len(data))
	for i, v := range data {
		buf[i] = float32(v)
	}
	return writeBinary(path, buf)
}

func writeBinary(path string, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readFloat32(path string, dst []float64) error {
	buf := make([]float32, len(dst))
	if err := readBinary(path, buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}

func readUint32(path string, dst []uint32) error {
	return readBinary(path, dst)
}

func readBinary(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, dst); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return fmt.Errorf("%w: %s is shorter than expected", unwrap.ErrShapeMismatch, filepath.Base(path))
		}
		return err
	}
	return nil
}
