// Command stereodepth estimates depth from a side-by-side stereo video
// stream and displays the left frame next to the computed depth map.
//
// Usage:
//
//	stereodepth [flags] <input_source> <width> <height> <weights_file>
//
// width and height are the dimensions of the full side-by-side frame. The
// weights file may be a local path, a gs:// object or an http(s) URL. The
// compiled engine plan is cached next to the weights (or in -cache-dir) and
// reused on the next start.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/engine"
	"github.com/born-ml/stereodepth/internal/frames/cvframes"
	"github.com/born-ml/stereodepth/internal/modelstore"
	"github.com/born-ml/stereodepth/internal/pipeline"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/profile"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Exit codes.
const (
	exitUsage     = 1
	exitNoSource  = -1
	exitOtherwise = 2
)

// cacheDirEnv overrides the default cache directory.
const cacheDirEnv = "STEREODEPTH_CACHE_DIR"

// usageError reports bad command line arguments.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

type config struct {
	source  string
	width   int
	height  int
	weights string

	precision    tensor.Precision
	device       string
	profile      bool
	strictCache  bool
	cacheDir     string
	displayScale float64
	gcsAnonymous bool
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var uerr *usageError
	switch {
	case errors.As(err, &uerr):
		return exitUsage
	case errors.Is(err, cvframes.ErrOpen):
		return exitNoSource
	default:
		return exitOtherwise
	}
}

// parseConfig reads flags and positional arguments. Usage problems are
// reported as *usageError after printing the usage text to stderr.
func parseConfig(args []string, getenv func(string) string, stderr io.Writer) (*config, error) {
	fs := flag.NewFlagSet("stereodepth", flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)

	cfg := &config{}
	precision := fs.String("precision", "fp16", "engine precision: fp16 or fp32")
	fs.StringVar(&cfg.device, "device", "cpu", "accelerator: cpu or webgpu")
	fs.BoolVar(&cfg.profile, "profile", true, "print host time and per-layer timings for every frame")
	fs.BoolVar(&cfg.strictCache, "strict-cache", false, "fail instead of rebuilding when the cached plan is unusable")
	fs.StringVar(&cfg.cacheDir, "cache-dir", getenv(cacheDirEnv), "directory for downloaded weights and engine plans (env "+cacheDirEnv+")")
	fs.Float64Var(&cfg.displayScale, "display-scale", 0, "multiplier from disparity to 16-bit depth pixels; 0 uses 256*width")
	fs.BoolVar(&cfg.gcsAnonymous, "gcs-anonymous", false, "read gs:// weights without credentials")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: stereodepth [flags] <input_source> <width> <height> <weights_file>\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	if fs.NArg() < 4 {
		fs.Usage()
		return nil, &usageError{msg: fmt.Sprintf("expected 4 arguments, got %d", fs.NArg())}
	}

	cfg.source = fs.Arg(0)
	cfg.weights = fs.Arg(3)
	var err error
	if cfg.width, err = strconv.Atoi(fs.Arg(1)); err != nil || cfg.width < 2 {
		return nil, &usageError{msg: fmt.Sprintf("invalid width %q", fs.Arg(1))}
	}
	if cfg.height, err = strconv.Atoi(fs.Arg(2)); err != nil || cfg.height < 1 {
		return nil, &usageError{msg: fmt.Sprintf("invalid height %q", fs.Arg(2))}
	}
	if cfg.precision, err = tensor.ParsePrecision(*precision); err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	if cfg.device != "cpu" && cfg.device != "webgpu" {
		return nil, &usageError{msg: fmt.Sprintf("unknown device %q", cfg.device)}
	}
	if cfg.displayScale < 0 {
		return nil, &usageError{msg: "display scale must not be negative"}
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := parseConfig(args, os.Getenv, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return err
	}
	defer klog.Flush()

	log := klog.Background()
	ctx = klog.NewContext(ctx, log)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		log.Error(err, "stereodepth failed")
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg *config, stdout io.Writer) error {
	log := klog.FromContext(ctx)

	reader, err := cvframes.Open(cfg.source, cfg.width, cfg.height)
	if err != nil {
		return err
	}
	defer reader.Close()

	cacheDir := cfg.cacheDir
	if cacheDir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("locating cache directory: %w", err)
		}
		cacheDir = filepath.Join(userCache, "stereodepth")
	}
	resolver := &modelstore.Resolver{
		CacheDir: cacheDir,
		GCS:      &modelstore.GCSDownloader{Anonymous: cfg.gcsAnonymous},
	}
	weightsPath, err := resolver.Resolve(ctx, cfg.weights)
	if err != nil {
		return fmt.Errorf("resolving weights: %w", err)
	}

	dev, err := newDevice(cfg.device)
	if err != nil {
		return err
	}
	defer dev.Close()
	info := dev.Info()
	log.Info("using device", "name", info.Name, "class", info.Class)

	registry := plugin.NewRegistry(log)
	defer registry.Close()

	cache := &engine.Cache{
		Registry: registry,
		Compiler: engine.NewCompiler(log),
		Log:      log.WithName("cache"),
		Strict:   cfg.strictCache,
		Dir:      cfg.cacheDir,
	}
	buildCfg := engine.DefaultBuildConfig(info.Class)
	buildCfg.Half = cfg.precision == tensor.Float16
	res, err := cache.Load(ctx, weightsPath, buildCfg)
	if err != nil {
		return err
	}
	log.Info("engine ready", "origin", res.Origin, "plan", res.PlanPath,
		"precision", res.Engine.Precision(), "weights", len(res.Engine.Weights()))

	opts := pipeline.Options{Log: log.WithName("pipeline")}
	if cfg.profile {
		opts.Profiler = profile.NewTimings()
		opts.Report = stdout
	}
	p, err := pipeline.New(res.Engine, dev, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	display := cvframes.NewDisplay(float32(cfg.displayScale))
	defer display.Close()

	err = p.Run(ctx, reader, display)
	if errors.Is(err, cvframes.ErrQuit) {
		return nil
	}
	return err
}

// newDevice opens the named accelerator.
func newDevice(name string) (accel.Device, error) {
	if name == "webgpu" {
		return openWebGPU()
	}
	return openCPU(), nil
}
