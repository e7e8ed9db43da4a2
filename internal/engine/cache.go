package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
	"github.com/born-ml/stereodepth/internal/weights"
)

// PlanSuffix is appended to the weights path to name the cached plan.
const PlanSuffix = ".plan"

// Origin says how Cache.Load produced an engine.
type Origin int

// Origins.
const (
	Built Origin = iota
	Loaded
)

// String returns the origin name.
func (o Origin) String() string {
	if o == Loaded {
		return "loaded"
	}
	return "built"
}

// Result is the outcome of Cache.Load.
type Result struct {
	Engine   *Engine
	Origin   Origin
	PlanPath string
}

// Cache loads a compiled plan next to the weights file or builds and
// stores one. A corrupt or mismatched plan is rebuilt with a warning unless
// Strict is set.
type Cache struct {
	Registry *plugin.Registry
	Compiler *Compiler
	Log      logr.Logger

	// Strict turns an unusable plan into an error instead of a rebuild.
	Strict bool
	// Dir, when set, holds plan files instead of the weights directory.
	Dir string
}

// PlanPath returns where the plan for weightsPath lives.
func (c *Cache) PlanPath(weightsPath string) string {
	if c.Dir != "" {
		return filepath.Join(c.Dir, filepath.Base(weightsPath)+PlanSuffix)
	}
	return weightsPath + PlanSuffix
}

// Load returns an engine for the fixed topology with the weights at
// weightsPath, from the plan file if it is usable, otherwise by building.
func (c *Cache) Load(ctx context.Context, weightsPath string, cfg BuildConfig) (*Result, error) {
	log := c.Log.WithValues("weights", weightsPath)
	planPath := c.PlanPath(weightsPath)
	topology := graph.ResNet18_2D_513x257()

	data, err := os.ReadFile(planPath) //nolint:gosec // G304: plan path derives from the user's weights path
	switch {
	case err == nil:
		start := time.Now()
		e, derr := Deserialize(data, c.Registry, Expect{
			Topology:  topology.ID,
			Precision: cfg.Precision(),
			Hardware:  cfg.Hardware,
		})
		if derr == nil {
			log.Info("loaded engine plan", "plan", planPath, "bytes", len(data), "duration", time.Since(start))
			return &Result{Engine: e, Origin: Loaded, PlanPath: planPath}, nil
		}
		if c.Strict {
			return nil, fmt.Errorf("loading plan %s: %w", planPath, derr)
		}
		log.Error(derr, "discarding unusable engine plan, rebuilding", "plan", planPath)
	case errors.Is(err, fs.ErrNotExist):
		log.Info("no engine plan found, building", "plan", planPath)
	default:
		return nil, fmt.Errorf("reading plan %s: %w", planPath, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := c.build(topology, weightsPath, cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err = Serialize(e)
	if err != nil {
		return nil, fmt.Errorf("serializing engine: %w", err)
	}
	if err := writeFile(log, planPath, data); err != nil {
		return nil, fmt.Errorf("writing plan %s: %w", planPath, err)
	}
	log.Info("stored engine plan", "plan", planPath, "bytes", len(data))
	return &Result{Engine: e, Origin: Built, PlanPath: planPath}, nil
}

// build loads the weights, assembles the network and compiles it. The store
// and network are dropped once the engine holds its own copy of the weights.
func (c *Cache) build(topology *graph.Topology, weightsPath string, cfg BuildConfig) (*Engine, error) {
	start := time.Now()
	store, err := weights.Load(weightsPath, cfg.Precision())
	if err != nil {
		return nil, err
	}
	c.Log.Info("loaded weights", "path", weightsPath, "tensors", store.Len(), "bytes", store.ByteSize())

	dims := tensor.CHW(graph.InputChannels, graph.InputHeight, graph.InputWidth)
	net, err := topology.Build(store, c.Registry, dims, cfg.Precision())
	if err != nil {
		return nil, err
	}
	e, err := c.Compiler.Compile(net, cfg)
	if err != nil {
		return nil, err
	}
	c.Log.Info("built engine", "duration", time.Since(start))
	return e, nil
}

// writeFile replaces path with data through a temp file and a rename, so a
// reader never sees a partial plan.
func writeFile(log logr.Logger, path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false
	return nil
}
