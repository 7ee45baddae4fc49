// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ssg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/switchedsr/pkg/ml/layers/switched"
	"github.com/gomlx/switchedsr/pkg/support/xtensors"
	"github.com/gomlx/switchedsr/ui/attentionmaps"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// AttentionMapsDir is the sub-directory of the output directory where attention maps are written.
	AttentionMapsDir = "attention_maps"

	// TemperatureDebugName is the key of the switch temperature in DebugValues.
	TemperatureDebugName = "switch_temperature"
)

// Model holds the generator context and its executor. It is safe for concurrent use: calls are
// serialized.
type Model struct {
	mu        sync.Mutex
	backend   backends.Backend
	ctx       *context.Context
	cfg       *Config
	exec      *context.Exec
	diagNames []string
}

// Result of a Model.Forward call.
type Result struct {
	// Input is the low resolution input, as given.
	Input *tensors.Tensor

	// GradOutput and Output are the upscaled gradient image and the upscaled image.
	GradOutput, Output *tensors.Tensor

	// GradFeatures are the low resolution features of the gradient branch.
	GradFeatures *tensors.Tensor

	// Diagnostics holds the attention maps (switched.AttentionName), their specificity and
	// histogram, and the branch-join statistics.
	Diagnostics switched.Values
}

// NewModel reads the configuration from ctx hyperparameters and creates the executor of the
// generator, in inference mode. Variables are created in ctx on the first call to Forward.
func NewModel(backend backends.Backend, ctx *context.Context) (*Model, error) {
	cfg, err := NewConfig(ctx)
	if err != nil {
		return nil, err
	}
	m := &Model{backend: backend, ctx: ctx, cfg: cfg}
	m.exec, err = context.NewExec(backend, ctx, m.buildGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating generator executor")
	}
	klog.V(1).Infof("ssg: generator with %d filters, %d transforms, upscale %dx, dtype %s",
		cfg.Filters, cfg.Transforms, cfg.Upscale, cfg.DType)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() *Config {
	return m.cfg
}

// Context returns the model context, holding its variables.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// buildGraph returns the generator outputs followed by the diagnostics values.
func (m *Model) buildGraph(ctx *context.Context, lr, ref, centers *Node) []*Node {
	diag := switched.NewDiagnostics(m.cfg.SpecificityWindow)
	gradOut, out, gradFeatures := Generator(ctx, m.cfg, lr, ref, centers, diag)
	m.diagNames = diag.Names()
	return append([]*Node{gradOut, out, gradFeatures}, diag.Nodes()...)
}

// Forward executes the generator on the low resolution images lr, the reference images ref and
// the centers of lr in ref. See Generator for the shapes.
//
// Centers are validated against the reference size before execution, and shape errors are
// returned wrapping switched.ErrShapeMismatch or switched.ErrIndexOutOfBounds.
func (m *Model) Forward(lr, ref, centers *tensors.Tensor) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.Rank() != 4 {
		return nil, errors.Wrapf(switched.ErrShapeMismatch, "ref must be shaped [batch, %d, height, width], got %s",
			ReferenceChannels, ref.Shape())
	}
	refDims := ref.Shape().Dimensions
	if err := ValidateCenters(centers, refDims[2], refDims[3]); err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		outputs, _, execErr = m.exec.ExecWithGraph(lr, ref, centers)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "executing generator")
	}
	diagnostics, err := switched.Bind(m.diagNames, outputs[3:])
	if err != nil {
		return nil, err
	}
	return &Result{
		Input:        lr,
		GradOutput:   outputs[0],
		Output:       outputs[1],
		GradFeatures: outputs[2],
		Diagnostics:  diagnostics,
	}, nil
}

// SetTemperature sets the temperature of all switches of the model.
func (m *Model) SetTemperature(temperature float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, err := switched.SetTemperature(m.ctx, temperature)
	if err != nil {
		return err
	}
	klog.V(2).Infof("ssg: temperature %g set on %d switches", temperature, count)
	return nil
}

// Temperature returns the current temperature of the switches. Before the first Forward it
// returns the initial temperature of the annealing schedule, unless one was set.
func (m *Model) Temperature() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if temperature, found := switched.Temperature(m.ctx); found {
		return temperature
	}
	return m.cfg.AnnealedTemperature(0)
}

// UpdateForStep sets the annealed temperature for step on every switch. If step is a multiple of the
// attention export period and result is not nil, it also writes the attention maps of result
// (one PNG per switch and transform), the base image and the histogram of the selected transforms
// under outputDir/attention_maps.
func (m *Model) UpdateForStep(step int, outputDir string, result *Result) error {
	if err := m.SetTemperature(m.cfg.AnnealedTemperature(step)); err != nil {
		return err
	}
	if result == nil || step%m.cfg.AttentionExportPeriod != 0 {
		return nil
	}
	dir := filepath.Join(outputDir, AttentionMapsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	for ii := range NumSwitches {
		attention, _, histogram, err := result.Diagnostics.Attention(switched.AttentionName(ii))
		if err != nil {
			return err
		}
		if _, err = attentionmaps.SaveAttention(dir, attention, fmt.Sprintf("amap_%d_a%d_%%d.png", step, ii)); err != nil {
			return err
		}
		title := fmt.Sprintf("switch %d, step %d", ii, step)
		histogramPath := filepath.Join(dir, fmt.Sprintf("amap_%d_a%d_histogram.png", step, ii))
		if err = attentionmaps.SaveHistogramPlot(histogramPath, title, histogram); err != nil {
			return err
		}
	}
	if err := attentionmaps.SaveImage(filepath.Join(dir, fmt.Sprintf("amap_%d_base_image.png", step)), result.Input); err != nil {
		return err
	}
	klog.V(1).Infof("ssg: step %d attention maps written to %q", step, dir)
	return nil
}

// DebugValues returns the scalar diagnostics of result: the switch temperature, the standard
// deviation of the branch joins and, for each switch, the specificity of its attention and the
// histogram of selected transforms.
func (m *Model) DebugValues(result *Result) (map[string]any, error) {
	values := map[string]any{TemperatureDebugName: m.Temperature()}
	if result == nil {
		return values, nil
	}
	for _, name := range []string{GradJoinStdDevName, ConjoinJoinStdDevName} {
		t, found := result.Diagnostics[name]
		if !found {
			return nil, errors.Errorf("diagnostic %q missing from result", name)
		}
		v, err := xtensors.ScalarFloat(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q", name)
		}
		values[name] = v
	}
	for ii := range NumSwitches {
		name := switched.AttentionName(ii)
		_, specificity, histogram, err := result.Diagnostics.Attention(name)
		if err != nil {
			return nil, err
		}
		mean, err := xtensors.ScalarFloat(specificity)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading specificity of %q", name)
		}
		counts, err := xtensors.ToFloat64s(histogram)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading histogram of %q", name)
		}
		values[name+switched.SpecificitySuffix] = mean
		values[name+switched.HistogramSuffix] = counts
	}
	return values, nil
}

// AttachToLoop registers a hook on loop that sets the annealed temperature of the model switches
// after each training step.
func AttachToLoop(loop *train.Loop, model *Model) {
	loop.OnStep("ssg_temperature", 0, func(loop *train.Loop, _ []*tensors.Tensor) error {
		return model.SetTemperature(model.cfg.AnnealedTemperature(loop.LoopStep + 1))
	})
}
