// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ssg

import (
	"math/bits"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
	"github.com/gomlx/switchedsr/pkg/ml/layers/switched"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context by NewConfig. See CreateDefaultContext for their defaults.
const (
	// ParamInChannels is the number of channels of the low resolution input.
	ParamInChannels = "in_channels"

	// ParamOutChannels is the number of channels of the generated images.
	ParamOutChannels = "out_channels"

	// ParamFilters is the number of channels of the feature maps, of the transforms and of the
	// multiplexer queries.
	ParamFilters = "filters"

	// ParamTransforms is the number of transforms of the feature and conjoin switches. The gradient
	// switch uses half as many.
	ParamTransforms = "transforms"

	// ParamUpscale is the super-resolution factor, a power of 2.
	ParamUpscale = "upscale"

	// ParamInitTemperature is the initial temperature of the switches, and the starting point of the
	// annealing schedule.
	ParamInitTemperature = "init_temperature"

	// ParamFinalTemperatureStep is the training step at which the annealed temperature reaches 1.
	ParamFinalTemperatureStep = "final_temperature_step"

	// ParamAttentionExportPeriod is the number of steps between exports of the attention maps.
	ParamAttentionExportPeriod = "attention_export_period"

	// ParamSpecificityWindow is the number of top weights summed by the attention specificity.
	ParamSpecificityWindow = "specificity_window"

	// ParamDType is the dtype of the model variables and computations, e.g. "float32" or "float16".
	ParamDType = "dtype"
)

const (
	// ReferenceChannels is the number of channels of the reference image: RGB plus a mask of the
	// patch location.
	ReferenceChannels = 4

	// pyramidReductions is the number of halving stages of the reference branch and of the multiplexers.
	pyramidReductions = 3

	// channelFactor is the channel factor of each halving stage.
	channelFactor = 1.5

	// referenceJoinInitFactor scales the initial weights of the reference join branches.
	referenceJoinInitFactor = 0.3

	// transformWeightInitFactor scales the initial weights of the transforms.
	transformWeightInitFactor = 0.1
)

// CreateDefaultContext returns a context with the default hyperparameters of the generator.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamInChannels:  3,
		ParamOutChannels: 3,
		ParamFilters:     64,
		ParamTransforms:  8,
		ParamUpscale:     4,

		// Temperature annealing: from 1+init_temperature at step 0 down to 1 at final_temperature_step.
		ParamInitTemperature:      10.0,
		ParamFinalTemperatureStep: 10_000,

		// Diagnostics.
		ParamAttentionExportPeriod: 200,
		ParamSpecificityWindow:     2,

		ParamDType: "float32",
	})
	return ctx
}

// Config of the structured switched generator.
type Config struct {
	InChannels, OutChannels int
	Filters                 int
	Transforms              int
	Upscale                 int

	InitTemperature      float64
	FinalTemperatureStep int

	AttentionExportPeriod int
	SpecificityWindow     int

	DType dtypes.DType
}

// NewConfig reads the configuration from the context hyperparameters and validates it.
func NewConfig(ctx *context.Context) (*Config, error) {
	dtypeName := context.GetParamOr(ctx, ParamDType, "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found {
		return nil, errors.Wrapf(switched.ErrConfiguration, "unknown %s=%q", ParamDType, dtypeName)
	}
	cfg := &Config{
		InChannels:            context.GetParamOr(ctx, ParamInChannels, 3),
		OutChannels:           context.GetParamOr(ctx, ParamOutChannels, 3),
		Filters:               context.GetParamOr(ctx, ParamFilters, 64),
		Transforms:            context.GetParamOr(ctx, ParamTransforms, 8),
		Upscale:               context.GetParamOr(ctx, ParamUpscale, 4),
		InitTemperature:       context.GetParamOr(ctx, ParamInitTemperature, 10.0),
		FinalTemperatureStep:  context.GetParamOr(ctx, ParamFinalTemperatureStep, 10_000),
		AttentionExportPeriod: context.GetParamOr(ctx, ParamAttentionExportPeriod, 200),
		SpecificityWindow:     context.GetParamOr(ctx, ParamSpecificityWindow, 2),
		DType:                 dtype,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error wrapping switched.ErrConfiguration if the configuration is inconsistent.
func (cfg *Config) Validate() error {
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		return errors.Wrapf(switched.ErrConfiguration, "in_channels (%d) and out_channels (%d) must be positive",
			cfg.InChannels, cfg.OutChannels)
	}
	if cfg.Transforms < 2 {
		return errors.Wrapf(switched.ErrConfiguration, "transforms must be >= 2 (the gradient switch uses half), got %d",
			cfg.Transforms)
	}
	if cfg.Upscale < 2 || bits.OnesCount(uint(cfg.Upscale)) != 1 {
		return errors.Wrapf(switched.ErrConfiguration, "upscale must be a power of 2 >= 2, got %d", cfg.Upscale)
	}
	if cfg.InitTemperature < 0 {
		return errors.Wrapf(switched.ErrConfiguration, "init_temperature must be >= 0, got %g", cfg.InitTemperature)
	}
	if cfg.FinalTemperatureStep <= 0 || cfg.AttentionExportPeriod <= 0 || cfg.SpecificityWindow <= 0 {
		return errors.Wrapf(switched.ErrConfiguration,
			"final_temperature_step (%d), attention_export_period (%d) and specificity_window (%d) must be positive",
			cfg.FinalTemperatureStep, cfg.AttentionExportPeriod, cfg.SpecificityWindow)
	}
	if !cfg.DType.IsFloat() {
		return errors.Wrapf(switched.ErrConfiguration, "dtype must be a float, got %s", cfg.DType)
	}
	if cfg.Filters%convblocks.DefaultNumGroups != 0 {
		return errors.Wrapf(switched.ErrConfiguration, "filters must be a multiple of %d, got %d",
			convblocks.DefaultNumGroups, cfg.Filters)
	}
	if err := cfg.Multiplexer().Validate(); err != nil {
		return errors.WithMessagef(err, "filters=%d", cfg.Filters)
	}
	return nil
}

// UpscaleSteps returns the number of 2x upsampling stages.
func (cfg *Config) UpscaleSteps() int {
	return bits.TrailingZeros(uint(cfg.Upscale))
}

// EmbeddingChannels returns the size of the reference embedding: the filters scaled by 1.5 (and
// truncated) at each of the 3 halving stages, int(filters*1.5³) for the usual filter counts.
func (cfg *Config) EmbeddingChannels() int {
	channels := cfg.Filters
	for range pyramidReductions {
		channels = convblocks.ScaleChannels(channels, channelFactor)
	}
	return channels
}

// Multiplexer returns the multiplexer used by all switches.
func (cfg *Config) Multiplexer() *switched.QueryKeyMultiplexer {
	m := switched.NewQueryKeyMultiplexer(cfg.Filters, cfg.EmbeddingChannels())
	m.Reductions = pyramidReductions
	m.Factor = channelFactor
	return m
}

// Transform returns the transform used by all switches: a 4 layer multi-convolution block with
// 1.25 times the filters in its hidden layers.
func (cfg *Config) Transform() switched.TransformFn {
	return switched.MultiConvTransform(cfg.Filters, int(float64(cfg.Filters)*1.25), cfg.Filters, 3, 4,
		transformWeightInitFactor)
}

// AnnealedTemperature returns the temperature of the switches for the given training step.
func (cfg *Config) AnnealedTemperature(step int) float64 {
	return switched.AnnealedTemperature(step, cfg.FinalTemperatureStep, cfg.InitTemperature)
}
