// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package switched implements switches: layers that apply T independently parameterized transforms
// to the same input and combine the T candidates per spatial location, weighted by an attention map
// computed by a Multiplexer and normalized by a temperature controlled softmax (Route).
//
// The temperature is a non-trainable variable of each switch, set from the host between steps with
// SetTemperature, usually following AnnealedTemperature. AttentionSpecificity and Diagnostics help
// diagnose whether routing collapsed into a few transforms.
//
// Example:
//
//	output, attention := switched.New(ctx.In("sw1"), x, 8).
//		Transform(switched.MultiConvTransform(64, 80, 64, 3, 4, 0.1)).
//		Multiplexer(switched.NewQueryKeyMultiplexer(64, 216)).
//		Embedding(referenceEmbedding).
//		AttentionNorm(true).
//		Done()
//	x = Add(x, output)
package switched

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
)

// NoiseScaleInit is the initial value of the learned scale of the noise added to candidates, when
// enabled with Builder.ScalableNoise.
const NoiseScaleInit = 1e-3

// Builder configures a switch. Create it with New, and call Done to build it.
type Builder struct {
	ctx                *context.Context
	x                  *Node
	transformCount     int
	transform          TransformFn
	multiplexer        Multiplexer
	query, embedding   *Node
	feedTransforms     bool
	attentionNorm      bool
	initialTemperature float64
	scalableNoise      bool
}

// New creates a switch builder for input x, shaped `[batch, channels, height, width]`, combining
// transformCount candidates.
//
// The switch variables are created in ctx's current scope, so each switch needs its own scope.
// Transform and Multiplexer must be configured before calling Done.
func New(ctx *context.Context, x *Node, transformCount int) *Builder {
	return &Builder{
		ctx:                ctx,
		x:                  x,
		transformCount:     transformCount,
		feedTransforms:     true,
		initialTemperature: DefaultInitialTemperature,
	}
}

// Transform sets the transformation applied (with independent parameters) to create each candidate.
func (b *Builder) Transform(fn TransformFn) *Builder {
	b.transform = fn
	return b
}

// Multiplexer sets the multiplexer that computes the routing logits.
func (b *Builder) Multiplexer(m Multiplexer) *Builder {
	b.multiplexer = m
	return b
}

// Query sets the multiplexer query. It defaults to the switch input x.
func (b *Builder) Query(query *Node) *Builder {
	b.query = query
	return b
}

// Embedding sets the conditioning signal passed to the multiplexer.
func (b *Builder) Embedding(embedding *Node) *Builder {
	b.embedding = embedding
	return b
}

// FeedTransformsIntoMultiplexer sets whether the stacked candidates are given to the multiplexer
// (to derive its keys). Default is true.
func (b *Builder) FeedTransformsIntoMultiplexer(feed bool) *Builder {
	b.feedTransforms = feed
	return b
}

// AttentionNorm enables rebalancing the attention by the recent usage of each transform.
// See AttentionNorm. Default is false.
func (b *Builder) AttentionNorm(enabled bool) *Builder {
	b.attentionNorm = enabled
	return b
}

// InitialTemperature sets the value the temperature variable is created with. It must be >= 1.
// ParamTemperature, if set in the context, takes precedence. Default is DefaultInitialTemperature.
func (b *Builder) InitialTemperature(temperature float64) *Builder {
	b.initialTemperature = temperature
	return b
}

// ScalableNoise enables adding normal noise, multiplied by a learned scale (initialized to
// NoiseScaleInit), to the candidates while training. Default is false.
func (b *Builder) ScalableNoise(enabled bool) *Builder {
	b.scalableNoise = enabled
	return b
}

// Done builds the switch and returns the combined output, shaped like one candidate, and the
// attention map, shaped `[batch, transformCount, height, width]`.
//
// The output is the per-location weighted sum of the candidates. The input (identity) is not added:
// the caller decides how to join it.
func (b *Builder) Done() (output, attention *Node) {
	if b.transformCount < 1 {
		panicf(ErrConfiguration, "switch requires at least 1 transform, got %d", b.transformCount)
	}
	if b.transform == nil || b.multiplexer == nil {
		panicf(ErrConfiguration, "switch requires both Transform and Multiplexer to be configured")
	}
	if b.initialTemperature < MinTemperature {
		panicf(ErrConfiguration, "switch initial temperature must be >= %g, got %g", MinTemperature, b.initialTemperature)
	}
	if b.x.Rank() != 4 {
		panicf(ErrShapeMismatch, "switch input must be shaped [batch, channels, height, width], got %s", b.x.Shape())
	}
	ctx := b.ctx
	g := b.x.Graph()

	candidates := ApplyTransforms(ctx, b.x, b.transformCount, b.transform)
	if b.scalableNoise && ctx.IsTraining(g) {
		noiseScale := ctx.WithInitializer(convblocks.Constant(NoiseScaleInit)).
			VariableWithShape("noise_scale", shapes.Make(b.x.DType())).ValueGraph(g)
		for ii, candidate := range candidates {
			candidates[ii] = Add(candidate, Mul(ctx.RandomNormal(g, candidate.Shape()), noiseScale))
		}
	}
	stacked := Stack(candidates, 1)
	candidateDims := candidates[0].Shape().Dimensions

	query := b.query
	if query == nil {
		query = b.x
	}
	var fed *Node
	if b.feedTransforms {
		fed = stacked
	}
	logits := b.multiplexer.Logits(ctx.In("multiplexer"), query, b.embedding, fed, b.transformCount)
	wantLogits := shapes.Make(b.x.DType(), candidateDims[0], b.transformCount, candidateDims[2], candidateDims[3])
	if !logits.Shape().Equal(wantLogits) {
		panicf(ErrShapeMismatch, "multiplexer returned logits shaped %s, expected %s", logits.Shape(), wantLogits)
	}

	temperature := temperatureVariable(ctx, g, logits.DType(), b.initialTemperature)
	attention = Route(logits, temperature)
	if b.attentionNorm {
		attention = AttentionNorm(ctx.In("attention_norm"), attention)
	}
	output = Combine(stacked, attention)
	return
}

// Combine returns the weighted sum of the stacked candidates, shaped
// `[batch, T, channels, <spatial...>]`, using the attention `[batch, T, <spatial...>]`, broadcast
// over the channels.
func Combine(stacked, attention *Node) *Node {
	if stacked.Rank() != attention.Rank()+1 {
		panicf(ErrShapeMismatch, "can't combine candidates shaped %s with attention shaped %s", stacked.Shape(), attention.Shape())
	}
	return ReduceSum(Mul(stacked, InsertAxes(attention, 2)), 1)
}
