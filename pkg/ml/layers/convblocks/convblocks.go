// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convblocks implements the convolutional building blocks of switched generators:
// a convolution followed by optional normalization and activation (ConvBlock), and the composite
// blocks built from it (halving, expansion, up-convolution, multi-convolution and reference join).
//
// All blocks work on channels-first images, shaped `[batch, channels, height, width]`, and
// create their variables under the scope of the context they are given, so callers are expected
// to pass a distinct sub-scope (`ctx.In("name")`) per block.
package convblocks

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// NormType selects the normalization applied after the convolution of a ConvBlock.
type NormType int

const (
	NormNone NormType = iota
	NormGroup
	NormBatch
)

// String implements fmt.Stringer.
func (n NormType) String() string {
	switch n {
	case NormNone:
		return "none"
	case NormGroup:
		return "group"
	case NormBatch:
		return "batch"
	}
	return fmt.Sprintf("NormType(%d)", int(n))
}

const (
	// DefaultNumGroups is the number of groups used by group normalization, unless configured otherwise.
	DefaultNumGroups = 8

	// LeakyReluAlpha is the negative slope used by the leaky-relu blocks.
	LeakyReluAlpha = 0.2
)

// ConvBlockBuilder configures a convolution followed by an optional normalization and activation.
// Create it with ConvBlock (or one of the presets ConvGnSilu, ConvGnLelu, ConvBnLelu), set the
// desired options, and call Done.
type ConvBlockBuilder struct {
	ctx              *context.Context
	x                *Node
	outputChannels   int
	kernelSize       int
	stride           int
	useBias          bool
	norm             NormType
	numGroups        int
	activation       activations.Type
	weightInitFactor float64
}

// ConvBlock creates a builder for a channels-first convolution of x into outputChannels, by default
// with a 3x3 kernel, stride 1, bias, group normalization and swish (silu) activation.
//
// Padding is always "same", so with stride 1 the spatial dimensions are preserved, and with stride 2
// they are halved.
func ConvBlock(ctx *context.Context, x *Node, outputChannels int) *ConvBlockBuilder {
	return &ConvBlockBuilder{
		ctx:              ctx,
		x:                x,
		outputChannels:   outputChannels,
		kernelSize:       3,
		stride:           1,
		useBias:          true,
		norm:             NormGroup,
		numGroups:        DefaultNumGroups,
		activation:       activations.TypeSwish,
		weightInitFactor: 1.0,
	}
}

// ConvGnSilu is a ConvBlock with group normalization and swish (silu) activation.
func ConvGnSilu(ctx *context.Context, x *Node, outputChannels int) *ConvBlockBuilder {
	return ConvBlock(ctx, x, outputChannels)
}

// ConvGnLelu is a ConvBlock with group normalization and leaky-relu activation.
func ConvGnLelu(ctx *context.Context, x *Node, outputChannels int) *ConvBlockBuilder {
	return ConvBlock(ctx, x, outputChannels).Activation(activations.TypeLeakyRelu)
}

// ConvBnLelu is a ConvBlock with batch normalization and leaky-relu activation.
func ConvBnLelu(ctx *context.Context, x *Node, outputChannels int) *ConvBlockBuilder {
	return ConvBlock(ctx, x, outputChannels).Norm(NormBatch).Activation(activations.TypeLeakyRelu)
}

// KernelSize sets the (square) kernel size. Default is 3.
func (b *ConvBlockBuilder) KernelSize(size int) *ConvBlockBuilder {
	b.kernelSize = size
	return b
}

// Stride sets the stride for both spatial axes. Default is 1.
func (b *ConvBlockBuilder) Stride(stride int) *ConvBlockBuilder {
	b.stride = stride
	return b
}

// UseBias sets whether the convolution adds a learned bias. Default is true.
func (b *ConvBlockBuilder) UseBias(useBias bool) *ConvBlockBuilder {
	b.useBias = useBias
	return b
}

// Norm sets the normalization applied after the convolution. Default is NormGroup.
func (b *ConvBlockBuilder) Norm(norm NormType) *ConvBlockBuilder {
	b.norm = norm
	return b
}

// NumGroups sets the number of groups for group normalization. Default is DefaultNumGroups.
func (b *ConvBlockBuilder) NumGroups(numGroups int) *ConvBlockBuilder {
	b.numGroups = numGroups
	return b
}

// Activation sets the activation applied last. Use activations.TypeNone to disable it.
//
// activations.TypeLeakyRelu uses a negative slope of LeakyReluAlpha.
func (b *ConvBlockBuilder) Activation(activation activations.Type) *ConvBlockBuilder {
	b.activation = activation
	return b
}

// WeightInitFactor scales the standard deviation of the He-normal initialization of the kernel.
// Values < 1 make the block start close to a no-op. Default is 1.
func (b *ConvBlockBuilder) WeightInitFactor(factor float64) *ConvBlockBuilder {
	b.weightInitFactor = factor
	return b
}

// Done creates the variables and returns the block output, shaped
// `[batch, outputChannels, height/stride, width/stride]`.
func (b *ConvBlockBuilder) Done() *Node {
	x := b.x
	if x.Rank() != 4 {
		Panicf("convblocks: input must be shaped [batch, channels, height, width], got %s", x.Shape())
	}
	if b.outputChannels <= 0 || b.kernelSize <= 0 || b.stride <= 0 {
		Panicf("convblocks: invalid block configuration outputChannels=%d, kernelSize=%d, stride=%d",
			b.outputChannels, b.kernelSize, b.stride)
	}
	ctx := b.ctx.WithInitializer(HeScaled(b.ctx, b.weightInitFactor))
	x = layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(b.outputChannels).
		KernelSize(b.kernelSize).
		Strides(b.stride).
		PadSame().
		UseBias(b.useBias).
		Done()

	switch b.norm {
	case NormNone:
	case NormGroup:
		x = GroupNormalization(b.ctx, x, b.numGroups)
	case NormBatch:
		// Decomposed into graph ops, so it also runs on backends without a fused batch norm.
		x = batchnorm.New(b.ctx, x, 1).UseBackendInference(false).Done()
	default:
		Panicf("convblocks: unknown normalization %s", b.norm)
	}

	switch b.activation {
	case activations.TypeNone:
	case activations.TypeLeakyRelu:
		x = activations.LeakyReluWith(x, LeakyReluAlpha)
	default:
		x = activations.Apply(b.activation, x)
	}
	return x
}
