// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convblocks

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// StageKind enumerates the kinds of Stage a Sequence can hold.
type StageKind int

const (
	// StageConv is a ConvBlock configured by the Stage fields.
	StageConv StageKind = iota

	// StageHalving is a HalvingBlock with the Stage Factor.
	StageHalving

	// StageEmbedding concatenates the conditioning signal given to Sequence.Apply to the input,
	// along the channels axis.
	StageEmbedding
)

// String implements fmt.Stringer.
func (k StageKind) String() string {
	switch k {
	case StageConv:
		return "conv"
	case StageHalving:
		return "halving"
	case StageEmbedding:
		return "embedding"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// Stage is one step of a Sequence. Which fields are used depends on Kind.
type Stage struct {
	Kind StageKind

	// Channels, KernelSize, Stride, UseBias, Norm, NumGroups and Activation configure a StageConv.
	// Zero values of KernelSize, Stride and NumGroups take the ConvBlock defaults.
	Channels   int
	KernelSize int
	Stride     int
	UseBias    bool
	Norm       NormType
	NumGroups  int
	Activation activations.Type

	// Factor is the channel factor of a StageHalving.
	Factor float64
}

// Conv returns a StageConv with a swish activation, no normalization and no bias.
func Conv(channels, kernelSize int) Stage {
	return Stage{Kind: StageConv, Channels: channels, KernelSize: kernelSize, Activation: activations.TypeSwish}
}

// WithBias returns a copy of the stage with the bias enabled.
func (s Stage) WithBias() Stage {
	s.UseBias = true
	return s
}

// WithNorm returns a copy of the stage using the given normalization.
func (s Stage) WithNorm(norm NormType) Stage {
	s.Norm = norm
	return s
}

// WithStride returns a copy of the stage using the given stride.
func (s Stage) WithStride(stride int) Stage {
	s.Stride = stride
	return s
}

// Halving returns a StageHalving with the given channel factor.
func Halving(factor float64) Stage {
	return Stage{Kind: StageHalving, Factor: factor}
}

// Embedding returns a StageEmbedding.
func Embedding() Stage {
	return Stage{Kind: StageEmbedding}
}

// Apply the stage to x. conditioning is only used by StageEmbedding, and it must match x on all
// axes but the channels axis.
func (s Stage) Apply(ctx *context.Context, x, conditioning *Node) *Node {
	switch s.Kind {
	case StageConv:
		b := ConvBlock(ctx, x, s.Channels).UseBias(s.UseBias).Norm(s.Norm).Activation(s.Activation)
		if s.KernelSize > 0 {
			b.KernelSize(s.KernelSize)
		}
		if s.Stride > 0 {
			b.Stride(s.Stride)
		}
		if s.NumGroups > 0 {
			b.NumGroups(s.NumGroups)
		}
		return b.Done()
	case StageHalving:
		return HalvingBlock(ctx, x, s.Factor)
	case StageEmbedding:
		if conditioning == nil {
			Panicf("embedding stage requires a conditioning signal, got nil")
		}
		xDims, cDims := x.Shape().Dimensions, conditioning.Shape().Dimensions
		if conditioning.Rank() != x.Rank() || xDims[0] != cDims[0] || xDims[2] != cDims[2] || xDims[3] != cDims[3] {
			Panicf("embedding stage: conditioning shaped %s cannot be concatenated to x shaped %s",
				conditioning.Shape(), x.Shape())
		}
		return Concatenate([]*Node{x, conditioning}, 1)
	}
	Panicf("unknown stage kind %s", s.Kind)
	return nil
}

// Sequence is an ordered list of stages applied one after the other.
type Sequence []Stage

// Apply the stages in order, each in its own scope "stage_<i>". The conditioning signal is passed
// to every stage, and is used by the StageEmbedding stages.
func (seq Sequence) Apply(ctx *context.Context, x, conditioning *Node) *Node {
	for ii, stage := range seq {
		x = stage.Apply(ctx.Inf("stage_%d", ii), x, conditioning)
	}
	return x
}
