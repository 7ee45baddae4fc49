// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convblocks

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// HeScaled returns a He (Kaiming) normal initializer for channels-first convolution kernels,
// shaped `[outputChannels, inputChannels, <spatial...>]`, with the standard deviation multiplied by
// factor.
//
// Variables of rank <= 1 (biases) are initialized to zero.
func HeScaled(ctx *context.Context, factor float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		fanIn := shape.Size() / shape.Dimensions[0]
		stddev := factor * math.Sqrt(2.0/float64(fanIn))
		return initializers.RandomNormalFn(ctx, stddev)(g, shape)
	}
}

// Constant returns an initializer that fills the variable with value.
func Constant(value float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		c := Scalar(g, shape.DType, value)
		if shape.IsScalar() {
			return c
		}
		return BroadcastToDims(c, shape.Dimensions...)
	}
}
