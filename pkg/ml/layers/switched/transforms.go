// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
)

// TransformFn is one learned transformation of a switch input. It must create its variables under
// the given ctx.
type TransformFn func(ctx *context.Context, x *Node) *Node

// ApplyTransforms applies fn count times to x, each time in its own scope "transform_<i>", so each
// candidate has independent parameters.
//
// All candidates must have the same shape.
func ApplyTransforms(ctx *context.Context, x *Node, count int, fn TransformFn) []*Node {
	if count < 1 {
		panicf(ErrConfiguration, "transform count must be >= 1, got %d", count)
	}
	if fn == nil {
		panicf(ErrConfiguration, "no transform configured")
	}
	candidates := make([]*Node, count)
	for ii := range count {
		candidates[ii] = fn(ctx.Inf("transform_%d", ii), x)
		if !candidates[ii].Shape().Equal(candidates[0].Shape()) {
			panicf(ErrShapeMismatch, "transform %d returned shape %s, but transform 0 returned %s",
				ii, candidates[ii].Shape(), candidates[0].Shape())
		}
	}
	return candidates
}

// MultiConvTransform returns a TransformFn with a convblocks.MultiConvBlock going from filtersIn to
// filtersMid and then to filtersOut channels, depth convolutions of kernelSize.
//
// The kernels are initialized with He-normal scaled by weightInitFactor: with a small factor (0.1)
// every transform starts close to a constant output, which keeps the combined output variance low
// while the routing is still meaningless.
//
// The returned function fails with ErrShapeMismatch if its input doesn't have filtersIn channels.
func MultiConvTransform(filtersIn, filtersMid, filtersOut, kernelSize, depth int, weightInitFactor float64) TransformFn {
	return func(ctx *context.Context, x *Node) *Node {
		if x.Rank() != 4 || x.Shape().Dimensions[1] != filtersIn {
			panicf(ErrShapeMismatch, "transform expects input shaped [batch, %d, height, width], got %s", filtersIn, x.Shape())
		}
		return convblocks.MultiConvBlock(ctx, x, convblocks.MultiConvConfig{
			MidChannels:      filtersMid,
			OutChannels:      filtersOut,
			KernelSize:       kernelSize,
			Depth:            depth,
			ScaleInit:        1,
			WeightInitFactor: weightInitFactor,
		})
	}
}
