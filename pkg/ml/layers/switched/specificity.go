// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// AttentionSpecificity summarizes how decisive the routing of an attention map shaped
// `[batch, T, <spatial...>]` is.
//
// mean is the average, over all locations, of the sum of the window largest weights: 1 for a
// one-hot map and window/T for a uniform map. histogram, shaped `[T]`, counts for each transform
// the locations where it has the largest weight (ties go to the lowest index).
//
// Attention weights are expected to be in [0, 1]. Neither output back-propagates.
func AttentionSpecificity(attention *Node, window int) (mean, histogram *Node) {
	if attention.Rank() < 2 {
		panicf(ErrShapeMismatch, "attention must be shaped [batch, transforms, ...], got %s", attention.Shape())
	}
	if window < 1 {
		panicf(ErrConfiguration, "specificity window must be >= 1, got %d", window)
	}
	numTransforms := attention.Shape().Dimensions[1]
	window = min(window, numTransforms)
	dtype := attention.DType()

	// Move the transforms axis last.
	permutation := make([]int, 0, attention.Rank())
	permutation = append(permutation, 0)
	for axis := 2; axis < attention.Rank(); axis++ {
		permutation = append(permutation, axis)
	}
	permutation = append(permutation, 1)
	weights := StopGradient(TransposeAllDims(attention, permutation...))

	remaining := weights
	var topSum *Node
	for range window {
		top := ReduceMax(remaining, -1)
		if topSum == nil {
			topSum = top
		} else {
			topSum = Add(topSum, top)
		}
		// Push the selected weight below any other.
		selected := OneHot(ArgMax(remaining, -1, dtypes.Int32), numTransforms, dtype)
		remaining = Sub(remaining, MulScalar(selected, 2))
	}
	mean = ReduceAllMean(topSum)

	top1 := OneHot(ArgMax(weights, -1, dtypes.Int32), numTransforms, dtype)
	locationAxes := make([]int, top1.Rank()-1)
	for ii := range locationAxes {
		locationAxes[ii] = ii
	}
	histogram = ReduceSum(top1, locationAxes...)
	return
}
