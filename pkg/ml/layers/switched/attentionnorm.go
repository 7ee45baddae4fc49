// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// AccumulatorRowsPerTransform is the number of rows per transform of the attention norm ring
// buffer: a switch with T transforms keeps the last AccumulatorRowsPerTransform*T training steps.
const AccumulatorRowsPerTransform = 16

// AttentionNorm rebalances attention shaped `[batch, T, <spatial...>]` by the recent usage of each
// transform.
//
// During training each call appends one row to a ring buffer (variable "accumulator", shaped
// `[AccumulatorRowsPerTransform*T, T]`) holding the total attention mass of each transform divided
// by the mean mass. Once the buffer has been filled, attention is divided by the mean row, so
// transforms that have been over-used are attenuated, and renormalized over the transforms axis.
// Before that attention passes unchanged.
//
// The buffer and its "index" and "filled" counters are non-trainable variables in ctx's scope.
func AttentionNorm(ctx *context.Context, attention *Node) *Node {
	if attention.Rank() < 2 {
		panicf(ErrShapeMismatch, "AttentionNorm requires attention shaped [batch, transforms, ...], got %s", attention.Shape())
	}
	g := attention.Graph()
	dtype := attention.DType()
	numTransforms := attention.Shape().Dimensions[1]
	size := AccumulatorRowsPerTransform * numTransforms

	ctx = ctx.WithInitializer(initializers.Zero)
	accumulatorVar := ctx.VariableWithShape("accumulator", shapes.Make(dtype, size, numTransforms)).SetTrainable(false)
	indexVar := ctx.VariableWithShape("index", shapes.Make(dtypes.Int32)).SetTrainable(false)
	filledVar := ctx.VariableWithShape("filled", shapes.Make(dtype)).SetTrainable(false)
	accumulator := accumulatorVar.ValueGraph(g)
	filled := filledVar.ValueGraph(g)

	if ctx.IsTraining(g) {
		reduceAxes := make([]int, 0, attention.Rank()-1)
		reduceAxes = append(reduceAxes, 0)
		for axis := 2; axis < attention.Rank(); axis++ {
			reduceAxes = append(reduceAxes, axis)
		}
		mass := StopGradient(ReduceSum(attention, reduceAxes...))
		row := Div(mass, ReduceAllMean(mass))

		index := indexVar.ValueGraph(g)
		rowMask := InsertAxes(OneHot(index, size, dtype), -1)
		accumulator = Add(Mul(accumulator, OneMinus(rowMask)), Mul(rowMask, InsertAxes(row, 0)))
		accumulatorVar.SetValueGraph(accumulator)

		index = AddScalar(index, 1)
		wrapped := GreaterOrEqual(index, Scalar(g, dtypes.Int32, size))
		indexVar.SetValueGraph(Where(wrapped, ZerosLike(index), index))
		filled = Max(filled, ConvertDType(wrapped, dtype))
		filledVar.SetValueGraph(filled)
	}

	norm := MaxScalar(ReduceMean(accumulator, 0), 1e-6)
	normShape := make([]int, attention.Rank())
	for ii := range normShape {
		normShape[ii] = 1
	}
	normShape[1] = numTransforms
	normalized := Div(attention, Reshape(norm, normShape...))
	attention = Add(attention, Mul(filled, Sub(normalized, attention)))
	return Div(attention, ReduceAndKeep(attention, ReduceSum, 1))
}
