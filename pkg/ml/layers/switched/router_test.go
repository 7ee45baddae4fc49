// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// buildError builds a graph with fn and returns the error it panics with, if any.
func buildError(t *testing.T, fn func(ctx *context.Context, g *Graph)) error {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	return exceptions.TryCatch[error](func() { fn(context.New(), g) })
}

// testLogits are non-uniform logits shaped [batch=2, T=3, 2, 2].
var testLogits = [][][][]float32{
	{{{1, 2}, {3, -1}}, {{0, 0}, {0, 0}}, {{-2, 5}, {0.5, 0}}},
	{{{0, 1}, {2, 3}}, {{4, -4}, {1, 1}}, {{0, 0}, {0, 0.1}}},
}

func TestRoute(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	temperatures := []float32{1, 2, 5, 20}
	attentions := make([][]float32, len(temperatures))
	for ii, temperature := range temperatures {
		out := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return Route(Const(g, testLogits), Const(g, temperature))
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 2, 3, 2, 2))
		attentions[ii] = tensors.MustCopyFlatData[float32](out)
	}

	// Simplex at every location: index = ((b*3)+t)*4 + location.
	for _, attention := range attentions {
		for b := range 2 {
			for loc := range 4 {
				var sum float32
				for tIdx := range 3 {
					w := attention[(b*3+tIdx)*4+loc]
					require.GreaterOrEqual(t, w, float32(0))
					sum += w
				}
				require.InDelta(t, 1.0, sum, 1e-5)
			}
		}
	}

	// Monotonic smoothing: the largest weight at each location decreases with temperature.
	maxWeight := func(attention []float32, b, loc int) float32 {
		var m float32
		for tIdx := range 3 {
			m = max(m, attention[(b*3+tIdx)*4+loc])
		}
		return m
	}
	for ii := 1; ii < len(temperatures); ii++ {
		for b := range 2 {
			for loc := range 4 {
				require.Less(t, maxWeight(attentions[ii], b, loc), maxWeight(attentions[ii-1], b, loc),
					"temperature %g, batch %d, location %d", temperatures[ii], b, loc)
			}
		}
	}

	err := buildError(t, func(ctx *context.Context, g *Graph) {
		Route(Const(g, testLogits), Const(g, []float32{1, 2}))
	})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAnnealedTemperature(t *testing.T) {
	require.InDelta(t, 11.0, AnnealedTemperature(0, 10000, 10), 1e-9)
	require.InDelta(t, 6.0, AnnealedTemperature(5000, 10000, 10), 1e-9)
	require.InDelta(t, 1.0, AnnealedTemperature(10000, 10000, 10), 1e-9)
	require.InDelta(t, 1.0, AnnealedTemperature(25000, 10000, 10), 1e-9)
	require.InDelta(t, 1.0, AnnealedTemperature(10, 0, 10), 1e-9)
	previous := AnnealedTemperature(0, 10000, 10)
	for step := 100; step <= 12000; step += 100 {
		current := AnnealedTemperature(step, 10000, 10)
		require.LessOrEqual(t, current, previous)
		require.GreaterOrEqual(t, current, MinTemperature)
		previous = current
	}
}

// constantMultiplexer returns fixed logits per transform, broadcast over batch and space.
type constantMultiplexer struct {
	logits []float32
}

func (m constantMultiplexer) Logits(_ *context.Context, query, _, _ *Node, transformCount int) *Node {
	dims := query.Shape().Dimensions
	logits := Reshape(Const(query.Graph(), m.logits[:transformCount]), 1, transformCount, 1, 1)
	return BroadcastToDims(ConvertDType(logits, query.DType()), dims[0], transformCount, dims[2], dims[3])
}

func TestSetTemperature(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_, found := Temperature(ctx)
	require.False(t, found)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		_, attention := New(ctx.In("sw"), x, 3).
			Transform(func(ctx *context.Context, x *Node) *Node { return x }).
			Multiplexer(constantMultiplexer{logits: []float32{3, 0, -3}}).
			InitialTemperature(4).
			Done()
		return attention
	})
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 2, 2))
	hot := tensors.MustCopyFlatData[float32](exec.MustExec1(x))
	temperature, found := Temperature(ctx)
	require.True(t, found)
	require.InDelta(t, 4.0, temperature, 1e-6)

	count, err := SetTemperature(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	temperature, _ = Temperature(ctx)
	require.InDelta(t, 1.0, temperature, 1e-6)
	cold := tensors.MustCopyFlatData[float32](exec.MustExec1(x))
	require.Greater(t, cold[0], hot[0], "lower temperature must sharpen the routing")

	_, err = SetTemperature(ctx, 0.5)
	require.ErrorIs(t, err, ErrConfiguration)
	temperature, _ = Temperature(ctx)
	require.InDelta(t, 1.0, temperature, 1e-6)
}

func TestTemperatureParam(t *testing.T) {
	ctx := context.New()
	_, err := SetTemperature(ctx, 7)
	require.NoError(t, err)
	temperature, found := Temperature(ctx)
	require.True(t, found)
	require.Equal(t, 7.0, temperature)

	backend := graphtest.BuildTestBackend()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		_, attention := New(ctx.In("sw"), Ones(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2)), 2).
			Transform(func(ctx *context.Context, x *Node) *Node { return x }).
			Multiplexer(constantMultiplexer{logits: []float32{1, 0}}).
			InitialTemperature(3).
			Done()
		return attention
	})
	v := ctx.GetVariableByScopeAndName("/sw", TemperatureVariableName)
	require.NotNil(t, v)
	require.InDelta(t, 7.0, tensors.ToScalar[float32](v.MustValue()), 1e-6)
}
