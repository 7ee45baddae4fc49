// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// shiftTransforms returns a TransformFn whose i-th application returns x+i.
func shiftTransforms() TransformFn {
	var count int
	return func(ctx *context.Context, x *Node) *Node {
		shift := float64(count)
		count++
		return AddScalar(x, shift)
	}
}

// smallQueryKeyMultiplexer is a QueryKeyMultiplexer small enough for tests: 32 filters and
// a pyramid of 2 reductions (32 -> 48 -> 72).
func smallQueryKeyMultiplexer() *QueryKeyMultiplexer {
	m := NewQueryKeyMultiplexer(32, 8)
	m.EmbeddingStemChannels = 16
	m.Reductions = 2
	return m
}

func TestSwitchUniformLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 64, 32, 32))
		output, attention := New(ctx, x, 8).
			Transform(shiftTransforms()).
			Multiplexer(constantMultiplexer{logits: make([]float32, 8)}).
			Done()
		return []*Node{output, attention}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 64, 32, 32))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 8, 32, 32))
	for _, w := range tensors.MustCopyFlatData[float32](outputs[1]) {
		require.Equal(t, float32(0.125), w)
	}
	// Mean of 1+0, 1+1, ..., 1+7.
	for _, v := range tensors.MustCopyFlatData[float32](outputs[0]) {
		require.InDelta(t, 4.5, v, 1e-5)
	}
}

func TestSwitchQueryKey(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("IdenticalCandidates", func(t *testing.T) {
		outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 32, 8, 8))
			x = DivScalar(x, 4096)
			embedding := Ones(g, shapes.Make(dtypes.Float32, 2, 8))
			output, attention := New(ctx, x, 4).
				Transform(func(ctx *context.Context, x *Node) *Node { return MulScalar(x, 2) }).
				Multiplexer(smallQueryKeyMultiplexer()).
				Embedding(embedding).
				Done()
			return []*Node{MulScalar(x, 2), output, attention}
		})
		require.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 4, 8, 8))
		want := tensors.MustCopyFlatData[float32](outputs[0])
		got := tensors.MustCopyFlatData[float32](outputs[1])
		require.InDeltaSlice(t, want, got, 1e-5)
	})

	for _, numTransforms := range []int{1, 3} {
		outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 32, 4, 8))
			embedding := Ones(g, shapes.Make(dtypes.Float32, 1, 8, 1, 2))
			output, attention := New(ctx, x, numTransforms).
				Transform(MultiConvTransform(32, 40, 32, 3, 2, 0.1)).
				Multiplexer(smallQueryKeyMultiplexer()).
				Embedding(embedding).
				AttentionNorm(true).
				Done()
			return []*Node{output, attention}
		})
		require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 1, 32, 4, 8))
		require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 1, numTransforms, 4, 8))
	}
}

func TestSwitchErrors(t *testing.T) {
	identity := func(ctx *context.Context, x *Node) *Node { return x }

	err := buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 32, 10, 8)), 2).
			Transform(identity).
			Multiplexer(smallQueryKeyMultiplexer()).
			Embedding(Ones(g, shapes.Make(dtypes.Float32, 1, 8))).
			Done()
	})
	require.ErrorIs(t, err, ErrShapeMismatch, "10 is not divisible by 2^2")

	err = buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 32, 8, 8)), 0).
			Transform(identity).
			Multiplexer(smallQueryKeyMultiplexer()).
			Done()
	})
	require.ErrorIs(t, err, ErrConfiguration)

	err = buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 32, 8, 8)), 2).Transform(identity).Done()
	})
	require.ErrorIs(t, err, ErrConfiguration)

	err = buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 32, 8, 8)), 2).
			Transform(identity).
			Multiplexer(constantMultiplexer{logits: []float32{0, 0}}).
			InitialTemperature(0.5).
			Done()
	})
	require.ErrorIs(t, err, ErrConfiguration)

	err = buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 16, 8, 8)), 2).
			Transform(MultiConvTransform(32, 32, 32, 3, 2, 0.1)).
			Multiplexer(constantMultiplexer{logits: []float32{0, 0}}).
			Done()
	})
	require.ErrorIs(t, err, ErrShapeMismatch, "transform input channels")

	err = buildError(t, func(ctx *context.Context, g *Graph) {
		New(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 32, 8, 8)), 2).
			Transform(identity).
			Multiplexer(smallQueryKeyMultiplexer()).
			Embedding(Ones(g, shapes.Make(dtypes.Float32, 1, 8, 3, 3))).
			Done()
	})
	require.ErrorIs(t, err, ErrShapeMismatch, "embedding not at the bottom of the pyramid")
}

func TestQueryKeyMultiplexerValidate(t *testing.T) {
	m := NewQueryKeyMultiplexer(64, 216)
	require.NoError(t, m.Validate())
	require.Equal(t, []int{64, 96, 144, 216}, m.ReductionChannels())

	// 40 -> 60 -> 90: 60 is not divisible in 8 groups.
	require.ErrorIs(t, NewQueryKeyMultiplexer(40, 216).Validate(), ErrConfiguration)

	m = NewQueryKeyMultiplexer(64, 216)
	m.Factor = 1
	require.ErrorIs(t, m.Validate(), ErrConfiguration)

	require.NoError(t, CheckPyramidShape(shapes.Make(dtypes.Float32, 2, 64, 32, 32), 3))
	require.ErrorIs(t, CheckPyramidShape(shapes.Make(dtypes.Float32, 2, 64, 32, 36), 3), ErrShapeMismatch)
	require.ErrorIs(t, CheckPyramidShape(shapes.Make(dtypes.Float32, 64, 32, 32), 3), ErrShapeMismatch)
}

func TestBasisMultiplexer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 16, 8, 8))
		output, attention := New(ctx, x, 5).
			Transform(MultiConvTransform(16, 16, 16, 3, 2, 0.1)).
			Multiplexer(NewBasisMultiplexer(16)).
			FeedTransformsIntoMultiplexer(false).
			Embedding(Ones(g, shapes.Make(dtypes.Float32, 2, 4))).
			Done()
		return []*Node{output, attention}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 16, 8, 8))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 5, 8, 8))
	require.ErrorIs(t, NewBasisMultiplexer(12).Validate(), ErrConfiguration)
}

func TestScalableNoise(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		ctx.SetTraining(g, true)
		x := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 4, 4))
		output, _ := New(ctx.In("sw"), x, 2).
			Transform(func(ctx *context.Context, x *Node) *Node { return x }).
			Multiplexer(constantMultiplexer{logits: []float32{0, 0}}).
			ScalableNoise(true).
			Done()
		return []*Node{output}
	})
	require.NotNil(t, ctx.GetVariableByScopeAndName("/sw", "noise_scale"))
	for _, v := range tensors.MustCopyFlatData[float32](outputs[0]) {
		require.InDelta(t, 1.0, v, 0.05)
	}
}

func TestCombine(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Combine", func(g *Graph) (inputs, outputs []*Node) {
		// 1 example, 2 candidates, 2 channels, 1x2 spatial.
		stacked := Const(g, [][][][][]float32{{
			{{{1, 2}}, {{3, 4}}},
			{{{10, 20}}, {{30, 40}}},
		}})
		attention := Const(g, [][][][]float32{{{{0.25, 1}}, {{0.75, 0}}}})
		inputs = []*Node{stacked, attention}
		outputs = []*Node{Combine(stacked, attention)}
		return
	}, []any{
		[][][][]float32{{{{7.75, 2}}, {{23.25, 4}}}},
	}, 1e-5)
}
