// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ssg

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/switched"
	"github.com/stretchr/testify/require"
)

// testInputs returns a low resolution batch of 1 image 8x8, its 16x16 reference and its center.
func testInputs(g *Graph) (lr, ref, centers *Node) {
	lr = DivScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 3, 8, 8)), 192)
	ref = DivScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, ReferenceChannels, 16, 16)), 1024)
	centers = Const(g, [][]int32{{5, 9}})
	return
}

func TestGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)

	var names []string
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		diag := switched.NewDiagnostics(cfg.SpecificityWindow)
		lr, ref, centers := testInputs(g)
		gradOut, out, gradFeatures := Generator(ctx, cfg, lr, ref, centers, diag)
		names = diag.Names()
		return append([]*Node{gradOut, out, gradFeatures}, diag.Nodes()...)
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 1, 3, 32, 32))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 1, 3, 32, 32))
	require.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 1, 64, 8, 8))

	values, err := switched.Bind(names, outputs[3:])
	require.NoError(t, err)
	require.Len(t, values, 3*NumSwitches+2)
	for ii, transforms := range []int{2, 1, 2} {
		attention, specificity, histogram, err := values.Attention(switched.AttentionName(ii))
		require.NoError(t, err)
		require.NoError(t, attention.Shape().Check(dtypes.Float32, 1, transforms, 8, 8))
		require.NoError(t, histogram.Shape().Check(dtypes.Float32, transforms))

		// Attention is a distribution over the transforms at every location.
		weights := tensors.MustCopyFlatData[float32](attention)
		for loc := range 64 {
			var sum float32
			for tt := range transforms {
				sum += weights[tt*64+loc]
			}
			require.InDelta(t, 1.0, sum, 1e-4)
		}
		var selected float32
		for _, count := range tensors.MustCopyFlatData[float32](histogram) {
			selected += count
		}
		require.Equal(t, float32(64), selected)
		mean := tensors.ToScalar[float32](specificity)
		require.LessOrEqual(t, mean, float32(1.0+1e-5))
	}
	for _, name := range []string{GradJoinStdDevName, ConjoinJoinStdDevName} {
		stdDev := tensors.ToScalar[float32](values[name])
		require.GreaterOrEqual(t, stdDev, float32(0))
	}

	// One temperature per switch.
	var count int
	for v := range ctx.IterVariablesInScope() {
		if v.Name() == switched.TemperatureVariableName {
			count++
		}
	}
	require.Equal(t, NumSwitches, count)
}

func TestGeneratorShapeErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg, err := NewConfig(newTestContext())
	require.NoError(t, err)
	for name, lrShape := range map[string]shapes.Shape{
		"Channels":     shapes.Make(dtypes.Float32, 1, 4, 8, 8),
		"NotDivisible": shapes.Make(dtypes.Float32, 1, 3, 12, 8),
		"Rank":         shapes.Make(dtypes.Float32, 3, 8, 8),
	} {
		t.Run(name, func(t *testing.T) {
			g := NewGraph(backend, t.Name())
			err := exceptions.TryCatch[error](func() {
				_, ref, centers := testInputs(g)
				Generator(context.New(), cfg, Zeros(g, lrShape), ref, centers, nil)
			})
			require.ErrorIs(t, err, switched.ErrShapeMismatch)
		})
	}

	g := NewGraph(backend, t.Name())
	err = exceptions.TryCatch[error](func() {
		lr, ref, _ := testInputs(g)
		Generator(context.New(), cfg, lr, ref, Const(g, [][]float32{{5, 9}}), nil)
	})
	require.ErrorIs(t, err, switched.ErrShapeMismatch)
}

func TestBranchIdentities(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)

	branches := func(ctx *context.Context, g *Graph) []*Node {
		diag := switched.NewDiagnostics(cfg.SpecificityWindow)
		lr, ref, centers := testInputs(g)
		refCode := ReferenceEmbedding(ctx.In("reference"), cfg, ref, centers)
		x1 := DivScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, cfg.Filters, 8, 8)), 4096)
		gradIdentity, gradFeatures, _ := gradientBranch(ctx, cfg, lr, x1, refCode, diag)
		conjoined, _ := conjoinBranch(ctx, cfg, x1, gradFeatures, refCode, diag)
		return []*Node{gradIdentity, gradFeatures, x1, conjoined}
	}
	_ = context.MustExecOnceN(backend, ctx, branches)

	// The gradient projection is linear and has no bias.
	require.NotNil(t, ctx.GetVariableByScopeAndName("/grad_conv/conv", "weights"))
	require.Nil(t, ctx.GetVariableByScopeAndName("/grad_conv/conv", "biases"))
	require.Nil(t, ctx.GetVariableByScopeAndName("/grad_conv/group_norm", "gain"))

	// With a zero output scale each branch reduces to its identity.
	for _, scope := range []string{"/sw_grad", "/conjoin_sw"} {
		v := ctx.GetVariableByScopeAndName(scope, OutputScaleVariableName)
		require.NotNilf(t, v, "missing %s in scope %q", OutputScaleVariableName, scope)
		require.Equal(t, float32(1), tensors.ToScalar[float32](v.MustValue()))
		v.MustSetValue(tensors.FromScalar(float32(0)))
	}
	outputs := context.MustExecOnceN(backend, ctx.Reuse(), branches)
	require.InDeltaSlice(t, tensors.MustCopyFlatData[float32](outputs[0]),
		tensors.MustCopyFlatData[float32](outputs[1]), 1e-5)
	require.InDeltaSlice(t, tensors.MustCopyFlatData[float32](outputs[2]),
		tensors.MustCopyFlatData[float32](outputs[3]), 1e-5)
}
