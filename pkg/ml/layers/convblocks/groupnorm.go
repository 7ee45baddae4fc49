// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convblocks

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// GroupNormEpsilon is added to the variance before taking its square root.
const GroupNormEpsilon = 1e-5

// GroupNormalization normalizes a channels-first x (`[batch, channels, <spatial...>]`) over groups
// of channels: channels are split into numGroups groups, and each group is normalized (per example)
// over its channels and all spatial positions. A learned per-channel gain and offset are applied
// afterwards.
//
// It behaves the same during training and inference.
//
// Based on "Group Normalization" (Yuxin Wu, Kaiming He), https://arxiv.org/abs/1803.08494
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *Node {
	if x.Rank() < 3 {
		Panicf("GroupNormalization requires x shaped [batch, channels, <spatial...>], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[1]
	if numGroups <= 0 || channels%numGroups != 0 {
		Panicf("GroupNormalization: %d channels cannot be split in %d groups", channels, numGroups)
	}
	g := x.Graph()
	dtype := x.DType()
	ctx = ctx.In("group_norm")

	grouped := Reshape(x, batchSize, numGroups, x.Shape().Size()/(batchSize*numGroups))
	normalized := layers.LayerNormalization(ctx, grouped, -1).
		LearnedGain(false).LearnedOffset(false).Epsilon(GroupNormEpsilon).Done()
	normalized = Reshape(normalized, dims...)

	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[1] = channels
	varShape := shapes.Make(dtype, channels)
	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", varShape).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).ValueGraph(g)
	normalized = Mul(normalized, Reshape(gain, broadcastDims...))
	return Add(normalized, Reshape(offset, broadcastDims...))
}
