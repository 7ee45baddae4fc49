// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ssg

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
	"github.com/gomlx/switchedsr/pkg/ml/layers/switched"
	"github.com/gomlx/switchedsr/pkg/support/xtensors"
	"github.com/pkg/errors"
)

// ReferenceScale is the downscaling factor between the reference image and its feature map.
const ReferenceScale = 1 << pyramidReductions

// referenceSequence returns the stages of the reference branch: a 7x7 stem, the halving stages and
// a final normalized 3x3 convolution.
func (cfg *Config) referenceSequence() convblocks.Sequence {
	seq := convblocks.Sequence{
		convblocks.Conv(cfg.Filters, 7).WithBias(),
	}
	for range pyramidReductions {
		seq = append(seq, convblocks.Halving(channelFactor))
	}
	return append(seq, convblocks.Conv(cfg.EmbeddingChannels(), 3).WithNorm(convblocks.NormGroup))
}

// ReferenceEmbedding encodes the reference image ref, shaped `[batch, 4, H, W]`, and returns the
// feature vector at each center, shaped `[batch, cfg.EmbeddingChannels()]`.
//
// centers is an integer tensor shaped `[batch, 2]` with the (row, col) of the center in reference
// pixels. They are downscaled by ReferenceScale and gathered without interpolation.
func ReferenceEmbedding(ctx *context.Context, cfg *Config, ref, centers *Node) *Node {
	if ref.Rank() != 4 || ref.Shape().Dimensions[1] != ReferenceChannels {
		panic(errors.Wrapf(switched.ErrShapeMismatch, "reference must be shaped [batch, %d, height, width], got %s",
			ReferenceChannels, ref.Shape()))
	}
	if err := switched.CheckPyramidShape(ref.Shape(), pyramidReductions); err != nil {
		panic(err)
	}
	features := cfg.referenceSequence().Apply(ctx, ref, nil)
	return GatherAt(features, DivScalar(centers, ReferenceScale))
}

// GatherAt returns the feature vectors of features, shaped `[batch, channels, height, width]`, at
// the points, an integer tensor shaped `[batch, 2]` with (row, col) per batch example.
//
// The output is shaped `[batch, channels]`.
func GatherAt(features, points *Node) *Node {
	if features.Rank() != 4 {
		panic(errors.Wrapf(switched.ErrShapeMismatch, "features must be shaped [batch, channels, height, width], got %s",
			features.Shape()))
	}
	batchSize := features.Shape().Dimensions[0]
	if points.Rank() != 2 || points.Shape().Dimensions[0] != batchSize || points.Shape().Dimensions[1] != 2 ||
		!points.DType().IsInt() {
		panic(errors.Wrapf(switched.ErrShapeMismatch, "points must be an integer tensor shaped [%d, 2], got %s",
			batchSize, points.Shape()))
	}
	channelsLast := TransposeAllDims(features, 0, 2, 3, 1)
	batchIndices := Iota(features.Graph(), shapes.Make(points.DType(), batchSize, 1), 0)
	indices := Concatenate([]*Node{batchIndices, points}, 1)
	return Gather(channelsLast, indices)
}

// ValidateCenters checks that centers, an integer tensor shaped `[batch, 2]`, holds (row, col)
// points inside a reference image of size height x width, once downscaled to the reference
// feature map.
//
// It returns an error wrapping switched.ErrIndexOutOfBounds or switched.ErrShapeMismatch.
func ValidateCenters(centers *tensors.Tensor, height, width int) error {
	if centers.Rank() != 2 || centers.Shape().Dimensions[1] != 2 || !centers.DType().IsInt() {
		return errors.Wrapf(switched.ErrShapeMismatch, "centers must be an integer tensor shaped [batch, 2], got %s",
			centers.Shape())
	}
	values, err := xtensors.ToInts(centers)
	if err != nil {
		return errors.WithMessage(err, "reading centers")
	}
	featureHeight, featureWidth := height/ReferenceScale, width/ReferenceScale
	for ii := 0; ii < len(values); ii += 2 {
		row, col := values[ii], values[ii+1]
		if row < 0 || col < 0 || row/ReferenceScale >= featureHeight || col/ReferenceScale >= featureWidth {
			return errors.Wrapf(switched.ErrIndexOutOfBounds,
				"center #%d (%d, %d) falls outside the %dx%d reference feature map (reference %dx%d, scale 1/%d)",
				ii/2, row, col, featureHeight, featureWidth, height, width, ReferenceScale)
		}
	}
	return nil
}
