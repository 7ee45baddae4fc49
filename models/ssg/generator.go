// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ssg

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
	"github.com/gomlx/switchedsr/pkg/ml/layers/switched"
	"github.com/pkg/errors"
)

// Names of the branch-join statistics recorded in the Diagnostics.
const (
	GradJoinStdDevName    = "grad_branch_feat_intg_std_dev"
	ConjoinJoinStdDevName = "conjoin_branch_grad_intg_std_dev"
)

// NumSwitches is the number of switches of the generator: feature, gradient and conjoin.
const NumSwitches = 3

// OutputScaleVariableName is the name of the learned scale applied to a switch output before it is
// added to its identity.
const OutputScaleVariableName = "output_scale"

// Generator builds the structured switched generator graph.
//
// Inputs:
//
//   - lr: low resolution images, shaped `[batch, cfg.InChannels, height, width]`, with height and
//     width divisible by 8.
//   - ref: reference images, shaped `[batch, 4, refHeight, refWidth]`: RGB plus the mask of the
//     location of lr in the reference.
//   - centers: integer tensor shaped `[batch, 2]` with the (row, col) of lr's center in ref.
//   - diag: optional Diagnostics where attention maps, their specificity and the branch-join
//     statistics are recorded. It can be nil.
//
// It returns the upscaled gradient image and the upscaled image, both shaped
// `[batch, cfg.OutChannels, height*cfg.Upscale, width*cfg.Upscale]`, and the low resolution
// gradient-branch features, shaped `[batch, cfg.Filters, height, width]`.
func Generator(ctx *context.Context, cfg *Config, lr, ref, centers *Node, diag *switched.Diagnostics) (gradOut, out, gradFeatures *Node) {
	if err := checkGraphInputs(cfg, lr, ref, centers); err != nil {
		panic(err)
	}
	lr = ConvertDType(lr, cfg.DType)
	ref = ConvertDType(ref, cfg.DType)
	nf := cfg.Filters
	halfNF := nf / 2

	refCode := ReferenceEmbedding(ctx.In("reference"), cfg, ref, centers)

	// Feature branch.
	fea := convblocks.ConvGnLelu(ctx.In("model_fea_conv"), lr, nf).
		Norm(convblocks.NormNone).Activation(activations.TypeNone).Done()
	x1 := switchAndJoin(ctx.In("sw1"), cfg, fea, fea, refCode, cfg.Transforms, diag, 0)

	// Gradient branch.
	_, gradFeatures, gradStdDev := gradientBranch(ctx, cfg, lr, x1, refCode, diag)
	g := convblocks.ConvGnLelu(ctx.In("grad_lr_conv"), gradFeatures, nf).Norm(convblocks.NormNone).Done()
	for ii := range cfg.UpscaleSteps() {
		g = convblocks.UpconvBlock(ctx.Inf("upsample_grad_%d", ii), g, halfNF, convblocks.NormNone,
			activations.TypeLeakyRelu, false)
	}
	gradOut = convblocks.ConvGnLelu(ctx.In("grad_branch_output_conv"), g, cfg.OutChannels).
		KernelSize(1).Norm(convblocks.NormNone).Activation(activations.TypeNone).Done()

	// Conjoin branch.
	c, conjoinStdDev := conjoinBranch(ctx, cfg, x1, gradFeatures, refCode, diag)
	c = convblocks.ConvGnLelu(ctx.In("final_lr_conv"), c, nf).Norm(convblocks.NormNone).Done()
	for ii := range cfg.UpscaleSteps() {
		c = convblocks.UpconvBlock(ctx.Inf("upsample_%d", ii), c, halfNF, convblocks.NormNone,
			activations.TypeLeakyRelu, true)
	}
	out = convblocks.ConvGnLelu(ctx.In("final_hr_conv2"), c, cfg.OutChannels).
		Norm(convblocks.NormNone).Activation(activations.TypeNone).UseBias(false).Done()

	diag.Record(GradJoinStdDevName, gradStdDev)
	diag.Record(ConjoinJoinStdDevName, conjoinStdDev)
	return
}

// gradientBranch projects the image gradient of lr (linearly, without bias) into identity, joins
// it with the feature branch x1 and switches it into features = identity + scaled switch output.
func gradientBranch(ctx *context.Context, cfg *Config, lr, x1, refCode *Node, diag *switched.Diagnostics) (
	identity, features, joinStdDev *Node) {
	identity = convblocks.ConvGnLelu(ctx.In("grad_conv"), convblocks.ImageGradient(lr), cfg.Filters).
		Norm(convblocks.NormNone).Activation(activations.TypeNone).UseBias(false).Done()
	joined, joinStdDev := convblocks.ReferenceJoinBlock(ctx.In("grad_ref_join"), identity, x1,
		referenceJoinInitFactor, 1, 2, false)
	features = switchAndJoin(ctx.In("sw_grad"), cfg, joined, identity, refCode, cfg.Transforms/2, diag, 1)
	return
}

// conjoinBranch joins the gradient features into x1 and switches the result, returning
// x1 + scaled switch output.
func conjoinBranch(ctx *context.Context, cfg *Config, x1, gradFeatures, refCode *Node, diag *switched.Diagnostics) (
	conjoined, joinStdDev *Node) {
	joined, joinStdDev := convblocks.ReferenceJoinBlock(ctx.In("conjoin_ref_join"), x1, gradFeatures,
		referenceJoinInitFactor, 1, 2, false)
	conjoined = switchAndJoin(ctx.In("conjoin_sw"), cfg, joined, x1, refCode, cfg.Transforms, diag, 2)
	return
}

// switchAndJoin applies a switch to x, also used as the multiplexer query, and returns
// identity + output_scale * switch output. The attention map is recorded in diag under
// switched.AttentionName(switchIndex).
func switchAndJoin(ctx *context.Context, cfg *Config, x, identity, refCode *Node, transforms int,
	diag *switched.Diagnostics, switchIndex int) *Node {
	output, attention := switched.New(ctx, x, transforms).
		Transform(cfg.Transform()).
		Multiplexer(cfg.Multiplexer()).
		Query(x).
		Embedding(refCode).
		AttentionNorm(true).
		InitialTemperature(cfg.AnnealedTemperature(0)).
		Done()
	diag.RecordAttention(switched.AttentionName(switchIndex), attention)
	scale := ctx.WithInitializer(convblocks.Constant(1)).
		VariableWithShape(OutputScaleVariableName, shapes.Make(x.DType())).ValueGraph(x.Graph())
	return Add(identity, Mul(output, scale))
}

// checkGraphInputs validates the shapes of the generator inputs.
func checkGraphInputs(cfg *Config, lr, ref, centers *Node) error {
	if lr.Rank() != 4 || lr.Shape().Dimensions[1] != cfg.InChannels {
		return errors.Wrapf(switched.ErrShapeMismatch, "lr must be shaped [batch, %d, height, width], got %s",
			cfg.InChannels, lr.Shape())
	}
	if err := switched.CheckPyramidShape(lr.Shape(), pyramidReductions); err != nil {
		return errors.WithMessage(err, "lr")
	}
	batchSize := lr.Shape().Dimensions[0]
	if ref.Rank() != 4 || ref.Shape().Dimensions[0] != batchSize || ref.Shape().Dimensions[1] != ReferenceChannels {
		return errors.Wrapf(switched.ErrShapeMismatch, "ref must be shaped [%d, %d, height, width], got %s",
			batchSize, ReferenceChannels, ref.Shape())
	}
	if centers.Rank() != 2 || centers.Shape().Dimensions[0] != batchSize || centers.Shape().Dimensions[1] != 2 ||
		!centers.DType().IsInt() {
		return errors.Wrapf(switched.ErrShapeMismatch, "centers must be an integer tensor shaped [%d, 2], got %s",
			batchSize, centers.Shape())
	}
	return nil
}
