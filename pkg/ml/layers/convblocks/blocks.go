// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convblocks

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ScaleChannels returns int(channels * factor), truncating like the channel schedules of the
// pyramid blocks do.
func ScaleChannels(channels int, factor float64) int {
	return int(float64(channels) * factor)
}

// Upsample2x doubles the spatial dimensions of a channels-first x with nearest-neighbour
// interpolation.
func Upsample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Interpolate(x, NoInterpolation, NoInterpolation, 2*dims[2], 2*dims[3]).Nearest().Done()
}

// HalvingBlock processes x with a 3x3 convolution (no normalization, no bias) and then halves its
// spatial dimensions with a strided 1x1 convolution into ScaleChannels(channels, factor) channels,
// followed by group normalization.
//
// Both convolutions use swish activations.
func HalvingBlock(ctx *context.Context, x *Node, factor float64) *Node {
	channels := x.Shape().Dimensions[1]
	x = ConvGnSilu(ctx.In("conv1"), x, channels).Norm(NormNone).UseBias(false).Done()
	return ConvGnSilu(ctx.In("conv2"), x, ScaleChannels(channels, factor)).
		KernelSize(1).Stride(2).UseBias(false).Done()
}

// ExpansionBlock doubles the spatial dimensions of x and fuses it with passthrough, a skip
// connection recorded before the matching HalvingBlock.
//
// The deep signal x, shaped `[batch, channels, h, w]`, is upsampled and decimated (1x1 convolution)
// to int(channels/factor) channels; passthrough must be shaped `[batch, int(channels/factor), 2h, 2w]`
// and is processed by its own 3x3 convolution. Both are concatenated, fused by a 1x1 convolution and
// reduced back to int(channels/factor) channels with a normalized 1x1 convolution without activation.
func ExpansionBlock(ctx *context.Context, x, passthrough *Node, factor float64) *Node {
	dims := x.Shape().Dimensions
	outChannels := int(float64(dims[1]) / factor)
	if passthrough.Rank() != 4 || passthrough.Shape().Dimensions[0] != dims[0] ||
		passthrough.Shape().Dimensions[1] != outChannels ||
		passthrough.Shape().Dimensions[2] != 2*dims[2] || passthrough.Shape().Dimensions[3] != 2*dims[3] {
		Panicf("ExpansionBlock: passthrough shaped %s doesn't match the expanded input %s (want [%d, %d, %d, %d])",
			passthrough.Shape(), x.Shape(), dims[0], outChannels, 2*dims[2], 2*dims[3])
	}
	x = Upsample2x(x)
	x = ConvGnSilu(ctx.In("decimate"), x, outChannels).KernelSize(1).UseBias(false).Norm(NormNone).Done()
	p := ConvGnSilu(ctx.In("process_passthrough"), passthrough, outChannels).Norm(NormNone).Done()
	x = Concatenate([]*Node{x, p}, 1)
	x = ConvGnSilu(ctx.In("conjoin"), x, 2*outChannels).KernelSize(1).UseBias(false).Norm(NormNone).Done()
	return ConvGnSilu(ctx.In("reduce"), x, outChannels).
		KernelSize(1).UseBias(false).Activation(activations.TypeNone).Done()
}

// UpconvBlock reduces x to outChannels with a 1x1 convolution, doubles its spatial dimensions with
// nearest-neighbour interpolation and processes the result with a 3x3 leaky-relu convolution.
//
// norm, activation and useBias configure only the last convolution.
func UpconvBlock(ctx *context.Context, x *Node, outChannels int, norm NormType, activation activations.Type, useBias bool) *Node {
	x = ConvGnLelu(ctx.In("reduce"), x, outChannels).
		KernelSize(1).UseBias(false).Norm(NormNone).Activation(activations.TypeNone).Done()
	x = Upsample2x(x)
	return ConvGnLelu(ctx.In("process"), x, outChannels).
		Norm(norm).Activation(activation).UseBias(useBias).Done()
}

// MultiConvConfig holds the configuration of a MultiConvBlock.
type MultiConvConfig struct {
	MidChannels, OutChannels int
	KernelSize, Depth        int

	// ScaleInit is the initial value of the learned output scale.
	ScaleInit float64

	// WeightInitFactor scales the initialization of every convolution kernel.
	WeightInitFactor float64

	// Norm is the normalization of all but the last convolution. The zero value is NormNone.
	Norm NormType
}

// MultiConvBlock is a stack of Depth leaky-relu convolutions without bias, going from the input
// channels to MidChannels and then to OutChannels. The last convolution has no activation nor
// normalization. The output is multiplied by a learned scalar "scale" (initialized to ScaleInit)
// and shifted by a learned scalar "bias" (initialized to 0).
//
// With a small WeightInitFactor the block starts close to outputting zeros.
func MultiConvBlock(ctx *context.Context, x *Node, cfg MultiConvConfig) *Node {
	if cfg.Depth < 2 {
		Panicf("MultiConvBlock requires depth >= 2, got %d", cfg.Depth)
	}
	for ii := range cfg.Depth {
		layerCtx := ctx.Inf("conv_%d", ii)
		if ii == cfg.Depth-1 {
			x = ConvGnLelu(layerCtx, x, cfg.OutChannels).
				KernelSize(cfg.KernelSize).UseBias(false).Norm(NormNone).Activation(activations.TypeNone).
				WeightInitFactor(cfg.WeightInitFactor).Done()
			break
		}
		x = ConvGnLelu(layerCtx, x, cfg.MidChannels).
			KernelSize(cfg.KernelSize).UseBias(false).Norm(cfg.Norm).
			WeightInitFactor(cfg.WeightInitFactor).Done()
	}
	g := x.Graph()
	scale := ctx.WithInitializer(Constant(cfg.ScaleInit)).VariableWithShape("scale", shapes.Make(x.DType())).ValueGraph(g)
	bias := ctx.WithInitializer(Constant(0)).VariableWithShape("bias", shapes.Make(x.DType())).ValueGraph(g)
	return Add(Mul(x, scale), bias)
}

// ReferenceJoinBlock joins x with a reference signal ref of the same shape: both are concatenated
// and passed through a depth-layer batch-normalized MultiConvBlock whose weights and output
// scale are initialized with residualWeightInitFactor. The branch is added to x and processed by a
// 3x3 leaky-relu convolution without bias.
//
// It returns the joined output and the (unbiased) standard deviation of the branch, a scalar that
// is only meant for diagnostics and doesn't back-propagate.
func ReferenceJoinBlock(ctx *context.Context, x, ref *Node, residualWeightInitFactor float64, kernelSize, depth int, finalNorm bool) (output, branchStdDev *Node) {
	if !x.Shape().Equal(ref.Shape()) {
		Panicf("ReferenceJoinBlock: x shaped %s and reference shaped %s must match", x.Shape(), ref.Shape())
	}
	channels := x.Shape().Dimensions[1]
	joined := Concatenate([]*Node{x, ref}, 1)
	branch := MultiConvBlock(ctx.In("branch"), joined, MultiConvConfig{
		MidChannels:      channels + channels/2,
		OutChannels:      channels,
		KernelSize:       kernelSize,
		Depth:            depth,
		ScaleInit:        residualWeightInitFactor,
		WeightInitFactor: residualWeightInitFactor,
		Norm:             NormBatch,
	})
	norm := NormNone
	if finalNorm {
		norm = NormGroup
	}
	output = ConvGnLelu(ctx.In("join_conv"), Add(x, branch), channels).UseBias(false).Norm(norm).Done()
	return output, UnbiasedStdDev(StopGradient(branch))
}

// UnbiasedStdDev returns the standard deviation of all elements of x, using Bessel's correction.
func UnbiasedStdDev(x *Node) *Node {
	n := x.Shape().Size()
	centered := Sub(x, ReduceAllMean(x))
	sumSquares := ReduceAllSum(Square(centered))
	if n <= 1 {
		return ZerosLike(sumSquares)
	}
	return Sqrt(DivScalar(sumSquares, float64(n-1)))
}

// ImageGradientEpsilon is added to the squared gradients before taking the square root, so the
// magnitude is differentiable at 0.
const ImageGradientEpsilon = 1e-6

// ImageGradient returns the per-channel gradient magnitude of a channels-first image x:
// sqrt(dv² + dh² + ImageGradientEpsilon), where dv (dh) is the central difference between the
// pixels below and above (right and left). Borders are zero padded, and the output has the shape of x.
//
// It has no trainable parameters.
func ImageGradient(x *Node) *Node {
	if x.Rank() != 4 {
		Panicf("ImageGradient requires x shaped [batch, channels, height, width], got %s", x.Shape())
	}
	g := x.Graph()
	dims := x.Shape().Dimensions
	flat := Reshape(x, dims[0]*dims[1], 1, dims[2], dims[3])
	kernel := ConvertDType(Const(g, [][][][]float32{
		{{{0, -1, 0}, {0, 0, 0}, {0, 1, 0}}}, // vertical
		{{{0, 0, 0}, {-1, 0, 1}, {0, 0, 0}}}, // horizontal
	}), x.DType())
	grads := Convolve(flat, kernel).ChannelsAxis(images.ChannelsFirst).PadSame().Done()
	magnitude := Sqrt(AddScalar(ReduceSum(Square(grads), 1), ImageGradientEpsilon))
	return Reshape(magnitude, dims...)
}
