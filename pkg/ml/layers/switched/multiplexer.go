// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
	"github.com/pkg/errors"
)

// Multiplexer computes the raw routing logits of a switch.
type Multiplexer interface {
	// Logits returns the routing logits shaped `[batch, transformCount, height, width]` for the query
	// shaped `[batch, channels, height, width]`.
	//
	// embedding is the conditioning signal, and candidates the stacked transform outputs shaped
	// `[batch, transformCount, channels, height, width]`. Either may be nil, if the multiplexer
	// doesn't require it.
	Logits(ctx *context.Context, query, embedding, candidates *Node, transformCount int) *Node
}

// CheckPyramidShape returns an error wrapping ErrShapeMismatch if shape is not a channels-first
// image whose spatial dimensions can be halved reductions times.
func CheckPyramidShape(shape shapes.Shape, reductions int) error {
	if shape.Rank() != 4 {
		return errors.Wrapf(ErrShapeMismatch, "expected shape [batch, channels, height, width], got %s", shape)
	}
	divisor := 1 << reductions
	height, width := shape.Dimensions[2], shape.Dimensions[3]
	if height%divisor != 0 || width%divisor != 0 {
		return errors.Wrapf(ErrShapeMismatch, "spatial dimensions %dx%d of %s must be divisible by 2^%d=%d",
			height, width, shape, reductions, divisor)
	}
	return nil
}

// broadcastEmbedding returns the embedding shaped `[batch, channels, height, width]`. The embedding
// can be given as a vector per example, shaped `[batch, channels]`, or already broadcast.
func broadcastEmbedding(embedding *Node, batchSize, channels, height, width int) *Node {
	dims := embedding.Shape().Dimensions
	switch embedding.Rank() {
	case 2:
		if dims[0] != batchSize || (channels > 0 && dims[1] != channels) {
			panicf(ErrShapeMismatch, "embedding shaped %s, expected [%d, %d]", embedding.Shape(), batchSize, channels)
		}
		return BroadcastToDims(Reshape(embedding, batchSize, dims[1], 1, 1), batchSize, dims[1], height, width)
	case 4:
		if dims[0] != batchSize || (channels > 0 && dims[1] != channels) || dims[2] != height || dims[3] != width {
			panicf(ErrShapeMismatch, "embedding shaped %s, expected [%d, %d, %d, %d]",
				embedding.Shape(), batchSize, channels, height, width)
		}
		return embedding
	}
	panicf(ErrShapeMismatch, "embedding must be shaped [batch, channels] or [batch, channels, height, width], got %s",
		embedding.Shape())
	return nil
}

// QueryKeyMultiplexer computes routing logits by matching a query, derived from the switch input
// and the reference embedding with a U-Net like pyramid, against a key per transform candidate.
//
// The query goes through a 3x3 stem and Reductions HalvingBlock stages (channels scaled by Factor
// and truncated at each stage), is fused with the embedding by concatenation, processed, and
// expanded back with ExpansionBlock stages that consume the skip signals in reverse order.
// Each candidate is projected by the same 1x1 key convolution, concatenated with the query and
// reduced to one logit per location.
type QueryKeyMultiplexer struct {
	// Filters is the channel count of the query and of each candidate.
	Filters int

	// EmbeddingChannels is the channel count of the reference embedding.
	EmbeddingChannels int

	// EmbeddingStemChannels is the channel count the embedding is projected to before fusion.
	EmbeddingStemChannels int

	// Reductions is the number of halving stages of the pyramid.
	Reductions int

	// Factor is the channel factor of each halving stage.
	Factor float64
}

// NewQueryKeyMultiplexer returns a QueryKeyMultiplexer with 3 reductions of factor 1.5 and an
// embedding stem of 128 channels.
func NewQueryKeyMultiplexer(filters, embeddingChannels int) *QueryKeyMultiplexer {
	return &QueryKeyMultiplexer{
		Filters:               filters,
		EmbeddingChannels:     embeddingChannels,
		EmbeddingStemChannels: 128,
		Reductions:            3,
		Factor:                1.5,
	}
}

// ReductionChannels returns the channel counts of the pyramid levels: the query channels first,
// followed by the output channels of each halving stage.
func (m *QueryKeyMultiplexer) ReductionChannels() []int {
	channels := make([]int, m.Reductions+1)
	channels[0] = m.Filters
	for ii := 1; ii <= m.Reductions; ii++ {
		channels[ii] = convblocks.ScaleChannels(channels[ii-1], m.Factor)
	}
	return channels
}

// Validate checks the channel schedule is consistent: expansions must land back on the channel counts
// of the skip signals, and every group normalized stage must be divisible in groups.
//
// It returns an error wrapping ErrConfiguration otherwise.
func (m *QueryKeyMultiplexer) Validate() error {
	if m.Filters <= 0 || m.EmbeddingChannels <= 0 || m.EmbeddingStemChannels <= 0 {
		return errors.Wrapf(ErrConfiguration, "QueryKeyMultiplexer channels must be positive: filters=%d, embedding=%d, embedding stem=%d",
			m.Filters, m.EmbeddingChannels, m.EmbeddingStemChannels)
	}
	if m.Reductions < 1 || m.Factor <= 1 {
		return errors.Wrapf(ErrConfiguration, "QueryKeyMultiplexer requires reductions >= 1 and factor > 1, got %d and %g",
			m.Reductions, m.Factor)
	}
	channels := m.ReductionChannels()
	for ii := 1; ii <= m.Reductions; ii++ {
		if channels[ii]%convblocks.DefaultNumGroups != 0 {
			return errors.Wrapf(ErrConfiguration, "pyramid level %d has %d channels, not divisible in %d normalization groups",
				ii, channels[ii], convblocks.DefaultNumGroups)
		}
	}
	for ii := m.Reductions; ii > 0; ii-- {
		expanded := int(float64(channels[ii]) / m.Factor)
		if expanded != channels[ii-1] {
			return errors.Wrapf(ErrConfiguration, "pyramid level %d with %d channels expands to %d channels, but its skip signal has %d (channel schedule %v)",
				ii, channels[ii], expanded, channels[ii-1], channels)
		}
	}
	if m.Filters%2 != 0 || (m.Filters/2)%4 != 0 {
		return errors.Wrapf(ErrConfiguration, "QueryKeyMultiplexer filters (%d) must be divisible by 8", m.Filters)
	}
	return nil
}

// processing returns the stages applied at the bottom of the pyramid.
func (m *QueryKeyMultiplexer) processing(channels int) convblocks.Sequence {
	return convblocks.Sequence{
		convblocks.Embedding(),
		convblocks.Conv(channels+m.EmbeddingStemChannels/2, 1).WithBias(),
		convblocks.Conv(channels, 1),
		convblocks.Conv(channels, 3).WithNorm(convblocks.NormGroup),
		convblocks.Conv(channels, 3).WithNorm(convblocks.NormGroup),
	}
}

// Logits implements Multiplexer. Both embedding and candidates are required.
//
// The embedding can be shaped `[batch, EmbeddingChannels]`, or already broadcast to the bottom of
// the pyramid, `[batch, EmbeddingChannels, height/2^Reductions, width/2^Reductions]`.
func (m *QueryKeyMultiplexer) Logits(ctx *context.Context, query, embedding, candidates *Node, transformCount int) *Node {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	if err := CheckPyramidShape(query.Shape(), m.Reductions); err != nil {
		panic(err)
	}
	dims := query.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels != m.Filters {
		panicf(ErrShapeMismatch, "query shaped %s, expected %d channels", query.Shape(), m.Filters)
	}
	if embedding == nil || candidates == nil {
		panicf(ErrConfiguration, "QueryKeyMultiplexer requires both the reference embedding and the transform candidates")
	}
	wantCandidates := shapes.Make(query.DType(), batchSize, transformCount, channels, height, width)
	if !candidates.Shape().Equal(wantCandidates) {
		panicf(ErrShapeMismatch, "candidates shaped %s, expected %s", candidates.Shape(), wantCandidates)
	}

	// Query.
	q := convblocks.ConvGnSilu(ctx.In("input_process"), query, channels).Norm(convblocks.NormNone).Done()
	scale := 1 << m.Reductions
	embedding = broadcastEmbedding(embedding, batchSize, m.EmbeddingChannels, height/scale, width/scale)
	embedding = convblocks.ConvGnSilu(ctx.In("embedding_process"), embedding, m.EmbeddingStemChannels).
		KernelSize(1).Norm(convblocks.NormNone).Done()
	skips := make([]*Node, 0, m.Reductions)
	for ii := range m.Reductions {
		skips = append(skips, q)
		q = convblocks.HalvingBlock(ctx.Inf("reduction_%d", ii), q, m.Factor)
	}
	q = m.processing(q.Shape().Dimensions[1]).Apply(ctx.In("processing"), q, embedding)
	for ii := range m.Reductions {
		q = convblocks.ExpansionBlock(ctx.Inf("expansion_%d", ii), q, skips[m.Reductions-1-ii], m.Factor)
	}

	// Keys: the same projection for every candidate.
	keys := Reshape(candidates, batchSize*transformCount, channels, height, width)
	keys = convblocks.ConvGnSilu(ctx.In("key_process"), keys, channels).
		KernelSize(1).Norm(convblocks.NormNone).UseBias(false).Done()

	queryChannels := q.Shape().Dimensions[1]
	q = BroadcastToDims(InsertAxes(q, 1), batchSize, transformCount, queryChannels, height, width)
	q = Reshape(q, batchSize*transformCount, queryChannels, height, width)
	v := Concatenate([]*Node{q, keys}, 1)
	v = convblocks.ConvGnSilu(ctx.In("query_key_combine"), v, channels).
		KernelSize(1).Norm(convblocks.NormNone).UseBias(false).Done()
	v = convblocks.ConvGnSilu(ctx.In("cbl1"), v, channels/2).KernelSize(1).UseBias(false).NumGroups(4).Done()
	v = convblocks.ConvGnSilu(ctx.In("cbl2"), v, 1).KernelSize(1).Norm(convblocks.NormNone).UseBias(false).Done()
	return Reshape(v, batchSize, transformCount, height, width)
}

// BasisMultiplexer computes routing logits from the query alone (and optionally the embedding),
// without looking at the transform candidates: a pyramid of halving stages doubling the channels,
// processing blocks, expansions back to full resolution and a few 1x1 convolutions reducing the
// channels to one logit per transform.
type BasisMultiplexer struct {
	// BaseFilters is the number of channels the query is projected to.
	BaseFilters int

	// Reductions is the number of halving stages.
	Reductions int

	// ProcessingDepth is the number of 3x3 convolutions at the bottom of the pyramid.
	ProcessingDepth int
}

// NewBasisMultiplexer returns a BasisMultiplexer with 2 reductions and 3 processing blocks.
func NewBasisMultiplexer(baseFilters int) *BasisMultiplexer {
	return &BasisMultiplexer{BaseFilters: baseFilters, Reductions: 2, ProcessingDepth: 3}
}

// Validate returns an error wrapping ErrConfiguration if the configuration is not usable.
func (m *BasisMultiplexer) Validate() error {
	if m.BaseFilters <= 0 || m.BaseFilters%convblocks.DefaultNumGroups != 0 {
		return errors.Wrapf(ErrConfiguration, "BasisMultiplexer base filters must be a positive multiple of %d, got %d",
			convblocks.DefaultNumGroups, m.BaseFilters)
	}
	if m.Reductions < 0 || m.ProcessingDepth < 0 {
		return errors.Wrapf(ErrConfiguration, "BasisMultiplexer reductions (%d) and processing depth (%d) can't be negative",
			m.Reductions, m.ProcessingDepth)
	}
	return nil
}

// basisChannels returns the channel counts of the 1x1 reduction layers, going from the base filters
// down to transformCount, in multiples of 4.
func (m *BasisMultiplexer) basisChannels(transformCount int) (cbl1, cbl2 int) {
	gap := m.BaseFilters - transformCount
	cbl1 = max(4, ((m.BaseFilters-gap/2)/4)*4)
	cbl2 = max(4, ((m.BaseFilters-3*gap/4)/4)*4)
	return
}

// Logits implements Multiplexer. The candidates are not used, and the embedding is optional: if
// given it is concatenated at the bottom of the pyramid.
func (m *BasisMultiplexer) Logits(ctx *context.Context, query, embedding, _ *Node, transformCount int) *Node {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	if err := CheckPyramidShape(query.Shape(), m.Reductions); err != nil {
		panic(err)
	}
	dims := query.Shape().Dimensions
	x := convblocks.ConvGnSilu(ctx.In("filter_conv"), query, m.BaseFilters).Done()
	skips := make([]*Node, 0, m.Reductions)
	for ii := range m.Reductions {
		skips = append(skips, x)
		x = convblocks.HalvingBlock(ctx.Inf("reduction_%d", ii), x, 2)
	}
	bottomChannels := x.Shape().Dimensions[1]
	var stages convblocks.Sequence
	if embedding != nil {
		scale := 1 << m.Reductions
		embedding = broadcastEmbedding(embedding, dims[0], 0, dims[2]/scale, dims[3]/scale)
		stages = append(stages, convblocks.Embedding(), convblocks.Conv(bottomChannels, 1).WithBias())
	}
	for range m.ProcessingDepth {
		stages = append(stages, convblocks.Conv(bottomChannels, 3).WithNorm(convblocks.NormGroup))
	}
	x = stages.Apply(ctx.In("processing"), x, embedding)
	for ii := range m.Reductions {
		x = convblocks.ExpansionBlock(ctx.Inf("expansion_%d", ii), x, skips[m.Reductions-1-ii], 2)
	}
	cbl1, cbl2 := m.basisChannels(transformCount)
	x = convblocks.ConvGnSilu(ctx.In("cbl1"), x, cbl1).UseBias(false).NumGroups(4).Done()
	x = convblocks.ConvGnSilu(ctx.In("cbl2"), x, cbl2).UseBias(false).NumGroups(4).Done()
	return convblocks.ConvGnSilu(ctx.In("cbl3"), x, transformCount).
		Norm(convblocks.NormNone).Activation(activations.TypeNone).Done()
}

// String implements fmt.Stringer.
func (m *QueryKeyMultiplexer) String() string {
	return fmt.Sprintf("QueryKeyMultiplexer(filters=%d, embedding=%d, reductions=%d, factor=%g)",
		m.Filters, m.EmbeddingChannels, m.Reductions, m.Factor)
}
