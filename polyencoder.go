// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package polyencoder implements the poly-encoder architecture for scoring
// candidate responses against a conversational context, as described in
// "Poly-encoders: Transformer Architectures and Pre-training Strategies for
// Fast and Accurate Multi-sentence Scoring", https://arxiv.org/abs/1905.01969,
// by Samuel Humeau, Kurt Shuster, Marie-Anne Lachaux and Jason Weston.
//
// The context is encoded to a variable-length sequence and reduced to a fixed
// set of vectors -- either by attending a bank of learned "codes" over it, or
// by taking the first N positions. Each candidate is encoded independently to
// a single vector. Scoring attends the reduced context with the candidate as
// query and takes the dot-product with the candidate vector, so candidate
// encodings can be computed (and cached) independently of the context.
//
// The two entry points used by a ranking harness are Model.Encode and
// Model.Score; see the ranker sub-package for training wiring.
package polyencoder

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"

	"github.com/gomlx/polyencoder/attention"
	"github.com/gomlx/polyencoder/encoder"
)

// Hyperparameter keys to configure the poly-encoder from a context.Context.
// The encoder.Param* keys configure the underlying transformer encoders.
const (
	// ParamType is "codes" or "n_first".
	ParamType = "polyencoder_type"

	// ParamNumCodes is the number of vectors representing the context. With
	// "n_first" it is the number of positions kept.
	ParamNumCodes = "poly_n_codes"

	// ParamAttentionType is the final-scorer attention: "basic", "sqrt" or
	// "multihead".
	ParamAttentionType = "poly_attention_type"

	// ParamAttentionNumHeads applies when ParamAttentionType is "multihead".
	ParamAttentionNumHeads = "poly_attention_num_heads"

	// ParamCodesAttentionType is the code-reduction attention, configured
	// independently of the final scorer.
	ParamCodesAttentionType = "codes_attention_type"

	// ParamCodesAttentionNumHeads applies when ParamCodesAttentionType is
	// "multihead".
	ParamCodesAttentionNumHeads = "codes_attention_num_heads"

	// ParamImageNumLayers enables image fusion when > 0.
	ParamImageNumLayers = "polyencoder_image_encoder_num_layers"

	// ParamImageFeaturesDim is the dimension of raw image feature vectors.
	ParamImageFeaturesDim = "polyencoder_image_features_dim"

	// ParamImageCombine is "add", "postpend" or "prepend".
	ParamImageCombine = "polyencoder_image_combination_mode"
)

// ContextReduction selects how the encoded context is reduced to a fixed
// number of vectors.
type ContextReduction int

const (
	// ReduceCodes attends a bank of NumCodes learned query vectors over the
	// context. The output mask is always fully valid: every code attends to
	// something as long as the context is non-empty.
	ReduceCodes ContextReduction = iota

	// ReduceNFirst truncates or zero-pads the context to NumCodes positions.
	// The output mask distinguishes real positions from synthetic padding.
	ReduceNFirst
)

// String implements fmt.Stringer.
func (r ContextReduction) String() string {
	switch r {
	case ReduceCodes:
		return "codes"
	case ReduceNFirst:
		return "n_first"
	}
	return "invalid"
}

// ContextReductionString converts a string to a ContextReduction, erroring out
// on unknown values.
func ContextReductionString(s string) (ContextReduction, error) {
	switch s {
	case "codes":
		return ReduceCodes, nil
	case "n_first":
		return ReduceNFirst, nil
	}
	return ContextReduction(-1), fmt.Errorf("unknown poly-encoder type %q, valid values are \"codes\" and \"n_first\"", s)
}

// Model configures a poly-encoder. Create it with New, adjust it with the
// With* methods (or NewFromContext) and call Encode/Score while building
// graphs. All configuration is fixed for the lifetime of the model.
type Model struct {
	// Type of context reduction.
	Type ContextReduction

	// NumCodes is the fixed number of vectors representing the context.
	NumCodes int

	// EmbedDim is the embedding dimension, shared by encoders and attention.
	EmbedDim int

	// Attention is the final-scorer attention kind (candidates as queries).
	Attention attention.Kind

	// AttentionNumHeads applies when Attention is attention.MultiHead.
	AttentionNumHeads int

	// CodesAttention is the code-reduction attention kind.
	CodesAttention attention.Kind

	// CodesAttentionNumHeads applies when CodesAttention is attention.MultiHead.
	CodesAttentionNumHeads int

	// ContextEncoder encodes the context tokens to a full sequence.
	ContextEncoder *encoder.Model

	// CandidateEncoder encodes each candidate to a single vector.
	CandidateEncoder *encoder.Model

	// SharedEncoderWeights makes context and candidate encoders share
	// parameters (same variable scope). Default is distinct weights.
	SharedEncoderWeights bool

	// Image is non-nil when image fusion is enabled; see WithImageFusion.
	Image *encoder.ContextWithImage
}

// New creates a poly-encoder from the two transformer encoders. The context
// encoder is used unreduced; the candidate encoder's Reduction produces the
// per-candidate vector. Both must agree on the embedding dimension.
//
// Defaults: "codes" reduction with basic attention on both the code-reduction
// and final-scoring paths, 4 heads when multi-head attention is selected.
func New(contextEncoder, candidateEncoder *encoder.Model, numCodes int) *Model {
	if contextEncoder.EmbedDim != candidateEncoder.EmbedDim {
		exceptions.Panicf("polyencoder: context and candidate encoders disagree on embedding dimension: %d vs %d",
			contextEncoder.EmbedDim, candidateEncoder.EmbedDim)
	}
	if numCodes <= 0 {
		exceptions.Panicf("polyencoder: number of codes must be > 0, got %d", numCodes)
	}
	if candidateEncoder.Reduction == encoder.ReduceNone {
		exceptions.Panicf("polyencoder: candidate encoder must reduce to one vector per candidate; set its Reduction to first or mean")
	}
	return &Model{
		Type:                   ReduceCodes,
		NumCodes:               numCodes,
		EmbedDim:               contextEncoder.EmbedDim,
		Attention:              attention.Basic,
		AttentionNumHeads:      4,
		CodesAttention:         attention.Basic,
		CodesAttentionNumHeads: 4,
		ContextEncoder:         contextEncoder,
		CandidateEncoder:       candidateEncoder,
	}
}

// NewFromContext creates a poly-encoder, with both encoders and the
// poly-encoder itself configured from context hyperparameters (see the Param*
// constants here and in the encoder package). Invalid enumeration values
// panic immediately.
func NewFromContext(ctx *context.Context) *Model {
	contextEncoder := encoder.NewFromContext(ctx).WithReduction(encoder.ReduceNone)
	candidateEncoder := encoder.NewFromContext(ctx)
	if candidateEncoder.Reduction == encoder.ReduceNone {
		candidateEncoder = candidateEncoder.WithReduction(encoder.ReduceMean)
	}
	numCodes := context.GetParamOr(ctx, ParamNumCodes, 64)
	m := New(contextEncoder, candidateEncoder, numCodes)

	if typeStr := context.GetParamOr(ctx, ParamType, ""); typeStr != "" {
		reduction, err := ContextReductionString(typeStr)
		if err != nil {
			exceptions.Panicf("polyencoder: invalid hyperparameter %s=%q", ParamType, typeStr)
		}
		m.Type = reduction
	}
	if kindStr := context.GetParamOr(ctx, ParamAttentionType, ""); kindStr != "" {
		kind, err := attention.KindString(kindStr)
		if err != nil {
			exceptions.Panicf("polyencoder: invalid hyperparameter %s=%q", ParamAttentionType, kindStr)
		}
		m.Attention = kind
	}
	if kindStr := context.GetParamOr(ctx, ParamCodesAttentionType, ""); kindStr != "" {
		kind, err := attention.KindString(kindStr)
		if err != nil {
			exceptions.Panicf("polyencoder: invalid hyperparameter %s=%q", ParamCodesAttentionType, kindStr)
		}
		m.CodesAttention = kind
	}
	m.AttentionNumHeads = context.GetParamOr(ctx, ParamAttentionNumHeads, m.AttentionNumHeads)
	m.CodesAttentionNumHeads = context.GetParamOr(ctx, ParamCodesAttentionNumHeads, m.CodesAttentionNumHeads)

	if numImageLayers := context.GetParamOr(ctx, ParamImageNumLayers, 0); numImageLayers > 0 {
		imageDim := context.GetParamOr(ctx, ParamImageFeaturesDim, 2048)
		mode := encoder.CombinePostpend
		if modeStr := context.GetParamOr(ctx, ParamImageCombine, ""); modeStr != "" {
			var err error
			mode, err = encoder.CombineString(modeStr)
			if err != nil {
				exceptions.Panicf("polyencoder: invalid hyperparameter %s=%q", ParamImageCombine, modeStr)
			}
		}
		m = m.WithImageFusion(imageDim, numImageLayers, mode)
	}
	return m.Validate()
}

// WithType sets the context reduction type.
func (m *Model) WithType(r ContextReduction) *Model {
	m.Type = r
	return m
}

// WithAttention sets the final-scorer attention kind and head count (heads are
// only used by attention.MultiHead).
func (m *Model) WithAttention(kind attention.Kind, numHeads int) *Model {
	m.Attention = kind
	m.AttentionNumHeads = numHeads
	return m
}

// WithCodesAttention sets the code-reduction attention kind and head count.
func (m *Model) WithCodesAttention(kind attention.Kind, numHeads int) *Model {
	m.CodesAttention = kind
	m.CodesAttentionNumHeads = numHeads
	return m
}

// WithSharedEncoderWeights makes the candidate path reuse the context
// encoder's parameters.
func (m *Model) WithSharedEncoderWeights(shared bool) *Model {
	m.SharedEncoderWeights = shared
	return m
}

// WithImageFusion enables encoding of per-example image features, fused into
// the context sequence with the given combination mode. Invalid modes and
// dimensions panic at this point.
func (m *Model) WithImageFusion(imageDim, numImageLayers int, mode encoder.Combine) *Model {
	m.Image = encoder.NewContextWithImage(m.ContextEncoder, imageDim, numImageLayers, mode)
	return m
}

// Validate panics on invalid configuration; attention kinds and head counts
// are checked here so misconfiguration never surfaces at graph-building time.
// It returns the model, for chaining after the With* setters.
func (m *Model) Validate() *Model {
	if m.Type != ReduceCodes && m.Type != ReduceNFirst {
		exceptions.Panicf("polyencoder: invalid context reduction %d", m.Type)
	}
	for _, kind := range []attention.Kind{m.Attention, m.CodesAttention} {
		if kind != attention.Basic && kind != attention.Sqrt && kind != attention.MultiHead {
			exceptions.Panicf("polyencoder: invalid attention kind %d", kind)
		}
	}
	if m.Attention == attention.MultiHead && m.EmbedDim%m.AttentionNumHeads != 0 {
		exceptions.Panicf("polyencoder: embedding dimension %d not divisible by %d attention heads",
			m.EmbedDim, m.AttentionNumHeads)
	}
	if m.CodesAttention == attention.MultiHead && m.EmbedDim%m.CodesAttentionNumHeads != 0 {
		exceptions.Panicf("polyencoder: embedding dimension %d not divisible by %d codes attention heads",
			m.EmbedDim, m.CodesAttentionNumHeads)
	}
	return m
}

// CodesVariable returns (creating it if needed) the code-bank variable of
// shape `[NumCodes, EmbedDim]`, initialized uniformly in [0, 1). It persists
// with the model and is updated only by the optimizer.
//
// Calling this (or EnsureCodes) before saving guarantees the code bank is part
// of any checkpoint; when restoring an older checkpoint that lacks it, the
// variable keeps its in-memory initialization -- the loader only overrides
// variables present in the checkpoint.
func (m *Model) CodesVariable(ctx *context.Context) *context.Variable {
	codesCtx := ctx.In("codes").Checked(false).WithInitializer(initializers.RandomUniformFn(ctx, 0.0, 1.0))
	return codesCtx.VariableWithShape("codes", shapes.Make(m.ContextEncoder.DType, m.NumCodes, m.EmbedDim))
}

// EnsureCodes materializes the code-bank variable without building a graph.
// Use it right after model construction, before attaching a checkpoint
// handler, so saved state always includes the codes even if no forward pass
// ran yet. It is a no-op for the n_first reduction, which has no learned
// parameters.
func (m *Model) EnsureCodes(ctx *context.Context) {
	if m.Type != ReduceCodes {
		return
	}
	_ = m.CodesVariable(ctx)
}

// Encode runs the encoding half of the poly-encoder. Any subset of the inputs
// may be nil, but at least one of contextTokens, imageFeatures and
// candidateTokens must be given, otherwise it panics (usage error).
//
//   - contextTokens: `[batch, seq_len]` token ids (rank-2, asserted).
//   - imageFeatures/imagePresent: `[batch, image_dim]` floats and `[batch]`
//     booleans; requires image fusion to be enabled. imagePresent may be nil
//     when all examples carry an image.
//   - candidateTokens: `[batch, num_cands, seq_len]` token ids (rank-3,
//     asserted).
//
// Returns the reduced context representation `[batch, NumCodes, EmbedDim]`
// with its mask `[batch, NumCodes]`, and the candidate representation
// `[batch, num_cands, EmbedDim]`. Outputs corresponding to absent inputs are
// nil.
func (m *Model) Encode(ctx *context.Context, contextTokens, imageFeatures, imagePresent, candidateTokens *Node) (contextRep, contextMask, candidateRep *Node) {
	if contextTokens == nil && imageFeatures == nil && candidateTokens == nil {
		exceptions.Panicf("polyencoder: Encode called with no inputs; at least one of context tokens, image features or candidate tokens is required")
	}
	if imageFeatures != nil && m.Image == nil {
		exceptions.Panicf("polyencoder: image features given but image fusion is not enabled; see Model.WithImageFusion")
	}

	if candidateTokens != nil {
		candidateRep = m.encodeCandidates(ctx, candidateTokens)
	}

	if contextTokens != nil || imageFeatures != nil {
		var encoded, mask *Node
		if m.Image != nil {
			encoded, mask = m.Image.EncodeContext(ctx.In("context_encoder"), contextTokens, imageFeatures, imagePresent)
		} else {
			contextTokens.AssertRank(2)
			encoded, mask = m.ContextEncoder.EncodeSequence(ctx.In("context_encoder"), contextTokens)
		}
		contextRep, contextMask = m.reduce(ctx, encoded, mask)
	}
	return
}

// encodeCandidates encodes each candidate independently. The rank-3 input is
// viewed as a rank-2 batch of (batch*num_cands) sequences for the encoder and
// viewed back afterwards; the flattening is row-major, so candidate i of
// example b maps to row b*num_cands+i and back, losslessly.
func (m *Model) encodeCandidates(ctx *context.Context, candidateTokens *Node) *Node {
	candidateTokens.AssertRank(3)
	dims := candidateTokens.Shape().Dimensions
	batchSize, numCands, seqLen := dims[0], dims[1], dims[2]

	flat := Reshape(candidateTokens, batchSize*numCands, seqLen)
	scope := "candidate_encoder"
	if m.SharedEncoderWeights {
		scope = "context_encoder"
	}
	encoded := m.CandidateEncoder.EncodeReduced(ctx.In(scope).Checked(false), flat)
	return Reshape(encoded, batchSize, numCands, m.EmbedDim)
}

// reduce maps the variable-length encoded context to exactly NumCodes vectors
// plus mask, according to the configured reduction.
func (m *Model) reduce(ctx *context.Context, encoded, mask *Node) (rep, repMask *Node) {
	switch m.Type {
	case ReduceCodes:
		return m.reduceWithCodes(ctx, encoded, mask)
	case ReduceNFirst:
		return m.reduceNFirst(encoded, mask)
	}
	exceptions.Panicf("polyencoder: invalid context reduction %d", m.Type)
	return
}

// reduceWithCodes attends the learned code bank over the full context. The
// attention already absorbs the padding information, so the output mask is
// fully valid.
func (m *Model) reduceWithCodes(ctx *context.Context, encoded, mask *Node) (rep, repMask *Node) {
	g := encoded.Graph()
	batchSize := encoded.Shape().Dimensions[0]

	codes := m.CodesVariable(ctx).ValueGraph(g)
	queries := InsertAxes(codes, 0)
	queries = BroadcastToDims(queries, batchSize, m.NumCodes, m.EmbedDim)

	att := attention.New(ctx.In("codes_attention"), m.CodesAttention, m.EmbedDim, m.CodesAttentionNumHeads)
	rep = att.Attend(queries, encoded, encoded, mask)
	repMask = Ones(g, shapes.Make(dtypes.Bool, batchSize, m.NumCodes))
	return
}

// reduceNFirst keeps the first NumCodes positions verbatim, zero-padding
// representation and mask on the right when the context is shorter. A context
// of length exactly NumCodes passes through unchanged.
func (m *Model) reduceNFirst(encoded, mask *Node) (rep, repMask *Node) {
	g := encoded.Graph()
	dims := encoded.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]

	if seqLen >= m.NumCodes {
		rep = Slice(encoded, AxisRange(), AxisRange(0, m.NumCodes), AxisRange())
		repMask = Slice(mask, AxisRange(), AxisRange(0, m.NumCodes))
		return
	}
	extra := m.NumCodes - seqLen
	padRep := Zeros(g, shapes.Make(encoded.DType(), batchSize, extra, m.EmbedDim))
	rep = Concatenate([]*Node{encoded, padRep}, 1)
	padMask := Zeros(g, shapes.Make(dtypes.Bool, batchSize, extra))
	repMask = Concatenate([]*Node{mask, padMask}, 1)
	return
}

// Score computes the compatibility score of each candidate against the reduced
// context: the context vectors are attended with the candidate vector as query
// and the result is dot-multiplied with the candidate vector.
//
//   - contextRep: `[batch, NumCodes, EmbedDim]` (from Encode).
//   - contextMask: `[batch, NumCodes]` booleans.
//   - candidateRep: `[batch, num_cands, EmbedDim]`.
//
// Returns raw scores `[batch, num_cands]`; no normalization is applied -- that
// is left to the loss.
func (m *Model) Score(ctx *context.Context, contextRep, contextMask, candidateRep *Node) *Node {
	contextRep.AssertRank(3)
	candidateRep.AssertRank(3)

	att := attention.New(ctx.In("final_attention"), m.Attention, m.EmbedDim, m.AttentionNumHeads)
	attended := att.Attend(candidateRep, contextRep, contextRep, contextMask)
	return ReduceSum(Mul(attended, candidateRep), -1)
}

// BroadcastCandidates expands a cached candidate representation
// `[1, num_cands, EmbedDim]` -- typically a fixed candidate pool encoded once
// -- to the given batch size. For batchSize 1 the cached representation is
// returned unmodified; otherwise every batch row is the same representation.
func BroadcastCandidates(candidateRep *Node, batchSize int) *Node {
	candidateRep.AssertRank(3)
	if candidateRep.Shape().Dimensions[0] != 1 {
		exceptions.Panicf("polyencoder: BroadcastCandidates expects a leading axis of size 1, got shape %s",
			candidateRep.Shape())
	}
	if batchSize == 1 {
		return candidateRep
	}
	dims := candidateRep.Shape().Dimensions
	return BroadcastToDims(candidateRep, batchSize, dims[1], dims[2])
}
