// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder implements the transformer encoder used for both sides of
// the poly-encoder: the conversational context (returned as a full sequence
// plus validity mask) and the response candidates (reduced to a single vector
// each inside the encoder).
package encoder

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// Hyperparameter keys to configure the encoder from a context.Context.
const (
	ParamVocabSize   = "encoder_vocab_size"
	ParamEmbedDim    = "encoder_embed_dim"
	ParamNumLayers   = "encoder_num_layers"
	ParamNumHeads    = "encoder_num_heads"
	ParamFFNDim      = "encoder_ffn_dim"
	ParamMaxSeqLen   = "encoder_max_seq_len"
	ParamDropout     = "encoder_dropout"
	ParamReduction   = "encoder_reduction"
	ParamEmbedScale  = "encoder_embeddings_scale"
	ParamOutputScale = "encoder_output_scaling"
)

// Reduction selects how the encoded sequence is collapsed to a single vector
// per example. The context side of the poly-encoder uses ReduceNone; the
// candidate side uses ReduceFirst or ReduceMean.
type Reduction int

const (
	// ReduceNone keeps the full sequence: `[batch, seq_len, embed_dim]` plus mask.
	ReduceNone Reduction = iota

	// ReduceFirst takes the encoding of the first position.
	ReduceFirst

	// ReduceMean takes the mean over valid (non padding) positions.
	ReduceMean
)

// String implements fmt.Stringer.
func (r Reduction) String() string {
	switch r {
	case ReduceNone:
		return "none"
	case ReduceFirst:
		return "first"
	case ReduceMean:
		return "mean"
	}
	return "invalid"
}

// ReductionString converts a string to a Reduction, erroring out on unknown
// values.
func ReductionString(s string) (Reduction, error) {
	switch s {
	case "none":
		return ReduceNone, nil
	case "first":
		return ReduceFirst, nil
	case "mean":
		return ReduceMean, nil
	}
	return Reduction(-1), fmt.Errorf("unknown encoder reduction %q, valid values are \"none\", \"first\" and \"mean\"", s)
}

// Model configures a transformer encoder. Create it with New, adjust it with
// the With* methods (or FromContext) and then call EncodeSequence or
// EncodeReduced while building a graph.
type Model struct {
	VocabSize int          // Vocabulary size.
	EmbedDim  int          // Embedding dimension.
	NumLayers int          // Stacked self-attention layers.
	NumHeads  int          // Attention heads per layer.
	FFNDim    int          // Feed-forward hidden dimension.
	MaxSeqLen int          // Maximum sequence length, for positional embeddings.
	PadID     int          // Token id used for padding; masked out of attention.
	DType     dtypes.DType // Data type of the embeddings.
	Dropout   float64      // Dropout rate; 0 disables.

	// EmbeddingsScale multiplies token embeddings by sqrt(EmbedDim), as in
	// "Attention Is All You Need".
	EmbeddingsScale bool

	// OutputScaling multiplies the encoder output. 1.0 is a no-op.
	OutputScaling float64

	// Reduction used by EncodeReduced.
	Reduction Reduction
}

// New creates an encoder configuration with defaults: FFN dimension of
// 4*embedDim, max sequence length 512, float32, no dropout, pad id 0 and mean
// reduction.
func New(vocabSize, embedDim, numLayers, numHeads int) *Model {
	return &Model{
		VocabSize:       vocabSize,
		EmbedDim:        embedDim,
		NumLayers:       numLayers,
		NumHeads:        numHeads,
		FFNDim:          embedDim * 4,
		MaxSeqLen:       512,
		PadID:           0,
		DType:           dtypes.Float32,
		Dropout:         0.0,
		EmbeddingsScale: false,
		OutputScaling:   1.0,
		Reduction:       ReduceMean,
	}
}

// NewFromContext creates an encoder configured from context hyperparameters
// (see the Param* constants). ParamVocabSize, ParamEmbedDim, ParamNumLayers
// and ParamNumHeads are required.
func NewFromContext(ctx *context.Context) *Model {
	vocabSize := mustParam[int](ctx, ParamVocabSize)
	embedDim := mustParam[int](ctx, ParamEmbedDim)
	numLayers := mustParam[int](ctx, ParamNumLayers)
	numHeads := mustParam[int](ctx, ParamNumHeads)
	return New(vocabSize, embedDim, numLayers, numHeads).FromContext(ctx)
}

func mustParam[T any](ctx *context.Context, key string) T {
	value, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("encoder: required hyperparameter %q not set in context", key)
	}
	return value.(T)
}

// FromContext overrides the optional fields with hyperparameters set in ctx.
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.FFNDim = context.GetParamOr(ctx, ParamFFNDim, m.FFNDim)
	m.MaxSeqLen = context.GetParamOr(ctx, ParamMaxSeqLen, m.MaxSeqLen)
	m.Dropout = context.GetParamOr(ctx, ParamDropout, m.Dropout)
	m.EmbeddingsScale = context.GetParamOr(ctx, ParamEmbedScale, m.EmbeddingsScale)
	m.OutputScaling = context.GetParamOr(ctx, ParamOutputScale, m.OutputScaling)
	reductionStr := context.GetParamOr(ctx, ParamReduction, "")
	if reductionStr != "" {
		reduction, err := ReductionString(reductionStr)
		if err != nil {
			exceptions.Panicf("encoder: invalid hyperparameter %s=%q", ParamReduction, reductionStr)
		}
		m.Reduction = reduction
	}
	return m
}

// WithPadID sets the padding token id.
func (m *Model) WithPadID(padID int) *Model {
	m.PadID = padID
	return m
}

// WithMaxSeqLen sets the maximum sequence length.
func (m *Model) WithMaxSeqLen(maxLen int) *Model {
	m.MaxSeqLen = maxLen
	return m
}

// WithDropout sets the dropout rate.
func (m *Model) WithDropout(rate float64) *Model {
	m.Dropout = rate
	return m
}

// WithDType sets the data type of the embeddings.
func (m *Model) WithDType(dtype dtypes.DType) *Model {
	m.DType = dtype
	return m
}

// WithReduction sets the reduction used by EncodeReduced.
func (m *Model) WithReduction(r Reduction) *Model {
	m.Reduction = r
	return m
}

// WithEmbeddingsScale toggles scaling of token embeddings by sqrt(EmbedDim).
func (m *Model) WithEmbeddingsScale(scale bool) *Model {
	m.EmbeddingsScale = scale
	return m
}

// PaddingMask returns the validity mask for tokens: true where the token is
// not the padding id. Shape: same as tokens.
func (m *Model) PaddingMask(tokens *graph.Node) *graph.Node {
	g := tokens.Graph()
	return graph.NotEqual(tokens, graph.Scalar(g, tokens.DType(), float64(m.PadID)))
}

// EncodeSequence encodes tokens (`[batch, seq_len]` ints) and returns the full
// encoded sequence `[batch, seq_len, EmbedDim]` along with the validity mask
// `[batch, seq_len]`.
func (m *Model) EncodeSequence(ctx *context.Context, tokens *graph.Node) (encoded, mask *graph.Node) {
	tokens.AssertRank(2)
	g := tokens.Graph()
	seqLen := tokens.Shape().Dimensions[1]
	if seqLen > m.MaxSeqLen {
		exceptions.Panicf("encoder: sequence length %d exceeds the configured maximum %d", seqLen, m.MaxSeqLen)
	}
	mask = m.PaddingMask(tokens)

	embedded := layers.Embedding(ctx.In("token_embed"), tokens, m.DType, m.VocabSize, m.EmbedDim)
	if m.EmbeddingsScale {
		embedded = graph.MulScalar(embedded, math.Sqrt(float64(m.EmbedDim)))
	}

	// Learned positional embeddings, sliced to the current sequence length.
	posEmbedFull := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(m.DType, m.MaxSeqLen, m.EmbedDim)).ValueGraph(g)
	posEmbed := graph.Slice(posEmbedFull, graph.AxisRange(0, seqLen))
	posEmbed = graph.ExpandDims(posEmbed, 0)
	posEmbed = graph.BroadcastToShape(posEmbed, embedded.Shape())
	x := graph.Add(embedded, posEmbed)

	var dropoutNode *graph.Node
	if m.Dropout > 0 {
		dropoutNode = graph.Scalar(g, m.DType, m.Dropout)
		x = layers.Dropout(ctx.In("embed_dropout"), x, dropoutNode)
	}

	headDim := m.EmbedDim / m.NumHeads
	for layer := range m.NumLayers {
		layerCtx := ctx.Inf("layer_%d", layer)

		residual := x
		attnBuilder := attention.MultiHeadAttention(layerCtx.In("attn"), x, x, x, m.NumHeads, headDim).
			WithKeyMask(mask).
			WithQueryMask(mask).
			WithOutputDim(m.EmbedDim)
		if m.Dropout > 0 {
			attnBuilder = attnBuilder.WithDropout(dropoutNode)
		}
		attn := attnBuilder.Done()
		x = layers.LayerNormalization(layerCtx.In("norm1"), graph.Add(residual, attn), -1).Done()

		residual = x
		ff := fnn.New(layerCtx.In("ffn"), x, m.EmbedDim).
			NumHiddenLayers(1, m.FFNDim).
			Done()
		if dropoutNode != nil {
			ff = layers.Dropout(layerCtx.In("ff_dropout"), ff, dropoutNode)
		}
		x = layers.LayerNormalization(layerCtx.In("norm2"), graph.Add(residual, ff), -1).Done()
	}

	if m.OutputScaling != 0 && m.OutputScaling != 1.0 {
		x = graph.MulScalar(x, m.OutputScaling)
	}

	// Padding positions carry no information downstream; zero them out so the
	// result depends on the mask alone.
	maskBroadcast := graph.BroadcastToDims(graph.InsertAxes(mask, -1), x.Shape().Dimensions...)
	encoded = graph.Where(maskBroadcast, x, graph.ZerosLike(x))
	return encoded, mask
}

// EncodeReduced encodes tokens and reduces the result to one vector per
// example (`[batch, EmbedDim]`), according to the configured Reduction.
func (m *Model) EncodeReduced(ctx *context.Context, tokens *graph.Node) *graph.Node {
	encoded, mask := m.EncodeSequence(ctx, tokens)
	switch m.Reduction {
	case ReduceFirst:
		first := graph.Slice(encoded, graph.AxisRange(), graph.AxisElem(0), graph.AxisRange())
		return graph.Squeeze(first, 1)
	case ReduceMean:
		maskBroadcast := graph.BroadcastToDims(graph.InsertAxes(mask, -1), encoded.Shape().Dimensions...)
		return graph.MaskedReduceMean(encoded, maskBroadcast, 1)
	case ReduceNone:
		exceptions.Panicf("encoder: EncodeReduced called with Reduction=none; use EncodeSequence instead")
	}
	exceptions.Panicf("encoder: invalid reduction %d", m.Reduction)
	return nil
}
