// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// Combine selects how the encoded image pseudo-token is fused with the token
// context sequence.
type Combine int

const (
	// CombineAdd broadcast-adds the image vector to every position of the
	// context sequence; the token mask is unchanged. Experimental: it changes
	// the meaning of every position instead of appending information.
	CombineAdd Combine = iota

	// CombinePostpend appends the image pseudo-token after the context
	// sequence, concatenating the masks accordingly.
	CombinePostpend

	// CombinePrepend inserts the image pseudo-token before the context
	// sequence.
	CombinePrepend
)

// String implements fmt.Stringer.
func (c Combine) String() string {
	switch c {
	case CombineAdd:
		return "add"
	case CombinePostpend:
		return "postpend"
	case CombinePrepend:
		return "prepend"
	}
	return "invalid"
}

// CombineString converts a string to a Combine mode, erroring out on unknown
// values.
func CombineString(s string) (Combine, error) {
	switch s {
	case "add":
		return CombineAdd, nil
	case "postpend":
		return CombinePostpend, nil
	case "prepend":
		return CombinePrepend, nil
	}
	return Combine(-1), fmt.Errorf("unknown image combination mode %q, valid values are \"add\", \"postpend\" and \"prepend\"", s)
}

// ContextWithImage encodes tokens and optional per-example image features and
// fuses them into a single context sequence plus validity mask.
//
// Image features are passed densely: a `[batch, ImageDim]` float tensor plus a
// `[batch]` boolean presence mask. Rows without an image must be marked absent
// in the mask; their encoding is forced to an exact zero vector, so the
// CombineAdd fusion is the identity for them.
type ContextWithImage struct {
	// Encoder for the token context. Its Reduction should be ReduceNone.
	Encoder *Model

	// ImageDim is the dimension of the raw image feature vectors.
	ImageDim int

	// NumImageLayers is the number of linear layers encoding image features
	// into the embedding space. Must be >= 1.
	NumImageLayers int

	// Combine mode fusing the image pseudo-token with the token sequence.
	Combine Combine

	// Dropout between image encoder layers. 0 disables.
	Dropout float64
}

// NewContextWithImage creates the image-fusing context encoder. It panics on
// an invalid combination mode or layer count, at construction time.
func NewContextWithImage(enc *Model, imageDim, numImageLayers int, mode Combine) *ContextWithImage {
	if mode < CombineAdd || mode > CombinePrepend {
		exceptions.Panicf("encoder: invalid image combination mode %d", mode)
	}
	if numImageLayers < 1 {
		exceptions.Panicf("encoder: image encoder requires at least 1 layer, got %d", numImageLayers)
	}
	if imageDim <= 0 {
		exceptions.Panicf("encoder: invalid image features dimension %d", imageDim)
	}
	return &ContextWithImage{
		Encoder:        enc,
		ImageDim:       imageDim,
		NumImageLayers: numImageLayers,
		Combine:        mode,
		Dropout:        enc.Dropout,
	}
}

// EncodeImages maps raw image features `[batch, ImageDim]` to one pseudo-token
// per example, `[batch, 1, EmbedDim]`, with mask `[batch, 1]` copied from the
// presence flags. Absent examples come out as exact zero vectors.
//
// present may be nil, in which case every example is taken to have an image.
func (c *ContextWithImage) EncodeImages(ctx *context.Context, features, present *graph.Node) (imageEncoded, imageMask *graph.Node) {
	features.AssertRank(2)
	features.AssertDims(features.Shape().Dimensions[0], c.ImageDim)
	g := features.Graph()
	batchSize := features.Shape().Dimensions[0]
	if present == nil {
		present = graph.Ones(g, shapes.Make(dtypes.Bool, batchSize))
	}
	present.AssertDims(batchSize)

	embedDim := c.Encoder.EmbedDim
	encoded := fnn.New(ctx.In("image_encoder"), features, embedDim).
		NumHiddenLayers(c.NumImageLayers-1, embedDim).
		Activation(activations.TypeRelu).
		Dropout(c.Dropout).
		Done()

	// Force absent entries to the fixed zero vector.
	presentBroadcast := graph.BroadcastToDims(graph.InsertAxes(present, -1), encoded.Shape().Dimensions...)
	encoded = graph.Where(presentBroadcast, encoded, graph.ZerosLike(encoded))

	imageEncoded = graph.InsertAxes(encoded, 1) // [batch, 1, embedDim]
	imageMask = graph.InsertAxes(present, -1)   // [batch, 1]
	return
}

// EncodeContext encodes the token context (tokens may be nil) and image
// features (features may be nil) and fuses them according to the Combine mode.
// present flags which examples carry an image; it may be nil when features
// is non-nil, meaning all examples do.
//
// At least one of tokens and features must be given; providing neither is a
// usage error and panics.
func (c *ContextWithImage) EncodeContext(ctx *context.Context, tokens, features, present *graph.Node) (encoded, mask *graph.Node) {
	if tokens == nil && features == nil {
		exceptions.Panicf("encoder: ContextWithImage given neither tokens nor image features; at least one input is required")
	}

	var tokensEncoded, tokensMask *graph.Node
	if tokens != nil {
		tokensEncoded, tokensMask = c.Encoder.EncodeSequence(ctx.In("context"), tokens)
	}

	var imageEncoded, imageMask *graph.Node
	if features != nil {
		imageEncoded, imageMask = c.EncodeImages(ctx.In("image"), features, present)
	}

	if imageEncoded == nil {
		return tokensEncoded, tokensMask
	}
	if tokensEncoded == nil {
		return imageEncoded, imageMask
	}

	switch c.Combine {
	case CombineAdd:
		// The image vector is broadcast along the sequence axis; mask unchanged.
		broadcast := graph.BroadcastToShape(imageEncoded, tokensEncoded.Shape())
		return graph.Add(tokensEncoded, broadcast), tokensMask
	case CombinePostpend:
		encoded = graph.Concatenate([]*graph.Node{tokensEncoded, imageEncoded}, 1)
		mask = graph.Concatenate([]*graph.Node{tokensMask, imageMask}, 1)
		return
	case CombinePrepend:
		encoded = graph.Concatenate([]*graph.Node{imageEncoded, tokensEncoded}, 1)
		mask = graph.Concatenate([]*graph.Node{imageMask, tokensMask}, 1)
		return
	}
	exceptions.Panicf("encoder: invalid image combination mode %d", c.Combine)
	return
}
