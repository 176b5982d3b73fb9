// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the attention primitive used by the
// poly-encoder to aggregate a set of value vectors: a "basic" dot-product
// form (optionally scaled by 1/sqrt(dim)) and a multi-head form with learned
// projections.
//
// All forms expose a single capability, Interface.Attend, selected once at
// construction with New. They operate on rank-3 tensors:
//
//   - queries: `[batch_size, num_queries, embed_dim]`
//   - keys:    `[batch_size, num_keys, embed_dim]`
//   - values:  `[batch_size, num_keys, embed_dim]`
//   - keyMask: `[batch_size, num_keys]` (booleans, true for valid keys) or nil.
//
// The output is always `[batch_size, num_queries, embed_dim]`: each output row
// is a convex combination of value rows, with masked keys receiving exactly
// zero weight.
package attention

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// Kind of attention used to aggregate values.
type Kind int

const (
	// Basic is an unscaled dot-product attention, with no learned parameters.
	Basic Kind = iota

	// Sqrt is the dot-product attention with logits scaled by 1/sqrt(embed_dim).
	Sqrt

	// MultiHead splits the embedding dimension into equally sized heads, runs
	// scaled dot-product attention per head and combines the results with a
	// learned output projection.
	MultiHead
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Basic:
		return "basic"
	case Sqrt:
		return "sqrt"
	case MultiHead:
		return "multihead"
	}
	return "invalid"
}

// KindString converts a string to a Kind. It returns an error for unknown
// values -- use it when parsing configuration.
func KindString(s string) (Kind, error) {
	switch s {
	case "basic":
		return Basic, nil
	case "sqrt":
		return Sqrt, nil
	case "multihead":
		return MultiHead, nil
	}
	return Kind(-1), errors.Errorf("unknown attention kind %q, valid values are \"basic\", \"sqrt\" and \"multihead\"", s)
}

// Interface is the single capability of the attention primitive: aggregate
// values into one vector per query. Implementations are selected at
// construction time with New.
type Interface interface {
	// Attend returns `[batch_size, num_queries, embed_dim]`, a convex
	// combination of value rows per query. keyMask (may be nil) flags the keys
	// valid for attending; masked keys get zero weight.
	Attend(queries, keys, values, keyMask *graph.Node) *graph.Node
}

// New returns the attention primitive for the given kind.
//
// ctx scopes the learned parameters (only the MultiHead kind has any);
// embedDim is the size of the last axis of queries/keys/values and numHeads is
// only used by the MultiHead kind, which requires embedDim to be divisible by
// it.
//
// It panics on an invalid kind or head configuration: configuration errors
// surface at construction, never at graph building time.
func New(ctx *context.Context, kind Kind, embedDim, numHeads int) Interface {
	switch kind {
	case Basic:
		return &basicAttention{scaled: false}
	case Sqrt:
		return &basicAttention{scaled: true}
	case MultiHead:
		if numHeads <= 0 {
			exceptions.Panicf("attention: multihead requires numHeads > 0, got %d", numHeads)
		}
		if embedDim%numHeads != 0 {
			exceptions.Panicf("attention: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads)
		}
		return &multiHeadAttention{ctx: ctx, embedDim: embedDim, numHeads: numHeads}
	}
	exceptions.Panicf("attention: invalid kind %d (%s)", kind, kind)
	return nil
}

// basicAttention implements the parameter-free dot-product attention.
// If scaled, the logits are divided by sqrt(embed_dim) before the softmax.
type basicAttention struct {
	scaled bool
}

func (a *basicAttention) Attend(queries, keys, values, keyMask *graph.Node) *graph.Node {
	queries.AssertRank(3)
	keys.AssertRank(3)
	values.AssertRank(3)

	// logits: `[batch, num_queries, num_keys]`
	logits := graph.Einsum("bqd,bkd->bqk", queries, keys)
	if a.scaled {
		embedDim := queries.Shape().Dimensions[2]
		logits = graph.DivScalar(logits, math.Sqrt(float64(embedDim)))
	}

	var coefficients *graph.Node
	if keyMask == nil {
		coefficients = graph.Softmax(logits, -1)
	} else {
		// Broadcast keyMask `[batch, num_keys]` to the logits shape.
		mask := graph.InsertAxes(keyMask, 1)
		mask = graph.BroadcastToDims(mask, logits.Shape().Dimensions...)
		coefficients = graph.MaskedSoftmax(logits, mask, -1)
	}

	output := graph.Einsum("bqk,bkd->bqd", coefficients, values)

	// Rank 3 even in the single-query, single-key case.
	output.AssertRank(3)
	return output
}

// multiHeadAttention delegates to the library's multi-head attention builder,
// with the output projected back to embedDim.
type multiHeadAttention struct {
	ctx      *context.Context
	embedDim int
	numHeads int
}

func (a *multiHeadAttention) Attend(queries, keys, values, keyMask *graph.Node) *graph.Node {
	queries.AssertRank(3)
	keys.AssertRank(3)
	values.AssertRank(3)

	headDim := a.embedDim / a.numHeads
	builder := attention.MultiHeadAttention(
		a.ctx.In("multihead").Checked(false),
		queries, keys, values, a.numHeads, headDim).
		WithOutputDim(a.embedDim)
	if keyMask != nil {
		builder = builder.WithKeyMask(keyMask)
	}
	output := builder.Done()
	output.AssertRank(3)
	return output
}
