// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranker

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/polyencoder"
)

// CandidateSource tells a scoring graph where the candidate representations
// come from. It is explicit at the graph boundary: the two sources take
// differently shaped candidate inputs, and guessing from tensor ranks is
// fragile.
type CandidateSource int

const (
	// BatchCandidates scores each example against its own candidate set,
	// given as token ids `[batch, num_cands, seq_len]`.
	BatchCandidates CandidateSource = iota

	// SharedCandidates scores every example against a single pre-encoded
	// candidate pool, given as `[1, pool_size, embed_dim]` vectors.
	SharedCandidates
)

// String implements fmt.Stringer.
func (s CandidateSource) String() string {
	switch s {
	case BatchCandidates:
		return "batch"
	case SharedCandidates:
		return "shared"
	}
	return "invalid"
}

// ScoreGraph returns the graph function scoring contexts against candidates
// from the given source. The first input is always context token ids
// `[batch, seq_len]`; the second is candidate token ids for BatchCandidates or
// a pre-encoded pool for SharedCandidates. Output is `[batch, num_cands]`
// logits. Panics on an invalid source at call time, before any graph is
// built.
func ScoreGraph(source CandidateSource) func(ctx *context.Context, contextTokens, candidates *Node) *Node {
	switch source {
	case BatchCandidates:
		return func(ctx *context.Context, contextTokens, candidateTokens *Node) *Node {
			model := polyencoder.NewFromContext(ctx)
			contextRep, contextMask, candidateRep := model.Encode(ctx, contextTokens, nil, nil, candidateTokens)
			return model.Score(ctx, contextRep, contextMask, candidateRep)
		}
	case SharedCandidates:
		return func(ctx *context.Context, contextTokens, poolRep *Node) *Node {
			model := polyencoder.NewFromContext(ctx)
			batchSize := contextTokens.Shape().Dimensions[0]
			contextRep, contextMask, _ := model.Encode(ctx, contextTokens, nil, nil, nil)
			candidateRep := polyencoder.BroadcastCandidates(poolRep, batchSize)
			return model.Score(ctx, contextRep, contextMask, candidateRep)
		}
	}
	exceptions.Panicf("ranker: invalid candidate source %d", source)
	return nil
}

// PoolRanker scores contexts against a fixed pool of candidates. The pool is
// encoded once with SetPool; Rank then only runs the context half of the
// poly-encoder, which is what makes the architecture fast at inference time.
//
// The context must hold trained variables (e.g. restored from a checkpoint
// written by TrainModel) under the "model" scope.
type PoolRanker struct {
	backend backends.Backend
	ctx     *context.Context
	model   *polyencoder.Model

	encodePoolExec *context.Exec
	rankExec       *context.Exec

	poolRep *tensors.Tensor // [1, poolSize, embedDim]
}

// NewPoolRanker creates a ranker from a context with trained variables. The
// model configuration is read from the context hyperparameters, so it must
// match the configuration used in training.
func NewPoolRanker(backend backends.Backend, ctx *context.Context) *PoolRanker {
	modelCtx := ctx.In("model").Reuse()
	r := &PoolRanker{
		backend: backend,
		ctx:     modelCtx,
		model:   polyencoder.NewFromContext(modelCtx),
	}
	r.encodePoolExec = context.MustNewExec(backend, modelCtx,
		func(ctx *context.Context, poolTokens *Node) *Node {
			// One batch row holding the whole pool.
			pool3 := InsertAxes(poolTokens, 0)
			_, _, candidateRep := r.model.Encode(ctx, nil, nil, nil, pool3)
			return candidateRep
		})
	r.rankExec = context.MustNewExec(backend, modelCtx, ScoreGraph(SharedCandidates))
	return r
}

// SetPool encodes the candidate pool, given as token ids shaped
// `[pool_size, seq_len]`, and caches the result for Rank.
func (r *PoolRanker) SetPool(poolTokens *tensors.Tensor) {
	if poolTokens.Rank() != 2 {
		exceptions.Panicf("ranker: candidate pool must be shaped [pool_size, seq_len], got %s", poolTokens.Shape())
	}
	if r.poolRep != nil {
		r.poolRep.FinalizeAll()
	}
	r.poolRep = r.encodePoolExec.MustExec1(poolTokens)
}

// PoolSize returns the number of candidates in the current pool, 0 when no
// pool was set.
func (r *PoolRanker) PoolSize() int {
	if r.poolRep == nil {
		return 0
	}
	return r.poolRep.Shape().Dimensions[1]
}

// Rank scores each context in the batch, shaped `[batch, seq_len]`, against
// every pool candidate. Returns scores shaped `[batch, pool_size]`; higher
// means a better match.
func (r *PoolRanker) Rank(contextTokens *tensors.Tensor) *tensors.Tensor {
	if r.poolRep == nil {
		exceptions.Panicf("ranker: Rank called before SetPool")
	}
	return r.rankExec.MustExec1(contextTokens, r.poolRep)
}

// Finalize releases the cached pool encoding and the compiled graphs.
func (r *PoolRanker) Finalize() {
	if r.poolRep != nil {
		r.poolRep.FinalizeAll()
		r.poolRep = nil
	}
	r.encodePoolExec.Finalize()
	r.rankExec.Finalize()
}
