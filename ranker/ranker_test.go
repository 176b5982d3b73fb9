// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranker

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/polyencoder"
	"github.com/gomlx/polyencoder/encoder"

	_ "github.com/gomlx/gomlx/backends/default"
)

// rankerTestContext returns a context with a small configuration that the
// synthetic task can be learned with in a few hundred steps.
func rankerTestContext(vocabSize int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		encoder.ParamVocabSize:    vocabSize,
		encoder.ParamEmbedDim:     16,
		encoder.ParamNumLayers:    1,
		encoder.ParamNumHeads:     2,
		encoder.ParamFFNDim:       32,
		encoder.ParamMaxSeqLen:    16,
		encoder.ParamDropout:      0.0,
		polyencoder.ParamNumCodes: 4,
	})
	return ctx
}

// TestTrainRanker trains the poly-encoder on the synthetic retrieval task: to
// solve it, the model only needs to match context and candidate topics through
// the token embeddings, so a few hundred steps should drive the loss well
// under the chance level of ln(4) ~= 1.39.
func TestTrainRanker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	trainDS := NewDataset("train", 16, 4, 8, 4, 0, 42)
	backend := graphtest.BuildTestBackend()
	ctx := rankerTestContext(trainDS.VocabSize())
	modelCtx := ctx.In("model")

	trainer := train.NewTrainer(backend, modelCtx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().LearningRate(0.002).Done(),
		nil, // trainMetrics
		nil) // evalMetrics
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	metrics, err := loop.RunSteps(trainDS, 600)
	require.NoErrorf(t, err, "Failed training: %+v", err)
	loss := metrics[1].Value().(float32)
	fmt.Printf("Final moving average loss: %g\n", loss)
	assert.Truef(t, loss < 1.0, "Expected a loss < 1.0 after training, got %g instead", loss)

	// Rank contexts against a fixed candidate pool with the trained weights.
	ranker := NewPoolRanker(backend, ctx)
	pool := tensors.FromValue([][]int32{
		{1, 2, 3, 4},
		{9, 10, 11, 12},
		{17, 18, 19, 20},
		{25, 26, 27, 28},
		{33, 34, 35, 36},
	})
	ranker.SetPool(pool)
	assert.Equal(t, 5, ranker.PoolSize())

	contexts := tensors.FromValue([][]int32{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{17, 18, 19, 20, 21, 22, 23, 24},
	})
	scores := ranker.Rank(contexts)
	require.Equal(t, []int{2, 5}, scores.Shape().Dimensions)

	// Each context should rank its own topic's candidate first.
	scoreValues := scores.Value().([][]float32)
	wantBest := []int{0, 2}
	for b, row := range scoreValues {
		best := 0
		for c := range row {
			if row[c] > row[best] {
				best = c
			}
		}
		assert.Equalf(t, wantBest[b], best, "context %d ranked candidate %d first, scores %v", b, best, row)
	}
	ranker.Finalize()
}

func TestPoolRankerRequiresPool(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS := NewDataset("warmup", 2, 2, 4, 4, 1, 1)
	ctx := rankerTestContext(trainDS.VocabSize())

	// Materialize variables with one training step worth of graph building.
	trainer := train.NewTrainer(backend, ctx.In("model"), ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().Done(),
		nil, nil)
	loop := train.NewLoop(trainer)
	_, err := loop.RunSteps(trainDS, 1)
	require.NoError(t, err)

	ranker := NewPoolRanker(backend, ctx)
	require.Panics(t, func() { ranker.Rank(tensors.FromValue([][]int32{{1, 2, 3, 4}})) })
}
