// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ranker wires a poly-encoder into a candidate-ranking training loop,
// with in-batch candidates as the classification targets, plus an inference
// helper that pre-encodes a fixed candidate pool and scores contexts against
// it.
package ranker

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	"github.com/gomlx/polyencoder"
	"github.com/gomlx/polyencoder/encoder"
)

// ParamsExcludedFromLoading are the hyperparameters that shouldn't be saved
// along the model checkpoints, and may be overwritten in further training
// sessions.
var ParamsExcludedFromLoading = []string{
	"train_steps", "num_checkpoints", "eval_batches",
}

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel: a small poly-encoder that trains in seconds on the
// synthetic retrieval task.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     2000,
		"num_checkpoints": 3,
		"batch_size":      32,
		"eval_batches":    20,

		// Dataset shape.
		"num_candidates": 8,
		"context_len":    16,
		"candidate_len":  8,

		// Transformer encoders.
		encoder.ParamVocabSize:  0, // 0 takes the dataset's vocabulary size.
		encoder.ParamEmbedDim:   64,
		encoder.ParamNumLayers:  2,
		encoder.ParamNumHeads:   4,
		encoder.ParamFFNDim:     256,
		encoder.ParamMaxSeqLen:  64,
		encoder.ParamReduction:  "mean",
		encoder.ParamDropout:    0.1,

		// Poly-encoder.
		polyencoder.ParamType:               "codes",
		polyencoder.ParamNumCodes:           16,
		polyencoder.ParamAttentionType:      "basic",
		polyencoder.ParamCodesAttentionType: "basic",

		layers.ParamNormalization:    "layer",
		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// ModelGraph builds the poly-encoder ranking graph: inputs are context tokens
// `[batch, context_len]` and candidate tokens `[batch, num_cands, cand_len]`,
// the output is one logit per candidate, `[batch, num_cands]`. Meant to be
// used as a train.ModelFn with losses.SparseCategoricalCrossEntropyLogits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	scores := ScoreGraph(BatchCandidates)(ctx, inputs[0], inputs[1])
	return []*Node{scores}
}

// TrainModel trains a poly-encoder on the synthetic retrieval task with the
// hyperparameters given in ctx. checkpointPath may be empty to skip
// checkpointing; paramsSet lists hyperparameters set on the command line,
// which then take precedence over checkpoint-loaded values.
func TrainModel(ctx *context.Context, checkpointPath string, paramsSet []string, evaluateOnEnd bool, verbosity int) {
	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	numCands := context.GetParamOr(ctx, "num_candidates", 8)
	contextLen := context.GetParamOr(ctx, "context_len", 16)
	candidateLen := context.GetParamOr(ctx, "candidate_len", 8)
	evalBatches := context.GetParamOr(ctx, "eval_batches", 20)

	trainDS := NewDataset("train", batchSize, numCands, contextLen, candidateLen, 0, 42)
	trainEvalDS := NewDataset("train-eval", batchSize, numCands, contextLen, candidateLen, evalBatches, 42)
	testEvalDS := NewDataset("test-eval", batchSize, numCands, contextLen, candidateLen, evalBatches, 1)

	// The encoder vocabulary defaults to whatever the dataset generates.
	if context.GetParamOr(ctx, encoder.ParamVocabSize, 0) <= 0 {
		ctx.SetParam(encoder.ParamVocabSize, trainDS.VocabSize())
	}

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
		if !fsutil.MustFileExists(checkpointPath) {
			must.M(os.MkdirAll(checkpointPath, 0777))
		}
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(checkpointPath).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done())
		if verbosity >= 1 {
			fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
		}
	}

	// Materialize the code bank before the first save, so a checkpoint taken
	// before any training step still restores to a working model.
	modelCtx := ctx.In("model")
	polyencoder.NewFromContext(modelCtx).EnsureCodes(modelCtx)

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(backend, modelCtx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute*3, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(modelCtx))
	if globalStep > 0 {
		trainer.SetContext(modelCtx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(datasets.Parallel(trainDS), numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
			fmt.Printf("\tModel parameters: %s\n", humanize.Comma(int64(modelCtx.NumParameters())))
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else if verbosity >= 0 {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
	}
}
