// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranker

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Dataset yields synthetic retrieval batches for training and evaluating a
// poly-encoder. Each example has a topic; the context and the correct
// candidate are token sequences drawn from the topic's slice of the
// vocabulary, while distractor candidates are drawn from other topics. The
// association is learnable from the token embeddings alone, which makes it a
// good smoke-test task.
//
// Yield returns inputs (context tokens `[batch, contextLen]` int32 and
// candidate tokens `[batch, numCands, candidateLen]` int32) and labels (the
// index of the correct candidate, `[batch, 1]` int32). Token id 0 is reserved
// for padding and never generated.
//
// It implements train.Dataset and is safe for use with datasets.Parallel.
type Dataset struct {
	name string

	batchSize, numCands       int
	contextLen, candidateLen  int
	numTopics, tokensPerTopic int

	mu         sync.Mutex
	rng        *rand.Rand
	numBatches int // <= 0 means infinite
	yielded    int
}

// NewDataset creates a synthetic retrieval dataset. numBatches <= 0 yields
// forever (for training); a positive value yields that many batches before
// io.EOF (for evaluation). The seed makes batches reproducible.
func NewDataset(name string, batchSize, numCands, contextLen, candidateLen, numBatches int, seed int64) *Dataset {
	if batchSize <= 0 || numCands < 2 || contextLen <= 0 || candidateLen <= 0 {
		exceptions.Panicf("ranker: invalid dataset configuration: batchSize=%d, numCands=%d, contextLen=%d, candidateLen=%d",
			batchSize, numCands, contextLen, candidateLen)
	}
	return &Dataset{
		name:           name,
		batchSize:      batchSize,
		numCands:       numCands,
		contextLen:     contextLen,
		candidateLen:   candidateLen,
		numTopics:      16,
		tokensPerTopic: 8,
		rng:            rand.New(rand.NewSource(seed)),
		numBatches:     numBatches,
	}
}

// VocabSize returns the number of token ids the dataset generates, including
// the reserved padding id 0. Use it to size the encoder vocabulary.
func (ds *Dataset) VocabSize() int {
	return 1 + ds.numTopics*ds.tokensPerTopic
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.yielded = 0
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.numBatches > 0 && ds.yielded >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.yielded++

	contexts := make([]int32, ds.batchSize*ds.contextLen)
	candidates := make([]int32, ds.batchSize*ds.numCands*ds.candidateLen)
	labelValues := make([]int32, ds.batchSize)

	for b := range ds.batchSize {
		topic := ds.rng.Intn(ds.numTopics)
		for p := range ds.contextLen {
			contexts[b*ds.contextLen+p] = ds.sampleToken(topic)
		}

		correct := ds.rng.Intn(ds.numCands)
		labelValues[b] = int32(correct)
		for c := range ds.numCands {
			candTopic := topic
			if c != correct {
				// Distractors come from a different topic.
				candTopic = ds.rng.Intn(ds.numTopics - 1)
				if candTopic >= topic {
					candTopic++
				}
			}
			base := (b*ds.numCands + c) * ds.candidateLen
			for p := range ds.candidateLen {
				candidates[base+p] = ds.sampleToken(candTopic)
			}
		}
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(contexts, ds.batchSize, ds.contextLen),
		tensors.FromFlatDataAndDimensions(candidates, ds.batchSize, ds.numCands, ds.candidateLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(labelValues, ds.batchSize, 1),
	}
	return
}

// sampleToken draws a token from the topic's vocabulary slice. Id 0 is
// reserved for padding.
func (ds *Dataset) sampleToken(topic int) int32 {
	return int32(1 + topic*ds.tokensPerTopic + ds.rng.Intn(ds.tokensPerTopic))
}
