// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranker

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetYield(t *testing.T) {
	ds := NewDataset("test", 4, 3, 8, 5, 0, 17)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 1)

	contexts, candidates := inputs[0], inputs[1]
	assert.Equal(t, []int{4, 8}, contexts.Shape().Dimensions)
	assert.Equal(t, []int{4, 3, 5}, candidates.Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)

	contextValues := contexts.Value().([][]int32)
	candidateValues := candidates.Value().([][][]int32)
	labelValues := labels[0].Value().([][]int32)

	topicOf := func(token int32) int {
		require.Greater(t, token, int32(0), "padding id must never be generated")
		require.Less(t, int(token), ds.VocabSize())
		return int(token-1) / ds.tokensPerTopic
	}

	for b := range 4 {
		label := int(labelValues[b][0])
		require.GreaterOrEqual(t, label, 0)
		require.Less(t, label, 3)

		// All context tokens share one topic, and the correct candidate is on
		// the same topic; distractors are not.
		topic := topicOf(contextValues[b][0])
		for _, token := range contextValues[b] {
			assert.Equal(t, topic, topicOf(token))
		}
		for c := range 3 {
			candTopic := topicOf(candidateValues[b][c][0])
			for _, token := range candidateValues[b][c] {
				assert.Equal(t, candTopic, topicOf(token))
			}
			if c == label {
				assert.Equal(t, topic, candTopic, "correct candidate off-topic")
			} else {
				assert.NotEqual(t, topic, candTopic, "distractor on-topic")
			}
		}
	}
}

func TestDatasetEOFAndReset(t *testing.T) {
	ds := NewDataset("eval", 2, 2, 4, 4, 3, 1)
	for range 3 {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetReproducible(t *testing.T) {
	a := NewDataset("a", 2, 2, 4, 4, 0, 7)
	b := NewDataset("b", 2, 2, 4, 4, 0, 7)
	_, inputsA, _, err := a.Yield()
	require.NoError(t, err)
	_, inputsB, _, err := b.Yield()
	require.NoError(t, err)
	assert.Equal(t, inputsA[0].Value(), inputsB[0].Value())
	assert.Equal(t, inputsA[1].Value(), inputsB[1].Value())
}

func TestNewDatasetPanics(t *testing.T) {
	require.Panics(t, func() { NewDataset("bad", 0, 2, 4, 4, 0, 1) })
	require.Panics(t, func() { NewDataset("bad", 2, 1, 4, 4, 0, 1) })
}
