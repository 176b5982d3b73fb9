// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestReductionString(t *testing.T) {
	for _, reduction := range []Reduction{ReduceNone, ReduceFirst, ReduceMean} {
		parsed, err := ReductionString(reduction.String())
		require.NoError(t, err)
		assert.Equal(t, reduction, parsed)
	}
	_, err := ReductionString("median")
	require.ErrorContains(t, err, "unknown encoder reduction")
}

func TestNewFromContextRequiresParams(t *testing.T) {
	ctx := context.New()
	require.Panics(t, func() { NewFromContext(ctx) })

	ctx.SetParams(map[string]any{
		ParamVocabSize: 10,
		ParamEmbedDim:  8,
		ParamNumLayers: 1,
		ParamNumHeads:  2,
		ParamReduction: "first",
	})
	m := NewFromContext(ctx)
	assert.Equal(t, 10, m.VocabSize)
	assert.Equal(t, ReduceFirst, m.Reduction)
}

func TestPaddingMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2)
	exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, tokens *Node) *Node {
		return m.PaddingMask(tokens)
	})
	tokens := [][]int32{{1, 2, 0}, {0, 5, 6}}
	mask := exec.MustExec1(tokens)
	assert.Equal(t, [][]bool{{true, true, false}, {false, true, true}}, mask.Value())
}

func TestEncodeSequence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2).WithMaxSeqLen(8)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) (*Node, *Node) {
		encoded, mask := m.EncodeSequence(ctx, tokens)
		return encoded, mask
	})

	tokens := [][]int32{{1, 2, 3, 0}, {4, 5, 6, 7}}
	results := exec.MustExec(tokens)
	encoded, mask := results[0], results[1]
	assert.Equal(t, []int{2, 4, 8}, encoded.Shape().Dimensions)
	assert.Equal(t, [][]bool{{true, true, true, false}, {true, true, true, true}}, mask.Value())

	// The padding position must be an exact zero vector.
	encodedValues := encoded.Value().([][][]float32)
	for d, v := range encodedValues[0][3] {
		require.Zerof(t, v, "padding position not zeroed at dim %d", d)
	}
	// Valid positions must not all be zero.
	var sum float32
	for _, v := range encodedValues[0][0] {
		sum += v * v
	}
	require.NotZero(t, sum)
}

func TestEncodeSequenceTooLongPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2).WithMaxSeqLen(4)
	exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, tokens *Node) *Node {
		encoded, _ := m.EncodeSequence(ctx, tokens)
		return encoded
	})
	tokens := [][]int32{{1, 2, 3, 4, 5}}
	require.Panics(t, func() { exec.MustExec(tokens) })
}

func TestEncodeReducedFirst(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2).WithMaxSeqLen(8).WithReduction(ReduceFirst)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) (*Node, *Node) {
		ctx = ctx.Checked(false)
		encoded, _ := m.EncodeSequence(ctx, tokens)
		reduced := m.EncodeReduced(ctx, tokens)
		return encoded, reduced
	})

	tokens := [][]int32{{1, 2, 3}, {4, 5, 6}}
	results := exec.MustExec(tokens)
	encoded := results[0].Value().([][][]float32)
	reduced := results[1].Value().([][]float32)
	require.Equal(t, []int{2, 8}, results[1].Shape().Dimensions)
	for b := range encoded {
		assert.InDeltaSlicef(t, encoded[b][0], reduced[b], 1e-6, "first-reduction mismatch at batch %d", b)
	}
}

func TestEncodeReducedMeanIgnoresPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2).WithMaxSeqLen(8).WithReduction(ReduceMean)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) (*Node, *Node) {
		ctx = ctx.Checked(false)
		encoded, _ := m.EncodeSequence(ctx, tokens)
		reduced := m.EncodeReduced(ctx, tokens)
		return encoded, reduced
	})

	// Second row has two padding positions.
	tokens := [][]int32{{1, 2, 3, 4}, {5, 6, 0, 0}}
	results := exec.MustExec(tokens)
	encoded := results[0].Value().([][][]float32)
	reduced := results[1].Value().([][]float32)

	numValid := []int{4, 2}
	for b := range encoded {
		want := make([]float32, 8)
		for p := 0; p < numValid[b]; p++ {
			for d, v := range encoded[b][p] {
				want[d] += v
			}
		}
		for d := range want {
			want[d] /= float32(numValid[b])
		}
		assert.InDeltaSlicef(t, want, reduced[b], 1e-5, "mean-reduction mismatch at batch %d", b)
	}
}

func TestEncodeReducedNonePanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := New(10, 8, 1, 2).WithReduction(ReduceNone)
	exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, tokens *Node) *Node {
		return m.EncodeReduced(ctx, tokens)
	})
	require.Panics(t, func() { exec.MustExec([][]int32{{1, 2}}) })
}
