package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Av7danger/insider-detect/internal/session"
)

// tinyArtifact is a 3-token, 1-dim model small enough to evaluate by hand.
func tinyArtifact() SequenceArtifact {
	return SequenceArtifact{
		VocabSize:    3,
		EmbeddingDim: 1,
		HiddenDim:    1,
		Embedding:    [][]float64{{0}, {1}, {-1}},
		WIn:          [][]float64{{1}},
		WRec:         [][]float64{{0.5}},
		BHidden:      []float64{0},
		WOut:         []float64{2},
		BOut:         0,
	}
}

func TestSequenceScorerRecurrence(t *testing.T) {
	sc, err := NewSequenceScorer(tinyArtifact())
	require.NoError(t, err)

	got, err := sc.Score(session.SequenceTensor{1, 1})
	require.NoError(t, err)

	// h1 = tanh(1), h2 = tanh(1 + 0.5*h1), out = sigmoid(2*h2)
	h1 := math.Tanh(1)
	h2 := math.Tanh(1 + 0.5*h1)
	want := 1 / (1 + math.Exp(-2*h2))
	assert.InDelta(t, want, got, 1e-12)
}

func TestSequenceScorerSkipsPadding(t *testing.T) {
	sc, err := NewSequenceScorer(tinyArtifact())
	require.NoError(t, err)

	padded, err := sc.Score(session.SequenceTensor{0, 0, 0, 1, 2})
	require.NoError(t, err)
	bare, err := sc.Score(session.SequenceTensor{1, 2})
	require.NoError(t, err)
	assert.Equal(t, bare, padded, "left padding must not change the score")
}

func TestSequenceScorerClampsUnknownIDs(t *testing.T) {
	sc, err := NewSequenceScorer(tinyArtifact())
	require.NoError(t, err)

	clamped, err := sc.Score(session.SequenceTensor{99})
	require.NoError(t, err)
	last, err := sc.Score(session.SequenceTensor{2})
	require.NoError(t, err)
	assert.Equal(t, last, clamped)
}

func TestSequenceScorerRejectsBadInput(t *testing.T) {
	sc, err := NewSequenceScorer(tinyArtifact())
	require.NoError(t, err)

	_, err = sc.Score(session.SequenceTensor{})
	assert.Error(t, err)
	_, err = sc.Score(session.SequenceTensor{-1})
	assert.Error(t, err)
}

func TestNewSequenceScorerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SequenceArtifact)
	}{
		{"zero hidden dim", func(a *SequenceArtifact) { a.HiddenDim = 0 }},
		{"embedding rows", func(a *SequenceArtifact) { a.Embedding = a.Embedding[:1] }},
		{"ragged embedding", func(a *SequenceArtifact) { a.Embedding[1] = []float64{1, 2} }},
		{"wIn shape", func(a *SequenceArtifact) { a.WIn = nil }},
		{"wRec shape", func(a *SequenceArtifact) { a.WRec = [][]float64{{1, 2}} }},
		{"bias length", func(a *SequenceArtifact) { a.BHidden = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			art := tinyArtifact()
			tc.mutate(&art)
			_, err := NewSequenceScorer(art)
			assert.Error(t, err)
		})
	}
}
