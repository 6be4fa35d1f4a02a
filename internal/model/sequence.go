package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Av7danger/insider-detect/internal/session"
)

// SequenceArtifact is the JSON export of a trained recurrent sequence
// model: an embedding table, a simple recurrent cell, and a sigmoid output
// head.
type SequenceArtifact struct {
	VocabSize    int `json:"vocabSize"`
	EmbeddingDim int `json:"embeddingDim"`
	HiddenDim    int `json:"hiddenDim"`

	Embedding [][]float64 `json:"embedding"` // vocabSize x embeddingDim
	WIn       [][]float64 `json:"wIn"`       // hiddenDim x embeddingDim
	WRec      [][]float64 `json:"wRec"`      // hiddenDim x hiddenDim
	BHidden   []float64   `json:"bHidden"`   // hiddenDim
	WOut      []float64   `json:"wOut"`      // hiddenDim
	BOut      float64     `json:"bOut"`
}

// SequenceScorer evaluates the recurrent model over an action-id sequence.
// Read-only after construction.
type SequenceScorer struct {
	art SequenceArtifact
}

var _ SequenceModel = (*SequenceScorer)(nil)

// NewSequenceScorer wraps a parsed artifact, validating every weight
// matrix dimension up front so Score never has to.
func NewSequenceScorer(art SequenceArtifact) (*SequenceScorer, error) {
	if art.VocabSize <= 0 || art.EmbeddingDim <= 0 || art.HiddenDim <= 0 {
		return nil, fmt.Errorf("sequence artifact: dimensions must be positive (vocab=%d embedding=%d hidden=%d)",
			art.VocabSize, art.EmbeddingDim, art.HiddenDim)
	}
	if len(art.Embedding) != art.VocabSize {
		return nil, fmt.Errorf("sequence artifact: embedding rows %d != vocabSize %d", len(art.Embedding), art.VocabSize)
	}
	for i, row := range art.Embedding {
		if len(row) != art.EmbeddingDim {
			return nil, fmt.Errorf("sequence artifact: embedding row %d has %d columns, want %d", i, len(row), art.EmbeddingDim)
		}
	}
	if err := checkMatrix("wIn", art.WIn, art.HiddenDim, art.EmbeddingDim); err != nil {
		return nil, err
	}
	if err := checkMatrix("wRec", art.WRec, art.HiddenDim, art.HiddenDim); err != nil {
		return nil, err
	}
	if len(art.BHidden) != art.HiddenDim || len(art.WOut) != art.HiddenDim {
		return nil, fmt.Errorf("sequence artifact: bHidden/wOut must have %d entries", art.HiddenDim)
	}
	return &SequenceScorer{art: art}, nil
}

// LoadSequenceScorer reads and validates a JSON sequence artifact.
func LoadSequenceScorer(path string) (*SequenceScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var art SequenceArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parse sequence artifact: %w", err)
	}
	return NewSequenceScorer(art)
}

// Score runs the recurrence over the sequence and returns a probability in
// [0, 1]. Padding positions are skipped so left-padded short sessions score
// identically to their unpadded form. Out-of-vocabulary IDs clamp to the
// last embedding row.
func (s *SequenceScorer) Score(seq session.SequenceTensor) (float64, error) {
	if len(seq) == 0 {
		return 0, fmt.Errorf("sequence scorer: empty sequence")
	}

	h := make([]float64, s.art.HiddenDim)
	next := make([]float64, s.art.HiddenDim)

	for _, id := range seq {
		if id == session.PaddingID {
			continue
		}
		if id < 0 {
			return 0, fmt.Errorf("sequence scorer: negative action id %d", id)
		}
		if id >= s.art.VocabSize {
			id = s.art.VocabSize - 1
		}
		emb := s.art.Embedding[id]

		for i := 0; i < s.art.HiddenDim; i++ {
			a := s.art.BHidden[i]
			for j, x := range emb {
				a += s.art.WIn[i][j] * x
			}
			for j, p := range h {
				a += s.art.WRec[i][j] * p
			}
			next[i] = math.Tanh(a)
		}
		h, next = next, h
	}

	out := s.art.BOut
	for i, w := range s.art.WOut {
		out += w * h[i]
	}
	return sigmoid(out), nil
}

func checkMatrix(name string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("sequence artifact: %s has %d rows, want %d", name, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("sequence artifact: %s row %d has %d columns, want %d", name, i, len(row), cols)
		}
	}
	return nil
}
