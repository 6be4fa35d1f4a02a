// Package model loads trained scoring artifacts and runs inference.
//
// Two independently trained models are supported: a gradient-boosted tree
// ensemble over the fixed-width feature vector, and a recurrent network
// over the action-id sequence. Artifacts are exported to JSON by the
// (external) training pipeline; this package only evaluates them. Scorers
// are immutable after load and safe for concurrent use.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Av7danger/insider-detect/internal/session"
)

// ErrModelUnavailable is returned when scoring is attempted with no active
// model version loaded.
var ErrModelUnavailable = errors.New("model: no active model version loaded")

// ManifestName is the file describing a version's artifacts within a model
// directory.
const ManifestName = "manifest.json"

// FeatureScorer scores a fixed-width feature vector to a probability.
type FeatureScorer interface {
	Score(features session.FeatureVector) (float64, error)
}

// SequenceModel scores an action-id sequence to a probability.
type SequenceModel interface {
	Score(seq session.SequenceTensor) (float64, error)
}

// Version ties together one consistent pair of model artifacts. Exactly one
// Version is active at a time; the detector swaps the active pointer
// atomically so in-flight requests never see a mixed pair.
type Version struct {
	ID           string    `json:"versionId"`
	LoadedAt     time.Time `json:"loadedAt"`
	XGBArtifact  string    `json:"xgbArtifact"`
	LSTMArtifact string    `json:"lstmArtifact"`

	Tree FeatureScorer `json:"-"`
	Seq  SequenceModel `json:"-"`
}

// manifest is the on-disk version descriptor.
type manifest struct {
	VersionID    string `json:"versionId"`
	XGBArtifact  string `json:"xgbArtifact"`
	LSTMArtifact string `json:"lstmArtifact"`
}

// LoadVersion reads the manifest in dir and loads both artifacts. A
// half-loaded version is never returned: either both scorers are ready or
// the error is non-nil.
func LoadVersion(dir string) (*Version, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read model manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model manifest: %w", err)
	}
	if m.VersionID == "" || m.XGBArtifact == "" || m.LSTMArtifact == "" {
		return nil, fmt.Errorf("model manifest %s: versionId, xgbArtifact and lstmArtifact are required", dir)
	}

	tree, err := LoadTreeScorer(filepath.Join(dir, m.XGBArtifact))
	if err != nil {
		return nil, fmt.Errorf("load tree model %s: %w", m.XGBArtifact, err)
	}
	seq, err := LoadSequenceScorer(filepath.Join(dir, m.LSTMArtifact))
	if err != nil {
		return nil, fmt.Errorf("load sequence model %s: %w", m.LSTMArtifact, err)
	}

	return &Version{
		ID:           m.VersionID,
		LoadedAt:     time.Now(),
		XGBArtifact:  m.XGBArtifact,
		LSTMArtifact: m.LSTMArtifact,
		Tree:         tree,
		Seq:          seq,
	}, nil
}

// Summary is the externally visible view of a Version (no weights).
type Summary struct {
	VersionID    string    `json:"versionId"`
	LoadedAt     time.Time `json:"loadedAt"`
	XGBArtifact  string    `json:"xgbArtifact"`
	LSTMArtifact string    `json:"lstmArtifact"`
}

// Summary returns the artifact metadata for model info endpoints.
func (v *Version) Summary() Summary {
	return Summary{
		VersionID:    v.ID,
		LoadedAt:     v.LoadedAt,
		XGBArtifact:  v.XGBArtifact,
		LSTMArtifact: v.LSTMArtifact,
	}
}
