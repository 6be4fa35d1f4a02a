package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Av7danger/insider-detect/internal/session"
)

// TreeNode is one node of a boosted regression tree. Leaves have
// Feature == -1 and carry the margin contribution in Value; internal nodes
// route on features[Feature] < Threshold.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Tree is a single regression tree stored as a flat node array rooted at
// index 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeArtifact is the JSON export of a trained gradient-boosted ensemble.
type TreeArtifact struct {
	NumFeatures int     `json:"numFeatures"`
	BaseScore   float64 `json:"baseScore"`
	Trees       []Tree  `json:"trees"`
}

// TreeScorer evaluates a gradient-boosted tree ensemble. Read-only after
// construction.
type TreeScorer struct {
	art TreeArtifact
}

var _ FeatureScorer = (*TreeScorer)(nil)

// NewTreeScorer wraps a parsed artifact, validating its structure.
func NewTreeScorer(art TreeArtifact) (*TreeScorer, error) {
	if art.NumFeatures <= 0 {
		return nil, fmt.Errorf("tree artifact: numFeatures must be positive, got %d", art.NumFeatures)
	}
	if len(art.Trees) == 0 {
		return nil, fmt.Errorf("tree artifact: no trees")
	}
	for ti, t := range art.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree artifact: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature >= art.NumFeatures {
				return nil, fmt.Errorf("tree artifact: tree %d node %d references feature %d of %d", ti, ni, n.Feature, art.NumFeatures)
			}
			if n.Feature >= 0 && (n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes)) {
				return nil, fmt.Errorf("tree artifact: tree %d node %d has out-of-range children", ti, ni)
			}
			// Children must follow their parent in the flat array. This rules
			// out node cycles, so evalTree always terminates.
			if n.Feature >= 0 && (n.Left <= ni || n.Right <= ni) {
				return nil, fmt.Errorf("tree artifact: tree %d node %d has children that do not follow it", ti, ni)
			}
		}
	}
	return &TreeScorer{art: art}, nil
}

// LoadTreeScorer reads and validates a JSON tree artifact.
func LoadTreeScorer(path string) (*TreeScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var art TreeArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parse tree artifact: %w", err)
	}
	return NewTreeScorer(art)
}

// NumFeatures is the feature vector width this model was trained against.
func (t *TreeScorer) NumFeatures() int { return t.art.NumFeatures }

// Score sums the leaf margins of every tree and squashes through a sigmoid,
// returning a probability in [0, 1].
func (t *TreeScorer) Score(features session.FeatureVector) (float64, error) {
	if len(features) != t.art.NumFeatures {
		return 0, fmt.Errorf("tree scorer: expected %d features, got %d", t.art.NumFeatures, len(features))
	}

	margin := t.art.BaseScore
	for _, tree := range t.art.Trees {
		margin += evalTree(tree, features)
	}
	return sigmoid(margin), nil
}

func evalTree(tree Tree, features session.FeatureVector) float64 {
	i := 0
	for {
		n := tree.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if features[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
