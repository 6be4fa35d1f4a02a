package model

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Av7danger/insider-detect/internal/session"
)

// twoFeatureArtifact builds a single-tree forest over 2 features:
// if f0 < 0.5 the margin is -2, otherwise +2.
func twoFeatureArtifact() TreeArtifact {
	return TreeArtifact{
		NumFeatures: 2,
		BaseScore:   0,
		Trees: []Tree{{
			Nodes: []TreeNode{
				{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
				{Feature: -1, Value: -2},
				{Feature: -1, Value: 2},
			},
		}},
	}
}

func TestTreeScorerSplit(t *testing.T) {
	sc, err := NewTreeScorer(twoFeatureArtifact())
	if err != nil {
		t.Fatalf("NewTreeScorer: %v", err)
	}

	lo, err := sc.Score(session.FeatureVector{0.1, 0})
	if err != nil {
		t.Fatalf("score low: %v", err)
	}
	hi, err := sc.Score(session.FeatureVector{0.9, 0})
	if err != nil {
		t.Fatalf("score high: %v", err)
	}

	wantLo := 1 / (1 + math.Exp(2))
	wantHi := 1 / (1 + math.Exp(-2))
	if math.Abs(lo-wantLo) > 1e-12 {
		t.Errorf("low branch: got %v want %v", lo, wantLo)
	}
	if math.Abs(hi-wantHi) > 1e-12 {
		t.Errorf("high branch: got %v want %v", hi, wantHi)
	}
}

func TestTreeScorerSumsTreesAndBase(t *testing.T) {
	art := twoFeatureArtifact()
	art.BaseScore = 0.5
	art.Trees = append(art.Trees, Tree{Nodes: []TreeNode{{Feature: -1, Value: 1}}})

	sc, err := NewTreeScorer(art)
	if err != nil {
		t.Fatalf("NewTreeScorer: %v", err)
	}
	got, err := sc.Score(session.FeatureVector{0.9, 0})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// margin = 0.5 + 2 + 1 = 3.5
	want := 1 / (1 + math.Exp(-3.5))
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestTreeScorerFeatureLengthMismatch(t *testing.T) {
	sc, err := NewTreeScorer(twoFeatureArtifact())
	if err != nil {
		t.Fatalf("NewTreeScorer: %v", err)
	}
	if _, err := sc.Score(session.FeatureVector{0.1}); err == nil {
		t.Fatal("expected error for short feature vector")
	}
}

func TestNewTreeScorerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TreeArtifact)
	}{
		{"no features", func(a *TreeArtifact) { a.NumFeatures = 0 }},
		{"no trees", func(a *TreeArtifact) { a.Trees = nil }},
		{"feature out of range", func(a *TreeArtifact) { a.Trees[0].Nodes[0].Feature = 5 }},
		{"child out of range", func(a *TreeArtifact) { a.Trees[0].Nodes[0].Right = 99 }},
		{"node cycles to itself", func(a *TreeArtifact) { a.Trees[0].Nodes[0].Left = 0 }},
		{"child before parent", func(a *TreeArtifact) {
			a.Trees[0].Nodes[1] = TreeNode{Feature: 1, Threshold: 0.5, Left: 0, Right: 2}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			art := twoFeatureArtifact()
			tc.mutate(&art)
			if _, err := NewTreeScorer(art); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadTreeScorer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.json")
	raw, err := json.Marshal(twoFeatureArtifact())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sc, err := LoadTreeScorer(path)
	if err != nil {
		t.Fatalf("LoadTreeScorer: %v", err)
	}
	if sc.NumFeatures() != 2 {
		t.Errorf("NumFeatures = %d, want 2", sc.NumFeatures())
	}

	if _, err := LoadTreeScorer(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
