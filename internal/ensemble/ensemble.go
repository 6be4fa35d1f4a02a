// Package ensemble combines the two model scores into a single verdict and
// applies the false-positive suppression rules that run after fusion.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrScoringAnomaly is returned when a model emits a score outside [0, 1]
// or NaN. Anomalous scores are never clamped or fused; the request fails so
// a broken artifact cannot silently skew verdicts.
var ErrScoringAnomaly = errors.New("ensemble: model score outside [0, 1]")

// Verdict is the scoring outcome for one session.
type Verdict struct {
	SessionKey   string    `json:"sessionKey"`
	Fingerprint  string    `json:"fingerprint"`
	XGBScore     float64   `json:"xgbScore"`
	LSTMScore    float64   `json:"lstmScore"`
	FusedScore   float64   `json:"fusedScore"`
	Confidence   float64   `json:"confidence"`
	IsAlert      bool      `json:"isAlert"`
	Filtered     bool      `json:"filtered"`
	FilterReason string    `json:"filterReason,omitempty"`
	ModelVersion string    `json:"modelVersion"`
	ScoredAt     time.Time `json:"scoredAt"`
	Cached       bool      `json:"cached"`
}

// Fuser blends the tree and sequence scores with fixed weights and applies
// the alert threshold. Immutable after construction.
type Fuser struct {
	xgbWeight  float64
	lstmWeight float64
	threshold  float64
}

// Default fusion parameters, matching the weights the models were
// calibrated with.
const (
	DefaultXGBWeight  = 0.6
	DefaultLSTMWeight = 0.4
	DefaultThreshold  = 0.5
)

// NewFuser validates and fixes the fusion parameters. Weights must be
// non-negative and sum to 1; the threshold must lie in (0, 1).
func NewFuser(xgbWeight, lstmWeight, threshold float64) (*Fuser, error) {
	if xgbWeight < 0 || lstmWeight < 0 || math.Abs(xgbWeight+lstmWeight-1) > 1e-9 {
		return nil, fmt.Errorf("fusion weights %v + %v must sum to 1", xgbWeight, lstmWeight)
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("alert threshold %v must be in (0, 1)", threshold)
	}
	return &Fuser{xgbWeight: xgbWeight, lstmWeight: lstmWeight, threshold: threshold}, nil
}

// Threshold returns the alert threshold in effect.
func (f *Fuser) Threshold() float64 { return f.threshold }

// Fuse blends the two sub-scores and decides the alert flag. Both inputs
// must already be probabilities; anything else is an ErrScoringAnomaly.
func (f *Fuser) Fuse(xgb, lstm float64) (fused, confidence float64, isAlert bool, err error) {
	if !validScore(xgb) || !validScore(lstm) {
		return 0, 0, false, fmt.Errorf("%w: xgb=%v lstm=%v", ErrScoringAnomaly, xgb, lstm)
	}

	fused = f.xgbWeight*xgb + f.lstmWeight*lstm

	// Distance from the decision boundary, scaled to [0, 1].
	confidence = math.Abs(fused-0.5) * 2

	return fused, confidence, fused >= f.threshold, nil
}

func validScore(s float64) bool {
	return !math.IsNaN(s) && s >= 0 && s <= 1
}
