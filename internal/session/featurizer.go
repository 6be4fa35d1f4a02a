package session

import "math"

// Action vocabulary for the sequence model. IDs are 1-based; 0 is the
// padding sentinel. Actions outside the vocabulary map to OOV. The order
// here is part of the model contract: artifacts are trained against it.
var actionVocab = map[string]int{
	"login":         1,
	"logout":        2,
	"file_access":   3,
	"file_download": 4,
	"file_upload":   5,
	"file_delete":   6,
	"email_send":    7,
	"usb_insert":    8,
	"http_visit":    9,
	"transfer":      10,
	"privilege_use": 11,
	"db_query":      12,
}

const (
	// PaddingID fills sequence positions before the first real event.
	PaddingID = 0

	// DefaultSequenceWindow is the temporal window expected by the
	// sequence model: sessions shorter than this are left-padded, longer
	// ones keep their most recent events.
	DefaultSequenceWindow = 50
)

var (
	// oovID is assigned to actions outside the vocabulary.
	oovID = len(actionVocab) + 1

	// VocabSize is the number of distinct sequence symbols including
	// padding and the out-of-vocabulary bucket.
	VocabSize = len(actionVocab) + 2
)

// FeatureVector is the fixed-width numeric encoding consumed by the tree
// scorer.
type FeatureVector []float64

// SequenceTensor is the length-normalized action-id sequence consumed by
// the sequence scorer.
type SequenceTensor []int

// FeatureDim is the width of every FeatureVector produced by Featurize:
// 9 aggregate features followed by one count per vocabulary action.
var FeatureDim = 9 + len(actionVocab)

// Featurizer converts sessions into model inputs. Stateless and safe for
// concurrent use.
type Featurizer struct {
	window    int
	maxEvents int
}

// NewFeaturizer creates a featurizer with the given sequence window. A
// window <= 0 falls back to DefaultSequenceWindow.
func NewFeaturizer(window int) *Featurizer {
	if window <= 0 {
		window = DefaultSequenceWindow
	}
	return &Featurizer{window: window, maxEvents: MaxEvents}
}

// Featurize validates the session and produces both model inputs. It is
// deterministic: no wall-clock reads, no randomness. Sessions over
// MaxEvents are truncated to the most recent events before encoding.
func (f *Featurizer) Featurize(s *Session) (FeatureVector, SequenceTensor, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	events := s.Events
	if len(events) > f.maxEvents {
		events = events[len(events)-f.maxEvents:]
	}

	return f.vector(events), f.sequence(events), nil
}

// vector layout:
//
//	[0] event count
//	[1] session duration (seconds)
//	[2] unique actions
//	[3] unique source IPs
//	[4] events per minute (0 for zero-duration sessions)
//	[5] off-hours fraction (events between 00:00 and 06:00 UTC)
//	[6] mean inter-event gap (seconds)
//	[7] gap standard deviation (seconds)
//	[8] max inter-event gap (seconds)
//	[9..] per-action counts in vocabulary order
func (f *Featurizer) vector(events []Event) FeatureVector {
	v := make(FeatureVector, FeatureDim)

	n := len(events)
	duration := events[n-1].Timestamp.Sub(events[0].Timestamp).Seconds()

	uniqueActions := make(map[string]struct{}, n)
	uniqueIPs := make(map[string]struct{}, n)
	offHours := 0
	for _, e := range events {
		uniqueActions[e.Action] = struct{}{}
		uniqueIPs[e.SourceIP] = struct{}{}
		if e.Timestamp.UTC().Hour() < 6 {
			offHours++
		}
		if id, ok := actionVocab[e.Action]; ok {
			v[9+id-1]++
		}
	}

	meanGap, stdGap, maxGap := gapStats(events)

	v[0] = float64(n)
	v[1] = duration
	v[2] = float64(len(uniqueActions))
	v[3] = float64(len(uniqueIPs))
	if duration > 0 {
		v[4] = float64(n) / (duration / 60.0)
	}
	v[5] = float64(offHours) / float64(n)
	v[6] = meanGap
	v[7] = stdGap
	v[8] = maxGap

	return v
}

// sequence maps actions to vocabulary IDs, keeping the most recent window
// events and left-padding shorter sessions with PaddingID.
func (f *Featurizer) sequence(events []Event) SequenceTensor {
	if len(events) > f.window {
		events = events[len(events)-f.window:]
	}

	seq := make(SequenceTensor, f.window)
	offset := f.window - len(events)
	for i := range seq[:offset] {
		seq[i] = PaddingID
	}
	for i, e := range events {
		id, ok := actionVocab[e.Action]
		if !ok {
			id = oovID
		}
		seq[offset+i] = id
	}
	return seq
}

func gapStats(events []Event) (mean, std, max float64) {
	if len(events) < 2 {
		return 0, 0, 0
	}

	gaps := make([]float64, len(events)-1)
	var sum float64
	for i := 1; i < len(events); i++ {
		g := events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds()
		gaps[i-1] = g
		sum += g
		if g > max {
			max = g
		}
	}
	mean = sum / float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	std = math.Sqrt(variance / float64(len(gaps)))

	return mean, std, max
}
