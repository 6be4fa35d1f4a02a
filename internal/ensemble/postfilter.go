package ensemble

import (
	"strings"
	"time"

	"github.com/Av7danger/insider-detect/internal/session"
)

// Filter reasons, recorded on demoted verdicts and reported in statistics.
const (
	ReasonSingleAction  = "single_action"
	ReasonShortDuration = "short_duration"
	ReasonBenignPattern = "benign_pattern"
)

// DefaultMinDuration is the session span below which an alert is demoted
// as too short to represent sustained exfiltration behavior.
const DefaultMinDuration = 30 * time.Second

// DefaultBenignPatterns are action sequences known to be routine. A
// trailing "*" makes the pattern a prefix match.
var DefaultBenignPatterns = []string{
	"login,logout",
	"login,http_visit,*",
}

// PostFilter demotes alerts that match known-benign heuristics. Rules run
// in a fixed order and the first match wins; the fused score is advisory
// input only and is never rewritten.
type PostFilter struct {
	minDuration time.Duration
	exact       map[string]struct{}
	prefixes    []string
}

// NewPostFilter builds a filter with the given minimum duration and benign
// pattern list. Patterns are comma-joined action sequences; a trailing ",*"
// or "*" element turns the pattern into a prefix match. Zero or negative
// minDuration falls back to DefaultMinDuration.
func NewPostFilter(minDuration time.Duration, patterns []string) *PostFilter {
	if minDuration <= 0 {
		minDuration = DefaultMinDuration
	}
	pf := &PostFilter{
		minDuration: minDuration,
		exact:       make(map[string]struct{}, len(patterns)),
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if trimmed, ok := strings.CutSuffix(p, "*"); ok {
			pf.prefixes = append(pf.prefixes, strings.TrimSuffix(trimmed, ","))
		} else {
			pf.exact[p] = struct{}{}
		}
	}
	return pf
}

// Apply evaluates the rules against the session and returns the possibly
// demoted verdict. Only IsAlert, Filtered, and FilterReason change; a
// verdict that is not an alert passes through untouched, which also makes
// Apply idempotent.
func (pf *PostFilter) Apply(s *session.Session, v Verdict) Verdict {
	if !v.IsAlert {
		return v
	}

	switch {
	case len(s.Events) == 1:
		return demote(v, ReasonSingleAction)
	case s.Duration() < pf.minDuration:
		return demote(v, ReasonShortDuration)
	case pf.matchesBenign(s.Actions()):
		return demote(v, ReasonBenignPattern)
	}
	return v
}

func (pf *PostFilter) matchesBenign(actions []string) bool {
	joined := strings.Join(actions, ",")
	if _, ok := pf.exact[joined]; ok {
		return true
	}
	for _, p := range pf.prefixes {
		if joined == p || strings.HasPrefix(joined, p+",") {
			return true
		}
	}
	return false
}

func demote(v Verdict, reason string) Verdict {
	v.IsAlert = false
	v.Filtered = true
	v.FilterReason = reason
	return v
}
