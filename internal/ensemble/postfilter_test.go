package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Av7danger/insider-detect/internal/session"
)

var base = time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

func sessionWith(actions []string, gap time.Duration) *session.Session {
	events := make([]session.Event, len(actions))
	for i, a := range actions {
		events[i] = session.Event{
			Timestamp: base.Add(time.Duration(i) * gap),
			UserID:    "u1",
			Action:    a,
			SourceIP:  "10.0.0.1",
		}
	}
	return &session.Session{Key: "s1", Events: events}
}

func alert() Verdict {
	return Verdict{FusedScore: 0.82, IsAlert: true}
}

func TestApplySingleAction(t *testing.T) {
	pf := NewPostFilter(0, nil)
	s := sessionWith([]string{"login"}, 0)

	got := pf.Apply(s, alert())
	assert.False(t, got.IsAlert)
	assert.True(t, got.Filtered)
	assert.Equal(t, ReasonSingleAction, got.FilterReason)
	assert.Equal(t, 0.82, got.FusedScore, "fused score is never rewritten")
}

func TestApplyShortDuration(t *testing.T) {
	pf := NewPostFilter(time.Minute, nil)
	s := sessionWith([]string{"login", "file_access"}, 10*time.Second)

	got := pf.Apply(s, alert())
	assert.True(t, got.Filtered)
	assert.Equal(t, ReasonShortDuration, got.FilterReason)
}

func TestApplyBenignPattern(t *testing.T) {
	pf := NewPostFilter(time.Second, []string{"login,logout", "login,http_visit,*"})

	exact := sessionWith([]string{"login", "logout"}, time.Minute)
	got := pf.Apply(exact, alert())
	assert.Equal(t, ReasonBenignPattern, got.FilterReason)

	prefix := sessionWith([]string{"login", "http_visit", "http_visit", "logout"}, time.Minute)
	got = pf.Apply(prefix, alert())
	assert.Equal(t, ReasonBenignPattern, got.FilterReason)

	// The prefix must match whole actions, not substrings.
	near := sessionWith([]string{"login", "http_visit_x"}, time.Minute)
	got = pf.Apply(near, alert())
	assert.False(t, got.Filtered)
}

func TestApplyRuleOrder(t *testing.T) {
	// A single-event session that is also short duration: the first rule
	// in order records its reason, no combining.
	pf := NewPostFilter(time.Minute, []string{"login"})
	s := sessionWith([]string{"login"}, 0)

	got := pf.Apply(s, alert())
	assert.Equal(t, ReasonSingleAction, got.FilterReason)
}

func TestApplyPassThrough(t *testing.T) {
	pf := NewPostFilter(time.Second, nil)
	s := sessionWith([]string{"login", "file_download", "email_send"}, time.Minute)

	v := alert()
	got := pf.Apply(s, v)
	assert.Equal(t, v, got, "clean alerts are returned unchanged")

	nonAlert := Verdict{FusedScore: 0.2}
	assert.Equal(t, nonAlert, pf.Apply(s, nonAlert))
}

func TestApplyIdempotent(t *testing.T) {
	pf := NewPostFilter(time.Minute, nil)
	s := sessionWith([]string{"login"}, 0)

	once := pf.Apply(s, alert())
	twice := pf.Apply(s, once)
	assert.Equal(t, once, twice)
}
