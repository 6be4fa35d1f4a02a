// Package session defines user activity sessions and turns them into model
// inputs.
//
// A session is a non-empty, time-ordered slice of events attributed to one
// actor. The featurizer produces two views of it: a fixed-width numeric
// vector for the gradient-boosted scorer and a padded action-id sequence for
// the sequence scorer. Both are pure functions of event content, so the same
// session always produces the same features and the same fingerprint.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrInvalidSession is returned for sessions that cannot be scored at
	// all (no events).
	ErrInvalidSession = errors.New("invalid session: no events")

	// ErrUnorderedEvents is returned when events are not sorted by
	// timestamp. Input must arrive pre-sorted; re-sorting here would hide
	// upstream collection bugs.
	ErrUnorderedEvents = errors.New("invalid session: events not ordered by timestamp")
)

// MaxEvents caps how many events the featurizer will look at. Oversized
// sessions are truncated to the most recent MaxEvents rather than rejected;
// enforcement of the limit belongs to the ingest layer.
const MaxEvents = 10000

// Event is a single user action. Immutable once ingested.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"userId"`
	Action     string            `json:"action"`
	SourceIP   string            `json:"sourceIp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Session is an ordered event sequence believed to belong to one actor and
// time window. Key is caller-supplied and used only for persistence and
// logging; cache identity comes from Fingerprint.
type Session struct {
	Key    string  `json:"sessionKey"`
	Events []Event `json:"events"`
}

// Validate checks the invariants the scoring pipeline relies on: at least
// one event, timestamps non-decreasing.
func (s *Session) Validate() error {
	if len(s.Events) == 0 {
		return ErrInvalidSession
	}
	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].Timestamp.Before(s.Events[i-1].Timestamp) {
			return ErrUnorderedEvents
		}
	}
	return nil
}

// Duration is the span between the first and last event.
func (s *Session) Duration() time.Duration {
	if len(s.Events) < 2 {
		return 0
	}
	return s.Events[len(s.Events)-1].Timestamp.Sub(s.Events[0].Timestamp)
}

// Actions returns the event actions in order.
func (s *Session) Actions() []string {
	actions := make([]string, len(s.Events))
	for i, e := range s.Events {
		actions[i] = e.Action
	}
	return actions
}

// Fingerprint derives a stable cache key from event content. Receipt time,
// session key, and attribute map ordering do not affect it: two sessions
// with identical event content always hash the same.
func (s *Session) Fingerprint() string {
	h := sha256.New()
	for _, e := range s.Events {
		h.Write([]byte(strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10)))
		h.Write([]byte{0x1f})
		h.Write([]byte(e.UserID))
		h.Write([]byte{0x1f})
		h.Write([]byte(e.Action))
		h.Write([]byte{0x1f})
		h.Write([]byte(e.SourceIP))

		if len(e.Attributes) > 0 {
			keys := make([]string, 0, len(e.Attributes))
			for k := range e.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				h.Write([]byte{0x1f})
				h.Write([]byte(k))
				h.Write([]byte{0x3d})
				h.Write([]byte(e.Attributes[k]))
			}
		}
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}
