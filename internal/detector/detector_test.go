package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Av7danger/insider-detect/internal/cache"
	"github.com/Av7danger/insider-detect/internal/ensemble"
	"github.com/Av7danger/insider-detect/internal/model"
	"github.com/Av7danger/insider-detect/internal/predictions"
	"github.com/Av7danger/insider-detect/internal/ratelimit"
	"github.com/Av7danger/insider-detect/internal/session"
)

var t0 = time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

type stubTree struct {
	score float64
	delay time.Duration
	calls atomic.Int64
}

func (s *stubTree) Score(session.FeatureVector) (float64, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.score, nil
}

type stubSeq struct {
	score float64
	delay time.Duration
	calls atomic.Int64
}

func (s *stubSeq) Score(session.SequenceTensor) (float64, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.score, nil
}

func stubVersion(xgb, lstm float64) (*model.Version, *stubTree, *stubSeq) {
	tree := &stubTree{score: xgb}
	seq := &stubSeq{score: lstm}
	return &model.Version{ID: "v4", Tree: tree, Seq: seq}, tree, seq
}

// failStore counts Append failures.
type failStore struct {
	predictions.Store
	appends atomic.Int64
}

func (f *failStore) Append(ctx context.Context, rec *predictions.Record) error {
	f.appends.Add(1)
	return errors.New("store down")
}

func sessionWith(actions []string, gap time.Duration) *session.Session {
	events := make([]session.Event, len(actions))
	for i, a := range actions {
		events[i] = session.Event{
			Timestamp: t0.Add(time.Duration(i) * gap),
			UserID:    "alice",
			Action:    a,
			SourceIP:  "10.0.0.1",
		}
	}
	return &session.Session{Key: "sess-1", Events: events}
}

func newService(t *testing.T, xgb, lstm float64) (*Service, *stubTree, *stubSeq, *predictions.MemoryStore) {
	t.Helper()
	store := predictions.NewMemoryStore()
	memCache := cache.NewMemoryCache(300 * time.Second)
	t.Cleanup(func() { memCache.Close() })

	svc, err := NewService(DefaultConfig(), memCache, store, nil)
	require.NoError(t, err)

	version, tree, seq := stubVersion(xgb, lstm)
	svc.SwapVersion(version)
	return svc, tree, seq, store
}

func waitForRecords(t *testing.T, store *predictions.MemoryStore, want int) []*predictions.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.Recent(context.Background(), 0)
		require.NoError(t, err)
		if len(recs) >= want {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never reached %d records", want)
	return nil
}

func TestScoreAlertEndToEnd(t *testing.T) {
	// A long session with a sensitive download: fused 0.6*0.9 + 0.4*0.7 = 0.82.
	svc, _, _, store := newService(t, 0.9, 0.7)

	actions := make([]string, 50)
	for i := range actions {
		actions[i] = "http_visit"
	}
	actions[25] = "file_download"
	sess := sessionWith(actions, 147*time.Second) // ~2 hours total

	v, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, v.FusedScore, 1e-12)
	assert.True(t, v.IsAlert)
	assert.False(t, v.Filtered)
	assert.Equal(t, "v4", v.ModelVersion)
	assert.False(t, v.Cached)

	recs := waitForRecords(t, store, 1)
	assert.Equal(t, "sess-1", recs[0].SessionKey)
	assert.True(t, recs[0].IsAlert)
	assert.Equal(t, "alice", recs[0].UserID)
}

func TestScoreSingleActionFiltered(t *testing.T) {
	// High scores, but a one-event session is demoted regardless.
	svc, _, _, _ := newService(t, 0.95, 0.95)
	sess := sessionWith([]string{"login"}, 0)

	v, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)
	assert.False(t, v.IsAlert)
	assert.True(t, v.Filtered)
	assert.Equal(t, ensemble.ReasonSingleAction, v.FilterReason)
	assert.Greater(t, v.FusedScore, 0.9, "fused score survives demotion")
}

func TestScoreCacheHit(t *testing.T) {
	svc, tree, seq, _ := newService(t, 0.9, 0.7)
	sess := sessionWith([]string{"login", "file_download"}, time.Minute)

	first, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.FusedScore, second.FusedScore)

	assert.Equal(t, int64(1), tree.calls.Load(), "cache hit must not rescore")
	assert.Equal(t, int64(1), seq.calls.Load())
}

func TestScoreAtMostOneCompute(t *testing.T) {
	svc, tree, seq, _ := newService(t, 0.9, 0.7)
	// Slow the models so all 50 requests overlap the first computation.
	tree.delay = 50 * time.Millisecond
	seq.delay = 50 * time.Millisecond

	sess := sessionWith([]string{"login", "file_download"}, time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Score(context.Background(), sess, "client-a")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), tree.calls.Load(), "tree model must be invoked exactly once")
	assert.Equal(t, int64(1), seq.calls.Load(), "sequence model must be invoked exactly once")
}

func TestScoreRateLimited(t *testing.T) {
	store := predictions.NewMemoryStore()
	memCache := cache.NewMemoryCache(300 * time.Second)
	t.Cleanup(func() { memCache.Close() })

	limiter := ratelimit.New(ratelimit.Config{RequestsPerWindow: 1, Window: time.Minute})
	t.Cleanup(limiter.Stop)

	svc, err := NewService(DefaultConfig(), memCache, store, limiter)
	require.NoError(t, err)
	version, _, _ := stubVersion(0.1, 0.1)
	svc.SwapVersion(version)

	sess := sessionWith([]string{"login", "logout"}, time.Minute)

	_, err = svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)

	// A cache hit would bypass scoring, but admission is still consumed.
	_, err = svc.Score(context.Background(), sess, "client-a")
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimitExceeded))

	// Another client is unaffected.
	_, err = svc.Score(context.Background(), sess, "client-b")
	assert.NoError(t, err)
}

func TestScoreInvalidSession(t *testing.T) {
	svc, tree, _, _ := newService(t, 0.9, 0.7)

	_, err := svc.Score(context.Background(), &session.Session{Key: "empty"}, "client-a")
	assert.True(t, errors.Is(err, session.ErrInvalidSession))

	unordered := &session.Session{Key: "s", Events: []session.Event{
		{Timestamp: t0.Add(time.Minute), UserID: "u", Action: "login", SourceIP: "1.1.1.1"},
		{Timestamp: t0, UserID: "u", Action: "logout", SourceIP: "1.1.1.1"},
	}}
	_, err = svc.Score(context.Background(), unordered, "client-a")
	assert.True(t, errors.Is(err, session.ErrUnorderedEvents))

	assert.Equal(t, int64(0), tree.calls.Load(), "invalid input must not reach the models")
}

func TestScoreNoActiveVersion(t *testing.T) {
	store := predictions.NewMemoryStore()
	memCache := cache.NewMemoryCache(300 * time.Second)
	t.Cleanup(func() { memCache.Close() })

	svc, err := NewService(DefaultConfig(), memCache, store, nil)
	require.NoError(t, err)

	sess := sessionWith([]string{"login", "logout"}, time.Minute)
	_, err = svc.Score(context.Background(), sess, "client-a")
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
}

func TestScoreTimeout(t *testing.T) {
	store := predictions.NewMemoryStore()
	memCache := cache.NewMemoryCache(300 * time.Second)
	t.Cleanup(func() { memCache.Close() })

	cfg := DefaultConfig()
	cfg.ScoreTimeout = 20 * time.Millisecond
	svc, err := NewService(cfg, memCache, store, nil)
	require.NoError(t, err)

	version, tree, _ := stubVersion(0.9, 0.7)
	tree.delay = 500 * time.Millisecond
	svc.SwapVersion(version)

	sess := sessionWith([]string{"login", "file_download"}, time.Minute)
	_, err = svc.Score(context.Background(), sess, "client-a")
	assert.True(t, errors.Is(err, model.ErrModelUnavailable), "timeout surfaces as model unavailable, got %v", err)
}

func TestScorePersistFailureDoesNotFailRequest(t *testing.T) {
	memCache := cache.NewMemoryCache(300 * time.Second)
	t.Cleanup(func() { memCache.Close() })

	store := &failStore{}
	svc, err := NewService(DefaultConfig(), memCache, store, nil)
	require.NoError(t, err)
	version, _, _ := stubVersion(0.9, 0.7)
	svc.SwapVersion(version)

	sess := sessionWith([]string{"login", "file_download"}, time.Minute)
	v, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err, "persistence is best-effort relative to the response")
	assert.True(t, v.IsAlert)

	// The failed append was still attempted, with retries.
	deadline := time.Now().Add(3 * time.Second)
	for store.appends.Load() < persistAttempts && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(persistAttempts), store.appends.Load())
}

func TestSwapVersionPinnedPerRequest(t *testing.T) {
	svc, _, _, _ := newService(t, 0.9, 0.7)

	v2, _, _ := stubVersion(0.1, 0.1)
	v2.ID = "v5"
	svc.SwapVersion(v2)

	assert.Equal(t, "v5", svc.ActiveVersion().ID)

	sess := sessionWith([]string{"login", "file_download"}, time.Minute)
	verdict, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "v5", verdict.ModelVersion, "new requests see the swapped version")
}

func TestDrainWaitsForPersists(t *testing.T) {
	svc, _, _, store := newService(t, 0.9, 0.7)

	sess := sessionWith([]string{"login", "file_download"}, time.Minute)
	_, err := svc.Score(context.Background(), sess, "client-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))

	recs, err := store.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
