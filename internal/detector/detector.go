// Package detector orchestrates the full scoring pipeline.
//
// A request flows: rate limit admission, validation, cache check, then on a
// miss featurize, score both models, fuse, post-filter, cache write, async
// persist. The active model version sits behind an atomic pointer so a swap
// never mixes artifacts within one request, and per-fingerprint locking
// guarantees concurrent requests for the same session compute at most once.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Av7danger/insider-detect/internal/cache"
	"github.com/Av7danger/insider-detect/internal/ensemble"
	"github.com/Av7danger/insider-detect/internal/logging"
	"github.com/Av7danger/insider-detect/internal/metrics"
	"github.com/Av7danger/insider-detect/internal/model"
	"github.com/Av7danger/insider-detect/internal/predictions"
	"github.com/Av7danger/insider-detect/internal/ratelimit"
	"github.com/Av7danger/insider-detect/internal/realtime"
	"github.com/Av7danger/insider-detect/internal/retry"
	"github.com/Av7danger/insider-detect/internal/session"
	"github.com/Av7danger/insider-detect/internal/syncutil"
	"github.com/Av7danger/insider-detect/internal/traces"
)

// DefaultScoreTimeout bounds a single model inference pass.
const DefaultScoreTimeout = 2 * time.Second

// Persistence is best-effort but gets a few shots at transient store errors.
const (
	persistAttempts   = 3
	persistRetryDelay = 100 * time.Millisecond
)

// Config carries the injected pipeline parameters.
type Config struct {
	XGBWeight      float64
	LSTMWeight     float64
	Threshold      float64
	ScoreTimeout   time.Duration
	SequenceWindow int
	MinDuration    time.Duration
	BenignPatterns []string
}

// DefaultConfig returns the calibrated pipeline defaults.
func DefaultConfig() Config {
	return Config{
		XGBWeight:      ensemble.DefaultXGBWeight,
		LSTMWeight:     ensemble.DefaultLSTMWeight,
		Threshold:      ensemble.DefaultThreshold,
		ScoreTimeout:   DefaultScoreTimeout,
		SequenceWindow: session.DefaultSequenceWindow,
		MinDuration:    ensemble.DefaultMinDuration,
		BenignPatterns: ensemble.DefaultBenignPatterns,
	}
}

// Service runs the scoring pipeline. Safe for concurrent use.
type Service struct {
	featurizer *session.Featurizer
	fuser      *ensemble.Fuser
	filter     *ensemble.PostFilter
	cache      cache.Cache
	limiter    *ratelimit.Limiter
	store      predictions.Store
	hub        *realtime.Hub
	logger     *slog.Logger
	timeout    time.Duration

	version atomic.Pointer[model.Version]
	locks   *syncutil.ContextShardedMutex

	persistWG sync.WaitGroup
	draining  atomic.Bool
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithHub attaches the realtime alert feed.
func WithHub(hub *realtime.Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// NewService wires the pipeline. The limiter may be nil when admission is
// enforced elsewhere; cache and store are required.
func NewService(cfg Config, c cache.Cache, store predictions.Store, limiter *ratelimit.Limiter, opts ...Option) (*Service, error) {
	fuser, err := ensemble.NewFuser(cfg.XGBWeight, cfg.LSTMWeight, cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = DefaultScoreTimeout
	}

	s := &Service{
		featurizer: session.NewFeaturizer(cfg.SequenceWindow),
		fuser:      fuser,
		filter:     ensemble.NewPostFilter(cfg.MinDuration, cfg.BenignPatterns),
		cache:      c,
		limiter:    limiter,
		store:      store,
		logger:     slog.Default(),
		timeout:    cfg.ScoreTimeout,
		locks:      syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SwapVersion atomically activates a new model version. In-flight requests
// keep the version they pinned; new requests see the new one.
func (s *Service) SwapVersion(v *model.Version) {
	old := s.version.Swap(v)
	fields := []any{"version", v.ID, "xgb", v.XGBArtifact, "lstm", v.LSTMArtifact}
	if old != nil {
		fields = append(fields, "replaced", old.ID)
	}
	s.logger.Info("model version activated", fields...)
	if s.hub != nil {
		s.hub.BroadcastModelSwap(v.ID)
	}
}

// ActiveVersion returns the current model version, or nil before the first
// swap.
func (s *Service) ActiveVersion() *model.Version {
	return s.version.Load()
}

// Score runs the pipeline for one session on behalf of clientID.
//
// Error taxonomy, for callers mapping to transport codes:
// ratelimit.ErrRateLimitExceeded, session.ErrInvalidSession,
// session.ErrUnorderedEvents, model.ErrModelUnavailable,
// ensemble.ErrScoringAnomaly.
func (s *Service) Score(ctx context.Context, sess *session.Session, clientID string) (ensemble.Verdict, error) {
	ctx, span := traces.StartSpan(ctx, "detector.Score",
		traces.SessionKey(sess.Key), traces.ClientID(clientID))
	defer span.End()

	if s.limiter != nil {
		if err := s.limiter.Allow(clientID); err != nil {
			metrics.RateLimitedTotal.Inc()
			return ensemble.Verdict{}, err
		}
	}

	if err := sess.Validate(); err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("invalid_session").Inc()
		return ensemble.Verdict{}, err
	}

	fp := sess.Fingerprint()
	span.SetAttributes(traces.Fingerprint(fp))

	if v, ok := s.cacheGet(ctx, fp); ok {
		span.SetAttributes(traces.CacheHit(true))
		return v, nil
	}

	// Per-fingerprint lock: concurrent misses for the same session wait
	// here and reuse the first caller's result instead of recomputing.
	unlock, err := s.locks.LockContext(ctx, fp)
	if err != nil {
		return ensemble.Verdict{}, err
	}
	defer unlock()

	if v, ok := s.cacheGet(ctx, fp); ok {
		span.SetAttributes(traces.CacheHit(true))
		return v, nil
	}
	span.SetAttributes(traces.CacheHit(false))

	start := time.Now()
	verdict, err := s.compute(ctx, sess, fp)
	if err != nil {
		return ensemble.Verdict{}, err
	}
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())

	// The work is not wasted if the caller has gone away: cache
	// population and persistence run on a detached context.
	detached := context.WithoutCancel(ctx)
	if err := s.cache.Put(detached, fp, verdict); err != nil {
		logging.L(ctx).Warn("cache write failed", "fingerprint", fp, "error", err)
	}
	s.persistAsync(detached, sess, verdict)

	s.observeOutcome(verdict)
	if s.hub != nil {
		s.hub.BroadcastVerdict(verdict)
	}
	return verdict, nil
}

// cacheGet wraps the cache with hit/miss accounting. Lookup errors are
// treated as misses so a cache outage degrades to recomputation.
func (s *Service) cacheGet(ctx context.Context, fp string) (ensemble.Verdict, bool) {
	v, ok, err := s.cache.Get(ctx, fp)
	if err != nil {
		logging.L(ctx).Warn("cache lookup failed", "fingerprint", fp, "error", err)
		metrics.CacheOpsTotal.WithLabelValues("miss").Inc()
		return ensemble.Verdict{}, false
	}
	if !ok {
		metrics.CacheOpsTotal.WithLabelValues("miss").Inc()
		return ensemble.Verdict{}, false
	}
	metrics.CacheOpsTotal.WithLabelValues("hit").Inc()
	v.Cached = true
	return v, true
}

// compute runs featurization, both models, fusion, and post-filtering
// against one pinned model version.
func (s *Service) compute(ctx context.Context, sess *session.Session, fp string) (ensemble.Verdict, error) {
	version := s.version.Load()
	if version == nil {
		metrics.ScoringErrorsTotal.WithLabelValues("model_unavailable").Inc()
		return ensemble.Verdict{}, model.ErrModelUnavailable
	}

	features, seq, err := s.featurizer.Featurize(sess)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("invalid_session").Inc()
		return ensemble.Verdict{}, err
	}

	xgb, lstm, err := s.scoreModels(ctx, version, features, seq)
	if err != nil {
		return ensemble.Verdict{}, err
	}

	fused, confidence, isAlert, err := s.fuser.Fuse(xgb, lstm)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("scoring_anomaly").Inc()
		return ensemble.Verdict{}, err
	}

	verdict := ensemble.Verdict{
		SessionKey:   sess.Key,
		Fingerprint:  fp,
		XGBScore:     xgb,
		LSTMScore:    lstm,
		FusedScore:   fused,
		Confidence:   confidence,
		IsAlert:      isAlert,
		ModelVersion: version.ID,
		ScoredAt:     time.Now().UTC(),
	}
	return s.filter.Apply(sess, verdict), nil
}

type modelResult struct {
	score float64
	err   error
}

// scoreModels invokes both scorers concurrently, bounded by the configured
// timeout. A timeout is reported as the model being unavailable; the
// orchestrator never retries.
func (s *Service) scoreModels(ctx context.Context, v *model.Version, features session.FeatureVector, seq session.SequenceTensor) (xgb, lstm float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	treeCh := make(chan modelResult, 1)
	seqCh := make(chan modelResult, 1)

	go func() {
		start := time.Now()
		score, err := v.Tree.Score(features)
		metrics.ModelScoreDuration.WithLabelValues("xgb").Observe(time.Since(start).Seconds())
		treeCh <- modelResult{score: score, err: err}
	}()
	go func() {
		start := time.Now()
		score, err := v.Seq.Score(seq)
		metrics.ModelScoreDuration.WithLabelValues("lstm").Observe(time.Since(start).Seconds())
		seqCh <- modelResult{score: score, err: err}
	}()

	var tree, sequence *modelResult
	for tree == nil || sequence == nil {
		select {
		case r := <-treeCh:
			tree = &r
		case r := <-seqCh:
			sequence = &r
		case <-ctx.Done():
			metrics.ScoringErrorsTotal.WithLabelValues("model_unavailable").Inc()
			return 0, 0, fmt.Errorf("%w: scoring timed out after %s", model.ErrModelUnavailable, s.timeout)
		}
	}

	if tree.err != nil {
		return 0, 0, s.modelError("xgb", tree.err)
	}
	if sequence.err != nil {
		return 0, 0, s.modelError("lstm", sequence.err)
	}
	return tree.score, sequence.score, nil
}

func (s *Service) modelError(name string, err error) error {
	metrics.ScoringErrorsTotal.WithLabelValues("scoring_anomaly").Inc()
	return fmt.Errorf("%w: %s model: %v", ensemble.ErrScoringAnomaly, name, err)
}

// persistAsync writes the verdict to the store off the request path.
// Failures never reach the caller; they are logged and counted so history
// gaps stay observable.
func (s *Service) persistAsync(ctx context.Context, sess *session.Session, v ensemble.Verdict) {
	if s.draining.Load() {
		return
	}
	rec := predictions.NewRecord(sess, v)

	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := retry.Do(ctx, persistAttempts, persistRetryDelay, func() error {
			return s.store.Append(ctx, rec)
		})
		if err != nil {
			metrics.PersistFailuresTotal.Inc()
			s.logger.Error("verdict persist failed",
				"prediction_id", rec.ID,
				"fingerprint", v.Fingerprint,
				"error", err)
		}
	}()
}

func (s *Service) observeOutcome(v ensemble.Verdict) {
	switch {
	case v.Filtered:
		metrics.PredictionsTotal.WithLabelValues("filtered").Inc()
	case v.IsAlert:
		metrics.PredictionsTotal.WithLabelValues("alert").Inc()
	default:
		metrics.PredictionsTotal.WithLabelValues("clean").Inc()
	}
}

// Drain stops accepting new persistence work and waits for in-flight
// writes, bounded by ctx. Called during graceful shutdown.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.persistWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("detector: shutdown before all verdicts persisted")
	}
}
