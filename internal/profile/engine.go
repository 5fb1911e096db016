package profile

import (
	"context"
	"math"
	"sync"
	"time"

	"booruramen/internal/logging"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/store/boorudb"
	"booruramen/internal/util"
)

// ScoreCache is the slice of the scorer the engine needs: per-post
// invalidation on new interactions and a full clear on profile change.
type ScoreCache interface {
	Invalidate(postKey string)
	Clear()
}

// Session is the slice of the query strategist the engine needs: dropping
// pagination cursors and exhaustion marks on reset.
type Session interface {
	ResetSession()
}

// Engine owns the user profile. All mutable state is guarded by one mutex;
// concurrent update triggers (periodic ticker, explicit user action) are
// serialized rather than coalesced.
type Engine struct {
	db           *boorudb.DB
	decayRate    float64
	refreshEvery time.Duration
	now          func() time.Time

	cache   ScoreCache
	session Session

	mu      sync.Mutex
	raw     Raw
	norm    *Normalized
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithScoreCache wires the scorer's memo cache for invalidation.
func WithScoreCache(c ScoreCache) Option { return func(e *Engine) { e.cache = c } }

// WithSession wires the strategist session for reset propagation.
func WithSession(s Session) Option { return func(e *Engine) { e.session = s } }

// NewEngine builds an engine over the store. decayRate is the hourly
// exponential decay constant; refreshEvery is the periodic update interval.
func NewEngine(db *boorudb.DB, decayRate float64, refreshEvery time.Duration, opts ...Option) *Engine {
	e := &Engine{
		db:           db,
		decayRate:    decayRate,
		refreshEvery: refreshEvery,
		now:          func() time.Time { return time.Now().UTC() },
		raw:          NewRaw(),
	}
	for _, o := range opts {
		o(e)
	}
	e.norm = normalize(e.raw, nil)
	return e
}

// Start runs one profile update and arms the periodic refresh. Calling it
// again while running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	err := e.UpdateUserProfile(runCtx)
	go e.refreshLoop(runCtx)
	return err
}

// Stop cancels the periodic refresh and waits for it to wind down.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	cancel()
	<-done
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer close(e.done)
	t := time.NewTicker(e.refreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info("profile_refresh_stop", nil)
			return
		case <-t.C:
			if err := e.UpdateUserProfile(ctx); err != nil {
				logging.Error("profile_update_error", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Normalized returns the current derived profile. The returned value is
// replaced wholesale on update, never mutated in place.
func (e *Engine) Normalized() *Normalized {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.norm
}

// UpdateUserProfile rebuilds or incrementally advances the profile from the
// interaction log. Store failures degrade to defaults and the pass continues.
func (e *Engine) UpdateUserProfile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	metrics.ProfileUpdates.Inc()
	now := e.now()

	avoidedList, err := e.db.AvoidedTags(ctx)
	if err != nil {
		logging.Warn("avoided_tags_load_failed", map[string]any{"error": err.Error()})
	}
	avoided := util.StringSet(avoidedList)
	resetTime, err := e.db.RecommendationResetTime(ctx)
	if err != nil {
		logging.Warn("reset_time_load_failed", map[string]any{"error": err.Error()})
	}

	snap, err := e.db.SnapshotGet(ctx)
	if err != nil {
		logging.Warn("snapshot_load_failed", map[string]any{"error": err.Error()})
		snap = nil
	}

	var interactions []model.Interaction
	if snap != nil && snap.Timestamp.After(resetTime) {
		// Incremental: hydrate, decay to now, fold in new interactions only.
		e.raw = rawFromSnapshot(snap)
		hours := now.Sub(snap.Timestamp).Hours()
		if hours > 0 {
			e.raw.decay(e.decayRate, hours)
		}
		interactions, err = e.db.InteractionsSince(ctx, snap.Timestamp)
	} else {
		e.raw = NewRaw()
		interactions, err = e.db.Interactions(ctx)
	}
	if err != nil {
		logging.Warn("interactions_load_failed", map[string]any{"error": err.Error()})
		interactions = nil
	}

	for _, in := range interactions {
		if !in.Timestamp.After(resetTime) {
			continue
		}
		base, ok := interactionWeights[in.Type]
		if !ok {
			continue
		}
		age := now.Sub(in.Timestamp).Hours()
		if age < 0 {
			age = 0
		}
		weight := base * math.Exp(-e.decayRate*age)
		if in.Type == model.InteractionTimeSpent {
			weight *= in.Value / 1000 // ms to seconds
		}
		e.raw.applyInteraction(in.Snapshot, weight, avoided)
	}

	if err := e.db.SnapshotPut(ctx, snapshotFromRaw(e.raw, now)); err != nil {
		metrics.ProfileUpdateErrors.Inc()
		logging.Error("snapshot_persist_failed", map[string]any{"error": err.Error()})
	}

	e.norm = normalize(e.raw, avoided)
	if e.cache != nil {
		e.cache.Clear()
	}
	metrics.ObserveProfileUpdateDuration(start)
	logging.Info("profile_updated", map[string]any{
		"interactions": len(interactions),
		"tags":         len(e.raw.TagScore),
	})
	return nil
}

// ApplyDecay ages the raw profile by hoursPassed without consulting the
// interaction log.
func (e *Engine) ApplyDecay(hoursPassed float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raw.decay(e.decayRate, hoursPassed)
	e.norm = normalize(e.raw, e.norm.AvoidedTags)
	if e.cache != nil {
		e.cache.Clear()
	}
}

// TrackInteraction appends a user action to the log, drops the post's cached
// score, and optionally folds it into the profile right away.
func (e *Engine) TrackInteraction(ctx context.Context, in model.Interaction, updateImmediately bool) error {
	if in.Timestamp.IsZero() {
		in.Timestamp = e.now()
	}
	if err := e.db.AppendInteraction(ctx, in); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.Invalidate(model.Post{ID: in.PostID, Source: in.Source}.Key())
	}
	if updateImmediately {
		return e.UpdateUserProfile(ctx)
	}
	return nil
}

// ResetRecommendations hard-resets the learned profile. Interactions stay in
// the store but anything at or before the reset instant never contributes
// again.
func (e *Engine) ResetRecommendations(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if err := e.db.SetRecommendationResetTime(ctx, now); err != nil {
		return err
	}
	avoidedList, err := e.db.AvoidedTags(ctx)
	if err != nil {
		logging.Warn("avoided_tags_load_failed", map[string]any{"error": err.Error()})
	}
	avoided := util.StringSet(avoidedList)
	e.raw = NewRaw()
	e.norm = normalize(e.raw, avoided)
	if e.cache != nil {
		e.cache.Clear()
	}
	if e.session != nil {
		e.session.ResetSession()
	}
	if err := e.db.SnapshotPut(ctx, snapshotFromRaw(e.raw, now)); err != nil {
		return err
	}
	logging.Info("recommendations_reset", map[string]any{"at": now})
	return nil
}

func rawFromSnapshot(s *boorudb.Snapshot) Raw {
	r := NewRaw()
	for k, v := range s.RawTagScore {
		r.TagScore[k] = v
	}
	for k, v := range s.TagEngagement {
		r.TagEngagement[k] = v
	}
	for k, v := range s.TagCategory {
		r.TagCategory[k] = v
	}
	for k, v := range s.RawRatingScore {
		r.RatingScore[k] = v
	}
	for k, v := range s.RawMediaScore {
		r.MediaScore[k] = v
	}
	return r
}

func snapshotFromRaw(r Raw, at time.Time) *boorudb.Snapshot {
	return &boorudb.Snapshot{
		Timestamp:      at,
		RawTagScore:    r.TagScore,
		TagEngagement:  r.TagEngagement,
		TagCategory:    r.TagCategory,
		RawRatingScore: r.RatingScore,
		RawMediaScore:  r.MediaScore,
	}
}
