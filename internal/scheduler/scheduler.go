package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"media-delivery/internal/cache"
	"media-delivery/internal/gate"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
	"media-delivery/internal/playback"
	"media-delivery/internal/transcoder"
)

// Outcome is the per-item result of a scheduler pass.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeReady          Outcome = "ready"
	OutcomeBuilding       Outcome = "building"
	OutcomeDirect         Outcome = "direct"
	OutcomeSaturated      Outcome = "saturated"
	OutcomeFailedRecently Outcome = "failed_recently"
	OutcomeError          Outcome = "error"
)

// CacheState reports artifact state and paths.
type CacheState interface {
	State(key mediatypes.CacheKey) cache.State
	PathFor(key mediatypes.CacheKey) string
}

// Encoder starts background cache builds.
type Encoder interface {
	StartBackground(req transcoder.BackgroundRequest) (*transcoder.Job, error)
}

// Admitter hands out concurrency slots.
type Admitter interface {
	TryReserve(pool gate.Pool) (*gate.Reservation, bool)
}

// Config controls chaining behaviour.
type Config struct {
	// Chain re-runs the last scanned set after each successful build so the
	// cache fills without waiting for the next scan.
	Chain bool
}

// Result summarises one pass.
type Result struct {
	// Started is the key admitted in this pass. It is only valid when Admitted is true.
	Started  mediatypes.CacheKey
	Admitted bool
	Outcomes map[Outcome]int
}

// Scheduler admits at most one background cache build per pass. Passes are
// serialized, and readiness is checked before a slot is reserved, so
// repeated or concurrent calls over the same set start nothing twice.
type Scheduler struct {
	store   CacheState
	encoder Encoder
	gate    Admitter
	config  Config

	runMu  sync.Mutex
	closed atomic.Bool

	mu           sync.Mutex
	lastProfiles []mediatypes.MediaStreamProfile
	failed       map[mediatypes.CacheKey]struct{}
}

// New creates a Scheduler.
func New(store CacheState, encoder Encoder, admitter Admitter, config Config) *Scheduler {
	return &Scheduler{
		store:   store,
		encoder: encoder,
		gate:    admitter,
		config:  config,
		failed:  make(map[mediatypes.CacheKey]struct{}),
	}
}

// OnScan records the probed set of a completed scan, forgets earlier
// failures and runs a pass over it.
func (s *Scheduler) OnScan(ctx context.Context, profiles []mediatypes.MediaStreamProfile) Result {
	s.mu.Lock()
	s.lastProfiles = append([]mediatypes.MediaStreamProfile(nil), profiles...)
	clear(s.failed)
	s.mu.Unlock()

	return s.Run(ctx, profiles)
}

// Resume runs a pass over the last scanned set.
func (s *Scheduler) Resume(ctx context.Context) Result {
	s.mu.Lock()
	profiles := s.lastProfiles
	s.mu.Unlock()
	return s.Run(ctx, profiles)
}

// Run walks profiles in order and starts the first missing build it can
// admit. It stops at the first saturated reservation.
func (s *Scheduler) Run(ctx context.Context, profiles []mediatypes.MediaStreamProfile) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := Result{Outcomes: make(map[Outcome]int)}
	if s.closed.Load() {
		return result
	}
	metrics.SchedulerRunsTotal.Inc()
	record := func(o Outcome) {
		result.Outcomes[o]++
		metrics.SchedulerDecisionsTotal.WithLabelValues(string(o)).Inc()
	}

	for _, p := range profiles {
		if ctx.Err() != nil {
			break
		}

		key, ok := TargetKey(p)
		if !ok {
			record(OutcomeDirect)
			continue
		}
		if err := mediatypes.ValidateMediaID(p.MediaID); err != nil || p.SourcePath == "" {
			logging.Warn("Skipping cache build for %q: no usable id or source path", p.MediaID)
			record(OutcomeError)
			continue
		}
		if s.recentlyFailed(key) {
			record(OutcomeFailedRecently)
			continue
		}

		switch s.store.State(key) {
		case cache.StateReady:
			record(OutcomeReady)
			continue
		case cache.StateBuilding:
			record(OutcomeBuilding)
			continue
		}

		reservation, ok := s.gate.TryReserve(gate.Background)
		if !ok {
			record(OutcomeSaturated)
			break
		}

		_, err := s.encoder.StartBackground(transcoder.BackgroundRequest{
			Key:         key,
			SourcePath:  p.SourcePath,
			OutputPath:  s.store.PathFor(key),
			Reservation: reservation,
		})
		if err != nil {
			reservation.Release()
			if errors.Is(err, transcoder.ErrAlreadyBuilding) {
				record(OutcomeBuilding)
				continue
			}
			if errors.Is(err, transcoder.ErrShuttingDown) {
				break
			}
			logging.Warn("Background build for %s not started: %v", key, err)
			s.markFailed(key)
			record(OutcomeError)
			continue
		}

		record(OutcomeStarted)
		result.Started = key
		result.Admitted = true
		break
	}

	logging.Debug("Scheduler pass over %d items: %v", len(profiles), result.Outcomes)
	return result
}

// HandleJobDone is the encoder completion hook. Failed builds are skipped
// until the next scan; a successful build triggers the next pass when
// chaining is enabled.
func (s *Scheduler) HandleJobDone(r transcoder.JobResult) {
	if r.Err != nil {
		if errors.Is(r.Err, transcoder.ErrEncoderFailed) && r.Profile != transcoder.ProfileLiveTranscode {
			s.markFailed(r.Key)
		}
		return
	}
	if !s.config.Chain || s.closed.Load() {
		return
	}
	go func() {
		res := s.Resume(context.Background())
		if res.Admitted {
			logging.Debug("Chained background build for %s", res.Started)
		}
	}()
}

// TargetKey returns the cache artifact worth building for p, or false when
// the source is served directly.
func TargetKey(p mediatypes.MediaStreamProfile) (mediatypes.CacheKey, bool) {
	switch playback.ClassifyProfile(p).Action {
	case mediatypes.ActionRemux:
		return mediatypes.RemuxKey(p.MediaID), true
	case mediatypes.ActionTranscode:
		return mediatypes.TranscodeKey(p.MediaID, playback.SelectQuality(p.Width, p.Height)), true
	default:
		return mediatypes.CacheKey{}, false
	}
}

func (s *Scheduler) recentlyFailed(key mediatypes.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[key]
	return ok
}

func (s *Scheduler) markFailed(key mediatypes.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[key] = struct{}{}
}

// Close makes every later pass a no-op. A pass already running finishes.
func (s *Scheduler) Close() {
	s.closed.Store(true)
}

// Forget drops the failure record of every key of mediaID, so a changed
// source is retried before the next scan.
func (s *Scheduler) Forget(mediaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range mediatypes.KeysFor(mediaID) {
		delete(s.failed, key)
	}
}
