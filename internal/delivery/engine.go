package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"media-delivery/internal/cache"
	"media-delivery/internal/gate"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
	"media-delivery/internal/playback"
	"media-delivery/internal/scheduler"
	"media-delivery/internal/streaming"
	"media-delivery/internal/transcoder"
)

// ErrNotFound is returned for media ids with no probed profile.
var ErrNotFound = errors.New("media not found")

// ProfileSource looks up probed media. The boolean is false when the id is unknown.
type ProfileSource interface {
	GetProfile(ctx context.Context, mediaID string) (mediatypes.MediaStreamProfile, bool, error)
}

// Config configures an Engine.
type Config struct {
	// CacheDir is the cache root. Caching is off when CacheEnabled is false.
	CacheDir     string
	CacheEnabled bool
	// ChainBackgroundJobs starts the next background build as soon as one finishes.
	ChainBackgroundJobs bool
	Encoder             transcoder.Config
	Writer              streaming.ClientWriterConfig
}

// Engine composes the delivery components. It owns the job registry and
// both slot pools; nothing in the engine is package-global.
type Engine struct {
	profiles     ProfileSource
	cacheEnabled bool

	store     *cache.Store
	gate      *gate.Gate
	encoder   *transcoder.Manager
	scheduler *scheduler.Scheduler
	streamer  *streaming.Streamer

	closed atomic.Bool
}

// New wires an Engine.
func New(profiles ProfileSource, config Config) *Engine {
	encoder := transcoder.New(config.Encoder)
	store := cache.New(config.CacheDir, encoder)
	g := gate.NewDefault()
	sched := scheduler.New(store, encoder, g, scheduler.Config{Chain: config.ChainBackgroundJobs})

	if config.CacheEnabled {
		encoder.OnJobDone(sched.HandleJobDone)
	}

	return &Engine{
		profiles:     profiles,
		cacheEnabled: config.CacheEnabled,
		store:        store,
		gate:         g,
		encoder:      encoder,
		scheduler:    sched,
		streamer:     streaming.NewStreamer(encoder, g, config.Writer),
	}
}

// Store returns the cache store.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Encoder returns the encoder process manager.
func (e *Engine) Encoder() *transcoder.Manager {
	return e.encoder
}

// Gate returns the concurrency gate.
func (e *Engine) Gate() *gate.Gate {
	return e.gate
}

// CacheEnabled reports whether artifacts are built and served.
func (e *Engine) CacheEnabled() bool {
	return e.cacheEnabled
}

// Mode is how a playback request is served.
type Mode string

const (
	// ModeDirect serves the source file with byte ranges.
	ModeDirect Mode = "direct"
	// ModeCached serves a ready cache artifact with byte ranges.
	ModeCached Mode = "cached"
	// ModeLive streams from a running encoder without seeking.
	ModeLive Mode = "live"
)

// Plan is the answer to a playback request.
type Plan struct {
	MediaID  string
	Mode     Mode
	Decision mediatypes.StreamDecision
	// Quality is the transcode quality served, or QualityOriginal.
	Quality mediatypes.Quality
	// Path is the file to serve for ModeDirect and ModeCached.
	Path     string
	Seekable bool

	session *streaming.Session
}

// Stream writes a live plan to w. It releases the plan when done.
func (p *Plan) Stream(ctx context.Context, w http.ResponseWriter) error {
	if p.session == nil {
		return fmt.Errorf("plan for %s is %s, not live", p.MediaID, p.Mode)
	}
	return p.session.Serve(ctx, w)
}

// Release frees any slot held by the plan. It is safe to call on every plan
// and more than once.
func (p *Plan) Release() {
	if p.session != nil {
		p.session.Close()
	}
}

// target resolves what would be served for quality: the decision and, for
// remux or transcode, the artifact key.
func target(p mediatypes.MediaStreamProfile, quality mediatypes.Quality) (mediatypes.StreamDecision, mediatypes.CacheKey, bool) {
	decision := playback.ClassifyProfile(p)

	if _, explicit := quality.Profile(); explicit {
		available := playback.AvailableQualities(p.Width, p.Height)
		if !slices.Contains(available, quality) {
			quality = available[0]
		}
		return mediatypes.StreamDecision{Action: mediatypes.ActionTranscode, Reason: fmt.Sprintf("%s quality requested", quality)},
			mediatypes.TranscodeKey(p.MediaID, quality), true
	}

	key, ok := scheduler.TargetKey(p)
	return decision, key, ok
}

// Resolve decides how to serve mediaID at quality. An empty or original
// quality serves the source as compatibly as possible; high, medium and low
// force a transcode. ErrUnavailable from the streaming package is returned
// when a live transcode is needed and the live slot is taken.
func (e *Engine) Resolve(ctx context.Context, mediaID string, quality mediatypes.Quality) (*Plan, error) {
	if e.closed.Load() {
		return nil, transcoder.ErrShuttingDown
	}
	p, err := e.lookup(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	decision, key, hasKey := target(p, quality)
	plan := &Plan{MediaID: mediaID, Decision: decision, Quality: mediatypes.QualityOriginal}

	if !hasKey {
		plan.Mode = ModeDirect
		plan.Path = p.SourcePath
		plan.Seekable = true
		metrics.CacheServedTotal.WithLabelValues(string(ModeDirect)).Inc()
		return plan, nil
	}
	if key.Kind == mediatypes.KindTranscode {
		plan.Quality = key.Quality
	}

	if e.cacheEnabled && e.store.IsReady(key) {
		plan.Mode = ModeCached
		plan.Path = e.store.PathFor(key)
		plan.Seekable = true
		metrics.CacheServedTotal.WithLabelValues(string(ModeCached)).Inc()
		return plan, nil
	}

	req := streaming.Request{
		MediaID:    mediaID,
		SourcePath: p.SourcePath,
		Action:     key.Kind.Action(),
		Quality:    key.Quality,
	}
	if e.cacheEnabled && key.Kind == mediatypes.KindTranscode {
		req.MirrorPath = e.store.PathFor(key)
	}

	session, err := e.streamer.Open(req)
	if err != nil {
		return nil, err
	}

	if e.cacheEnabled && key.Kind == mediatypes.KindRemux {
		// The copy for seeking is built alongside the live stream. A playback
		// request retries a build that failed earlier.
		e.scheduler.Forget(mediaID)
		res := e.scheduler.Run(context.WithoutCancel(ctx), []mediatypes.MediaStreamProfile{p})
		if res.Admitted {
			logging.Debug("Playback of %s started background remux", mediaID)
		}
	}

	plan.Mode = ModeLive
	plan.session = session
	metrics.CacheServedTotal.WithLabelValues(string(ModeLive)).Inc()
	return plan, nil
}

// ArtifactStatus is the state of one cache artifact.
type ArtifactStatus struct {
	Quality   mediatypes.Quality `json:"quality,omitempty"`
	State     cache.State        `json:"state"`
	JobID     string             `json:"jobId,omitempty"`
	Profile   string             `json:"profile,omitempty"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
}

// StatusReport tells a client whether reconnecting would gain seeking.
type StatusReport struct {
	MediaID  string                    `json:"mediaId"`
	Decision mediatypes.StreamDecision `json:"decision"`
	// Mode is what a request at the queried quality would get right now.
	Mode               Mode                          `json:"mode"`
	Seekable           bool                          `json:"seekable"`
	CacheEnabled       bool                          `json:"cacheEnabled"`
	Remux              *ArtifactStatus               `json:"remux,omitempty"`
	Qualities          []ArtifactStatus              `json:"qualities"`
	RecommendedQuality mediatypes.Quality            `json:"recommendedQuality"`
	LiveSlotAvailable  bool                          `json:"liveSlotAvailable"`
	Profile            mediatypes.MediaStreamProfile `json:"profile"`
}

// Status reports per-quality readiness for mediaID. quality selects which
// artifact Mode and Seekable describe.
func (e *Engine) Status(ctx context.Context, mediaID string, quality mediatypes.Quality) (*StatusReport, error) {
	p, err := e.lookup(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	decision, key, hasKey := target(p, quality)
	report := &StatusReport{
		MediaID:            mediaID,
		Decision:           decision,
		CacheEnabled:       e.cacheEnabled,
		RecommendedQuality: mediatypes.QualityOriginal,
		LiveSlotAvailable:  e.gate.Available(gate.Live) > 0,
		Profile:            p,
	}

	if playback.ClassifyProfile(p).Action == mediatypes.ActionRemux {
		st := e.artifactStatus(mediatypes.RemuxKey(mediaID))
		report.Remux = &st
	}
	for _, q := range playback.AvailableQualities(p.Width, p.Height) {
		report.Qualities = append(report.Qualities, e.artifactStatus(mediatypes.TranscodeKey(mediaID, q)))
	}
	if playback.ClassifyProfile(p).Action == mediatypes.ActionTranscode {
		report.RecommendedQuality = playback.SelectQuality(p.Width, p.Height)
	}

	switch {
	case !hasKey:
		report.Mode, report.Seekable = ModeDirect, true
	case e.cacheEnabled && e.store.IsReady(key):
		report.Mode, report.Seekable = ModeCached, true
	default:
		report.Mode = ModeLive
	}
	return report, nil
}

func (e *Engine) artifactStatus(key mediatypes.CacheKey) ArtifactStatus {
	st := ArtifactStatus{Quality: key.Quality, State: cache.StateMissing}
	if !e.cacheEnabled {
		return st
	}
	st.State = e.store.State(key)
	if info, ok := e.encoder.Lookup(key); ok {
		startedAt := info.StartedAt
		st.JobID = info.ID
		st.Profile = string(info.Profile)
		st.StartedAt = &startedAt
	}
	return st
}

// Invalidate clears every artifact of mediaID after its writers have been
// terminated. It is the hook for changed or deleted sources.
func (e *Engine) Invalidate(mediaID string) (cache.InvalidateResult, error) {
	if err := mediatypes.ValidateMediaID(mediaID); err != nil {
		return cache.InvalidateResult{}, err
	}
	e.scheduler.Forget(mediaID)
	return e.store.Invalidate(mediaID)
}

// OnScanComplete runs the background scheduler over a completed scan.
func (e *Engine) OnScanComplete(ctx context.Context, profiles []mediatypes.MediaStreamProfile) {
	if !e.cacheEnabled || e.closed.Load() {
		return
	}
	res := e.scheduler.OnScan(ctx, profiles)
	if res.Admitted {
		logging.Info("Scan complete: started background build %s", res.Started)
	} else {
		logging.Debug("Scan complete: no background build started (%v)", res.Outcomes)
	}
}

// ClearCache cancels every job and deletes every artifact.
func (e *Engine) ClearCache() (int64, error) {
	return e.store.Clear()
}

// Shutdown stops admitting playback and cache builds, terminates every
// encoder process and waits for cleanup. It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
	e.scheduler.Close()
	e.encoder.Close()
}

func (e *Engine) lookup(ctx context.Context, mediaID string) (mediatypes.MediaStreamProfile, error) {
	if err := mediatypes.ValidateMediaID(mediaID); err != nil {
		return mediatypes.MediaStreamProfile{}, err
	}
	p, ok, err := e.profiles.GetProfile(ctx, mediaID)
	if err != nil {
		return mediatypes.MediaStreamProfile{}, fmt.Errorf("lookup %s: %w", mediaID, err)
	}
	if !ok {
		return mediatypes.MediaStreamProfile{}, fmt.Errorf("%w: %s", ErrNotFound, mediaID)
	}
	return p, nil
}
