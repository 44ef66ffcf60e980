package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"media-delivery/internal/filesystem"
	"media-delivery/internal/gate"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
)

// Profile names one of the encoder operation profiles.
type Profile string

const (
	// ProfileBackgroundRemux stream-copies into the remux cache path.
	ProfileBackgroundRemux Profile = "background_remux"
	// ProfileBackgroundTranscode re-encodes into a transcode cache path.
	ProfileBackgroundTranscode Profile = "background_transcode"
	// ProfileLiveTranscode re-encodes to a client and mirrors into the cache.
	ProfileLiveTranscode Profile = "live_transcode"
	// ProfileLiveRemux stream-copies to a client. It is never tracked.
	ProfileLiveRemux Profile = "live_remux"
)

var (
	// ErrAlreadyBuilding is returned when another writer holds the cache key.
	ErrAlreadyBuilding = errors.New("cache key already has a writer")
	// ErrEncoderFailed is wrapped by every spawn failure and non-zero exit.
	ErrEncoderFailed = errors.New("encoder failed")
	// ErrJobCanceled is returned by a live job that was canceled through the manager.
	ErrJobCanceled = errors.New("encoder job canceled")
	// ErrShuttingDown is returned for any job requested after Close.
	ErrShuttingDown = errors.New("encoder manager is shutting down")
)

// Interrupter is implemented by client writers whose blocked writes can be
// aborted. A live job canceled through the manager interrupts its writer so
// cancellation does not wait for a slow client.
type Interrupter interface {
	Interrupt()
}

// EncoderError carries the diagnostics of a failed encoder process.
type EncoderError struct {
	JobID   string
	Profile Profile
	Err     error
	Stderr  string
}

func (e *EncoderError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s job %s failed: %v", e.Profile, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s job %s failed: %v: %s", e.Profile, e.JobID, e.Err, e.Stderr)
}

func (e *EncoderError) Unwrap() []error {
	return []error{ErrEncoderFailed, e.Err}
}

// Config configures a Manager.
type Config struct {
	// FFmpegPath is the encoder binary, resolved through PATH when not absolute.
	FFmpegPath string
	// WaitDelay bounds how long Wait blocks on output pipes after a kill.
	WaitDelay time.Duration
	// StderrTailBytes is how much diagnostic output is kept per job.
	StderrTailBytes int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:      "ffmpeg",
		WaitDelay:       5 * time.Second,
		StderrTailBytes: defaultStderrTail,
	}
}

// JobInfo is a read-only snapshot of a tracked job.
type JobInfo struct {
	ID         string              `json:"id"`
	Key        mediatypes.CacheKey `json:"-"`
	Profile    Profile             `json:"profile"`
	OutputPath string              `json:"-"`
	StartedAt  time.Time           `json:"startedAt"`
}

// JobResult is handed to the completion hook exactly once per job.
type JobResult struct {
	JobInfo
	Duration time.Duration
	// Err is nil when the process exited cleanly with non-empty output.
	Err error
}

// Job is a running encoder process. It is finalized exactly once.
type Job struct {
	info        JobInfo
	reservation *gate.Reservation
	tracked     bool
	cancel      context.CancelFunc
	stopped     atomic.Bool
	done        chan struct{}
	finalize    sync.Once
	err         error
}

// stop cancels the job on behalf of the manager.
func (j *Job) stop() {
	j.stopped.Store(true)
	j.cancel()
}

// Info returns the job's identity.
func (j *Job) Info() JobInfo {
	return j.info
}

// Done is closed after cleanup has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's outcome. It is only meaningful after Done is closed.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

// Manager spawns, tracks and terminates ffmpeg processes. At most one
// tracked job exists per cache key at any instant.
type Manager struct {
	config Config

	mu     sync.Mutex
	jobs   map[mediatypes.CacheKey]*Job
	others map[*Job]struct{}
	closed bool

	hookMu    sync.RWMutex
	onJobDone func(JobResult)

	wg sync.WaitGroup
}

// New creates a Manager.
func New(config Config) *Manager {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &Manager{
		config: config,
		jobs:   make(map[mediatypes.CacheKey]*Job),
		others: make(map[*Job]struct{}),
	}
}

// OnJobDone registers a hook called after every tracked job's cleanup.
func (m *Manager) OnJobDone(fn func(JobResult)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onJobDone = fn
}

// BackgroundRequest describes a cache build.
type BackgroundRequest struct {
	Key        mediatypes.CacheKey
	SourcePath string
	OutputPath string
	// Reservation is released during cleanup once the job is admitted. It is
	// left untouched when the request is rejected, so callers release it on
	// any error.
	Reservation *gate.Reservation
}

// StartBackground registers a job for req.Key and spawns ffmpeg writing
// directly to req.OutputPath. It returns once the process has started.
func (m *Manager) StartBackground(req BackgroundRequest) (*Job, error) {
	profile, args, err := backgroundCommand(req)
	if err != nil {
		return nil, err
	}

	job, ctx, err := m.register(req.Key, profile, req.OutputPath, req.Reservation)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		m.finish(job, fmt.Errorf("create cache directory: %w", err), "")
		return nil, job.err
	}

	cmd := m.command(ctx, args)
	stderr := newTailBuffer(m.config.StderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		m.finish(job, fmt.Errorf("start ffmpeg: %w", err), "")
		return nil, job.err
	}

	logging.Info("Started %s job %s for %s (pid %d)", profile, job.info.ID, req.Key, cmd.Process.Pid)
	metrics.EncoderJobsInProgress.WithLabelValues(string(profile)).Inc()

	go func() {
		waitErr := cmd.Wait()
		metrics.EncoderJobsInProgress.WithLabelValues(string(profile)).Dec()
		switch {
		case ctx.Err() != nil:
			waitErr = ErrJobCanceled
		case waitErr == nil:
			waitErr = checkOutput(req.OutputPath)
		}
		m.finish(job, waitErr, stderr.String())
	}()

	return job, nil
}

func backgroundCommand(req BackgroundRequest) (Profile, []string, error) {
	if req.OutputPath == "" {
		return "", nil, errors.New("background job needs an output path")
	}
	switch req.Key.Kind {
	case mediatypes.KindRemux:
		return ProfileBackgroundRemux, backgroundRemuxArgs(req.SourcePath, req.OutputPath), nil
	case mediatypes.KindTranscode:
		p, ok := req.Key.Quality.Profile()
		if !ok {
			return "", nil, fmt.Errorf("no transcode profile for quality %q", req.Key.Quality)
		}
		return ProfileBackgroundTranscode, backgroundTranscodeArgs(req.SourcePath, req.OutputPath, p), nil
	default:
		return "", nil, fmt.Errorf("unknown cache kind %q", req.Key.Kind)
	}
}

// LiveRequest describes a live transcode for one client.
type LiveRequest struct {
	Key        mediatypes.CacheKey
	SourcePath string
	// MirrorPath receives a copy of the stream. Empty disables mirroring.
	MirrorPath string
	// Reservation is released when RunLive returns.
	Reservation *gate.Reservation
}

// RunLive transcodes req.SourcePath to w until the encoder exits, w fails or
// ctx is canceled. A failing client write kills the process immediately.
// When the key has no writer the output is mirrored to req.MirrorPath; if a
// writer already holds the key the stream still runs without mirroring.
func (m *Manager) RunLive(ctx context.Context, req LiveRequest, w io.Writer) error {
	p, ok := req.Key.Quality.Profile()
	if !ok {
		req.Reservation.Release()
		return fmt.Errorf("no transcode profile for quality %q", req.Key.Quality)
	}

	var job *Job
	var jobCtx context.Context
	if req.MirrorPath != "" {
		var err error
		job, jobCtx, err = m.registerWithParent(ctx, req.Key, ProfileLiveTranscode, req.MirrorPath, req.Reservation)
		if errors.Is(err, ErrAlreadyBuilding) {
			logging.Debug("Cache key %s already has a writer, streaming without mirror", req.Key)
			job = nil
		} else if err != nil {
			req.Reservation.Release()
			return err
		}
	}
	if job == nil {
		var err error
		job, jobCtx, err = m.untracked(ctx, req.Key, ProfileLiveTranscode, req.Reservation)
		if err != nil {
			req.Reservation.Release()
			return err
		}
	}

	var mirror *os.File
	if job.tracked {
		if err := os.MkdirAll(filepath.Dir(req.MirrorPath), 0o755); err == nil {
			mirror, err = os.Create(req.MirrorPath)
			if err != nil {
				logging.Warn("Live job %s cannot mirror to %s: %v", job.info.ID, req.MirrorPath, err)
			}
		} else {
			logging.Warn("Live job %s cannot create cache directory: %v", job.info.ID, err)
		}
	}

	return m.stream(ctx, jobCtx, job, liveTranscodeArgs(req.SourcePath, p), w, mirror)
}

// StreamPassthrough stream-copies source to w as fragmented MP4. It is
// neither gated nor tracked and may run concurrently with a background
// remux of the same media.
func (m *Manager) StreamPassthrough(ctx context.Context, source string, w io.Writer) error {
	job, jobCtx, err := m.untracked(ctx, mediatypes.CacheKey{}, ProfileLiveRemux, nil)
	if err != nil {
		return err
	}
	return m.stream(ctx, jobCtx, job, passthroughArgs(source), w, nil)
}

// stream runs ffmpeg with stdout copied to w and optionally mirrored, then
// finalizes job. It blocks until the process has exited.
func (m *Manager) stream(ctx, jobCtx context.Context, job *Job, args []string, w io.Writer, mirror *os.File) error {
	profile := job.info.Profile
	cmd := m.command(jobCtx, args)
	stderr := newTailBuffer(m.config.StderrTailBytes)
	cmd.Stderr = stderr

	closeMirror := func() {
		if mirror == nil {
			return
		}
		if err := mirror.Close(); err != nil {
			logging.Warn("failed to close cache mirror %s: %v", mirror.Name(), err)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeMirror()
		m.finish(job, fmt.Errorf("create stdout pipe: %w", err), "")
		return job.err
	}
	if err := cmd.Start(); err != nil {
		closeMirror()
		m.finish(job, fmt.Errorf("start ffmpeg: %w", err), "")
		return job.err
	}

	logging.Debug("Started %s job %s (pid %d)", profile, job.info.ID, cmd.Process.Pid)
	metrics.EncoderJobsInProgress.WithLabelValues(string(profile)).Inc()

	stopInterrupt := context.AfterFunc(jobCtx, func() {
		if in, ok := w.(Interrupter); ok && job.stopped.Load() {
			in.Interrupt()
		}
	})
	dst := &mirrorWriter{client: w, mirror: mirror, stopped: &job.stopped}
	_, copyErr := io.Copy(dst, stdout)
	stopInterrupt()
	if copyErr != nil {
		// The client is gone; nothing may keep encoding for it.
		job.cancel()
	}
	waitErr := cmd.Wait()
	metrics.EncoderJobsInProgress.WithLabelValues(string(profile)).Dec()
	closeMirror()

	var result error
	switch {
	case job.stopped.Load():
		result = ErrJobCanceled
	case copyErr != nil:
		result = &clientWriteError{err: copyErr}
	case ctx.Err() != nil:
		result = ctx.Err()
	case jobCtx.Err() != nil:
		result = ErrJobCanceled
	case waitErr != nil:
		result = waitErr
	case job.tracked && mirror == nil:
		result = errors.New("cache mirror unavailable")
	case dst.mirrorErr != nil:
		result = fmt.Errorf("cache mirror: %w", dst.mirrorErr)
	case mirror != nil:
		result = checkOutput(mirror.Name())
	}

	m.finish(job, result, stderr.String())

	// A failed mirror does not affect what the client received.
	if copyErr == nil && waitErr == nil && ctx.Err() == nil && jobCtx.Err() == nil {
		return nil
	}
	return job.err
}

// mirrorWriter writes to the client first. A mirror failure stops mirroring
// without interrupting the client.
type mirrorWriter struct {
	client    io.Writer
	mirror    *os.File
	mirrorErr error
	stopped   *atomic.Bool
}

func (mw *mirrorWriter) Write(p []byte) (int, error) {
	if mw.stopped.Load() {
		return 0, ErrJobCanceled
	}
	n, err := mw.client.Write(p)
	if err != nil {
		return n, err
	}
	if mw.mirror != nil && mw.mirrorErr == nil {
		if _, err := mw.mirror.Write(p); err != nil {
			mw.mirrorErr = err
			logging.Warn("Stopped mirroring to %s: %v", mw.mirror.Name(), err)
		}
	}
	return n, nil
}

func (m *Manager) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, m.config.FFmpegPath, args...)
	cmd.WaitDelay = m.config.WaitDelay
	return cmd
}

func (m *Manager) register(key mediatypes.CacheKey, profile Profile, output string, res *gate.Reservation) (*Job, context.Context, error) {
	return m.registerWithParent(context.Background(), key, profile, output, res)
}

// registerWithParent enforces the single-writer rule. The job is tracked
// before any process is spawned.
func (m *Manager) registerWithParent(parent context.Context, key mediatypes.CacheKey, profile Profile, output string, res *gate.Reservation) (*Job, context.Context, error) {
	ctx, cancel := context.WithCancel(parent)
	job := newJob(key, profile, output, res, cancel)
	job.tracked = true

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, nil, ErrShuttingDown
	}
	if _, exists := m.jobs[key]; exists {
		m.mu.Unlock()
		cancel()
		metrics.EncoderSingleWriterConflicts.Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyBuilding, key)
	}
	m.jobs[key] = job
	m.wg.Add(1)
	m.mu.Unlock()

	return job, ctx, nil
}

// untracked registers a job that owns no cache key. Only Close stops it.
func (m *Manager) untracked(parent context.Context, key mediatypes.CacheKey, profile Profile, res *gate.Reservation) (*Job, context.Context, error) {
	ctx, cancel := context.WithCancel(parent)
	job := newJob(key, profile, "", res, cancel)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return nil, nil, ErrShuttingDown
	}
	m.others[job] = struct{}{}
	m.wg.Add(1)
	return job, ctx, nil
}

func newJob(key mediatypes.CacheKey, profile Profile, output string, res *gate.Reservation, cancel context.CancelFunc) *Job {
	return &Job{
		info: JobInfo{
			ID:         uuid.NewString(),
			Key:        key,
			Profile:    profile,
			OutputPath: output,
			StartedAt:  time.Now(),
		},
		reservation: res,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// finish is the single terminal transition of a job: release the slot,
// delete partial output on failure, then untrack.
func (m *Manager) finish(job *Job, runErr error, stderr string) {
	job.finalize.Do(func() {
		defer m.wg.Done()

		canceled := errors.Is(runErr, context.Canceled) ||
			errors.Is(runErr, context.DeadlineExceeded) ||
			errors.Is(runErr, ErrJobCanceled)
		if runErr != nil && !canceled && !errors.Is(runErr, ErrEncoderFailed) && !isClientError(runErr) {
			runErr = &EncoderError{JobID: job.info.ID, Profile: job.info.Profile, Err: runErr, Stderr: stderr}
		}

		job.reservation.Release()

		if runErr != nil && job.tracked && job.info.OutputPath != "" {
			if err := filesystem.RemoveWithRetry(job.info.OutputPath, filesystem.DefaultRetryConfig()); err != nil {
				logging.Error("Failed to remove partial output %s: %v", job.info.OutputPath, err)
			}
		}

		m.mu.Lock()
		if job.tracked {
			if m.jobs[job.info.Key] == job {
				delete(m.jobs, job.info.Key)
			}
		} else {
			delete(m.others, job)
		}
		m.mu.Unlock()

		job.cancel()
		job.err = runErr
		duration := time.Since(job.info.StartedAt)
		profile := string(job.info.Profile)

		switch {
		case runErr == nil:
			metrics.EncoderJobsTotal.WithLabelValues(profile, "success").Inc()
			logging.Info("%s job %s for %s completed in %v", job.info.Profile, job.info.ID, job.info.Key, duration.Round(time.Millisecond))
		case canceled || isClientError(runErr):
			metrics.EncoderJobsTotal.WithLabelValues(profile, "canceled").Inc()
			logging.Debug("%s job %s for %s stopped: %v", job.info.Profile, job.info.ID, job.info.Key, runErr)
		default:
			metrics.EncoderJobsTotal.WithLabelValues(profile, "failed").Inc()
			logging.Error("%v", runErr)
		}
		metrics.EncoderJobDuration.WithLabelValues(profile).Observe(duration.Seconds())

		close(job.done)

		if job.tracked {
			m.hookMu.RLock()
			hook := m.onJobDone
			m.hookMu.RUnlock()
			if hook != nil {
				hook(JobResult{JobInfo: job.info, Duration: duration, Err: runErr})
			}
		}
	})
}

// clientWriteError marks a stream that ended because writing to the client failed.
type clientWriteError struct {
	err error
}

func (e *clientWriteError) Error() string {
	return "client write: " + e.err.Error()
}

func (e *clientWriteError) Unwrap() error {
	return e.err
}

func isClientError(err error) bool {
	var ce *clientWriteError
	return errors.As(err, &ce)
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("output is empty")
	}
	return nil
}

// IsBuilding reports whether a job currently holds key.
func (m *Manager) IsBuilding(key mediatypes.CacheKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[key]
	return ok
}

// Lookup returns the job holding key, if any.
func (m *Manager) Lookup(key mediatypes.CacheKey) (JobInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[key]
	if !ok {
		return JobInfo{}, false
	}
	return job.info, true
}

// Jobs returns a snapshot of every tracked job.
func (m *Manager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]JobInfo, 0, len(m.jobs))
	for _, job := range m.jobs {
		infos = append(infos, job.info)
	}
	return infos
}

// Cancel kills the job holding key and waits for its cleanup. It returns
// false when no job was tracked.
func (m *Manager) Cancel(key mediatypes.CacheKey) bool {
	m.mu.Lock()
	job, ok := m.jobs[key]
	m.mu.Unlock()
	if !ok {
		return false
	}

	logging.Info("Canceling %s job %s for %s", job.info.Profile, job.info.ID, key)
	job.stop()
	<-job.done
	return true
}

// CancelAll kills every tracked job and waits for their cleanup.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	stopJobs(jobs)
}

// Close stops admitting jobs, kills every process including untracked live
// streams, and waits for their cleanup. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	jobs := make([]*Job, 0, len(m.jobs)+len(m.others))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	for job := range m.others {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	stopJobs(jobs)
	m.wg.Wait()
}

func stopJobs(jobs []*Job) {
	for _, job := range jobs {
		job.stop()
	}
	for _, job := range jobs {
		<-job.done
	}
	if len(jobs) > 0 {
		logging.Info("Stopped %d encoder job(s)", len(jobs))
	}
}

// Wait blocks until every job admitted so far has finished its cleanup.
func (m *Manager) Wait() {
	m.wg.Wait()
}
