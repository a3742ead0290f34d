package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/pkg/util"
)

var (
	// ErrNotInitialized is returned when audio arrives before Initialize.
	ErrNotInitialized = errors.New("playback scheduler not initialized")

	// ErrSchedulerClosed is returned by operations after Close.
	ErrSchedulerClosed = errors.New("playback scheduler closed")
)

// resumeFailureLimit is the number of consecutive device resume failures
// tolerated before scheduling halts for good.
const resumeFailureLimit = 3

// Scheduler turns the bursty inbound PCM stream into gapless playback
// against the injected clock.
type Scheduler interface {
	// Initialize resumes the output device and resets internal queues.
	// Idempotent.
	Initialize(ctx context.Context) error

	// StreamAudio normalizes one PCM chunk into the accumulation buffer and
	// cuts fixed-duration playback buffers from it.
	StreamAudio(chunk []byte) error

	// MarkComplete records that the current model turn delivered its last
	// chunk; playback finishes once the queue drains.
	MarkComplete()

	// Stop silences playback: stops every pending source, clears queues and
	// accumulation, and fades the gain back up for the next start.
	// Idempotent.
	Stop()

	// OnInterrupt is invoked when the remote reports the user interrupted
	// the model. Stale audio must stop immediately.
	OnInterrupt()

	// SetFaultHandler registers the callback fired once if scheduling halts
	// after repeated device resume failures.
	SetFaultHandler(fn func(error))

	// Close stops the scheduling loop and releases the output device.
	Close() error
}

type scheduler struct {
	logger    *zap.Logger
	device    OutputDevice
	clock     Clock
	processor audio.Processor
	metrics   *observability.Metrics
	notifier  *util.Notifier

	sampleRate     int
	sliceSamples   int
	lookAhead      time.Duration
	minLead        time.Duration
	idlePoll       time.Duration
	fade           time.Duration
	overflowFactor int

	mu             sync.Mutex
	initialized    bool
	closed         bool
	epoch          uint64
	cursor         time.Time
	accumulated    []float32
	queue          []PlaybackBuffer
	queuedSamples  int
	pending        map[uint64]Source
	nextSourceID   uint64
	complete       bool
	resumeFailures int
	halted         bool
	haltErr        error
	onFault        func(error)

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// EngineFactory mints a scheduler bound to a freshly acquired output device.
// Closing the scheduler releases the device, so each session gets its own
// pair and a later session can acquire the hardware again.
type EngineFactory func() (Scheduler, error)

func NewEngineFactory(logger *zap.Logger, cfg *config.Config, clock Clock, processor audio.Processor, metrics *observability.Metrics) EngineFactory {
	return func() (Scheduler, error) {
		device, err := NewOutputDevice(logger, cfg, clock)
		if err != nil {
			return nil, err
		}
		return NewScheduler(logger, cfg, device, clock, processor, metrics), nil
	}
}

func NewScheduler(logger *zap.Logger, cfg *config.Config, device OutputDevice, clock Clock, processor audio.Processor, metrics *observability.Metrics) Scheduler {
	idlePoll := cfg.Playback.IdlePoll()
	if idlePoll <= 0 {
		idlePoll = 100 * time.Millisecond
	}

	sampleRate := cfg.Session.OutputSampleRate

	return &scheduler{
		logger:         logger,
		device:         device,
		clock:          clock,
		processor:      processor,
		metrics:        metrics,
		notifier:       util.NewNotifier(),
		sampleRate:     sampleRate,
		sliceSamples:   sampleRate * cfg.Playback.SliceMs / 1000,
		lookAhead:      cfg.Playback.LookAhead(),
		minLead:        cfg.Playback.MinLead(),
		idlePoll:       idlePoll,
		fade:           cfg.Playback.Fade(),
		overflowFactor: cfg.Playback.OverflowFactor,
		pending:        make(map[uint64]Source),
	}
}

func (s *scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.mu.Unlock()

	if err := s.device.Resume(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}

	stale := s.drainLocked()
	s.cursor = s.clock.Now()
	s.halted = false
	s.haltErr = nil
	s.resumeFailures = 0
	s.complete = false
	s.initialized = true

	if s.runDone == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		s.runCancel = cancel
		s.runDone = make(chan struct{})
		go s.run(runCtx)
	}
	s.mu.Unlock()

	stopAll(stale)

	s.logger.Info("Playback scheduler initialized",
		zap.Int("sample_rate", s.sampleRate),
		zap.Int("slice_samples", s.sliceSamples),
		zap.Duration("look_ahead", s.lookAhead),
		zap.Duration("min_lead", s.minLead))

	return nil
}

func (s *scheduler) StreamAudio(chunk []byte) error {
	samples, err := s.processor.PCMToFloat32(chunk)
	if err != nil {
		return fmt.Errorf("normalize audio chunk: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.halted {
		haltErr := s.haltErr
		s.mu.Unlock()
		return haltErr
	}

	s.metrics.AudioChunksIn.Inc()
	s.complete = false
	s.accumulated = append(s.accumulated, samples...)

	// Lossy recovery: when the backlog outruns the device, drop it all
	// rather than letting playback latency grow without bound.
	ceiling := s.overflowFactor * s.sliceSamples
	if len(s.accumulated)+s.queuedSamples > ceiling {
		dropped := len(s.accumulated) + s.queuedSamples
		s.accumulated = s.accumulated[:0]
		s.queue = nil
		s.queuedSamples = 0
		s.metrics.OverflowResets.Inc()
		s.metrics.AccumulatedFrames.Set(0)
		s.mu.Unlock()

		s.logger.Warn("Playback backlog overflow, dropping buffered audio",
			zap.Int("dropped_samples", dropped),
			zap.Int("ceiling_samples", ceiling))
		return nil
	}

	for len(s.accumulated) >= s.sliceSamples {
		sliced := make([]float32, s.sliceSamples)
		copy(sliced, s.accumulated[:s.sliceSamples])
		s.queue = append(s.queue, NewPlaybackBuffer(sliced, s.sampleRate))
		s.queuedSamples += s.sliceSamples
		s.accumulated = append(s.accumulated[:0], s.accumulated[s.sliceSamples:]...)
	}
	s.metrics.AccumulatedFrames.Set(float64(len(s.accumulated)))
	s.mu.Unlock()

	s.notifier.Notify()
	return nil
}

func (s *scheduler) MarkComplete() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()

	s.notifier.Notify()
	s.logger.Debug("Model turn audio complete")
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	if s.closed || !s.initialized {
		s.mu.Unlock()
		return
	}
	stale := s.drainLocked()
	s.complete = false
	s.mu.Unlock()

	stopAll(stale)
	s.fadeGain()

	s.logger.Info("Playback stopped", zap.Int("stopped_sources", len(stale)))
}

func (s *scheduler) OnInterrupt() {
	s.logger.Info("Interruption signaled, stopping playback")
	s.Stop()
}

func (s *scheduler) SetFaultHandler(fn func(error)) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

func (s *scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.initialized = false
	cancel := s.runCancel
	done := s.runDone
	stale := s.drainLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	stopAll(stale)

	err := s.device.Close()
	s.logger.Info("Playback scheduler closed")
	return err
}

// run is the scheduling loop. It wakes on new data and falls back to a
// fixed idle tick so device starvation recovers without a producer signal.
func (s *scheduler) run(ctx context.Context) {
	defer close(s.runDone)

	ticker := time.NewTicker(s.idlePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notifier.C():
		case <-ticker.C:
		}

		s.schedulePass(ctx)
	}
}

// schedulePass dequeues buffers into the look-ahead window and hands them
// to the output device.
func (s *scheduler) schedulePass(ctx context.Context) {
	s.mu.Lock()
	if s.closed || !s.initialized || s.halted || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Platform power saving can suspend the device between turns; recover
	// before every pass.
	if err := s.device.Resume(ctx); err != nil {
		s.noteResumeFailure(err)
		return
	}

	s.mu.Lock()
	s.resumeFailures = 0

	now := s.clock.Now()
	if s.cursor.Before(now) {
		// Output starvation: snap forward instead of compounding drift.
		s.cursor = now
	}

	horizon := now.Add(s.lookAhead)
	minStart := now.Add(s.minLead)

	type slot struct {
		id    uint64
		buf   PlaybackBuffer
		start time.Time
	}
	var batch []slot

	for len(s.queue) > 0 && s.cursor.Before(horizon) {
		buf := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedSamples -= len(buf.Samples())

		start := s.cursor
		if start.Before(minStart) {
			start = minStart
		}
		s.cursor = start.Add(buf.Duration())

		id := s.nextSourceID
		s.nextSourceID++
		batch = append(batch, slot{id: id, buf: buf, start: start})
	}

	drained := len(s.queue) == 0 && s.complete
	epoch := s.epoch
	s.mu.Unlock()

	for _, sl := range batch {
		id := sl.id
		src, err := s.device.Schedule(sl.buf, sl.start, func() { s.removePending(id) })
		if err != nil {
			s.logger.Error("Failed to schedule playback buffer",
				zap.Time("start", sl.start),
				zap.Error(err))
			continue
		}

		s.metrics.BuffersScheduled.Inc()
		s.metrics.ScheduleLead.Observe(sl.start.Sub(now).Seconds())

		s.mu.Lock()
		if s.epoch != epoch {
			// Stopped while scheduling; silence the straggler.
			s.mu.Unlock()
			src.Stop()
			continue
		}
		s.pending[id] = src
		s.metrics.PendingSources.Set(float64(len(s.pending)))
		s.mu.Unlock()

		s.logger.Debug("Scheduled playback buffer",
			zap.Time("start", sl.start),
			zap.Duration("duration", sl.buf.Duration()))
	}

	if drained {
		s.logger.Debug("Playback queue drained")
	}
}

func (s *scheduler) removePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.metrics.PendingSources.Set(float64(len(s.pending)))
	s.mu.Unlock()
}

func (s *scheduler) noteResumeFailure(err error) {
	s.mu.Lock()
	s.resumeFailures++
	failures := s.resumeFailures

	if failures < resumeFailureLimit {
		s.mu.Unlock()
		s.logger.Warn("Output device resume failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		return
	}
	if s.halted {
		s.mu.Unlock()
		return
	}

	s.halted = true
	s.haltErr = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	haltErr := s.haltErr
	onFault := s.onFault
	stale := s.drainLocked()
	s.mu.Unlock()

	stopAll(stale)

	s.logger.Error("Playback halted after repeated device resume failures",
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if onFault != nil {
		onFault(haltErr)
	}
}

// drainLocked clears every queue and hands back the pending sources so the
// caller can stop them outside the lock. Callers hold s.mu.
func (s *scheduler) drainLocked() []Source {
	s.epoch++
	sources := make([]Source, 0, len(s.pending))
	for _, src := range s.pending {
		sources = append(sources, src)
	}
	s.pending = make(map[uint64]Source)
	s.queue = nil
	s.queuedSamples = 0
	s.accumulated = s.accumulated[:0]
	s.cursor = s.clock.Now()
	s.metrics.PendingSources.Set(0)
	s.metrics.AccumulatedFrames.Set(0)
	return sources
}

// fadeGain dips the gain to zero and ramps it back to unity so the next
// start does not click.
func (s *scheduler) fadeGain() {
	s.device.SetGain(0)

	if s.fade <= 0 {
		s.device.SetGain(1)
		return
	}

	const steps = 8
	interval := s.fade / steps
	go func() {
		for i := 1; i <= steps; i++ {
			time.Sleep(interval)
			s.device.SetGain(float64(i) / float64(steps))
		}
	}()
}

func stopAll(sources []Source) {
	for _, src := range sources {
		src.Stop()
	}
}
