package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

var (
	// ErrDeviceClosed is returned by device operations after Close.
	ErrDeviceClosed = errors.New("output device closed")

	// ErrDeviceUnavailable wraps failures to acquire or resume the output device.
	ErrDeviceUnavailable = errors.New("audio output device unavailable")
)

// Clock is the monotonic time source scheduling decisions run against.
// Injected so the scheduler is testable without a real output device.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewSystemClock returns a Clock backed by the runtime clock.
func NewSystemClock() Clock { return systemClock{} }

// PlaybackBuffer is a fixed-duration slice of normalized samples. It owns no
// device resources, is never mutated after creation, and is scheduled onto
// an output source exactly once.
type PlaybackBuffer struct {
	samples    []float32
	sampleRate int
}

func NewPlaybackBuffer(samples []float32, sampleRate int) PlaybackBuffer {
	return PlaybackBuffer{samples: samples, sampleRate: sampleRate}
}

func (b PlaybackBuffer) Samples() []float32 { return b.samples }

func (b PlaybackBuffer) SampleRate() int { return b.sampleRate }

// Duration is the wall-clock playback length of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(b.samples)) * int64(time.Second) / int64(b.sampleRate))
}

// Source is a live handle to one scheduled buffer, tracked until playback
// ends so interruption can silence everything pending at once.
type Source interface {
	// Stop silences the source. Safe on sources that already ended.
	Stop()
}

// OutputDevice is the hardware audio sink. Implementations must support
// scheduled starts against the shared Clock and independent gain control.
// The onEnded callback passed to Schedule fires at most once and never
// synchronously from inside Schedule.
type OutputDevice interface {
	// Resume (re)starts a suspended output stream. Idempotent.
	Resume(ctx context.Context) error

	// Schedule starts buf at the given clock time, clamped forward when the
	// time is already past.
	Schedule(buf PlaybackBuffer, at time.Time, onEnded func()) (Source, error)

	// SetGain sets the output gain in [0, 1].
	SetGain(gain float64)

	// Close releases the device. It cannot be resumed afterwards.
	Close() error
}

// NewOutputDevice selects the configured output backend.
func NewOutputDevice(logger *zap.Logger, cfg *config.Config, clock Clock) (OutputDevice, error) {
	switch cfg.Audio.Backend {
	case "portaudio":
		return NewPortAudioDevice(logger, cfg, clock)
	case "none":
		return NewNullDevice(logger, clock), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
	}
}

// nullDevice discards audio while honoring scheduling semantics, for
// headless runs (audio.backend: none). Sources end on a timer as if they
// had played.
type nullDevice struct {
	logger *zap.Logger
	clock  Clock

	mu     sync.Mutex
	closed bool
	gain   float64
	timers map[*time.Timer]struct{}
}

func NewNullDevice(logger *zap.Logger, clock Clock) OutputDevice {
	return &nullDevice{
		logger: logger,
		clock:  clock,
		gain:   1.0,
		timers: make(map[*time.Timer]struct{}),
	}
}

func (d *nullDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (d *nullDevice) Schedule(buf PlaybackBuffer, at time.Time, onEnded func()) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	delay := at.Sub(d.clock.Now()) + buf.Duration()
	if delay < 0 {
		delay = 0
	}

	src := &nullSource{onEnded: onEnded}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		d.mu.Unlock()
		src.fire()
	})
	src.timer = timer
	d.timers[timer] = struct{}{}

	return src, nil
}

func (d *nullDevice) SetGain(gain float64) {
	d.mu.Lock()
	d.gain = clampGain(gain)
	d.mu.Unlock()
}

func (d *nullDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	timers := d.timers
	d.timers = nil
	d.mu.Unlock()

	for timer := range timers {
		timer.Stop()
	}

	d.logger.Info("Null output device closed")
	return nil
}

type nullSource struct {
	once    sync.Once
	timer   *time.Timer
	onEnded func()
}

func (s *nullSource) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.fire()
}

func (s *nullSource) fire() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

func clampGain(gain float64) float64 {
	if gain < 0 {
		return 0
	}
	if gain > 1 {
		return 1
	}
	return gain
}
