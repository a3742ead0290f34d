package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// Device kinds a FrameSource can bind.
const (
	KindCamera = "camera"
	KindScreen = "screen"
)

var (
	// ErrNotAcquired is returned by Capture before a successful Acquire.
	ErrNotAcquired = errors.New("frame source not acquired")

	// ErrAlreadyAcquired is returned by a second Acquire without a Release.
	ErrAlreadyAcquired = errors.New("frame source already acquired")
)

// FrameSource binds one device kind to a grabber. At most one capture
// session per kind is alive at a time; the session owns the source
// exclusively between Acquire and Release.
type FrameSource interface {
	// Acquire probes the device and fails with a descriptive error when it
	// does not produce a frame within the readiness timeout. Never hangs.
	Acquire(ctx context.Context) error

	// Capture grabs one frame. Requires a prior Acquire.
	Capture(ctx context.Context) (Frame, error)

	// Release frees the device binding. Unconditional and idempotent.
	Release() error

	// Kind reports the bound device kind.
	Kind() string
}

type execFrameSource struct {
	logger           *zap.Logger
	kind             string
	grabber          FrameGrabber
	readinessTimeout time.Duration

	mu       sync.Mutex
	acquired bool
}

func NewFrameSource(logger *zap.Logger, kind string, grabber FrameGrabber, readinessTimeout time.Duration) FrameSource {
	return &execFrameSource{
		logger:           logger,
		kind:             kind,
		grabber:          grabber,
		readinessTimeout: readinessTimeout,
	}
}

func (s *execFrameSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.acquired {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAcquired, s.kind)
	}
	s.mu.Unlock()

	// The first grab doubles as the readiness probe: a device that cannot
	// produce a frame now will not produce one on the timer either.
	probeCtx, cancel := context.WithTimeout(ctx, s.readinessTimeout)
	defer cancel()

	if _, err := s.grabber.Grab(probeCtx); err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s not ready within %s: %w", s.kind, s.readinessTimeout, err)
		}
		return fmt.Errorf("%s readiness probe failed: %w", s.kind, err)
	}

	s.mu.Lock()
	s.acquired = true
	s.mu.Unlock()

	s.logger.Info("Capture source acquired", zap.String("kind", s.kind))
	return nil
}

func (s *execFrameSource) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	acquired := s.acquired
	s.mu.Unlock()

	if !acquired {
		return Frame{}, fmt.Errorf("%w: %s", ErrNotAcquired, s.kind)
	}

	return s.grabber.Grab(ctx)
}

func (s *execFrameSource) Release() error {
	s.mu.Lock()
	released := s.acquired
	s.acquired = false
	s.mu.Unlock()

	if released {
		s.logger.Info("Capture source released", zap.String("kind", s.kind))
	}
	return nil
}

func (s *execFrameSource) Kind() string {
	return s.kind
}

// SourceFactory mints a FrameSource for a device kind from configuration.
type SourceFactory func(kind string) (FrameSource, error)

func NewSourceFactory(logger *zap.Logger, cfg *config.Config) SourceFactory {
	return func(kind string) (FrameSource, error) {
		var fc config.FrameCaptureConfig
		switch kind {
		case KindCamera:
			fc = cfg.Capture.Camera
		case KindScreen:
			fc = cfg.Capture.Screen
		default:
			return nil, fmt.Errorf("unknown capture kind %q", kind)
		}

		grabber, err := NewExecFrameGrabber(logger, fc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}

		return NewFrameSource(logger, kind, grabber, cfg.Capture.ReadinessTimeout()), nil
	}
}
