package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

var (
	// ErrMicrophoneClosed is returned by operations after Close.
	ErrMicrophoneClosed = errors.New("microphone closed")

	// ErrMicrophoneStarted is returned by a second Start on the same stream.
	ErrMicrophoneStarted = errors.New("microphone already started")
)

// Microphone owns the audio input device. Suspend mutes without releasing
// the hardware, so repeated toggling never reacquires the device.
type Microphone interface {
	// Start opens the input stream and delivers little-endian PCM16 chunks
	// to onChunk from the capture goroutine until Close.
	Start(ctx context.Context, onChunk func(pcm []byte)) error

	// Suspend drops captured chunks while keeping the stream hot.
	Suspend()

	// Resume re-enables chunk delivery after Suspend.
	Resume()

	// Suspended reports whether delivery is currently muted.
	Suspended() bool

	// Close releases the input device unconditionally. Idempotent.
	Close() error
}

// NewMicrophone selects the input backend configured under audio.backend.
func NewMicrophone(logger *zap.Logger, cfg *config.Config) (Microphone, error) {
	switch cfg.Audio.Backend {
	case "portaudio":
		return newPortAudioMicrophone(logger, cfg), nil
	case "none":
		return newNullMicrophone(logger), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
	}
}

// MicrophoneFactory mints a fresh Microphone per session. Close is terminal
// on a microphone, so each session constructs its own.
type MicrophoneFactory func() (Microphone, error)

func NewMicrophoneFactory(logger *zap.Logger, cfg *config.Config) MicrophoneFactory {
	return func() (Microphone, error) {
		return NewMicrophone(logger, cfg)
	}
}

type portAudioMicrophone struct {
	logger          *zap.Logger
	sampleRate      int
	framesPerBuffer int
	deviceID        int

	suspended atomic.Bool

	mu      sync.Mutex
	stream  *portaudio.Stream
	onChunk func([]byte)
	started bool
	closed  bool
}

func newPortAudioMicrophone(logger *zap.Logger, cfg *config.Config) *portAudioMicrophone {
	return &portAudioMicrophone{
		logger:          logger,
		sampleRate:      cfg.Session.InputSampleRate,
		framesPerBuffer: cfg.Audio.FramesPerBuffer,
		deviceID:        cfg.Audio.InputDeviceID,
	}
}

func (m *portAudioMicrophone) Start(ctx context.Context, onChunk func(pcm []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMicrophoneClosed
	}
	if m.started {
		return ErrMicrophoneStarted
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize audio host: %w", err)
	}

	info, err := inputDeviceInfo(m.deviceID)
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.sampleRate),
		FramesPerBuffer: m.framesPerBuffer,
	}

	m.onChunk = onChunk
	stream, err := portaudio.OpenStream(params, m.process)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}

	m.stream = stream
	m.started = true

	m.logger.Info("Microphone capture started",
		zap.String("device", info.Name),
		zap.Int("sample_rate", m.sampleRate),
		zap.Int("frames_per_buffer", m.framesPerBuffer))

	return nil
}

// process runs on the audio callback thread; it must stay allocation-light
// and never take m.mu.
func (m *portAudioMicrophone) process(in []int16) {
	if m.suspended.Load() {
		return
	}

	pcm := make([]byte, len(in)*2)
	for i, sample := range in {
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	m.onChunk(pcm)
}

func (m *portAudioMicrophone) Suspend() {
	if m.suspended.CompareAndSwap(false, true) {
		m.logger.Info("Microphone suspended")
	}
}

func (m *portAudioMicrophone) Resume() {
	if m.suspended.CompareAndSwap(true, false) {
		m.logger.Info("Microphone resumed")
	}
}

func (m *portAudioMicrophone) Suspended() bool {
	return m.suspended.Load()
}

func (m *portAudioMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.stream != nil {
		if m.started {
			if err := m.stream.Stop(); err != nil {
				firstErr = fmt.Errorf("stop input stream: %w", err)
			}
		}
		if err := m.stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close input stream: %w", err)
		}
		m.stream = nil
		if err := portaudio.Terminate(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("terminate audio host: %w", err)
		}
	}

	m.logger.Info("Microphone closed")
	return firstErr
}

func inputDeviceInfo(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("resolve default input device: %w", err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("input device %d out of range (%d devices)", id, len(devices))
	}
	info := devices[id]
	if info.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %q has no input channels", info.Name)
	}
	return info, nil
}

// nullMicrophone accepts the full lifecycle but never produces audio. Used
// for headless runs.
type nullMicrophone struct {
	logger *zap.Logger

	suspended atomic.Bool

	mu      sync.Mutex
	started bool
	closed  bool
}

func newNullMicrophone(logger *zap.Logger) *nullMicrophone {
	return &nullMicrophone{logger: logger}
}

func (m *nullMicrophone) Start(ctx context.Context, _ func(pcm []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMicrophoneClosed
	}
	if m.started {
		return ErrMicrophoneStarted
	}
	m.started = true

	m.logger.Info("Null microphone started")
	return nil
}

func (m *nullMicrophone) Suspend() {
	m.suspended.Store(true)
}

func (m *nullMicrophone) Resume() {
	m.suspended.Store(false)
}

func (m *nullMicrophone) Suspended() bool {
	return m.suspended.Load()
}

func (m *nullMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
