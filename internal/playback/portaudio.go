package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// reapInterval is how often finished mixer sources get their completion
// callbacks fired.
const reapInterval = 10 * time.Millisecond

// PortAudioDevice mixes scheduled buffers into one mono output stream. The
// stream callback touches only pre-allocated state; completion callbacks
// fire from a reaper goroutine, never from the callback itself.
type PortAudioDevice struct {
	logger *zap.Logger
	clock  Clock

	sampleRate      int
	framesPerBuffer int
	deviceID        int

	mu         sync.Mutex
	stream     *portaudio.Stream
	started    bool
	closed     bool
	gain       float64
	pos        int64     // frames written since stream open
	anchorPos  int64     // stream position paired with anchorTime
	anchorTime time.Time // clock reading at anchorPos
	sources    []*mixerSource

	reapStop chan struct{}
	reapDone chan struct{}
}

func NewPortAudioDevice(logger *zap.Logger, cfg *config.Config, clock Clock) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	d := &PortAudioDevice{
		logger:          logger,
		clock:           clock,
		sampleRate:      cfg.Session.OutputSampleRate,
		framesPerBuffer: cfg.Audio.FramesPerBuffer,
		deviceID:        cfg.Audio.OutputDeviceID,
		gain:            1.0,
		anchorTime:      clock.Now(),
		reapStop:        make(chan struct{}),
		reapDone:        make(chan struct{}),
	}

	go d.reapLoop()

	return d, nil
}

func (d *PortAudioDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}

	if d.stream == nil {
		if err := d.openStreamLocked(); err != nil {
			return err
		}
	}

	if !d.started {
		if err := d.stream.Start(); err != nil {
			return fmt.Errorf("failed to start output stream: %w", err)
		}
		d.started = true
		d.anchorPos = d.pos
		d.anchorTime = d.clock.Now()
		d.logger.Info("Output stream started")
	}

	return nil
}

func (d *PortAudioDevice) Schedule(buf PlaybackBuffer, at time.Time, onEnded func()) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	startPos := d.anchorPos + durationToFrames(at.Sub(d.anchorTime), d.sampleRate)
	if startPos < d.pos {
		// Never schedule into frames the stream already consumed.
		startPos = d.pos
	}

	src := &mixerSource{
		samples:  buf.Samples(),
		startPos: startPos,
		onEnded:  onEnded,
	}
	d.sources = append(d.sources, src)

	return &paSourceHandle{device: d, src: src}, nil
}

func (d *PortAudioDevice) SetGain(gain float64) {
	d.mu.Lock()
	d.gain = clampGain(gain)
	d.mu.Unlock()
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stream := d.stream
	started := d.started
	d.stream = nil
	d.started = false
	d.sources = nil
	d.mu.Unlock()

	close(d.reapStop)
	<-d.reapDone

	var firstErr error
	if stream != nil {
		if started {
			if err := stream.Stop(); err != nil {
				firstErr = fmt.Errorf("failed to stop output stream: %w", err)
			}
		}
		if err := stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close output stream: %w", err)
		}
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to terminate portaudio: %w", err)
	}

	d.logger.Info("Output device closed")
	return firstErr
}

func (d *PortAudioDevice) openStreamLocked() error {
	device, err := outputDeviceInfo(d.deviceID)
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   device,
			Latency:  device.DefaultLowOutputLatency,
		},
		FramesPerBuffer: d.framesPerBuffer,
		SampleRate:      float64(d.sampleRate),
	}

	stream, err := portaudio.OpenStream(params, d.process)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	d.stream = stream

	d.logger.Info("Output stream opened",
		zap.String("device", device.Name),
		zap.Int("sample_rate", d.sampleRate),
		zap.Int("frames_per_buffer", d.framesPerBuffer))

	return nil
}

// process is the portaudio stream callback. It mixes every active source
// into the output buffer at the current gain.
func (d *PortAudioDevice) process(out []float32) {
	d.mu.Lock()

	for i := range out {
		out[i] = 0
	}

	gain := float32(d.gain)
	start := d.pos
	end := start + int64(len(out))

	for _, src := range d.sources {
		src.mixInto(out, start, end, gain)
	}

	d.pos = end
	d.anchorPos = end
	d.anchorTime = d.clock.Now()

	d.mu.Unlock()
}

// reapLoop sweeps ended sources and fires their completion callbacks
// outside the device lock.
func (d *PortAudioDevice) reapLoop() {
	defer close(d.reapDone)

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.reapStop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		var finished []func()
		kept := d.sources[:0]
		for _, src := range d.sources {
			if src.ended || src.stopped {
				if src.onEnded != nil {
					finished = append(finished, src.onEnded)
				}
				continue
			}
			kept = append(kept, src)
		}
		d.sources = kept
		d.mu.Unlock()

		for _, fn := range finished {
			fn()
		}
	}
}

// mixerSource is one scheduled buffer inside the output mix. All fields are
// guarded by the owning device's mutex.
type mixerSource struct {
	samples  []float32
	startPos int64
	onEnded  func()
	ended    bool
	stopped  bool
}

// mixInto adds the overlap of this source with stream frames [start, end).
func (s *mixerSource) mixInto(out []float32, start, end int64, gain float32) {
	if s.ended || s.stopped {
		return
	}

	srcEnd := s.startPos + int64(len(s.samples))
	if srcEnd <= start {
		s.ended = true
		return
	}
	if s.startPos >= end {
		return
	}

	from := max(start, s.startPos)
	to := min(end, srcEnd)
	for p := from; p < to; p++ {
		out[p-start] += s.samples[p-s.startPos] * gain
	}

	if srcEnd <= end {
		s.ended = true
	}
}

type paSourceHandle struct {
	device *PortAudioDevice
	src    *mixerSource
}

func (h *paSourceHandle) Stop() {
	h.device.mu.Lock()
	h.src.stopped = true
	h.device.mu.Unlock()
}

// outputDeviceInfo resolves the configured output device, -1 meaning the
// system default.
func outputDeviceInfo(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		device, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default output device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("invalid output device id: %d", id)
	}
	if devices[id].MaxOutputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no output channels", id, devices[id].Name)
	}

	return devices[id], nil
}

func durationToFrames(dur time.Duration, sampleRate int) int64 {
	return int64(dur) * int64(sampleRate) / int64(time.Second)
}
