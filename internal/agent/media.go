package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/capture"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/transcribe"
	"github.com/quillon/liveagent/pkg/util"
)

// ToggleMicrophone starts the microphone on first use and toggles mute on
// every later call. Muting suspends chunk delivery without releasing the
// input device, so toggling never re-prompts for device access.
func (o *Orchestrator) ToggleMicrophone(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if st := o.State(); st != StateInitialized {
		return newError(CodeDeviceUnavailable, fmt.Sprintf("microphone requires an initialized session, state is %s", st), nil)
	}

	o.mu.Lock()
	mic := o.mic
	started := o.micStarted
	chunks := o.micChunks
	o.mu.Unlock()

	if !started {
		onChunk := func(pcm []byte) {
			select {
			case chunks <- pcm:
			default:
				// Uplink congested; microphone audio is lossy.
			}
		}
		if err := mic.Start(ctx, onChunk); err != nil {
			return newError(CodeDeviceUnavailable, "failed to start microphone", err)
		}

		o.mu.Lock()
		o.micStarted = true
		o.mu.Unlock()

		o.logger.Info("Microphone started")
		return nil
	}

	if mic.Suspended() {
		mic.Resume()
	} else {
		mic.Suspend()
	}
	return nil
}

// MicrophoneActive reports whether the microphone is started and delivering.
func (o *Orchestrator) MicrophoneActive() bool {
	o.mu.Lock()
	mic := o.mic
	started := o.micStarted
	o.mu.Unlock()

	return started && mic != nil && !mic.Suspended()
}

// uplinkLoop drains microphone chunks onto the transport, the input
// transcription sidecar, the debug tap and the speech activity gate. It runs
// from Initialize until the session context is cancelled.
func (o *Orchestrator) uplinkLoop(ctx context.Context, chunks <-chan []byte, speech *speechGate, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-chunks:
			o.forwardMicChunk(pcm, speech)
		case <-speech.quiet():
			o.setSpeechActive(speech, false)
		}
	}
}

func (o *Orchestrator) forwardMicChunk(pcm []byte, speech *speechGate) {
	o.mu.Lock()
	client := o.client
	sidecar := o.sidecars[transcribe.SourceInput]
	o.mu.Unlock()

	if client != nil {
		if err := client.SendAudio(pcm); err != nil {
			o.logger.Warn("Failed to send microphone audio", zap.Error(err))
		}
	}
	if sidecar != nil {
		if err := sidecar.SendAudio(pcm); err != nil {
			o.logger.Debug("Input transcription dropped a chunk", zap.Error(err))
		}
	}

	o.tap.Write(audio.TapCaptured, pcm, o.cfg.Session.InputSampleRate)

	if silent, _ := o.processor.DetectSilence(pcm); !silent {
		o.setSpeechActive(speech, true)
		speech.voiced()
	}
}

func (o *Orchestrator) setSpeechActive(speech *speechGate, active bool) {
	if !speech.setActive(active) {
		return
	}

	o.mu.Lock()
	events := o.events
	o.mu.Unlock()
	events.emitSpeechActivity(active)
}

// speechGate turns the voiced/silent classification of individual chunks
// into debounced activity transitions: active on the first voiced chunk,
// inactive once the hang time passes without another one.
type speechGate struct {
	debouncer *util.Debouncer

	mu     sync.Mutex
	active bool
}

func newSpeechGate(hang time.Duration) *speechGate {
	return &speechGate{debouncer: util.NewDebouncer(hang)}
}

func (g *speechGate) quiet() <-chan time.Time { return g.debouncer.C() }

func (g *speechGate) voiced() { g.debouncer.Reset() }

func (g *speechGate) stop() { g.debouncer.Stop() }

// setActive reports whether the state actually changed.
func (g *speechGate) setActive(active bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == active {
		return false
	}
	g.active = active
	return true
}

// StartCameraCapture begins periodic camera frame uploads.
func (o *Orchestrator) StartCameraCapture(ctx context.Context) error {
	return o.startCapture(ctx, capture.KindCamera, o.cfg.Capture.Camera)
}

// StopCameraCapture ends the camera session. No-op when none is running.
func (o *Orchestrator) StopCameraCapture() {
	o.stopCapture(capture.KindCamera)
}

// StartScreenShare begins periodic screen frame uploads.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	return o.startCapture(ctx, capture.KindScreen, o.cfg.Capture.Screen)
}

// StopScreenShare ends the screen session. No-op when none is running.
func (o *Orchestrator) StopScreenShare() {
	o.stopCapture(capture.KindScreen)
}

// captureSession is one running frame loop. finish guarantees the stream is
// released and the stopped event fires exactly once, whether the session
// ends by user stop, disconnect or failure-threshold self-termination.
type captureSession struct {
	id        string
	kind      string
	source    capture.FrameSource
	interval  time.Duration
	threshold int

	cancel context.CancelFunc
	done   chan struct{}
	finish sync.Once
}

func (o *Orchestrator) startCapture(ctx context.Context, kind string, cc config.FrameCaptureConfig) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if st := o.State(); st != StateInitialized {
		return newError(CodeCaptureFailure, fmt.Sprintf("%s capture requires an initialized session, state is %s", kind, st), nil)
	}

	o.mu.Lock()
	_, running := o.captures[kind]
	sessionCtx := o.sessionCtx
	o.mu.Unlock()
	if running {
		return newError(CodeCaptureFailure, fmt.Sprintf("%s capture already running", kind), nil)
	}

	source, err := o.sourceFactory(kind)
	if err != nil {
		return newError(CodeCaptureFailure, fmt.Sprintf("no %s source configured", kind), err)
	}
	if err := source.Acquire(ctx); err != nil {
		return newError(CodeDeviceUnavailable, fmt.Sprintf("failed to acquire %s", kind), err)
	}

	loopCtx, cancel := context.WithCancel(sessionCtx)
	cs := &captureSession{
		id:        uuid.New().String(),
		kind:      kind,
		source:    source,
		interval:  cc.Interval(),
		threshold: o.cfg.Capture.FailureThreshold,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.captures[kind] = cs
	o.mu.Unlock()

	go func() {
		reason := o.captureLoop(loopCtx, cs)
		close(cs.done)
		if reason != "" {
			o.finishCapture(cs, reason)
		}
	}()

	o.logger.Info("Capture started",
		zap.String("capture_id", cs.id),
		zap.String("kind", kind),
		zap.Duration("interval", cs.interval))
	return nil
}

// captureLoop ships one frame per tick until the context ends or
// consecutive failures reach the threshold. It returns the self-termination
// reason, or empty when stopped from outside.
func (o *Orchestrator) captureLoop(ctx context.Context, cs *captureSession) string {
	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}

		if err := o.shipFrame(ctx, cs); err != nil {
			failures++
			o.metrics.CaptureFrames.WithLabelValues(cs.kind, "error").Inc()
			o.logger.Warn("Frame capture failed",
				zap.String("kind", cs.kind),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= cs.threshold {
				return fmt.Sprintf("%d consecutive failures", failures)
			}
			continue
		}

		failures = 0
		o.metrics.CaptureFrames.WithLabelValues(cs.kind, "ok").Inc()
	}
}

func (o *Orchestrator) shipFrame(ctx context.Context, cs *captureSession) error {
	frame, err := cs.source.Capture(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return fmt.Errorf("no session transport")
	}

	return client.SendImage(frame.Data, frame.MIME)
}

func (o *Orchestrator) stopCapture(kind string) {
	o.mu.Lock()
	cs := o.captures[kind]
	o.mu.Unlock()

	if cs == nil {
		return
	}
	o.finishCapture(cs, "stopped")
}

func (o *Orchestrator) finishCapture(cs *captureSession, reason string) {
	cs.finish.Do(func() {
		cs.cancel()
		<-cs.done

		if err := cs.source.Release(); err != nil {
			o.logger.Warn("Failed to release capture source",
				zap.String("kind", cs.kind),
				zap.Error(err))
		}

		o.mu.Lock()
		if o.captures[cs.kind] == cs {
			delete(o.captures, cs.kind)
		}
		events := o.events
		o.mu.Unlock()

		o.logger.Info("Capture stopped",
			zap.String("capture_id", cs.id),
			zap.String("kind", cs.kind),
			zap.String("reason", reason))
		events.emitCaptureStopped(cs.kind, reason)
	})
}
