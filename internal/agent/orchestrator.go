// Package agent binds transport, playback, capture, transcription and tools
// into one session state machine.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/capture"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/playback"
	"github.com/quillon/liveagent/internal/protocol"
	"github.com/quillon/liveagent/internal/tools"
	"github.com/quillon/liveagent/internal/transcribe"
)

// State is the orchestrator lifecycle position. Connect only opens the
// transport; Initialize is the separate step that commits to device
// acquisition, so a caller can show connection status before asking for
// microphone permissions.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateInitialized
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// micChunkBuffer is the hand-off depth between the audio callback and the
// uplink worker. The callback drops chunks once it fills.
const micChunkBuffer = 32

// Orchestrator is the top-level session coordinator. One protocol client is
// alive per orchestrator at a time; lifecycle transitions are serialized.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       *config.Config
	metrics   *observability.Metrics
	processor audio.Processor
	tap       *audio.WAVTap

	clientFactory  protocol.Factory
	engineFactory  playback.EngineFactory
	micFactory     capture.MicrophoneFactory
	sourceFactory  capture.SourceFactory
	sidecarFactory transcribe.SidecarFactory
	dispatcher     tools.Dispatcher

	// opMu serializes the public lifecycle operations.
	opMu sync.Mutex

	// mu guards the session fields read from handler goroutines. It is
	// never held across blocking calls.
	mu            sync.Mutex
	state         State
	events        Events
	sessionID     string
	client        protocol.Client
	scheduler     playback.Scheduler
	mic           capture.Microphone
	micStarted    bool
	sidecars      map[string]transcribe.Sidecar
	captures      map[string]*captureSession
	micChunks     chan []byte
	speech        *speechGate
	uplinkDone    chan struct{}
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
}

// OrchestratorParams holds the dependencies for NewOrchestrator.
type OrchestratorParams struct {
	fx.In

	Logger         *zap.Logger
	Config         *config.Config
	Metrics        *observability.Metrics
	Processor      audio.Processor
	Tap            *audio.WAVTap
	ClientFactory  protocol.Factory
	EngineFactory  playback.EngineFactory
	MicFactory     capture.MicrophoneFactory
	SourceFactory  capture.SourceFactory
	SidecarFactory transcribe.SidecarFactory
	Dispatcher     tools.Dispatcher
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	return &Orchestrator{
		logger:         params.Logger,
		cfg:            params.Config,
		metrics:        params.Metrics,
		processor:      params.Processor,
		tap:            params.Tap,
		clientFactory:  params.ClientFactory,
		engineFactory:  params.EngineFactory,
		micFactory:     params.MicFactory,
		sourceFactory:  params.SourceFactory,
		sidecarFactory: params.SidecarFactory,
		dispatcher:     params.Dispatcher,
		sidecars:       make(map[string]transcribe.Sidecar),
		captures:       make(map[string]*captureSession),
	}
}

// SetEvents registers the callback table. Call it before Connect; replacing
// callbacks mid-session races with emission.
func (o *Orchestrator) SetEvents(events Events) {
	o.mu.Lock()
	o.events = events
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setState transitions and notifies. Callers must not hold mu.
func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	events := o.events
	o.mu.Unlock()

	if from == to {
		return
	}
	o.logger.Info("Session state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	events.emitStateChange(from, to)
}

// Connect opens the session transport and wires inbound events. It does not
// touch audio or capture devices; Initialize does that.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if st := o.State(); st != StateUninitialized {
		return newError(CodeConnection, fmt.Sprintf("connect rejected in state %s", st), nil)
	}
	o.setState(StateConnecting)

	sessionID := uuid.New().String()
	sessionCtx, cancel := context.WithCancel(context.Background())
	client := o.clientFactory(o.protocolHandlers())

	if err := client.Connect(ctx, o.cfg.Server.URL, o.sessionSetup(sessionID)); err != nil {
		cancel()
		o.setState(StateUninitialized)
		return newError(CodeConnection, "failed to open session transport", err)
	}

	o.mu.Lock()
	o.sessionID = sessionID
	o.client = client
	o.sessionCtx = sessionCtx
	o.sessionCancel = cancel
	o.mu.Unlock()

	o.setState(StateConnected)
	o.logger.Info("Session transport open",
		zap.String("session_id", sessionID),
		zap.String("url", o.cfg.Server.URL))
	return nil
}

// Initialize commits to device acquisition: playback engine, microphone
// (constructed, not recording), transcription sidecars and the optional
// priming message. Any failure tears down what was built and leaves the
// session Connected.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if st := o.State(); st != StateConnected {
		return newError(CodeConnection, fmt.Sprintf("initialize requires a connected session, state is %s", st), nil)
	}

	sched, err := o.engineFactory()
	if err != nil {
		return newError(CodeDeviceUnavailable, "failed to acquire output device", err)
	}
	if err := sched.Initialize(ctx); err != nil {
		_ = sched.Close()
		return newError(codeFor(err, CodeDeviceUnavailable), "failed to start playback", err)
	}
	sched.SetFaultHandler(func(err error) {
		o.emitError(newError(CodeDeviceUnavailable, "playback halted", err))
	})

	mic, err := o.micFactory()
	if err != nil {
		_ = sched.Close()
		return newError(CodeDeviceUnavailable, "failed to construct microphone", err)
	}

	sidecars := make(map[string]transcribe.Sidecar)
	teardown := func() {
		for _, sc := range sidecars {
			_ = sc.Close()
		}
		_ = mic.Close()
		_ = sched.Close()
	}

	if o.cfg.Transcription.Enabled {
		specs := []struct {
			source string
			rate   int
		}{
			{transcribe.SourceInput, o.cfg.Session.InputSampleRate},
			{transcribe.SourceOutput, o.cfg.Session.OutputSampleRate},
		}
		for _, spec := range specs {
			source := spec.source
			sc := o.sidecarFactory(source, spec.rate, func(text string, final bool) {
				o.emitTranscript(source, text, final)
			})
			sc.SetFaultHandler(func(err error) {
				o.emitError(newError(CodeConnection, fmt.Sprintf("%s transcription lost", source), err))
			})
			if err := sc.Connect(ctx); err != nil {
				teardown()
				return newError(CodeConnection, fmt.Sprintf("failed to connect %s transcription", source), err)
			}
			sidecars[source] = sc
		}
	}

	if priming := o.cfg.Session.PrimingMessage; priming != "" {
		o.mu.Lock()
		client := o.client
		o.mu.Unlock()
		if err := client.SendText(priming, true); err != nil {
			teardown()
			return newError(CodeConnection, "failed to send priming message", err)
		}
	}

	micChunks := make(chan []byte, micChunkBuffer)
	speech := newSpeechGate(o.cfg.Audio.SilenceHang())
	uplinkDone := make(chan struct{})

	o.mu.Lock()
	o.scheduler = sched
	o.mic = mic
	o.micStarted = false
	o.sidecars = sidecars
	o.micChunks = micChunks
	o.speech = speech
	o.uplinkDone = uplinkDone
	sessionCtx := o.sessionCtx
	o.mu.Unlock()

	go o.uplinkLoop(sessionCtx, micChunks, speech, uplinkDone)

	o.setState(StateInitialized)
	o.logger.Info("Session initialized",
		zap.Bool("transcription", o.cfg.Transcription.Enabled),
		zap.Bool("primed", o.cfg.Session.PrimingMessage != ""))
	return nil
}

// Disconnect tears the session down in strict order: stop everything that
// produces work, then capture sessions, then audio I/O, then sidecars, then
// the output device, then the transport. Step failures are logged, never
// propagated, and the state always lands on Uninitialized. Idempotent and
// callable before any successful connect.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.state == StateUninitialized && o.client == nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.setState(StateDisconnecting)

	// Nothing may produce new work past this point: cancel the session
	// context, every capture timer and the speech debouncer first.
	o.mu.Lock()
	cancel := o.sessionCancel
	sessions := make([]*captureSession, 0, len(o.captures))
	for _, cs := range o.captures {
		sessions = append(sessions, cs)
	}
	speech := o.speech
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, cs := range sessions {
		cs.cancel()
	}
	if speech != nil {
		speech.stop()
	}

	for _, cs := range sessions {
		o.finishCapture(cs, "disconnected")
	}

	o.mu.Lock()
	sessionID := o.sessionID
	mic := o.mic
	sched := o.scheduler
	sidecars := o.sidecars
	client := o.client
	uplinkDone := o.uplinkDone
	o.sessionID = ""
	o.mic = nil
	o.micStarted = false
	o.scheduler = nil
	o.sidecars = make(map[string]transcribe.Sidecar)
	o.client = nil
	o.micChunks = nil
	o.speech = nil
	o.uplinkDone = nil
	o.sessionCtx = nil
	o.sessionCancel = nil
	o.mu.Unlock()

	if mic != nil {
		if err := mic.Close(); err != nil {
			o.logger.Warn("Failed to close microphone", zap.Error(err))
		}
	}
	if sched != nil {
		sched.Stop()
	}
	for source, sc := range sidecars {
		if err := sc.Close(); err != nil {
			o.logger.Warn("Failed to close transcription sidecar",
				zap.String("source", source),
				zap.Error(err))
		}
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			o.logger.Warn("Failed to release output device", zap.Error(err))
		}
	}
	if client != nil {
		if err := client.Disconnect(); err != nil {
			o.logger.Warn("Failed to close session transport", zap.Error(err))
		}
	}
	if uplinkDone != nil {
		<-uplinkDone
	}

	o.setState(StateUninitialized)
	o.logger.Info("Session torn down", zap.String("session_id", sessionID))
	return nil
}

// SendText forwards user text as a complete turn.
func (o *Orchestrator) SendText(text string) error {
	o.mu.Lock()
	st := o.state
	client := o.client
	o.mu.Unlock()

	if client == nil || (st != StateConnected && st != StateInitialized) {
		return newError(CodeConnection, fmt.Sprintf("send requires a connected session, state is %s", st), nil)
	}
	if err := client.SendText(text, true); err != nil {
		return newError(codeFor(err, CodeConnection), "failed to send text", err)
	}
	return nil
}

// sessionSetup builds the immutable per-connection session parameters.
func (o *Orchestrator) sessionSetup(sessionID string) protocol.SessionConfig {
	var declarations []protocol.FunctionDeclaration
	if o.dispatcher != nil {
		declarations = o.dispatcher.Declarations()
	}

	s := o.cfg.Session
	return protocol.SessionConfig{
		SessionID:         sessionID,
		Voice:             s.Voice,
		SystemInstruction: s.SystemInstruction,
		InputSampleRate:   s.InputSampleRate,
		OutputSampleRate:  s.OutputSampleRate,
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		TopK:              s.TopK,
		MaxOutputTokens:   s.MaxOutputTokens,
		Safety:            s.Safety,
		Tools:             declarations,
	}
}

func (o *Orchestrator) protocolHandlers() protocol.Handlers {
	return protocol.Handlers{
		OnAudio:                o.handleInboundAudio,
		OnContent:              o.handleContent,
		OnToolCall:             o.handleToolCalls,
		OnToolCallCancellation: o.handleToolCancellation,
		OnTranscription: func(t protocol.Transcription) {
			o.emitTranscript(t.Source, t.Text, t.Final)
		},
		OnInterrupted:  o.handleInterrupted,
		OnTurnComplete: o.handleTurnComplete,
		OnError: func(err error) {
			o.emitError(newError(CodeConnection, "session error", err))
		},
		OnClose: o.handleTransportClose,
	}
}

// handleInboundAudio feeds the playback scheduler, the debug tap and the
// output-speech sidecar. Audio arriving before Initialize has no device to
// play on and is dropped.
func (o *Orchestrator) handleInboundAudio(pcm []byte) {
	o.mu.Lock()
	sched := o.scheduler
	sidecar := o.sidecars[transcribe.SourceOutput]
	o.mu.Unlock()

	if sched == nil {
		o.logger.Debug("Dropping inbound audio before initialization")
		return
	}
	if err := sched.StreamAudio(pcm); err != nil {
		o.logger.Warn("Failed to enqueue inbound audio", zap.Error(err))
	}

	o.tap.Write(audio.TapPlayed, pcm, o.cfg.Session.OutputSampleRate)

	if sidecar != nil {
		if err := sidecar.SendAudio(pcm); err != nil {
			o.logger.Debug("Output transcription dropped a chunk", zap.Error(err))
		}
	}
}

func (o *Orchestrator) handleContent(parts []protocol.ContentPart) {
	o.mu.Lock()
	events := o.events
	o.mu.Unlock()
	events.emitContent(parts)
}

// handleToolCalls dispatches off the read loop so slow tools cannot stall
// inbound audio. Calls within one batch run sequentially and return as one
// batched response frame.
func (o *Orchestrator) handleToolCalls(calls []protocol.ToolCall) {
	o.mu.Lock()
	ctx := o.sessionCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		responses := o.dispatchTools(ctx, calls)
		if len(responses) == 0 {
			return
		}

		o.mu.Lock()
		client := o.client
		events := o.events
		o.mu.Unlock()

		if client == nil {
			o.logger.Warn("No session to return tool responses on",
				zap.Int("responses", len(responses)))
			return
		}
		if err := client.SendToolResponse(responses...); err != nil {
			o.logger.Error("Failed to send tool responses", zap.Error(err))
			o.emitError(newError(codeFor(err, CodeToolExecution), "failed to send tool responses", err))
			return
		}
		events.emitToolResponded(responses)
	}()
}

// dispatchTools always yields structured responses: with no dispatcher
// available every call still gets an error response rather than silence.
func (o *Orchestrator) dispatchTools(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResponse {
	if o.dispatcher != nil {
		return o.dispatcher.DispatchBatch(ctx, calls)
	}

	responses := make([]protocol.ToolResponse, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			continue
		}
		responses = append(responses, protocol.ToolResponse{
			ID:    call.ID,
			Name:  call.Name,
			Error: "tool dispatcher unavailable",
		})
	}
	return responses
}

func (o *Orchestrator) handleToolCancellation(ids []string) {
	if o.dispatcher != nil {
		o.dispatcher.Cancel(ids)
	}
}

func (o *Orchestrator) handleInterrupted() {
	o.mu.Lock()
	sched := o.scheduler
	events := o.events
	o.mu.Unlock()

	if sched != nil {
		sched.OnInterrupt()
	}
	events.emitInterrupted()
}

func (o *Orchestrator) handleTurnComplete() {
	o.mu.Lock()
	sched := o.scheduler
	events := o.events
	o.mu.Unlock()

	if sched != nil {
		sched.MarkComplete()
	}
	events.emitTurnComplete()
}

// handleTransportClose surfaces unexpected transport loss. Closes observed
// while disconnecting are the expected outcome of Disconnect and ignored.
func (o *Orchestrator) handleTransportClose(err error) {
	st := o.State()
	if st == StateDisconnecting || st == StateUninitialized {
		return
	}

	if err != nil {
		o.emitError(newError(CodeConnection, "session transport lost", err))
		return
	}
	o.emitError(newError(CodeConnection, "session closed by remote", nil))
}

func (o *Orchestrator) emitTranscript(source, text string, final bool) {
	o.mu.Lock()
	events := o.events
	o.mu.Unlock()
	events.emitTranscript(source, text, final)
}

func (o *Orchestrator) emitError(err error) {
	o.mu.Lock()
	events := o.events
	o.mu.Unlock()
	events.emitError(err)
}
