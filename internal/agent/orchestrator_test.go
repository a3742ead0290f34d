package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quillon/liveagent/internal/agent"
	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/capture"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/playback"
	"github.com/quillon/liveagent/internal/protocol"
	"github.com/quillon/liveagent/internal/tools"
	"github.com/quillon/liveagent/internal/transcribe"
)

func TestOrchestrator_ConnectRejectsWhenNotUninitialized(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))

	err := h.orch.Connect(context.Background())
	requireCode(t, err, agent.CodeConnection)
	assert.Equal(t, agent.StateConnected, h.orch.State())
}

func TestOrchestrator_ConnectFailureResetsState(t *testing.T) {
	h := newHarness(t)
	h.failConnect = errors.New("endpoint unreachable")

	err := h.orch.Connect(context.Background())
	requireCode(t, err, agent.CodeConnection)
	require.Equal(t, agent.StateUninitialized, h.orch.State())

	// A later attempt gets a fresh client and succeeds.
	h.failConnect = nil
	require.NoError(t, h.orch.Connect(context.Background()))
	assert.Equal(t, agent.StateConnected, h.orch.State())
}

func TestOrchestrator_InitializeRequiresConnected(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Initialize(context.Background())
	requireCode(t, err, agent.CodeConnection)
	assert.Equal(t, agent.StateUninitialized, h.orch.State())
}

func TestOrchestrator_InitializeSendsPriming(t *testing.T) {
	h := newHarness(t)
	h.cfg.Session.PrimingMessage = "Greet the user."

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	texts := h.client().sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, sentText{body: "Greet the user.", endOfTurn: true}, texts[0])
	assert.Equal(t, agent.StateInitialized, h.orch.State())
}

func TestOrchestrator_InitializeRollsBackOnSidecarFailure(t *testing.T) {
	h := newHarness(t)
	h.failSidecar = transcribe.SourceOutput

	require.NoError(t, h.orch.Connect(context.Background()))

	err := h.orch.Initialize(context.Background())
	requireCode(t, err, agent.CodeConnection)
	assert.Equal(t, agent.StateConnected, h.orch.State(), "a failed initialize leaves the session connected")

	assert.True(t, h.scheduler().isClosed(), "playback must be torn down")
	assert.True(t, h.mic().isClosed(), "microphone must be torn down")
	assert.True(t, h.sidecar(transcribe.SourceInput).isClosed(), "the already-connected sidecar must be torn down")

	// Recovery: the next initialize builds a fresh set and succeeds.
	h.failSidecar = ""
	require.NoError(t, h.orch.Initialize(context.Background()))
	assert.Equal(t, agent.StateInitialized, h.orch.State())
}

func TestOrchestrator_LifecycleStateEvents(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))
	require.NoError(t, h.orch.Disconnect(context.Background()))

	want := []stateChange{
		{agent.StateUninitialized, agent.StateConnecting},
		{agent.StateConnecting, agent.StateConnected},
		{agent.StateConnected, agent.StateInitialized},
		{agent.StateInitialized, agent.StateDisconnecting},
		{agent.StateDisconnecting, agent.StateUninitialized},
	}
	for _, w := range want {
		assert.Equal(t, w, waitFor(t, h.stateCh, "state change"))
	}
}

func TestOrchestrator_DisconnectIdempotent(t *testing.T) {
	h := newHarness(t)

	// Callable before any successful connect.
	require.NoError(t, h.orch.Disconnect(context.Background()))
	assert.Equal(t, agent.StateUninitialized, h.orch.State())

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Disconnect(context.Background()))
	require.NoError(t, h.orch.Disconnect(context.Background()))
	assert.Equal(t, agent.StateUninitialized, h.orch.State())
}

func TestOrchestrator_DisconnectTeardownOrder(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))
	require.NoError(t, h.orch.ToggleMicrophone(context.Background()))
	require.NoError(t, h.orch.StartCameraCapture(context.Background()))

	h.ops.clear()
	require.NoError(t, h.orch.Disconnect(context.Background()))

	assert.Equal(t, []string{
		"source.release",
		"mic.close",
		"scheduler.stop",
		"sidecar.close",
		"sidecar.close",
		"scheduler.close",
		"transport.close",
	}, h.ops.list())
}

func TestOrchestrator_ReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t)

	for cycle := 0; cycle < 2; cycle++ {
		require.NoError(t, h.orch.Connect(context.Background()))
		require.NoError(t, h.orch.Initialize(context.Background()))
		require.NoError(t, h.orch.Disconnect(context.Background()))
		require.Equal(t, agent.StateUninitialized, h.orch.State())
	}

	assert.Len(t, h.clients, 2, "each session mints a fresh client")
	assert.Len(t, h.schedulers, 2, "each session acquires a fresh playback engine")
}

func TestOrchestrator_InboundAudioFeedsScheduler(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))

	// Audio before Initialize has no device to play on.
	h.handlers().OnAudio([]byte{0x01, 0x02})

	require.NoError(t, h.orch.Initialize(context.Background()))
	h.handlers().OnAudio([]byte{0x03, 0x04, 0x05, 0x06})

	chunks := h.scheduler().streamed()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0x03, 0x04, 0x05, 0x06}, chunks[0])

	// Inbound audio also feeds the output transcription sidecar.
	assert.Equal(t, 1, h.sidecar(transcribe.SourceOutput).audioCount())
}

func TestOrchestrator_InterruptStopsPlayback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	h.handlers().OnInterrupted()

	waitFor(t, h.interruptedCh, "interrupted event")
	assert.Equal(t, 1, h.scheduler().interruptCount())
}

func TestOrchestrator_TurnCompleteMarksPlayback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	h.handlers().OnTurnComplete()

	waitFor(t, h.turnCompleteCh, "turn complete event")
	assert.Equal(t, 1, h.scheduler().completeCount())
}

func TestOrchestrator_ToolCallsReturnOneBatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dispatcher.Register(&echoTool{}))
	require.NoError(t, h.orch.Connect(context.Background()))

	h.handlers().OnToolCall([]protocol.ToolCall{
		{ID: "a", Name: "echo", Args: map[string]any{"v": "one"}},
		{ID: "b", Name: "unknown"},
	})

	batch := waitFor(t, h.client().toolCh, "batched tool responses")
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, map[string]any{"v": "one"}, batch[0].Output)
	assert.Equal(t, "b", batch[1].ID)
	assert.Contains(t, batch[1].Error, "not registered")

	responded := waitFor(t, h.toolRespondedCh, "tool responded event")
	assert.Len(t, responded, 2)
	assert.Equal(t, 1, h.client().toolBatchCount(), "responses travel as one frame")
}

func TestOrchestrator_ToolCancellationForwarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dispatcher.Register(&echoTool{}))
	require.NoError(t, h.orch.Connect(context.Background()))

	h.handlers().OnToolCallCancellation([]string{"c9"})
	h.handlers().OnToolCall([]protocol.ToolCall{
		{ID: "c9", Name: "echo"},
		{ID: "c10", Name: "echo", Args: map[string]any{"v": "live"}},
	})

	// The retracted id owes no response; only the live call answers.
	batch := waitFor(t, h.client().toolCh, "tool responses")
	require.Len(t, batch, 1)
	assert.Equal(t, "c10", batch[0].ID)
}

func TestOrchestrator_SendText(t *testing.T) {
	h := newHarness(t)

	err := h.orch.SendText("hello")
	requireCode(t, err, agent.CodeConnection)

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.SendText("hello"))

	texts := h.client().sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, sentText{body: "hello", endOfTurn: true}, texts[0])
}

func TestOrchestrator_ToggleMicrophone(t *testing.T) {
	h := newHarness(t)

	err := h.orch.ToggleMicrophone(context.Background())
	requireCode(t, err, agent.CodeDeviceUnavailable)

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	// First toggle acquires the stream and starts active.
	require.NoError(t, h.orch.ToggleMicrophone(context.Background()))
	assert.True(t, h.mic().isStarted())
	assert.True(t, h.orch.MicrophoneActive())

	// Later toggles suspend and resume without re-acquiring.
	require.NoError(t, h.orch.ToggleMicrophone(context.Background()))
	assert.False(t, h.orch.MicrophoneActive())
	require.NoError(t, h.orch.ToggleMicrophone(context.Background()))
	assert.True(t, h.orch.MicrophoneActive())
	assert.Equal(t, 1, h.mic().startCount())
}

func TestOrchestrator_MicrophoneUplink(t *testing.T) {
	h := newHarness(t)
	h.cfg.Audio.SilenceHangMs = 40

	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))
	require.NoError(t, h.orch.ToggleMicrophone(context.Background()))

	h.mic().push(voicedPCM())

	assert.Eventually(t, func() bool {
		return h.client().audioCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "microphone audio reaches the transport")
	assert.Eventually(t, func() bool {
		return h.sidecar(transcribe.SourceInput).audioCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "microphone audio reaches the input sidecar")

	// Voiced audio raises speech activity; the hang time lowers it.
	assert.True(t, waitFor(t, h.speechCh, "speech active"))
	assert.False(t, waitFor(t, h.speechCh, "speech inactive after hang"))
}

func TestOrchestrator_CameraCaptureShipsFrames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	require.NoError(t, h.orch.StartCameraCapture(context.Background()))

	// Double start is rejected while the session runs.
	err := h.orch.StartCameraCapture(context.Background())
	requireCode(t, err, agent.CodeCaptureFailure)

	assert.Eventually(t, func() bool {
		return h.client().imageCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "frames flow at the configured rate")

	h.orch.StopCameraCapture()

	stopped := waitFor(t, h.captureStoppedCh, "capture stopped event")
	assert.Equal(t, captureStop{kind: capture.KindCamera, reason: "stopped"}, stopped)
	assert.True(t, h.source(capture.KindCamera).isReleased())
}

func TestOrchestrator_CameraFailureThresholdStopsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	h.sourceErr = errors.New("device wedged")
	require.NoError(t, h.orch.StartCameraCapture(context.Background()))

	stopped := waitFor(t, h.captureStoppedCh, "threshold stop event")
	assert.Equal(t, capture.KindCamera, stopped.kind)
	assert.Contains(t, stopped.reason, "consecutive failures")
	assert.True(t, h.source(capture.KindCamera).isReleased())

	assert.Never(t, func() bool {
		return len(h.captureStoppedCh) > 0
	}, 300*time.Millisecond, 25*time.Millisecond, "the stopped event fires exactly once")

	// The slot is free again after self-termination.
	h.sourceErr = nil
	require.NoError(t, h.orch.StartCameraCapture(context.Background()))
}

func TestOrchestrator_TranscriptFanout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))
	require.NoError(t, h.orch.Initialize(context.Background()))

	// Sidecar transcripts and primary-connection transcriptions both fan
	// out through the same event.
	h.sidecar(transcribe.SourceInput).pushTranscript("hello", false)
	got := waitFor(t, h.transcriptCh, "sidecar transcript")
	assert.Equal(t, transcriptEvt{source: "input", text: "hello"}, got)

	h.handlers().OnTranscription(protocol.Transcription{Source: "output", Text: "done", Final: true})
	got = waitFor(t, h.transcriptCh, "primary transcription")
	assert.Equal(t, transcriptEvt{source: "output", text: "done", final: true}, got)
}

func TestOrchestrator_TransportLossSurfacesError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Connect(context.Background()))

	h.handlers().OnClose(errors.New("connection reset"))

	err := waitFor(t, h.errorCh, "transport loss error")
	requireCode(t, err, agent.CodeConnection)
}

// Helper functions

type stateChange struct{ from, to agent.State }

type transcriptEvt struct {
	source string
	text   string
	final  bool
}

type captureStop struct{ kind, reason string }

type sentText struct {
	body      string
	endOfTurn bool
}

func requireCode(t *testing.T, err error, code agent.Code) {
	t.Helper()

	var agentErr *agent.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, code, agentErr.Code)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

func voicedPCM() []byte {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x40 // amplitude 0.5, well above the silence threshold
	}
	return pcm
}

// echoTool returns its arguments, for dispatcher integration tests.
type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "echoes arguments back" }
func (echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (echoTool) Execute(_ context.Context, args map[string]any, _ tools.CallContext) tools.Result {
	return tools.Result{Output: args}
}

// opLog records teardown steps across fakes so order can be asserted.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) clear() {
	l.mu.Lock()
	l.ops = nil
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type harness struct {
	cfg        *config.Config
	ops        *opLog
	orch       *agent.Orchestrator
	dispatcher tools.Dispatcher

	failConnect error
	failSidecar string
	sourceErr   error

	mu         sync.Mutex
	clients    []*fakeClient
	schedulers []*fakeScheduler
	mics       []*fakeMic
	sidecars   map[string]*fakeSidecar
	sources    map[string]*fakeSource
	handlerTab protocol.Handlers

	stateCh          chan stateChange
	transcriptCh     chan transcriptEvt
	interruptedCh    chan struct{}
	turnCompleteCh   chan struct{}
	toolRespondedCh  chan []protocol.ToolResponse
	captureStoppedCh chan captureStop
	speechCh         chan bool
	errorCh          chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.URL = "wss://example.invalid/session"
	cfg.Session.InputSampleRate = 16000
	cfg.Session.OutputSampleRate = 16000
	cfg.Session.Caller = "tester"
	cfg.Audio.Backend = "none"
	cfg.Audio.SilenceThreshold = 0.01
	cfg.Audio.SilenceHangMs = 1500
	cfg.Transcription.Enabled = true
	cfg.Capture.Camera.FPS = 200
	cfg.Capture.Screen.FPS = 200
	cfg.Capture.FailureThreshold = 3

	h := &harness{
		cfg:              cfg,
		ops:              &opLog{},
		sidecars:         make(map[string]*fakeSidecar),
		sources:          make(map[string]*fakeSource),
		stateCh:          make(chan stateChange, 16),
		transcriptCh:     make(chan transcriptEvt, 16),
		interruptedCh:    make(chan struct{}, 16),
		turnCompleteCh:   make(chan struct{}, 16),
		toolRespondedCh:  make(chan []protocol.ToolResponse, 16),
		captureStoppedCh: make(chan captureStop, 16),
		speechCh:         make(chan bool, 16),
		errorCh:          make(chan error, 16),
	}

	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics()

	processor, err := audio.NewProcessor(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = processor.Close() })

	dispatcher, err := tools.NewDispatcher(logger, cfg, metrics)
	require.NoError(t, err)
	h.dispatcher = dispatcher

	h.orch = agent.NewOrchestrator(agent.OrchestratorParams{
		Logger:         logger,
		Config:         cfg,
		Metrics:        metrics,
		Processor:      processor,
		Tap:            audio.NewWAVTap(logger, cfg),
		ClientFactory:  h.clientFactory,
		EngineFactory:  h.engineFactory,
		MicFactory:     h.micFactory,
		SourceFactory:  h.sourceFactory,
		SidecarFactory: h.sidecarFactory,
		Dispatcher:     dispatcher,
	})
	h.orch.SetEvents(agent.Events{
		OnStateChange:    func(from, to agent.State) { h.stateCh <- stateChange{from, to} },
		OnTranscript:     func(source, text string, final bool) { h.transcriptCh <- transcriptEvt{source, text, final} },
		OnInterrupted:    func() { h.interruptedCh <- struct{}{} },
		OnTurnComplete:   func() { h.turnCompleteCh <- struct{}{} },
		OnToolResponded:  func(rs []protocol.ToolResponse) { h.toolRespondedCh <- rs },
		OnCaptureStopped: func(kind, reason string) { h.captureStoppedCh <- captureStop{kind, reason} },
		OnSpeechActivity: func(active bool) { h.speechCh <- active },
		OnError:          func(err error) { h.errorCh <- err },
	})
	t.Cleanup(func() { _ = h.orch.Disconnect(context.Background()) })

	return h
}

func (h *harness) clientFactory(handlers protocol.Handlers) protocol.Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &fakeClient{
		ops:        h.ops,
		connectErr: h.failConnect,
		toolCh:     make(chan []protocol.ToolResponse, 16),
	}
	h.clients = append(h.clients, c)
	h.handlerTab = handlers
	return c
}

func (h *harness) engineFactory() (playback.Scheduler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &fakeScheduler{ops: h.ops}
	h.schedulers = append(h.schedulers, s)
	return s, nil
}

func (h *harness) micFactory() (capture.Microphone, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := &fakeMic{ops: h.ops}
	h.mics = append(h.mics, m)
	return m, nil
}

func (h *harness) sourceFactory(kind string) (capture.FrameSource, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &fakeSource{kind: kind, ops: h.ops, captureErr: h.sourceErr}
	h.sources[kind] = s
	return s, nil
}

func (h *harness) sidecarFactory(source string, sampleRate int, onTranscript transcribe.Handler) transcribe.Sidecar {
	h.mu.Lock()
	defer h.mu.Unlock()

	sc := &fakeSidecar{ops: h.ops, onTranscript: onTranscript}
	if h.failSidecar == source {
		sc.connectErr = errors.New("transcriber unreachable")
	}
	h.sidecars[source] = sc
	return sc
}

// The accessors return the most recently minted fake. They avoid require
// so they stay safe inside assert.Eventually closures.
func (h *harness) client() *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[len(h.clients)-1]
}

func (h *harness) scheduler() *fakeScheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.schedulers[len(h.schedulers)-1]
}

func (h *harness) mic() *fakeMic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mics[len(h.mics)-1]
}

func (h *harness) sidecar(source string) *fakeSidecar {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sidecars[source]
}

func (h *harness) source(kind string) *fakeSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[kind]
}

func (h *harness) handlers() protocol.Handlers {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlerTab
}

type fakeClient struct {
	ops        *opLog
	connectErr error
	toolCh     chan []protocol.ToolResponse

	mu          sync.Mutex
	state       protocol.ConnectionState
	audio       [][]byte
	images      int
	texts       []sentText
	toolBatches int
}

func (c *fakeClient) Connect(_ context.Context, _ string, _ protocol.SessionConfig) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.state = protocol.StateOpen
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) State() protocol.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) SendAudio(pcm []byte) error {
	c.mu.Lock()
	c.audio = append(c.audio, pcm)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SendImage([]byte, string) error {
	c.mu.Lock()
	c.images++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SendText(text string, endOfTurn bool) error {
	c.mu.Lock()
	c.texts = append(c.texts, sentText{body: text, endOfTurn: endOfTurn})
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SendToolResponse(responses ...protocol.ToolResponse) error {
	c.mu.Lock()
	c.toolBatches++
	c.mu.Unlock()
	c.toolCh <- responses
	return nil
}

func (c *fakeClient) SendKeepalive() error { return nil }

func (c *fakeClient) Disconnect() error {
	c.ops.add("transport.close")
	c.mu.Lock()
	c.state = protocol.StateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeClient) imageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images
}

func (c *fakeClient) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.texts...)
}

func (c *fakeClient) toolBatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolBatches
}

type fakeScheduler struct {
	ops *opLog

	mu         sync.Mutex
	chunks     [][]byte
	interrupts int
	completes  int
	closed     bool
}

func (s *fakeScheduler) Initialize(context.Context) error { return nil }

func (s *fakeScheduler) StreamAudio(chunk []byte) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	return nil
}

func (s *fakeScheduler) MarkComplete() {
	s.mu.Lock()
	s.completes++
	s.mu.Unlock()
}

func (s *fakeScheduler) Stop() { s.ops.add("scheduler.stop") }

func (s *fakeScheduler) OnInterrupt() {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
}

func (s *fakeScheduler) SetFaultHandler(func(error)) {}

func (s *fakeScheduler) Close() error {
	s.ops.add("scheduler.close")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeScheduler) streamed() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func (s *fakeScheduler) interruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *fakeScheduler) completeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes
}

func (s *fakeScheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMic struct {
	ops *opLog

	mu        sync.Mutex
	onChunk   func([]byte)
	starts    int
	suspended bool
	closed    bool
}

func (m *fakeMic) Start(_ context.Context, onChunk func([]byte)) error {
	m.mu.Lock()
	m.onChunk = onChunk
	m.starts++
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
}

func (m *fakeMic) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
}

func (m *fakeMic) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

func (m *fakeMic) Close() error {
	m.ops.add("mic.close")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// push delivers one chunk the way the audio callback would.
func (m *fakeMic) push(pcm []byte) {
	m.mu.Lock()
	onChunk := m.onChunk
	suspended := m.suspended
	m.mu.Unlock()

	if onChunk != nil && !suspended {
		onChunk(pcm)
	}
}

func (m *fakeMic) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts > 0
}

func (m *fakeMic) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *fakeMic) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeSidecar struct {
	ops          *opLog
	onTranscript transcribe.Handler
	connectErr   error

	mu     sync.Mutex
	audio  int
	closed bool
}

func (s *fakeSidecar) Connect(context.Context) error { return s.connectErr }

func (s *fakeSidecar) SendAudio([]byte) error {
	s.mu.Lock()
	s.audio++
	s.mu.Unlock()
	return nil
}

func (s *fakeSidecar) SetFaultHandler(func(error)) {}

func (s *fakeSidecar) Close() error {
	s.ops.add("sidecar.close")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSidecar) pushTranscript(text string, final bool) {
	if s.onTranscript != nil {
		s.onTranscript(text, final)
	}
}

func (s *fakeSidecar) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *fakeSidecar) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	kind       string
	ops        *opLog
	captureErr error

	mu       sync.Mutex
	acquired bool
	released bool
}

func (s *fakeSource) Acquire(context.Context) error {
	s.mu.Lock()
	s.acquired = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Capture(context.Context) (capture.Frame, error) {
	if s.captureErr != nil {
		return capture.Frame{}, s.captureErr
	}
	return capture.Frame{Data: []byte{0xFF, 0xD8}, MIME: "image/jpeg"}, nil
}

func (s *fakeSource) Release() error {
	s.ops.add("source.release")
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Kind() string { return s.kind }

func (s *fakeSource) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
