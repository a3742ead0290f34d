// Package transcribe maintains auxiliary transcription connections, one per
// speech source, independent of the primary session transport.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/resilience"
)

// Speech sources a sidecar can transcribe.
const (
	SourceInput  = "input"
	SourceOutput = "output"
)

// ErrSidecarClosed is returned by operations after Close.
var ErrSidecarClosed = errors.New("transcription sidecar closed")

// Handler receives transcript segments as they arrive.
type Handler func(text string, final bool)

// Sidecar is one transcription connection. Audio goes up as binary frames
// (raw PCM or Opus per configuration); transcripts come back through the
// handler. Lost connections reconnect with capped exponential backoff;
// once the cap is reached the sidecar is terminal and stays down.
type Sidecar interface {
	// Connect dials the transcriber and waits for its ready frame within
	// the setup timeout.
	Connect(ctx context.Context) error

	// SendAudio ships one PCM chunk. Chunks are dropped while a reconnect
	// is in flight; after terminal failure the terminal error is returned.
	SendAudio(pcm []byte) error

	// SetFaultHandler registers the callback fired once if reconnection
	// gives up for good.
	SetFaultHandler(fn func(error))

	// Close tears the connection down and cancels any reconnect. Idempotent.
	Close() error
}

// SidecarFactory mints a Sidecar for one speech source.
type SidecarFactory func(source string, sampleRate int, onTranscript Handler) Sidecar

func NewSidecarFactory(logger *zap.Logger, cfg *config.Config, processor audio.Processor, metrics *observability.Metrics) SidecarFactory {
	return func(source string, sampleRate int, onTranscript Handler) Sidecar {
		runCtx, cancel := context.WithCancel(context.Background())
		return &sidecar{
			logger:       logger.With(zap.String("source", source)),
			processor:    processor,
			metrics:      metrics,
			policy:       resilience.FromConfig(cfg.Transcription.Reconnect),
			url:          cfg.Transcription.URL,
			codec:        cfg.Transcription.Codec,
			source:       source,
			sampleRate:   sampleRate,
			opusRate:     cfg.Session.InputSampleRate,
			keepAlive:    cfg.Transcription.KeepAlive(),
			setupTimeout: cfg.Transcription.SetupTimeout(),
			onTranscript: onTranscript,
			runCtx:       runCtx,
			runCancel:    cancel,
		}
	}
}

type sidecar struct {
	logger       *zap.Logger
	processor    audio.Processor
	metrics      *observability.Metrics
	policy       resilience.Policy
	url          string
	codec        string
	source       string
	sampleRate   int
	opusRate     int
	keepAlive    time.Duration
	setupTimeout time.Duration
	onTranscript Handler

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	terminalErr error
	onFault     func(error)

	// writeMu serializes audio and keep-alive writes on one connection.
	writeMu sync.Mutex
}

type sidecarSetup struct {
	Source     string `json:"source"`
	SampleRate int    `json:"sample_rate"`
	Codec      string `json:"codec"`
}

type sidecarSetupFrame struct {
	Type  string       `json:"type"`
	Setup sidecarSetup `json:"setup"`
}

type sidecarKeepaliveFrame struct {
	Type string `json:"type"`
}

type sidecarInboundFrame struct {
	Type       string             `json:"type"`
	Transcript *transcriptPayload `json:"transcript,omitempty"`
}

type transcriptPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

func (s *sidecar) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSidecarClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.establish(ctx)
}

// establish dials, performs the setup handshake and starts the connection
// goroutines. Used by Connect and by every reconnect attempt.
func (s *sidecar) establish(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.setupTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial transcriber (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial transcriber: %w", err)
	}

	setup := sidecarSetupFrame{
		Type: "setup",
		Setup: sidecarSetup{
			Source:     s.source,
			SampleRate: s.sampleRate,
			Codec:      s.codec,
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send transcriber setup: %w", err)
	}

	// Unlike the primary session, the transcriber must acknowledge before
	// audio flows.
	_ = conn.SetReadDeadline(time.Now().Add(s.setupTimeout))
	var ack sidecarInboundFrame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("wait for transcriber ready: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ack.Type != "ready" {
		_ = conn.Close()
		return fmt.Errorf("unexpected first transcriber frame %q", ack.Type)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSidecarClosed
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.keepAliveLoop(conn, done)

	s.logger.Info("Transcription sidecar connected",
		zap.String("codec", s.codec),
		zap.Int("sample_rate", s.sampleRate))

	return nil
}

func (s *sidecar) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSidecarClosed
	}
	if s.terminalErr != nil {
		err := s.terminalErr
		s.mu.Unlock()
		return err
	}
	if !s.connected {
		s.mu.Unlock()
		// Transcription is best-effort; audio during a reconnect is lost.
		s.logger.Debug("Dropping audio chunk while disconnected")
		return nil
	}
	conn := s.conn
	s.mu.Unlock()

	payload := pcm
	if s.codec == "opus" {
		encoded, err := s.encodeOpus(pcm)
		if err != nil {
			return fmt.Errorf("encode transcription audio: %w", err)
		}
		payload = encoded
	}

	s.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send transcription audio: %w", err)
	}
	return nil
}

// encodeOpus converts one chunk to a single Opus frame, resampling first
// when the source rate differs from the codec rate.
func (s *sidecar) encodeOpus(pcm []byte) ([]byte, error) {
	if s.sampleRate != s.opusRate {
		resampled, err := s.processor.Resample(pcm, s.sampleRate, s.opusRate)
		if err != nil {
			return nil, err
		}
		pcm = resampled
	}
	return s.processor.PCMToOpus(pcm)
}

func (s *sidecar) SetFaultHandler(fn func(error)) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

func (s *sidecar) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	s.runCancel()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.logger.Info("Transcription sidecar closed")
	return nil
}

func (s *sidecar) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		var frame sidecarInboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Transcript == nil {
			continue
		}

		s.metrics.Transcripts.WithLabelValues(s.source).Inc()
		s.logger.Debug("Transcript segment",
			zap.Bool("final", frame.Transcript.Final),
			zap.Int("length", len(frame.Transcript.Text)))

		if s.onTranscript != nil {
			s.onTranscript(frame.Transcript.Text, frame.Transcript.Final)
		}
	}

	// Stops the keep-alive ticker before any reconnect starts.
	close(done)

	s.mu.Lock()
	wasClosed := s.closed
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	s.mu.Unlock()

	if wasClosed {
		return
	}

	s.logger.Warn("Transcription connection lost, reconnecting")
	s.reconnect()
}

func (s *sidecar) keepAliveLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		s.writeMu.Lock()
		err := conn.WriteJSON(sidecarKeepaliveFrame{Type: "keepalive"})
		s.writeMu.Unlock()
		if err != nil {
			// The read loop observes the same failure and reconnects.
			return
		}
	}
}

func (s *sidecar) reconnect() {
	err := s.policy.Run(s.runCtx, s.logger, func(ctx context.Context, attempt int) error {
		s.metrics.SidecarReconnects.Inc()
		return s.establish(ctx)
	})
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSidecarClosed) {
		return
	}

	s.mu.Lock()
	s.terminalErr = fmt.Errorf("transcription sidecar for %s: %w", s.source, err)
	terminal := s.terminalErr
	onFault := s.onFault
	s.mu.Unlock()

	s.logger.Error("Transcription sidecar terminated", zap.Error(err))

	if onFault != nil {
		onFault(terminal)
	}
}
