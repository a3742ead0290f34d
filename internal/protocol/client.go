package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
)

var (
	// ErrAlreadyConnected is returned when Connect is called on a client
	// that is connecting or connected. Clients are single-use.
	ErrAlreadyConnected = errors.New("session client already connected")

	// ErrNotConnected is returned by send operations outside the Open state.
	ErrNotConnected = errors.New("session client not connected")

	// ErrProtocolViolation is returned when a caller hands the client a
	// frame the wire contract forbids. Nothing is written.
	ErrProtocolViolation = errors.New("protocol violation")
)

// closeWriteTimeout bounds the close handshake on Disconnect.
const closeWriteTimeout = 2 * time.Second

// ConnectionState tracks the transport lifecycle. Transitions are
// serialized under the client mutex.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers is the typed callback table wired before Connect. Nil entries
// are skipped. Callbacks run on the read loop goroutine, so they must not
// block on the client's own operations.
type Handlers struct {
	OnAudio                func(pcm []byte)
	OnContent              func(parts []ContentPart)
	OnToolCall             func(calls []ToolCall)
	OnToolCallCancellation func(ids []string)
	OnTranscription        func(t Transcription)
	OnInterrupted          func()
	OnTurnComplete         func()
	OnError                func(err error)
	OnClose                func(err error)
}

func (h Handlers) emitAudio(pcm []byte) {
	if h.OnAudio != nil {
		h.OnAudio(pcm)
	}
}

func (h Handlers) emitContent(parts []ContentPart) {
	if h.OnContent != nil {
		h.OnContent(parts)
	}
}

func (h Handlers) emitToolCall(calls []ToolCall) {
	if h.OnToolCall != nil {
		h.OnToolCall(calls)
	}
}

func (h Handlers) emitToolCallCancellation(ids []string) {
	if h.OnToolCallCancellation != nil {
		h.OnToolCallCancellation(ids)
	}
}

func (h Handlers) emitTranscription(t Transcription) {
	if h.OnTranscription != nil {
		h.OnTranscription(t)
	}
}

func (h Handlers) emitInterrupted() {
	if h.OnInterrupted != nil {
		h.OnInterrupted()
	}
}

func (h Handlers) emitTurnComplete() {
	if h.OnTurnComplete != nil {
		h.OnTurnComplete()
	}
}

func (h Handlers) emitError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) emitClose(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Client multiplexes the five logical session channels over one
// bidirectional connection: outbound audio, image and text, inbound model
// content and tool traffic, plus control signals.
type Client interface {
	// Connect dials the endpoint, sends the fire-and-forget setup frame and
	// returns once the transport is open. It does not wait for the remote
	// to acknowledge the setup.
	Connect(ctx context.Context, url string, setup SessionConfig) error

	// State returns the current transport state.
	State() ConnectionState

	// SendAudio wraps one PCM chunk in an audio envelope.
	SendAudio(pcm []byte) error

	// SendImage wraps one encoded image in an image envelope.
	SendImage(data []byte, mimeType string) error

	// SendText sends user text. endOfTurn tells the remote whether to start
	// generating now or wait for more input.
	SendText(text string, endOfTurn bool) error

	// SendToolResponse transmits correlated tool results. Every response is
	// validated before anything is written.
	SendToolResponse(responses ...ToolResponse) error

	// SendKeepalive sends an empty keepalive envelope.
	SendKeepalive() error

	// Disconnect closes the transport and waits for the read loop to exit.
	// Idempotent; never errors on an already closed client.
	Disconnect() error
}

// Factory builds one single-use Client wired to the given handler table.
type Factory func(handlers Handlers) Client

// NewFactory captures endpoint configuration once so the orchestrator can
// mint a fresh client per connection attempt.
func NewFactory(logger *zap.Logger, cfg *config.Config, metrics *observability.Metrics) Factory {
	return func(handlers Handlers) Client {
		return &client{
			logger:           logger,
			metrics:          metrics,
			handlers:         handlers,
			apiKey:           cfg.Server.APIKey,
			handshakeTimeout: cfg.Server.HandshakeTimeout(),
			state:            StateIdle,
		}
	}
}

type client struct {
	logger           *zap.Logger
	metrics          *observability.Metrics
	handlers         Handlers
	apiKey           string
	handshakeTimeout time.Duration

	mu        sync.Mutex
	state     ConnectionState
	conn      *websocket.Conn
	audioMIME string
	readDone  chan struct{}

	// writeMu serializes frame writes so per-channel call order is
	// preserved on the wire.
	writeMu sync.Mutex
}

func (c *client) Connect(ctx context.Context, url string, setup SessionConfig) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyConnected, state)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	header := make(http.Header)
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("dial session endpoint (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial session endpoint: %w", err)
	}

	// Setup is fire-and-forget; the session is usable as soon as the
	// transport is open.
	if err := conn.WriteJSON(setupFrame{Type: frameTypeSetup, Setup: setup}); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		return fmt.Errorf("send setup frame: %w", err)
	}
	c.metrics.FramesSent.WithLabelValues(frameTypeSetup).Inc()

	c.mu.Lock()
	c.conn = conn
	c.audioMIME = PCMMimeType(setup.InputSampleRate)
	c.readDone = make(chan struct{})
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Info("Session connected",
		zap.String("voice", setup.Voice),
		zap.Int("input_sample_rate", setup.InputSampleRate),
		zap.Int("output_sample_rate", setup.OutputSampleRate),
		zap.Int("tools", len(setup.Tools)))

	return nil
}

func (c *client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	mime := c.audioMIME
	c.mu.Unlock()

	return c.send(frameTypeAudio, audioFrame{
		Type: frameTypeAudio,
		Audio: MediaBlob{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		},
	})
}

func (c *client) SendImage(data []byte, mimeType string) error {
	return c.send(frameTypeImage, imageFrame{
		Type: frameTypeImage,
		Image: MediaBlob{
			MIMEType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		},
	})
}

func (c *client) SendText(text string, endOfTurn bool) error {
	return c.send(frameTypeText, textFrame{
		Type: frameTypeText,
		Text: TextPayload{Body: text, EndOfTurn: endOfTurn},
	})
}

func (c *client) SendToolResponse(responses ...ToolResponse) error {
	if len(responses) == 0 {
		return nil
	}

	outbound := make([]ToolResponse, 0, len(responses))
	for _, resp := range responses {
		if resp.ID == "" {
			return fmt.Errorf("%w: tool response missing correlation id", ErrProtocolViolation)
		}
		if resp.Error != "" {
			// An error supersedes whatever output the tool produced.
			resp.Output = nil
		} else if resp.Output == nil {
			return fmt.Errorf("%w: tool response %q carries neither output nor error", ErrProtocolViolation, resp.ID)
		}
		outbound = append(outbound, resp)
	}

	return c.send(frameTypeToolResponse, toolResponseFrame{
		Type:      frameTypeToolResponse,
		Responses: outbound,
	})
}

func (c *client) SendKeepalive() error {
	return c.send(frameTypeKeepalive, keepaliveFrame{Type: frameTypeKeepalive})
}

func (c *client) Disconnect() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	conn := c.conn
	done := c.readDone
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	_ = conn.Close()

	<-done

	c.mu.Lock()
	c.conn = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.logger.Info("Session disconnected")
	return nil
}

// send validates connection state, serializes the write and counts the
// frame. Frame construction stays in the exported wrappers.
func (c *client) send(frameType string, frame any) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s frame: %w", frameType, err)
	}

	c.metrics.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}

func (c *client) readLoop(conn *websocket.Conn) {
	defer close(c.readDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)

			c.mu.Lock()
			localClose := c.state == StateClosing || c.state == StateClosed
			c.setStateLocked(StateClosed)
			c.mu.Unlock()

			if clean || localClose {
				c.logger.Info("Session connection closed")
				c.handlers.emitClose(nil)
			} else {
				c.logger.Warn("Session connection lost", zap.Error(err))
				c.handlers.emitClose(err)
			}
			return
		}

		c.dispatch(data)
	}
}

// dispatch decodes one inbound frame and routes it by payload, most urgent
// first: tool traffic beats transcription beats generic content.
func (c *client) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("Dropping undecodable frame", zap.Error(err))
		return
	}

	switch {
	case frame.ToolCall != nil:
		c.metrics.FramesReceived.WithLabelValues(frameTypeToolCall).Inc()
		c.logger.Debug("Tool calls received", zap.Int("count", len(frame.ToolCall.Calls)))
		c.handlers.emitToolCall(frame.ToolCall.Calls)

	case frame.ToolCallCancellation != nil:
		c.metrics.FramesReceived.WithLabelValues(frameTypeToolCancellation).Inc()
		c.logger.Debug("Tool call cancellation received",
			zap.Strings("ids", frame.ToolCallCancellation.IDs))
		c.handlers.emitToolCallCancellation(frame.ToolCallCancellation.IDs)

	case frame.Transcription != nil:
		c.metrics.FramesReceived.WithLabelValues(frameTypeTranscription).Inc()
		c.handlers.emitTranscription(*frame.Transcription)

	case frame.ServerContent != nil:
		c.metrics.FramesReceived.WithLabelValues(frameTypeServerContent).Inc()
		c.handleServerContent(*frame.ServerContent)

	case frame.Error != nil:
		c.metrics.FramesReceived.WithLabelValues(frameTypeError).Inc()
		err := fmt.Errorf("server error %s: %s", frame.Error.Code, frame.Error.Message)
		c.logger.Warn("Server reported error",
			zap.String("code", frame.Error.Code),
			zap.String("message", frame.Error.Message))
		c.handlers.emitError(err)

	default:
		c.logger.Debug("Ignoring frame without payload", zap.String("type", frame.Type))
	}
}

func (c *client) handleServerContent(sc ServerContent) {
	if sc.Interrupted {
		// Nothing else in the frame matters once the user interrupted.
		c.logger.Info("Model turn interrupted by user")
		c.handlers.emitInterrupted()
		return
	}

	if sc.ModelTurn != nil {
		var other []ContentPart
		for _, part := range sc.ModelTurn.Parts {
			if part.IsAudio() {
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					c.logger.Warn("Dropping undecodable audio part", zap.Error(err))
					continue
				}
				// Audio reaches the scheduler chunk-by-chunk for latency.
				c.handlers.emitAudio(pcm)
			} else {
				other = append(other, part)
			}
		}
		if len(other) > 0 {
			c.handlers.emitContent(other)
		}
	}

	if sc.TurnComplete {
		c.logger.Debug("Model turn complete")
		c.handlers.emitTurnComplete()
	}
}

// setStateLocked transitions the connection state. Callers hold c.mu.
func (c *client) setStateLocked(state ConnectionState) {
	c.state = state
	c.metrics.ConnectionState.Set(float64(state))
}
