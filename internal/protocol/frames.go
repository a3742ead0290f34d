package protocol

import (
	"fmt"
	"strings"
)

// Frame type tags. Every frame on the wire is one JSON object carrying a
// type tag plus a single payload field named after it.
const (
	frameTypeSetup        = "setup"
	frameTypeAudio        = "audio"
	frameTypeImage        = "image"
	frameTypeText         = "text"
	frameTypeToolResponse = "tool_response"
	frameTypeKeepalive    = "keepalive"

	frameTypeToolCall         = "tool_call"
	frameTypeToolCancellation = "tool_call_cancellation"
	frameTypeTranscription    = "transcription"
	frameTypeServerContent    = "server_content"
	frameTypeError            = "error"
)

// audioPCMPrefix identifies inline media parts that carry raw PCM audio.
const audioPCMPrefix = "audio/pcm"

// PCMMimeType returns the MIME type for raw 16-bit PCM at the given rate.
func PCMMimeType(sampleRate int) string {
	if sampleRate <= 0 {
		return audioPCMPrefix
	}
	return fmt.Sprintf("%s;rate=%d", audioPCMPrefix, sampleRate)
}

// SessionConfig is the immutable parameter bundle sent once in the setup
// frame. The remote is expected to apply it for the connection lifetime.
type SessionConfig struct {
	SessionID         string                `json:"session_id,omitempty"`
	Voice             string                `json:"voice,omitempty"`
	SystemInstruction string                `json:"system_instruction,omitempty"`
	InputSampleRate   int                   `json:"input_sample_rate"`
	OutputSampleRate  int                   `json:"output_sample_rate"`
	Temperature       float64               `json:"temperature,omitempty"`
	TopP              float64               `json:"top_p,omitempty"`
	TopK              int                   `json:"top_k,omitempty"`
	MaxOutputTokens   int                   `json:"max_output_tokens,omitempty"`
	Safety            map[string]string     `json:"safety,omitempty"`
	Tools             []FunctionDeclaration `json:"tools,omitempty"`
}

// FunctionDeclaration advertises one callable tool to the remote.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// MediaBlob carries base64 payload bytes plus their MIME type.
type MediaBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// TextPayload is one outbound text message. EndOfTurn tells the remote
// whether to start generating immediately or wait for more input.
type TextPayload struct {
	Body      string `json:"body"`
	EndOfTurn bool   `json:"end_of_turn"`
}

// ToolResponse is one correlated tool result. Exactly one of Output and
// Error reaches the wire; a populated Error supersedes any Output.
type ToolResponse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ToolCall is one remote function invocation request.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Transcription is one speech-to-text result for either direction.
type Transcription struct {
	Text   string `json:"text"`
	Final  bool   `json:"final,omitempty"`
	Source string `json:"source,omitempty"` // input or output
}

// ServerContent is the generic model output payload.
type ServerContent struct {
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turn_complete,omitempty"`
	ModelTurn    *ModelTurn `json:"model_turn,omitempty"`
}

// ModelTurn groups the content parts of one generation step.
type ModelTurn struct {
	Parts []ContentPart `json:"parts"`
}

// ContentPart is either inline text or base64 media.
type ContentPart struct {
	Text       string     `json:"text,omitempty"`
	InlineData *MediaBlob `json:"inline_data,omitempty"`
}

// IsAudio reports whether the part carries inline PCM audio.
func (p ContentPart) IsAudio() bool {
	return p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, audioPCMPrefix)
}

// ServerError is a remote-reported failure that keeps the connection open.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type setupFrame struct {
	Type  string        `json:"type"`
	Setup SessionConfig `json:"setup"`
}

type audioFrame struct {
	Type  string    `json:"type"`
	Audio MediaBlob `json:"audio"`
}

type imageFrame struct {
	Type  string    `json:"type"`
	Image MediaBlob `json:"image"`
}

type textFrame struct {
	Type string      `json:"type"`
	Text TextPayload `json:"text"`
}

type toolResponseFrame struct {
	Type      string         `json:"type"`
	Responses []ToolResponse `json:"tool_response"`
}

type keepaliveFrame struct {
	Type string `json:"type"`
}

// inboundFrame is the union of every payload the remote may send. Payload
// fields are inspected in priority order, so a frame carrying several is
// handled by the most urgent one.
type inboundFrame struct {
	Type                 string            `json:"type"`
	ToolCall             *toolCallPayload  `json:"tool_call,omitempty"`
	ToolCallCancellation *toolCancellation `json:"tool_call_cancellation,omitempty"`
	Transcription        *Transcription    `json:"transcription,omitempty"`
	ServerContent        *ServerContent    `json:"server_content,omitempty"`
	Error                *ServerError      `json:"error,omitempty"`
}

type toolCallPayload struct {
	Calls []ToolCall `json:"calls"`
}

type toolCancellation struct {
	IDs []string `json:"ids"`
}
