package agent

import "github.com/quillon/liveagent/internal/protocol"

// Events is the orchestrator's outward callback table. Every entry is
// optional; nil callbacks are skipped. Callbacks run on internal goroutines
// and must not block on the orchestrator's own lifecycle operations.
type Events struct {
	OnStateChange    func(from, to State)
	OnContent        func(parts []protocol.ContentPart)
	OnTranscript     func(source, text string, final bool)
	OnInterrupted    func()
	OnTurnComplete   func()
	OnToolResponded  func(responses []protocol.ToolResponse)
	OnCaptureStopped func(kind, reason string)
	OnSpeechActivity func(active bool)
	OnError          func(err error)
}

func (e Events) emitStateChange(from, to State) {
	if e.OnStateChange != nil {
		e.OnStateChange(from, to)
	}
}

func (e Events) emitContent(parts []protocol.ContentPart) {
	if e.OnContent != nil {
		e.OnContent(parts)
	}
}

func (e Events) emitTranscript(source, text string, final bool) {
	if e.OnTranscript != nil {
		e.OnTranscript(source, text, final)
	}
}

func (e Events) emitInterrupted() {
	if e.OnInterrupted != nil {
		e.OnInterrupted()
	}
}

func (e Events) emitTurnComplete() {
	if e.OnTurnComplete != nil {
		e.OnTurnComplete()
	}
}

func (e Events) emitToolResponded(responses []protocol.ToolResponse) {
	if e.OnToolResponded != nil {
		e.OnToolResponded(responses)
	}
}

func (e Events) emitCaptureStopped(kind, reason string) {
	if e.OnCaptureStopped != nil {
		e.OnCaptureStopped(kind, reason)
	}
}

func (e Events) emitSpeechActivity(active bool) {
	if e.OnSpeechActivity != nil {
		e.OnSpeechActivity(active)
	}
}

func (e Events) emitError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}
