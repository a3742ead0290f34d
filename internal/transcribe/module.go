package transcribe

import "go.uber.org/fx"

// Module provides the transcription sidecar factory.
var Module = fx.Module("transcribe",
	fx.Provide(NewSidecarFactory),
)
