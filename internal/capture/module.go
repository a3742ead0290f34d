package capture

import "go.uber.org/fx"

// Module provides the microphone and frame source factories.
var Module = fx.Module("capture",
	fx.Provide(NewMicrophoneFactory, NewSourceFactory),
)
